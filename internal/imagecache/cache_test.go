package imagecache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves generated solid images. Decodes block while gate is set
// and indices in broken always fail.
type fakeSource struct {
	n      int
	w, h   int
	broken map[int]bool

	mu      sync.Mutex
	decodes map[int]int
	gate    chan struct{}
}

func newFakeSource(n, w, h int) *fakeSource {
	return &fakeSource{n: n, w: w, h: h, broken: map[int]bool{}, decodes: map[int]int{}}
}

func (s *fakeSource) Len() int          { return s.n }
func (s *fakeSource) Key(i int) string  { return fmt.Sprintf("img_%03d.png", i) }
func (s *fakeSource) Path(i int) string { return "/fake/" + s.Key(i) }
func (s *fakeSource) Close() error      { return nil }

func (s *fakeSource) Dimensions(int) (int, int, error) { return s.w, s.h, nil }

func (s *fakeSource) Decode(i int) (image.Image, error) {
	s.mu.Lock()
	s.decodes[i]++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if s.broken[i] {
		return nil, errors.New("truncated file")
	}
	img := image.NewNRGBA(image.Rect(0, 0, s.w, s.h))
	for y := 0; y < s.h; y++ {
		for x := 0; x < s.w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(i), G: 10, B: 20, A: 255})
		}
	}
	return img, nil
}

func (s *fakeSource) decodeCount(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodes[i]
}

func testOptions() Options {
	return Options{
		WindowSize:        10,
		EvictionBuffer:    4,
		MinEvictionBuffer: 2,
		MaxDimension:      64,
		InitialBatch:      3,
		MinBatch:          1,
		MaxBatch:          6,
		PrefetchDelay:     time.Millisecond,
		PressureDelay:     5 * time.Millisecond,
		ResizeCacheSize:   4,
		Logger:            log.New(io.Discard, "", 0),
	}
}

func newTestCache(t *testing.T, src *fakeSource, opts Options) *Cache {
	t.Helper()
	c := New(context.Background(), src, opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{4000, 3000, 1920, 1920, 1440},
		{3000, 4000, 1920, 1440, 1920},
		{800, 600, 1920, 800, 600},
		{5000, 2, 1920, 1920, 1},
		{100, 100, 0, 100, 100},
	}
	for _, tt := range tests {
		w, h := FitWithin(tt.w, tt.h, tt.max)
		assert.Equal(t, tt.wantW, w, "%dx%d", tt.w, tt.h)
		assert.Equal(t, tt.wantH, h, "%dx%d", tt.w, tt.h)
	}
}

func TestNormalizeDropsAlphaAndDownsamples(t *testing.T) {
	src := image.NewNRGBA(image.Rect(10, 10, 210, 110))
	for y := 10; y < 110; y++ {
		for x := 10; x < 210; x++ {
			src.Set(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}

	rgb := normalize(src, 100)
	assert.Equal(t, image.Rect(0, 0, 100, 50), rgb.Bounds())
	assert.Len(t, rgb.Pix, 100*50*BytesPerPixel)

	r, g, b, a := rgb.At(50, 25).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.InDelta(t, 200, r>>8, 2)
	assert.InDelta(t, 100, g>>8, 2)
	assert.InDelta(t, 50, b>>8, 2)
}

func TestRequestDecodesInline(t *testing.T) {
	src := newFakeSource(5, 200, 100)
	c := newTestCache(t, src, testOptions())

	rec, err := c.Request(2)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Index)
	assert.Equal(t, "img_002.png", rec.Key)
	assert.Equal(t, 64, rec.Width)
	assert.Equal(t, 32, rec.Height)
	assert.Equal(t, int64(64*32*BytesPerPixel), rec.Bytes())

	again, err := c.Request(2)
	require.NoError(t, err)
	assert.Same(t, rec, again)
	assert.Equal(t, 1, src.decodeCount(2))
}

func TestRequestOutOfRange(t *testing.T) {
	c := newTestCache(t, newFakeSource(3, 8, 8), testOptions())

	_, err := c.Request(3)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = c.Request(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.ErrorIs(t, c.SetCenter(7), ErrOutOfRange)
}

func TestDecodeFailureIsRemembered(t *testing.T) {
	src := newFakeSource(3, 8, 8)
	src.broken[1] = true
	c := newTestCache(t, src, testOptions())

	_, err := c.Request(1)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 1, derr.Index)
	assert.Equal(t, "/fake/img_001.png", derr.Path)

	_, err = c.Request(1)
	require.Error(t, err)
	assert.Equal(t, 1, src.decodeCount(1))
	assert.Equal(t, 1, c.Stats().Failed)
}

func TestPrefetchFillsWindow(t *testing.T) {
	src := newFakeSource(50, 16, 16)
	opts := testOptions()
	c := newTestCache(t, src, opts)

	require.NoError(t, c.SetCenter(20))
	require.Eventually(t, func() bool {
		return c.Stats().Resident == opts.WindowSize
	}, 2*time.Second, 5*time.Millisecond)

	for i := 15; i < 25; i++ {
		assert.True(t, c.Resident(i), "index %d", i)
	}
	assert.False(t, c.Resident(14))
	assert.False(t, c.Resident(25))
	assert.Equal(t, int64(opts.WindowSize*16*16*BytesPerPixel), c.MemoryUsage())
}

func TestWindowClipsAtEdges(t *testing.T) {
	src := newFakeSource(4, 8, 8)
	c := newTestCache(t, src, testOptions())

	require.NoError(t, c.SetCenter(0))
	require.Eventually(t, func() bool {
		return c.Stats().Resident == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResidentSetStaysBounded(t *testing.T) {
	src := newFakeSource(200, 8, 8)
	opts := testOptions()
	c := newTestCache(t, src, opts)

	bound := opts.WindowSize + opts.EvictionBuffer
	for _, center := range []int{10, 11, 12, 60, 61, 150, 3, 199} {
		require.NoError(t, c.SetCenter(center))
		_, err := c.Request(center)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Stats().Resident, bound)
	}

	require.Eventually(t, func() bool {
		st := c.Stats()
		return st.Resident <= bound && c.Resident(199)
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 180; i++ {
		assert.False(t, c.Resident(i), "index %d outside keep range", i)
	}
}

func TestSmallStepKeepsGeneration(t *testing.T) {
	c := newTestCache(t, newFakeSource(100, 8, 8), testOptions())

	require.NoError(t, c.SetCenter(50))
	gen := c.Stats().Generation
	require.NoError(t, c.SetCenter(51))
	assert.Equal(t, gen, c.Stats().Generation)

	require.NoError(t, c.SetCenter(90))
	assert.Equal(t, gen+1, c.Stats().Generation)
}

func TestFailureBeforeResetIsForgotten(t *testing.T) {
	src := newFakeSource(3, 8, 8)
	src.broken[1] = true
	src.gate = make(chan struct{})
	c := newTestCache(t, src, testOptions())

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(1)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return src.decodeCount(1) == 1
	}, 2*time.Second, time.Millisecond)

	c.Reset()
	src.mu.Lock()
	close(src.gate)
	src.gate = nil
	src.mu.Unlock()

	require.Error(t, <-errc)
	assert.Zero(t, c.Stats().Failed)

	_, err := c.Request(1)
	require.Error(t, err)
	assert.Equal(t, 2, src.decodeCount(1))
	assert.Equal(t, 1, c.Stats().Failed)
}

func TestStalePrefetchIsDiscarded(t *testing.T) {
	src := newFakeSource(200, 8, 8)
	src.gate = make(chan struct{})
	opts := testOptions()
	opts.InitialBatch = 1
	opts.MaxBatch = 1
	c := newTestCache(t, src, opts)

	require.NoError(t, c.SetCenter(10))
	require.Eventually(t, func() bool {
		return src.decodeCount(10) == 1
	}, 2*time.Second, time.Millisecond)

	// The prefetcher is now blocked decoding 10. Jump far away and release it.
	require.NoError(t, c.SetCenter(150))
	src.mu.Lock()
	close(src.gate)
	src.gate = nil
	src.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.Resident(150)
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.Resident(10))
}

func TestPinnedIndexSurvivesEviction(t *testing.T) {
	c := newTestCache(t, newFakeSource(200, 8, 8), testOptions())

	_, err := c.Request(5)
	require.NoError(t, err)
	release := c.Pin(5)

	require.NoError(t, c.SetCenter(5))
	require.NoError(t, c.SetCenter(150))
	assert.True(t, c.Resident(5))

	release()
	release()
	require.NoError(t, c.SetCenter(100))
	assert.False(t, c.Resident(5))
}

func TestMemoryPressureShrinksBatch(t *testing.T) {
	src := newFakeSource(100, 8, 8)
	opts := testOptions()
	opts.InitialBatch = 6
	opts.MinAvailable = 1 << 30

	var mu sync.Mutex
	avail := uint64(1 << 20)
	opts.Available = func() (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		return avail, nil
	}
	c := newTestCache(t, src, opts)

	require.NoError(t, c.SetCenter(50))
	require.Eventually(t, func() bool {
		st := c.Stats()
		return st.BatchSize == opts.MinBatch && st.EvictionBuffer == opts.MinEvictionBuffer
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	avail = 1 << 40
	mu.Unlock()
	require.Eventually(t, func() bool {
		st := c.Stats()
		return st.EvictionBuffer == opts.EvictionBuffer && st.BatchSize > opts.MinBatch
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatermarkEvictsToMinimumBuffer(t *testing.T) {
	src := newFakeSource(100, 8, 8)
	opts := testOptions()
	opts.HighWatermark = 1
	c := newTestCache(t, src, opts)

	require.NoError(t, c.SetCenter(50))
	require.Eventually(t, func() bool {
		return c.Stats().EvictionBuffer == opts.MinEvictionBuffer
	}, 2*time.Second, 5*time.Millisecond)

	// Nothing outside window plus the minimum buffer survives.
	lo := 45 - opts.MinEvictionBuffer/2
	hi := 55 + opts.MinEvictionBuffer/2
	for i := 0; i < 100; i++ {
		if i < lo || i >= hi {
			assert.False(t, c.Resident(i), "index %d", i)
		}
	}
}

func TestDimensionsWithoutDecode(t *testing.T) {
	src := newFakeSource(3, 300, 150)
	c := newTestCache(t, src, testOptions())

	w, h, err := c.Dimensions(1)
	require.NoError(t, err)
	assert.Equal(t, 64, w)
	assert.Equal(t, 32, h)
	assert.Zero(t, src.decodeCount(1))

	rec, err := c.Request(1)
	require.NoError(t, err)
	assert.Equal(t, w, rec.Width)
	assert.Equal(t, h, rec.Height)
}

func TestScaledReusesRescale(t *testing.T) {
	c := newTestCache(t, newFakeSource(3, 16, 16), testOptions())

	a, err := c.Scaled(0, 32, 32)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 32), a.Bounds())

	b, err := c.Scaled(0, 32, 32)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = c.Scaled(0, 0, 10)
	assert.Error(t, err)
	assert.InDelta(t, 0.5, c.Stats().ResizeHitRate, 1e-9)
}

func TestResetAndClose(t *testing.T) {
	c := New(context.Background(), newFakeSource(10, 8, 8), testOptions())

	_, err := c.Request(3)
	require.NoError(t, err)
	gen := c.Stats().Generation

	c.Reset()
	st := c.Stats()
	assert.Zero(t, st.Resident)
	assert.Equal(t, -1, st.Center)
	assert.Greater(t, st.Generation, gen)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.Request(3)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.SetCenter(1), ErrClosed)
}

func TestResizeCacheFlushesWhenFull(t *testing.T) {
	rc := NewResizeCache(2)
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))

	rc.Put(ResizeKey{Index: 0, Width: 1, Height: 1}, img)
	rc.Put(ResizeKey{Index: 1, Width: 1, Height: 1}, img)
	assert.Equal(t, 2, rc.Len())

	rc.Put(ResizeKey{Index: 1, Width: 1, Height: 1}, img)
	assert.Equal(t, 2, rc.Len())

	rc.Put(ResizeKey{Index: 2, Width: 1, Height: 1}, img)
	assert.Equal(t, 1, rc.Len())

	_, ok := rc.Get(ResizeKey{Index: 0, Width: 1, Height: 1})
	assert.False(t, ok)
	_, ok = rc.Get(ResizeKey{Index: 2, Width: 1, Height: 1})
	assert.True(t, ok)
	assert.InDelta(t, 0.5, rc.HitRate(), 1e-9)

	rc.DropIndex(2)
	assert.Zero(t, rc.Len())
}
