// Package imagecache keeps a bounded window of decoded images around the
// image currently on screen.
//
// The control goroutine moves the window with SetCenter and reads pixels with
// Request. A single background goroutine prefetches the rest of the window,
// nearest indices first, and backs off when memory runs high. Every mutation
// of the resident set happens under one mutex; background inserts are checked
// against a generation counter so a prefetch scheduled for an old window is
// dropped instead of repopulating it.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ivlev/boxlabel/internal/config"
	"github.com/ivlev/boxlabel/internal/source"
	"github.com/ivlev/boxlabel/internal/system"
)

var (
	ErrOutOfRange = errors.New("image index out of range")
	ErrClosed     = errors.New("image cache closed")
)

// Options tune the window, eviction and the background loader.
type Options struct {
	WindowSize        int
	EvictionBuffer    int
	MinEvictionBuffer int
	MaxDimension      int

	// HighWatermark is the resident byte count above which the cache
	// evicts aggressively and shrinks prefetch batches.
	HighWatermark int64
	// MinAvailable is the host free-memory floor reported by Available.
	MinAvailable uint64
	Available    func() (uint64, error)

	InitialBatch  int
	MinBatch      int
	MaxBatch      int
	PrefetchDelay time.Duration
	PressureDelay time.Duration

	ResizeCacheSize int
	Logger          *log.Logger
}

// OptionsFromConfig maps the cache section of the config and wires the host
// memory probe.
func OptionsFromConfig(cc config.CacheConfig, logger *log.Logger) Options {
	return Options{
		WindowSize:        cc.WindowSize,
		EvictionBuffer:    cc.EvictionBuffer,
		MinEvictionBuffer: cc.MinEvictionBuffer,
		MaxDimension:      cc.MaxDimension,
		HighWatermark:     cc.HighWatermarkBytes(),
		MinAvailable:      cc.MinAvailableBytes(),
		Available:         system.AvailableMemory,
		InitialBatch:      cc.Batch.Initial,
		MinBatch:          cc.Batch.Min,
		MaxBatch:          cc.Batch.Max,
		PrefetchDelay:     cc.PrefetchDelay,
		PressureDelay:     cc.PressureDelay,
		ResizeCacheSize:   cc.ResizeCacheSize,
		Logger:            logger,
	}
}

func (o *Options) setDefaults() {
	if o.WindowSize < 1 {
		o.WindowSize = 1
	}
	if o.MinEvictionBuffer > o.EvictionBuffer {
		o.MinEvictionBuffer = o.EvictionBuffer
	}
	if o.MinBatch < 1 {
		o.MinBatch = 1
	}
	if o.MaxBatch < o.MinBatch {
		o.MaxBatch = o.MinBatch
	}
	if o.InitialBatch < o.MinBatch || o.InitialBatch > o.MaxBatch {
		o.InitialBatch = o.MinBatch
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Stats is a point-in-time view of the cache, for status bars and logs.
type Stats struct {
	Resident       int
	Failed         int
	Bytes          int64
	BatchSize      int
	EvictionBuffer int
	Generation     uint64
	Decodes        int
	Center         int
	ResizeHitRate  float64
}

type Cache struct {
	src    source.Source
	opts   Options
	logger *log.Logger
	resize *ResizeCache
	group  singleflight.Group

	mu             sync.Mutex
	resident       map[int]*Record
	failed         map[int]error
	dims           map[int]image.Point
	pins           map[int]int
	center         int
	generation     uint64
	evictionBuffer int
	batchSize      int
	decodes        int
	closed         bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the cache and starts its prefetcher, which runs until ctx is
// cancelled or Close is called. Nothing is loaded before the first SetCenter.
func New(ctx context.Context, src source.Source, opts Options) *Cache {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(ctx)

	c := &Cache{
		src:            src,
		opts:           opts,
		logger:         opts.Logger,
		resize:         NewResizeCache(opts.ResizeCacheSize),
		resident:       make(map[int]*Record),
		failed:         make(map[int]error),
		dims:           make(map[int]image.Point),
		pins:           make(map[int]int),
		center:         -1,
		evictionBuffer: opts.EvictionBuffer,
		batchSize:      opts.InitialBatch,
		wake:           make(chan struct{}, 1),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *Cache) Len() int {
	return c.src.Len()
}

// SetCenter moves the window to index, evicts residents that fell outside
// the window plus the eviction buffer, and wakes the prefetcher. A move that
// leaves the current window starts a new generation.
func (c *Cache) SetCenter(index int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if index < 0 || index >= c.src.Len() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}

	if c.center < 0 {
		c.generation++
	} else if start, end := c.window(c.center); index < start || index >= end {
		c.generation++
	}
	c.center = index
	c.evictLocked()
	c.mu.Unlock()

	c.signal()
	return nil
}

// Request returns the decoded image at index. A miss decodes inline rather
// than waiting on the prefetcher; a decode already running in the
// background for the same index is joined instead of repeated.
func (c *Cache) Request(index int) (*Record, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if index < 0 || index >= c.src.Len() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if rec, ok := c.resident[index]; ok {
		c.mu.Unlock()
		return rec, nil
	}
	if err, ok := c.failed[index]; ok {
		c.mu.Unlock()
		return nil, err
	}
	c.pins[index]++
	gen := c.generation
	c.mu.Unlock()
	defer c.unpin(index)

	rec, err := c.load(index)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		// A Reset or Close during the decode makes the failure stale.
		if !c.closed && gen == c.generation {
			c.failed[index] = err
		}
		return nil, err
	}
	if existing, ok := c.resident[index]; ok {
		return existing, nil
	}
	if !c.closed && (gen == c.generation || c.inKeepRange(index)) {
		c.resident[index] = rec
	}
	return rec, nil
}

// Pin keeps index resident until the returned release func is called.
func (c *Cache) Pin(index int) (release func()) {
	c.mu.Lock()
	c.pins[index]++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unpin(index) })
	}
}

func (c *Cache) unpin(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[index] <= 1 {
		delete(c.pins, index)
		return
	}
	c.pins[index]--
}

// Scaled returns the image at index rescaled to w×h, reusing a previous
// rescale when the size is unchanged.
func (c *Cache) Scaled(index, w, h int) (*image.RGBA, error) {
	if w < 1 || h < 1 {
		return nil, fmt.Errorf("invalid target size %dx%d", w, h)
	}
	rec, err := c.Request(index)
	if err != nil {
		return nil, err
	}

	key := ResizeKey{Index: index, Width: w, Height: h}
	if img, ok := c.resize.Get(key); ok {
		return img, nil
	}
	img := Rescale(rec.Image, w, h)
	c.resize.Put(key, img)
	return img, nil
}

// Dimensions returns the size index has, or will have, once decoded and
// downsampled, without decoding it when possible.
func (c *Cache) Dimensions(index int) (int, int, error) {
	c.mu.Lock()
	if index < 0 || index >= c.src.Len() {
		c.mu.Unlock()
		return 0, 0, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if rec, ok := c.resident[index]; ok {
		c.mu.Unlock()
		return rec.Width, rec.Height, nil
	}
	if p, ok := c.dims[index]; ok {
		c.mu.Unlock()
		return p.X, p.Y, nil
	}
	if err, ok := c.failed[index]; ok {
		c.mu.Unlock()
		return 0, 0, err
	}
	c.mu.Unlock()

	w, h, err := c.src.Dimensions(index)
	if err != nil {
		return 0, 0, fmt.Errorf("read dimensions of %s: %w", c.src.Path(index), err)
	}
	w, h = FitWithin(w, h, c.opts.MaxDimension)

	c.mu.Lock()
	c.dims[index] = image.Point{X: w, Y: h}
	c.mu.Unlock()
	return w, h, nil
}

// MemoryUsage is the summed pixel-buffer size of all residents.
func (c *Cache) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryUsageLocked()
}

func (c *Cache) memoryUsageLocked() int64 {
	var total int64
	for _, rec := range c.resident {
		total += rec.Bytes()
	}
	return total
}

// Resident reports whether index is currently decoded and held.
func (c *Cache) Resident(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.resident[index]
	return ok
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Resident:       len(c.resident),
		Failed:         len(c.failed),
		Bytes:          c.memoryUsageLocked(),
		BatchSize:      c.batchSize,
		EvictionBuffer: c.evictionBuffer,
		Generation:     c.generation,
		Decodes:        c.decodes,
		Center:         c.center,
		ResizeHitRate:  c.resize.HitRate(),
	}
}

// Reset drops every resident, failure and rescale and starts a new
// generation, invalidating in-flight prefetches.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.generation++
	c.center = -1
	clear(c.resident)
	clear(c.failed)
	clear(c.dims)
	c.evictionBuffer = c.opts.EvictionBuffer
	c.batchSize = c.opts.InitialBatch
	c.mu.Unlock()

	c.resize.Clear()
}

// Close stops the prefetcher and releases all residents. It is safe to call twice.
func (c *Cache) Close() error {
	c.cancel()
	<-c.done

	c.mu.Lock()
	c.closed = true
	c.generation++
	clear(c.resident)
	clear(c.dims)
	c.mu.Unlock()

	c.resize.Clear()
	return nil
}

// window is the half-open index range [start, end) of width WindowSize
// starting WindowSize/2 before center, clipped to the source.
func (c *Cache) window(center int) (int, int) {
	start := center - c.opts.WindowSize/2
	end := start + c.opts.WindowSize
	return max(start, 0), min(end, c.src.Len())
}

// keepRange extends the window by half the current eviction buffer on each side.
func (c *Cache) keepRange() (int, int) {
	start, end := c.window(c.center)
	half := c.evictionBuffer / 2
	return max(start-half, 0), min(end+half, c.src.Len())
}

func (c *Cache) inKeepRange(index int) bool {
	if c.center < 0 {
		return false
	}
	lo, hi := c.keepRange()
	return index >= lo && index < hi
}

// evictLocked removes residents outside the keep range. The center and
// pinned indices always survive.
func (c *Cache) evictLocked() int {
	if c.center < 0 {
		return 0
	}
	lo, hi := c.keepRange()
	evicted := 0
	for index := range c.resident {
		if index >= lo && index < hi {
			continue
		}
		if index == c.center || c.pins[index] > 0 {
			continue
		}
		delete(c.resident, index)
		c.resize.DropIndex(index)
		evicted++
	}
	return evicted
}

// load decodes index once even when the control goroutine and the
// prefetcher ask for it at the same time.
func (c *Cache) load(index int) (*Record, error) {
	v, err, _ := c.group.Do(strconv.Itoa(index), func() (interface{}, error) {
		return c.decode(index)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (c *Cache) decode(index int) (*Record, error) {
	img, err := c.src.Decode(index)
	if err != nil {
		derr := &DecodeError{Index: index, Path: c.src.Path(index), Err: err}
		c.logger.Printf("[!] %v", derr)
		return nil, derr
	}

	rgb := normalize(img, c.opts.MaxDimension)
	rec := &Record{
		Index:  index,
		Key:    c.src.Key(index),
		Path:   c.src.Path(index),
		Width:  rgb.Rect.Dx(),
		Height: rgb.Rect.Dy(),
		Image:  rgb,
	}

	c.mu.Lock()
	c.decodes++
	c.dims[index] = image.Point{X: rec.Width, Y: rec.Height}
	c.mu.Unlock()
	return rec, nil
}

func (c *Cache) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
