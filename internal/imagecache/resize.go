package imagecache

import (
	"image"
	"sync"

	"golang.org/x/image/draw"
)

// ResizeKey identifies one rescaled rendition of a cached image.
type ResizeKey struct {
	Index  int
	Width  int
	Height int
}

// ResizeCache keeps a handful of display-sized bitmaps so a redraw at an
// unchanged size skips the rescale. When a new entry would exceed the
// capacity the whole cache is flushed; entries are only a latency saving.
type ResizeCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[ResizeKey]*image.RGBA
	hits     int
	misses   int
}

func NewResizeCache(capacity int) *ResizeCache {
	if capacity < 1 {
		capacity = 1
	}
	return &ResizeCache{
		capacity: capacity,
		entries:  make(map[ResizeKey]*image.RGBA, capacity),
	}
}

func (rc *ResizeCache) Get(key ResizeKey) (*image.RGBA, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	img, ok := rc.entries[key]
	if ok {
		rc.hits++
	} else {
		rc.misses++
	}
	return img, ok
}

func (rc *ResizeCache) Put(key ResizeKey, img *image.RGBA) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, ok := rc.entries[key]; !ok && len(rc.entries) >= rc.capacity {
		clear(rc.entries)
	}
	rc.entries[key] = img
}

// DropIndex forgets every rendition of one source image.
func (rc *ResizeCache) DropIndex(index int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for key := range rc.entries {
		if key.Index == index {
			delete(rc.entries, key)
		}
	}
}

func (rc *ResizeCache) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	clear(rc.entries)
}

func (rc *ResizeCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries)
}

// HitRate returns hits / lookups, or 0 before the first lookup.
func (rc *ResizeCache) HitRate() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	total := rc.hits + rc.misses
	if total == 0 {
		return 0
	}
	return float64(rc.hits) / float64(total)
}

// Rescale draws src into a new w×h bitmap. Enlarging uses Catmull-Rom for
// sharpness, shrinking uses the cheaper bilinear kernel.
func Rescale(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	var interp draw.Interpolator = draw.BiLinear
	if w > src.Bounds().Dx() {
		interp = draw.CatmullRom
	}
	interp.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
