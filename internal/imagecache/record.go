package imagecache

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// BytesPerPixel is the resident cost of one decoded pixel.
const BytesPerPixel = 3

// Record is one decoded, downsampled image held by the cache.
type Record struct {
	Index  int
	Key    string
	Path   string
	Width  int
	Height int
	Image  *RGB
}

// Bytes approximates the memory held by the pixel buffer.
func (r *Record) Bytes() int64 {
	return int64(r.Width) * int64(r.Height) * BytesPerPixel
}

// DecodeError marks an index whose file could not be read or decoded.
// The cache remembers it and never retries the file.
type DecodeError struct {
	Index int
	Path  string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image %d (%s): %v", e.Index, e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RGB is a packed 8-bit, 3-channel image. Alpha is dropped at decode time.
type RGB struct {
	Pix    []uint8
	Stride int
	Rect   image.Rectangle
}

func NewRGB(r image.Rectangle) *RGB {
	return &RGB{
		Pix:    make([]uint8, r.Dx()*r.Dy()*BytesPerPixel),
		Stride: r.Dx() * BytesPerPixel,
		Rect:   r,
	}
}

func (p *RGB) ColorModel() color.Model { return color.RGBAModel }

func (p *RGB) Bounds() image.Rectangle { return p.Rect }

func (p *RGB) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := p.PixOffset(x, y)
	return color.RGBA{R: p.Pix[i], G: p.Pix[i+1], B: p.Pix[i+2], A: 0xff}
}

func (p *RGB) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*BytesPerPixel
}

// FitWithin returns the size after shrinking w×h so its larger side is at
// most max. Smaller images and max <= 0 keep their size.
func FitWithin(w, h, max int) (int, int) {
	if max <= 0 || (w <= max && h <= max) {
		return w, h
	}
	if w >= h {
		return max, atLeastOne(h * max / w)
	}
	return atLeastOne(w * max / h), max
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// normalize downsamples with a Lanczos filter when needed and converts the
// result to RGB anchored at the origin.
func normalize(img image.Image, max int) *RGB {
	b := img.Bounds()
	w, h := FitWithin(b.Dx(), b.Dy(), max)

	var nrgba *image.NRGBA
	if w != b.Dx() || h != b.Dy() {
		nrgba = imaging.Resize(img, w, h, imaging.Lanczos)
	} else if n, ok := img.(*image.NRGBA); ok {
		nrgba = n
	} else {
		nrgba = imaging.Clone(img)
	}
	return toRGB(nrgba)
}

func toRGB(src *image.NRGBA) *RGB {
	b := src.Bounds()
	dst := NewRGB(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		si := src.PixOffset(b.Min.X, b.Min.Y+y)
		di := y * dst.Stride
		for x := 0; x < b.Dx(); x++ {
			dst.Pix[di] = src.Pix[si]
			dst.Pix[di+1] = src.Pix[si+1]
			dst.Pix[di+2] = src.Pix[si+2]
			si += 4
			di += BytesPerPixel
		}
	}
	return dst
}
