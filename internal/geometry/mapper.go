// Package geometry translates between canvas pixels and image pixels.
//
// Drawing and rendering must build their Mapper from the same canvas size,
// image size and zoom; a rectangle drawn through CanvasToImage is then
// painted back exactly where the pointer was through ImageToCanvas.
package geometry

import "math"

// Point is a position in either canvas or image pixel space.
type Point struct {
	X, Y float64
}

// Rect is an axis-aligned rectangle given by two opposite corners, in any order.
type Rect struct {
	Min, Max Point
}

// Canon returns the rectangle with Min at the top-left corner.
func (r Rect) Canon() Rect {
	return Rect{
		Min: Point{math.Min(r.Min.X, r.Max.X), math.Min(r.Min.Y, r.Max.Y)},
		Max: Point{math.Max(r.Min.X, r.Max.X), math.Max(r.Min.Y, r.Max.Y)},
	}
}

func (r Rect) Dx() float64 { return math.Abs(r.Max.X - r.Min.X) }
func (r Rect) Dy() float64 { return math.Abs(r.Max.Y - r.Min.Y) }

// Large reports whether both sides exceed min.
func (r Rect) Large(min float64) bool {
	return r.Dx() > min && r.Dy() > min
}

// Mapper holds the scale and offset for one canvas/image/zoom combination.
type Mapper struct {
	Scale            float64
	OffsetX, OffsetY float64
	ImageW, ImageH   float64
}

// NewMapper computes the fit-scale for the image inside the canvas, applies
// zoom and centers the result. Degenerate sizes yield an identity mapping.
func NewMapper(canvasW, canvasH, imgW, imgH, zoom float64) Mapper {
	if imgW <= 0 || imgH <= 0 || canvasW <= 0 || canvasH <= 0 || zoom <= 0 {
		return Mapper{Scale: 1, ImageW: math.Max(imgW, 0), ImageH: math.Max(imgH, 0)}
	}

	fit := math.Min(canvasW/imgW, canvasH/imgH)
	scale := fit * zoom
	displayW, displayH := imgW*scale, imgH*scale

	return Mapper{
		Scale:   scale,
		OffsetX: math.Max(0, (canvasW-displayW)/2),
		OffsetY: math.Max(0, (canvasH-displayH)/2),
		ImageW:  imgW,
		ImageH:  imgH,
	}
}

// DisplaySize is the on-canvas size of the scaled image.
func (m Mapper) DisplaySize() (float64, float64) {
	return m.ImageW * m.Scale, m.ImageH * m.Scale
}

// CanvasToImage maps a canvas point into image space, clamped to the image bounds.
func (m Mapper) CanvasToImage(p Point) Point {
	return Point{
		X: clamp((p.X-m.OffsetX)/m.Scale, 0, m.ImageW),
		Y: clamp((p.Y-m.OffsetY)/m.Scale, 0, m.ImageH),
	}
}

func (m Mapper) ImageToCanvas(p Point) Point {
	return Point{
		X: m.OffsetX + p.X*m.Scale,
		Y: m.OffsetY + p.Y*m.Scale,
	}
}

// RectToCanvas maps both corners of an image-space rectangle.
func (m Mapper) RectToCanvas(r Rect) Rect {
	return Rect{Min: m.ImageToCanvas(r.Min), Max: m.ImageToCanvas(r.Max)}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
