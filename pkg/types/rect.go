package types

import (
	"fmt"
	"image"
	"math"
)

// MinSize is the smallest width or height a normalized rect may have. Below
// it the drag handles overlap and the rect collapses into a line.
const MinSize = 0.05

// Epsilon absorbs floating point drift when checking rect invariants.
const Epsilon = 1e-9

// Rect is a rectangle normalized to the unit square of a parent frame, with a
// top-left origin. Rects are values; every operation returns a new one.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FullFrame covers the whole parent frame.
var FullFrame = Rect{X: 0, Y: 0, W: 1, H: 1}

// Right returns the x coordinate of the right edge
func (r Rect) Right() float64 { return r.X + r.W }

// Bottom returns the y coordinate of the bottom edge
func (r Rect) Bottom() float64 { return r.Y + r.H }

// Center returns the center point of the rect
func (r Rect) Center() (float64, float64) {
	return r.X + r.W/2, r.Y + r.H/2
}

func (r Rect) String() string {
	return fmt.Sprintf("%.4fx%.4f@%.4f,%.4f", r.W, r.H, r.X, r.Y)
}

// Validate reports whether r lies inside the unit square and is at least
// MinSize in both directions.
func (r Rect) Validate() bool {
	for _, v := range []float64{r.X, r.Y, r.W, r.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.X >= -Epsilon && r.Y >= -Epsilon &&
		r.X+r.W <= 1+Epsilon && r.Y+r.H <= 1+Epsilon &&
		r.W >= MinSize-Epsilon && r.H >= MinSize-Epsilon
}

// ClampToUnitSquare returns the closest rect that satisfies the invariants.
// Size is fixed first, then the origin is pulled back inside the frame.
// Non-finite components are treated as zero.
func (r Rect) ClampToUnitSquare() Rect {
	w := Clamp(finite(r.W), MinSize, 1)
	h := Clamp(finite(r.H), MinSize, 1)
	return Rect{
		X: Clamp(finite(r.X), 0, 1-w),
		Y: Clamp(finite(r.Y), 0, 1-h),
		W: w,
		H: h,
	}
}

// Pixels maps r onto a frame of w x h pixels, rounding to the nearest pixel.
// The result always has at least one pixel in each direction.
func (r Rect) Pixels(w, h int) image.Rectangle {
	fw, fh := float64(w), float64(h)
	x0 := int(Clamp(r.X, 0, 1)*fw + 0.5)
	y0 := int(Clamp(r.Y, 0, 1)*fh + 0.5)
	x1 := int(Clamp(r.X+r.W, 0, 1)*fw + 0.5)
	y1 := int(Clamp(r.Y+r.H, 0, 1)*fh + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return image.Rect(x0, y0, x1, y1)
}

// FromPixels normalizes a pixel rectangle against a frame of w x h pixels
func FromPixels(px image.Rectangle, w, h int) Rect {
	fw, fh := float64(w), float64(h)
	return Rect{
		X: float64(px.Min.X) / fw,
		Y: float64(px.Min.Y) / fh,
		W: float64(px.Dx()) / fw,
		H: float64(px.Dy()) / fh,
	}
}

// Clamp ensures a value is within the given bounds
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
