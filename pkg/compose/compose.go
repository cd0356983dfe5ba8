// Package compose relates rects that are normalized against different frames.
//
// The credential crop is normalized against the full page image, while the
// photo rect is normalized against the cropped credential image. Real pixel
// sizes come from multiplying through the chain page -> credential -> photo.
package compose

import (
	"github.com/menta2k/credcrop/pkg/types"
)

// SlotSize returns the on-page pixel size of the photo slot
func SlotSize(pageW, pageH float64, cred, photo types.Rect) (float64, float64) {
	credW := pageW * cred.W
	credH := pageH * cred.H
	return credW * photo.W, credH * photo.H
}

// SlotAspect returns the width/height ratio of the photo slot in real pixels.
// The result is non-finite if cred.H or photo.H is zero; rects that satisfy
// the minimum-size invariant never trigger that.
func SlotAspect(pageW, pageH float64, cred, photo types.Rect) float64 {
	w, h := SlotSize(pageW, pageH, cred, photo)
	return w / h
}

// Nest expresses inner, normalized against outer, in the frame outer itself
// is normalized against.
func Nest(outer, inner types.Rect) types.Rect {
	return types.Rect{
		X: outer.X + inner.X*outer.W,
		Y: outer.Y + inner.Y*outer.H,
		W: inner.W * outer.W,
		H: inner.H * outer.H,
	}
}

// Unnest is the inverse of Nest: it expresses r, given in outer's parent
// frame, relative to outer. The result is not clamped.
func Unnest(outer, r types.Rect) types.Rect {
	return types.Rect{
		X: (r.X - outer.X) / outer.W,
		Y: (r.Y - outer.Y) / outer.H,
		W: r.W / outer.W,
		H: r.H / outer.H,
	}
}

// SlotPixels returns the photo slot as a pixel rectangle of the cropped
// credential image, which is credW x credH pixels.
func SlotPixels(credW, credH int, photo types.Rect) (x, y, w, h int) {
	px := photo.Pixels(credW, credH)
	return px.Min.X, px.Min.Y, px.Dx(), px.Dy()
}
