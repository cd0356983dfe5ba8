// Package editor implements corner and body dragging of a normalized rect.
//
// Resize is a pure function of the rect captured at drag start, the active
// handle and the accumulated pointer delta. It never keeps state; the caller
// owns a DragState and feeds every pointer event through it.
//
// Without an aspect lock each corner moves its own two edges while the
// opposite edges stay put. With a lock only the horizontal delta is used:
// width is driven by dx and height follows from the locked ratio, so vertical
// pointer motion has no effect on a locked rect.
package editor

import (
	"errors"
	"fmt"
	"math"

	"github.com/menta2k/credcrop/pkg/types"
)

var (
	// ErrInvalidLock is returned when an aspect lock cannot be normalized.
	ErrInvalidLock = errors.New("editor: invalid aspect lock")
	// ErrIdle is returned when a pointer move arrives without an active drag.
	ErrIdle = errors.New("editor: no active drag")
)

// Lock fixes the width/height ratio of the rect while resizing. Ratio is in
// real pixel units; FrameWidth and FrameHeight are the pixel size of the
// frame the rect is normalized against. The zero Lock is unlocked.
type Lock struct {
	Ratio       float64
	FrameWidth  float64
	FrameHeight float64
}

// Unlocked returns a Lock that leaves both axes free
func Unlocked() Lock {
	return Lock{}
}

// AspectLock locks the ratio to targetW/targetH for a frame of frameW x frameH pixels
func AspectLock(ratio, frameW, frameH float64) Lock {
	return Lock{Ratio: ratio, FrameWidth: frameW, FrameHeight: frameH}
}

// Enabled reports whether the lock constrains the aspect ratio
func (l Lock) Enabled() bool {
	return l.Ratio != 0
}

// Normalized converts the pixel ratio into the ratio of normalized W/H:
// r' = r * frameHeight / frameWidth.
func (l Lock) Normalized() (float64, error) {
	r := l.Ratio * l.FrameHeight / l.FrameWidth
	if !(l.Ratio > 0) || !(l.FrameWidth > 0) || !(l.FrameHeight > 0) || !(r > 0) || math.IsInf(r, 0) {
		return 0, fmt.Errorf("%w: ratio %v in %vx%v frame", ErrInvalidLock, l.Ratio, l.FrameWidth, l.FrameHeight)
	}
	return r, nil
}

// Resize returns the rect produced by dragging handle h of start by (dx, dy),
// both in normalized units. The result always lies inside the unit square and
// is at least types.MinSize in each direction. start is clamped to the
// invariants first; non-finite deltas count as zero; a zero delta returns the
// (clamped) start unchanged.
//
// A locked corner resize that cannot satisfy the ratio anywhere inside the
// frame leaves the rect unchanged.
func Resize(start types.Rect, h Handle, dx, dy float64, lock Lock) (types.Rect, error) {
	if !h.Valid() {
		return start, fmt.Errorf("%w: %d", ErrUnknownHandle, int(h))
	}
	if h == None {
		return start, ErrIdle
	}

	ratio := 0.0
	if lock.Enabled() {
		r, err := lock.Normalized()
		if err != nil {
			return start, err
		}
		ratio = r
	}

	s := start.ClampToUnitSquare()
	dx, dy = finiteOrZero(dx), finiteOrZero(dy)
	if dx == 0 && dy == 0 {
		return s, nil
	}

	switch {
	case h == Move:
		return move(s, dx, dy), nil
	case ratio > 0:
		return resizeLocked(s, h, dx, ratio), nil
	default:
		return resizeFree(s, h, dx, dy), nil
	}
}

func move(s types.Rect, dx, dy float64) types.Rect {
	return types.Rect{
		X: types.Clamp(s.X+dx, 0, 1-s.W),
		Y: types.Clamp(s.Y+dy, 0, 1-s.H),
		W: s.W,
		H: s.H,
	}
}

// resizeFree moves the two edges owned by the corner; the opposite edges are fixed
func resizeFree(s types.Rect, h Handle, dx, dy float64) types.Rect {
	r := s
	switch h {
	case TopLeft:
		r.X = types.Clamp(s.X+dx, 0, s.X+s.W-types.MinSize)
		r.Y = types.Clamp(s.Y+dy, 0, s.Y+s.H-types.MinSize)
		r.W = s.W + (s.X - r.X)
		r.H = s.H + (s.Y - r.Y)
	case TopRight:
		r.Y = types.Clamp(s.Y+dy, 0, s.Y+s.H-types.MinSize)
		r.W = types.Clamp(s.W+dx, types.MinSize, 1-s.X)
		r.H = s.H + (s.Y - r.Y)
	case BottomLeft:
		r.X = types.Clamp(s.X+dx, 0, s.X+s.W-types.MinSize)
		r.W = s.W + (s.X - r.X)
		r.H = types.Clamp(s.H+dy, types.MinSize, 1-s.Y)
	case BottomRight:
		r.W = types.Clamp(s.W+dx, types.MinSize, 1-s.X)
		r.H = types.Clamp(s.H+dy, types.MinSize, 1-s.Y)
	}
	return r
}

// resizeLocked drives the width from dx and derives the height from ratio.
// Left corners keep the right edge fixed, top corners keep the bottom edge fixed.
func resizeLocked(s types.Rect, h Handle, dx, ratio float64) types.Rect {
	left := h == TopLeft || h == BottomLeft
	top := h == TopLeft || h == TopRight

	maxW := 1 - s.X
	if left {
		maxW = s.X + s.W
	}
	maxH := 1 - s.Y
	if top {
		maxH = s.Y + s.H
	}

	lo := math.Max(types.MinSize, types.MinSize*ratio)
	hi := math.Min(maxW, maxH*ratio)
	if lo > hi {
		return s
	}

	w := s.W + dx
	if left {
		w = s.W - dx
	}
	w = types.Clamp(w, lo, hi)
	hgt := w / ratio

	r := types.Rect{X: s.X, Y: s.Y, W: w, H: hgt}
	if left {
		r.X = math.Max(0, s.X+(s.W-w))
	}
	if top {
		r.Y = math.Max(0, s.Y+(s.H-hgt))
	}
	return r
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
