package editor

import (
	"fmt"

	"github.com/menta2k/credcrop/pkg/types"
)

// Point is a pointer position in container pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is the on-screen size of the container the rect is drawn in. It is
// not the natural image size; the two differ whenever the image is scaled.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DragState records one drag in progress. The zero value is idle. It is
// owned by the input layer and passed by value; the editor never keeps it.
type DragState struct {
	Handle    Handle     `json:"handle"`
	Origin    Point      `json:"origin"`
	StartRect types.Rect `json:"start_rect"`
}

// Dragging reports whether a drag is active
func (s DragState) Dragging() bool {
	return s.Handle != None
}

// Begin starts a drag of handle h at pointer position at, snapshotting r.
// A pointer-down while another drag is active is ignored: the current state
// is returned unchanged.
func (s DragState) Begin(h Handle, at Point, r types.Rect) (DragState, error) {
	if s.Dragging() {
		return s, nil
	}
	if !h.Valid() || h == None {
		return s, fmt.Errorf("%w: cannot start a drag on %v", ErrUnknownHandle, h)
	}
	return DragState{Handle: h, Origin: at, StartRect: r}, nil
}

// Update computes the rect for the pointer now at position at, relative to
// the drag origin, inside a container of the given on-screen size.
func (s DragState) Update(at Point, container Size, lock Lock) (types.Rect, error) {
	if !s.Dragging() {
		return s.StartRect, ErrIdle
	}
	dx, dy, err := NormalizeDelta(at.X-s.Origin.X, at.Y-s.Origin.Y, container)
	if err != nil {
		return s.StartRect, err
	}
	return Resize(s.StartRect, s.Handle, dx, dy, lock)
}

// End finishes the drag. The last rect returned by Update is final.
func (s DragState) End() DragState {
	return DragState{}
}

// NormalizeDelta converts a pointer delta in container pixels to normalized units
func NormalizeDelta(dxPx, dyPx float64, container Size) (float64, float64, error) {
	if !(container.Width > 0) || !(container.Height > 0) {
		return 0, 0, fmt.Errorf("editor: container size %vx%v must be positive", container.Width, container.Height)
	}
	return dxPx / container.Width, dyPx / container.Height, nil
}
