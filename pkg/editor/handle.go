package editor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownHandle is returned for handle values outside the closed set.
var ErrUnknownHandle = errors.New("editor: unknown handle")

// Handle identifies the grab region a drag started on.
type Handle int

const (
	None Handle = iota
	Move
	TopLeft
	TopRight
	BottomLeft
	BottomRight
)

var handleNames = map[Handle]string{
	None:        "none",
	Move:        "move",
	TopLeft:     "top-left",
	TopRight:    "top-right",
	BottomLeft:  "bottom-left",
	BottomRight: "bottom-right",
}

// short forms used by the pointer layer
var handleAliases = map[string]Handle{
	"tl": TopLeft,
	"tr": TopRight,
	"bl": BottomLeft,
	"br": BottomRight,
}

func (h Handle) String() string {
	if name, ok := handleNames[h]; ok {
		return name
	}
	return fmt.Sprintf("Handle(%d)", int(h))
}

// Valid reports whether h is one of the declared handles
func (h Handle) Valid() bool {
	_, ok := handleNames[h]
	return ok
}

// IsCorner reports whether h resizes the rect
func (h Handle) IsCorner() bool {
	switch h {
	case TopLeft, TopRight, BottomLeft, BottomRight:
		return true
	}
	return false
}

// ParseHandle maps a handle identifier from the input layer to a Handle.
// Both long ("top-left") and short ("tl") forms are accepted.
func ParseHandle(s string) (Handle, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if h, ok := handleAliases[key]; ok {
		return h, nil
	}
	for h, name := range handleNames {
		if name == key {
			return h, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownHandle, s)
}

// MarshalText implements encoding.TextMarshaler
func (h Handle) MarshalText() ([]byte, error) {
	if !h.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, int(h))
	}
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
