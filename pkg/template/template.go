// Package template locates the credential on the one supported document
// layout. The credential position was measured once in PDF point space
// (bottom-left origin); detection is a coordinate flip and scale into the
// normalized top-left space used everywhere else. No image analysis happens
// here.
package template

import (
	"fmt"
	"math"

	"seehuhn.de/go/geom/matrix"
	"seehuhn.de/go/geom/rect"

	"github.com/menta2k/credcrop/pkg/types"
)

// Spec is the measured position of the credential on the source page, in
// points with a bottom-left origin. ReferenceWidth and ReferenceHeight record
// the page size the measurement was taken on; zero means unknown.
type Spec struct {
	Left            float64 `yaml:"left" json:"left"`
	Bottom          float64 `yaml:"bottom" json:"bottom"`
	Width           float64 `yaml:"width" json:"width"`
	Height          float64 `yaml:"height" json:"height"`
	ReferenceWidth  float64 `yaml:"reference_width,omitempty" json:"reference_width,omitempty"`
	ReferenceHeight float64 `yaml:"reference_height,omitempty" json:"reference_height,omitempty"`
}

// Default is the credential position on the supported document layout.
var Default = Spec{
	Left:   39.6,
	Bottom: 627.0,
	Width:  261.36,
	Height: 460.8,
}

// Box returns the credential region as a PDF rectangle
func (s Spec) Box() rect.Rect {
	return rect.Rect{
		LLx: s.Left,
		LLy: s.Bottom,
		URx: s.Left + s.Width,
		URy: s.Bottom + s.Height,
	}
}

// Top returns the y coordinate of the credential's top edge in points
func (s Spec) Top() float64 {
	return s.Bottom + s.Height
}

// PageTransform maps source page coordinates onto a page whose origin is the
// credential's lower-left corner. It is a pure translation.
func (s Spec) PageTransform() matrix.Matrix {
	return matrix.Translate(-s.Left, -s.Bottom)
}

// Validate checks that the spec describes a non-empty region
func (s Spec) Validate() error {
	for _, v := range []float64{s.Left, s.Bottom, s.Width, s.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("template: non-finite coordinate in %+v", s)
		}
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("template: width and height must be positive, got %vx%v", s.Width, s.Height)
	}
	if s.ReferenceWidth < 0 || s.ReferenceHeight < 0 {
		return fmt.Errorf("template: reference page size must not be negative")
	}
	return nil
}

// Detect converts the template into a normalized rect for a page of the given
// size in points. The result is returned as computed: when the page differs
// from the one the template was measured on it may fall outside the unit
// square. Use Inspect to find out.
func Detect(pageWidthPt, pageHeightPt float64, s Spec) types.Rect {
	box := s.Box()
	return types.Rect{
		X: box.LLx / pageWidthPt,
		Y: (pageHeightPt - box.URy) / pageHeightPt,
		W: box.Dx() / pageWidthPt,
		H: box.Dy() / pageHeightPt,
	}
}
