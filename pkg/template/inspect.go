package template

import (
	"fmt"
	"math"

	"github.com/menta2k/credcrop/pkg/types"
)

// Confidence grades how much a template detection can be trusted.
type Confidence int

const (
	// Low means the detection is geometrically implausible for this page.
	Low Confidence = iota
	// High means the rect fits the page and the page matches the reference size.
	High
)

func (c Confidence) String() string {
	if c == High {
		return "high"
	}
	return "low"
}

// DefaultTolerance is the relative page-size deviation accepted before a
// detection is downgraded.
const DefaultTolerance = 0.02

// Detection is a template detection together with the checks run on it.
// Rect is the raw output of Detect; Clamped is the same rect forced into the
// unit square.
type Detection struct {
	Rect       types.Rect `json:"rect"`
	Clamped    types.Rect `json:"clamped"`
	Confidence Confidence `json:"confidence"`
	Reasons    []string   `json:"reasons,omitempty"`
}

// Inspect runs Detect and grades the result. A detection is Low when the page
// size is unusable, the raw rect leaves the unit square or is smaller than
// the minimum size, or the page deviates from the spec's reference size by
// more than tolerance (relative). A tolerance <= 0 selects DefaultTolerance.
func Inspect(pageWidthPt, pageHeightPt float64, s Spec, tolerance float64) Detection {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	if !(pageWidthPt > 0) || !(pageHeightPt > 0) || math.IsInf(pageWidthPt, 0) || math.IsInf(pageHeightPt, 0) {
		return Detection{
			Rect:       types.FullFrame,
			Clamped:    types.FullFrame,
			Confidence: Low,
			Reasons:    []string{fmt.Sprintf("unusable page size %vx%v", pageWidthPt, pageHeightPt)},
		}
	}

	r := Detect(pageWidthPt, pageHeightPt, s)
	d := Detection{Rect: r, Clamped: r.ClampToUnitSquare(), Confidence: High}

	if !r.Validate() {
		d.Reasons = append(d.Reasons, fmt.Sprintf("template rect %v does not fit the page", r))
	}
	if s.ReferenceWidth > 0 && relDiff(pageWidthPt, s.ReferenceWidth) > tolerance {
		d.Reasons = append(d.Reasons, fmt.Sprintf("page width %.2fpt differs from reference %.2fpt", pageWidthPt, s.ReferenceWidth))
	}
	if s.ReferenceHeight > 0 && relDiff(pageHeightPt, s.ReferenceHeight) > tolerance {
		d.Reasons = append(d.Reasons, fmt.Sprintf("page height %.2fpt differs from reference %.2fpt", pageHeightPt, s.ReferenceHeight))
	}
	if len(d.Reasons) > 0 {
		d.Confidence = Low
	}
	return d
}

func relDiff(got, want float64) float64 {
	return math.Abs(got-want) / want
}
