package calibrate

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/credcrop/pkg/template"
	"github.com/menta2k/credcrop/pkg/types"
)

// RectLoader reads a persisted rect
type RectLoader interface {
	LoadRect(key string) (types.Rect, error)
}

// Locator finds the credential in a base64 encoded page image
type Locator interface {
	Locate(ctx context.Context, imageB64 string) (types.Rect, *types.AnalysisResult, error)
}

// ImageEncoder prepares the page image for a vision model
type ImageEncoder func(img image.Image) (string, error)

// Stored returns the rect previously saved under key
func Stored(loader RectLoader, key string) Attempt {
	return Func{Label: "stored", Fn: func(ctx context.Context, in Input) (types.Rect, error) {
		return loader.LoadRect(key)
	}}
}

// TemplateAttempt detects the credential from the page size in points
type TemplateAttempt struct {
	Spec      template.Spec
	Tolerance float64
	// AcceptLow returns low confidence detections instead of failing
	AcceptLow bool
}

// Template returns a template attempt that fails on low confidence
func Template(spec template.Spec, tolerance float64) *TemplateAttempt {
	return &TemplateAttempt{Spec: spec, Tolerance: tolerance}
}

func (t *TemplateAttempt) Name() string { return "template" }

func (t *TemplateAttempt) Try(ctx context.Context, in Input) (types.Rect, error) {
	d := template.Inspect(in.Page.PointWidth, in.Page.PointHeight, t.Spec, t.Tolerance)
	if d.Confidence == template.Low && !t.AcceptLow {
		return types.Rect{}, fmt.Errorf("%w: %s", ErrLowConfidence, strings.Join(d.Reasons, "; "))
	}
	return d.Clamped, nil
}

// Vision asks a vision model to locate the credential on the rendered page
func Vision(loc Locator, encode ImageEncoder) Attempt {
	return Func{Label: "vision", Fn: func(ctx context.Context, in Input) (types.Rect, error) {
		if in.Page.Image == nil {
			return types.Rect{}, ErrNoImage
		}
		b64, err := encode(in.Page.Image)
		if err != nil {
			return types.Rect{}, fmt.Errorf("encode page: %w", err)
		}
		r, _, err := loc.Locate(ctx, b64)
		return r, err
	}}
}

// Default always yields r
func Default(r types.Rect) Attempt {
	return Func{Label: "default", Fn: func(ctx context.Context, in Input) (types.Rect, error) {
		return r, nil
	}}
}
