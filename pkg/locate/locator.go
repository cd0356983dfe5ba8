// Package locate asks a vision model where the credential sits on a rendered
// page. It is the optional third attempt of the calibration chain, used when
// no stored rect exists and the template detection looks wrong.
package locate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/credcrop/pkg/client"
	"github.com/menta2k/credcrop/pkg/types"
)

// SimpleTestPrompt checks whether the model can see images at all
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for the credential card rect on page 1
const DefaultPrompt = `You are a document layout locator.

The image is the first page of a printable credential (an ID card or badge
laid out on a sheet). Find the rectangular card itself.

Return JSON only:
{
  "primary": {
    "label": "credential",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
  },
  "description": "short neutral sentence (<= 20 words)",
  "tags": ["tag1", "tag2"]
}

HARD RULES
- Coordinates are normalized to [0,1] with the origin at the TOP-LEFT corner (NOT pixels).
- The box must tightly enclose the card's outer border, not the whole page.
- Confidence is your probability that the box is the card.
- If there is no card, return label "none" with confidence 0.0.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// DefaultMinConfidence is the confidence below which a located rect is rejected
const DefaultMinConfidence = 0.5

var (
	// ErrNotFound is returned when the model reports no credential.
	ErrNotFound = errors.New("locate: no credential found")
	// ErrLowConfidence is returned when the model is not sure enough.
	ErrLowConfidence = errors.New("locate: confidence below threshold")
)

// Locator finds the credential rect with a vision model
type Locator struct {
	client        client.VisionClient
	model         string
	prompt        string
	minConfidence float64
	log           logrus.FieldLogger
}

// Option configures a Locator
type Option func(*Locator)

// WithPrompt replaces DefaultPrompt
func WithPrompt(p string) Option { return func(l *Locator) { l.prompt = p } }

// WithMinConfidence sets the acceptance threshold
func WithMinConfidence(c float64) Option { return func(l *Locator) { l.minConfidence = c } }

// WithLogger sets the logger; the standard logger is used otherwise
func WithLogger(log logrus.FieldLogger) Option { return func(l *Locator) { l.log = log } }

// NewLocator creates a locator asking model through c
func NewLocator(c client.VisionClient, model string, opts ...Option) *Locator {
	l := &Locator{
		client:        c,
		model:         model,
		prompt:        DefaultPrompt,
		minConfidence: DefaultMinConfidence,
		log:           logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate returns the credential rect for the page image, already base64 encoded.
// The returned rect satisfies the rect invariants.
func (l *Locator) Locate(ctx context.Context, imageB64 string) (types.Rect, *types.AnalysisResult, error) {
	result, err := l.client.AnalyzeImage(ctx, l.model, l.prompt, imageB64)
	if err != nil {
		return types.Rect{}, nil, fmt.Errorf("locate: %w", err)
	}

	result.Primary.Box = normalizeBox(result.Primary.Box)
	log := l.log.WithFields(logrus.Fields{
		"model":      l.model,
		"label":      result.Primary.Label,
		"confidence": result.Primary.Confidence,
		"rect":       result.Primary.Box.String(),
	})

	if isNone(result) {
		log.Debug("model found no credential")
		return types.Rect{}, result, ErrNotFound
	}
	if result.Primary.Confidence < l.minConfidence {
		log.Debug("located rect rejected")
		return types.Rect{}, result, fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, result.Primary.Confidence, l.minConfidence)
	}

	log.Debug("located credential")
	return result.Primary.Box, result, nil
}

// TestVision checks that the model can see the image with a simple prompt
func (l *Locator) TestVision(ctx context.Context, imageB64 string) (string, error) {
	return l.client.SimpleQuery(ctx, l.model, SimpleTestPrompt, imageB64)
}

func isNone(r *types.AnalysisResult) bool {
	label := strings.ToLower(strings.TrimSpace(r.Primary.Label))
	return label == "none" || label == "" && r.Primary.Confidence == 0
}

// normalizeBox clamps a model box into the unit square. Some models answer in
// percent instead of fractions; those are scaled down first.
func normalizeBox(b types.Rect) types.Rect {
	if b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1 {
		b = types.Rect{X: b.X / 100, Y: b.Y / 100, W: b.W / 100, H: b.H / 100}
	}
	return b.ClampToUnitSquare()
}
