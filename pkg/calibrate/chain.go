// Package calibrate picks the initial credential crop rect. Sources are tried
// in order (a stored rect, the template, a vision model, a fixed default) and
// the first one that yields a rect wins. Each source is an Attempt; failures
// are collected as typed AttemptErrors instead of being swallowed.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/credcrop/pkg/types"
)

var (
	// ErrNoCandidate is returned when every attempt failed.
	ErrNoCandidate = errors.New("calibrate: no attempt produced a rect")
	// ErrLowConfidence is returned by attempts whose result is not trustworthy.
	ErrLowConfidence = errors.New("calibrate: low confidence")
	// ErrNoImage is returned by attempts that need the rendered page.
	ErrNoImage = errors.New("calibrate: page image not available")
)

// Input is what every attempt sees
type Input struct {
	Page types.Page
}

// Attempt is one source of a credential crop rect
type Attempt interface {
	Name() string
	Try(ctx context.Context, in Input) (types.Rect, error)
}

// AttemptError records why a named attempt failed
type AttemptError struct {
	Attempt string
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Result is the outcome of a chain run
type Result struct {
	Rect     types.Rect      `json:"rect"`
	Source   string          `json:"source"`
	Failures []*AttemptError `json:"-"`
}

// FirstSuccess runs attempts in order and returns the first rect produced.
// The rect is clamped to the unit square. When every attempt fails the error
// wraps ErrNoCandidate and each AttemptError, so errors.Is and errors.As see
// through it. A cancelled context stops the chain.
func FirstSuccess(ctx context.Context, in Input, log logrus.FieldLogger, attempts ...Attempt) (Result, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{
		"page_w": in.Page.PointWidth,
		"page_h": in.Page.PointHeight,
	})

	var res Result
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		r, err := a.Try(ctx, in)
		if err != nil {
			ae := &AttemptError{Attempt: a.Name(), Err: err}
			res.Failures = append(res.Failures, ae)
			log.WithField("attempt", a.Name()).WithError(err).Debug("calibration attempt failed")
			continue
		}

		res.Rect = r.ClampToUnitSquare()
		res.Source = a.Name()
		log.WithFields(logrus.Fields{
			"attempt": a.Name(),
			"rect":    res.Rect.String(),
			"skipped": len(res.Failures),
		}).Info("credential rect selected")
		return res, nil
	}

	errs := make([]error, 0, len(res.Failures)+1)
	errs = append(errs, ErrNoCandidate)
	for _, f := range res.Failures {
		errs = append(errs, f)
	}
	return res, errors.Join(errs...)
}

// Select orders the available attempts by name. Names without an attempt
// (such as a disabled vision backend) are skipped; unknown names are errors.
func Select(order []string, available map[string]Attempt) ([]Attempt, error) {
	out := make([]Attempt, 0, len(order))
	for _, name := range order {
		a, known := available[name]
		if !known {
			return nil, fmt.Errorf("calibrate: unknown attempt %q", name)
		}
		if a == nil {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("calibrate: none of [%s] is available", strings.Join(order, ", "))
	}
	return out, nil
}

// Func adapts a function to an Attempt
type Func struct {
	Label string
	Fn    func(ctx context.Context, in Input) (types.Rect, error)
}

func (f Func) Name() string { return f.Label }

func (f Func) Try(ctx context.Context, in Input) (types.Rect, error) { return f.Fn(ctx, in) }
