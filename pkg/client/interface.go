// Package client declares what the locate package needs from a vision model
// backend, plus the reply parsing shared by the backends.
package client

import (
	"context"

	"github.com/menta2k/credcrop/pkg/types"
)

// VisionClient is a chat-capable vision model that accepts one base64 image
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	AnalyzeImage(ctx context.Context, model, prompt, imgB64 string) (*types.AnalysisResult, error)
}
