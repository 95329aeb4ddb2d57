// Package queue serialises image generation requests onto a single backend.
package queue

import "context"

// Request is one text-to-image job.
type Request struct {
	Name     string
	Prompt   string
	Negative string
	Batch    int
	Seed     int64
	Width    int
	Height   int
}

// Backend renders a request into encoded images (PNG from ComfyUI).
type Backend interface {
	Generate(ctx context.Context, req Request) ([][]byte, error)
}

// DefaultNegative is used when a request carries no negative prompt.
const DefaultNegative = "lowres, bad anatomy, bad hands, missing fingers, extra digit, fewer digits, cropped, worst quality, low quality, watermark, text"
