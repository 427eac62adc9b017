package vision

import (
	"context"
)

// Result captures OCR engine output for one frame.
type Result struct {
	Text       string
	Confidence float64
}

// Engine abstracts OCR backends.
type Engine interface {
	Recognize(ctx context.Context, frame Frame, language string) (Result, error)
}
