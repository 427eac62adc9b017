package vision

import (
	"context"
	"fmt"
	"time"
)

// Frame is one captured camera image. CapturedAt is recorded at grab time and
// carried through to the recognition event unchanged.
type Frame struct {
	Seq        uint64
	Width      int
	Height     int
	Data       []byte
	CapturedAt time.Time
}

// FrameSource abstracts the camera. Grab blocks until a frame is available or
// the context is cancelled.
type FrameSource interface {
	Grab(ctx context.Context) (Frame, error)
	Close() error
}

type mockSource struct {
	seq   uint64
	clock func() time.Time
}

// NewMockSource returns a source producing empty synthetic frames, used when
// no camera device backend is wired in.
func NewMockSource() FrameSource {
	return &mockSource{clock: time.Now}
}

func (m *mockSource) Grab(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	default:
	}
	m.seq++
	return Frame{
		Seq:        m.seq,
		Width:      640,
		Height:     480,
		Data:       nil,
		CapturedAt: m.clock(),
	}, nil
}

func (m *mockSource) Close() error { return nil }

type mockEngine struct{}

// NewMockEngine returns an OCR engine that fabricates deterministic text.
func NewMockEngine() Engine {
	return &mockEngine{}
}

func (e *mockEngine) Recognize(_ context.Context, frame Frame, _ string) (Result, error) {
	return Result{
		Text:       fmt.Sprintf("[frame %d text]", frame.Seq),
		Confidence: 0.9,
	}, nil
}
