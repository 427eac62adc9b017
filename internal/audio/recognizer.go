package audio

import (
	"context"
	"errors"
	"fmt"
)

// Result captures speech recognizer output for one utterance.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts speech-to-text backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (Result, error)
}

// TransientError marks a recognizer failure worth retrying, e.g. a network
// hiccup against a remote service. Anything else is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err so the speech worker will retry it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err was marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that fabricates deterministic text.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, _ string) (Result, error) {
	return Result{
		Text:       fmt.Sprintf("[utterance length=%d]", len(pcm)),
		Confidence: 0.85,
	}, nil
}
