package audio

import (
	"context"
	"time"
)

// ChunkSource abstracts the microphone. Read blocks until one PCM chunk of
// the configured duration is available or the context is cancelled.
type ChunkSource interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// mockSource paces out silent chunks in real time, standing in for a capture
// device when none is wired.
type mockSource struct {
	chunkBytes    int
	chunkDuration time.Duration
}

func NewMockSource(sampleRate, channels int, chunkDuration time.Duration) ChunkSource {
	samples := int(chunkDuration.Seconds() * float64(sampleRate))
	return &mockSource{
		chunkBytes:    samples * 2 * channels,
		chunkDuration: chunkDuration,
	}
}

func (m *mockSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.chunkDuration):
	}
	return make([]byte, m.chunkBytes), nil
}

func (m *mockSource) Close() error { return nil }
