package sink

import (
	"context"
	"sync"
	"testing"
	"time"
)

// gatedSpeaker records what it voices and only proceeds when released,
// letting a test fill the queue behind a stuck utterance.
type gatedSpeaker struct {
	mu      sync.Mutex
	spoken  []string
	release chan struct{}
	active  int
	overlap bool
}

func newGatedSpeaker() *gatedSpeaker {
	return &gatedSpeaker{release: make(chan struct{})}
}

func (s *gatedSpeaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	s.active++
	if s.active > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	select {
	case <-s.release:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.active--
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	return nil
}

func (s *gatedSpeaker) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestTTSQueueDropsOldestWhenFull(t *testing.T) {
	speaker := newGatedSpeaker()
	q := newTTSQueue(speaker, 2, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.start(ctx)

	q.push("first")
	// Wait until the worker has taken "first" so the queue is empty again.
	waitFor(t, func() bool {
		speaker.mu.Lock()
		defer speaker.mu.Unlock()
		return speaker.active == 1
	})

	// Fill the bounded queue behind the stuck utterance, then overflow it.
	q.push("second")
	q.push("third")
	q.push("fourth")

	if got := q.dropped.Load(); got != 1 {
		t.Fatalf("expected 1 dropped, got %d", got)
	}

	close(speaker.release)
	waitFor(t, func() bool { return len(speaker.snapshot()) == 3 })

	spoken := speaker.snapshot()
	want := []string{"first", "third", "fourth"}
	for i, text := range want {
		if spoken[i] != text {
			t.Fatalf("spoken[%d] = %q, want %q (full: %v)", i, spoken[i], text, spoken)
		}
	}
}

func TestTTSQueueSpeaksSequentially(t *testing.T) {
	speaker := newGatedSpeaker()
	close(speaker.release)
	q := newTTSQueue(speaker, 8, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.start(ctx)

	for _, text := range []string{"a", "b", "c", "d"} {
		q.push(text)
	}

	waitFor(t, func() bool { return len(speaker.snapshot()) == 4 })

	speaker.mu.Lock()
	overlap := speaker.overlap
	speaker.mu.Unlock()
	if overlap {
		t.Fatalf("utterances overlapped")
	}
	spoken := speaker.snapshot()
	for i, want := range []string{"a", "b", "c", "d"} {
		if spoken[i] != want {
			t.Fatalf("spoken[%d] = %q, want %q", i, spoken[i], want)
		}
	}
}

func TestTTSQueueStopsOnCancel(t *testing.T) {
	speaker := newGatedSpeaker()
	q := newTTSQueue(speaker, 8, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	q.start(ctx)

	q.push("stuck")
	waitFor(t, func() bool {
		speaker.mu.Lock()
		defer speaker.mu.Unlock()
		return speaker.active == 1
	})

	cancel()
	done := make(chan struct{})
	go func() {
		q.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("queue did not stop after cancel")
	}
}
