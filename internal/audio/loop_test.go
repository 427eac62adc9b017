package audio

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clearcaplabs/clearcap-core/internal/protocol"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{messages: make(map[string][][]byte)}
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[subject] = append(p.messages[subject], append([]byte(nil), data...))
	return nil
}

func (p *fakePublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[subject])
}

func (p *fakePublisher) last(subject string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.messages[subject]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// scriptedSource replays a prepared chunk sequence, then blocks until the
// context is cancelled.
type scriptedSource struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *scriptedSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if len(s.chunks) > 0 {
		chunk := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return chunk, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedSource) Close() error { return nil }

func utteranceChunks(n int) [][]byte {
	var chunks [][]byte
	for i := 0; i < n; i++ {
		chunks = append(chunks, voiced())
	}
	for i := 0; i < 3; i++ {
		chunks = append(chunks, silent())
	}
	return chunks
}

func TestLoopPublishesSpokenEvent(t *testing.T) {
	source := &scriptedSource{chunks: utteranceChunks(5)}
	pub := newFakePublisher()
	worker := NewWorker(testAudioConfig(), "en-US", NewMockRecognizer(), newLogger())
	loop := NewLoop(testAudioConfig(), "en-US", "session-1", source, worker, pub, newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pub.count(protocol.SubjectRecognitionSpoken) != 1 {
		t.Fatalf("expected one spoken event, got %d", pub.count(protocol.SubjectRecognitionSpoken))
	}
	var event protocol.RecognitionEvent
	if err := json.Unmarshal(pub.last(protocol.SubjectRecognitionSpoken), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Source != protocol.SourceSpoken {
		t.Fatalf("expected spoken source, got %q", event.Source)
	}
	if event.CapturedAt.IsZero() {
		t.Fatal("expected capture timestamp at utterance start")
	}
}

func TestLoopRecognizesTrailingUtteranceOnShutdown(t *testing.T) {
	// Voiced chunks with no trailing silence: the endpointer is still
	// buffering when the context expires, and the buffered speech must be
	// recognized on the way out rather than dropped.
	var chunks [][]byte
	for i := 0; i < 5; i++ {
		chunks = append(chunks, voiced())
	}
	source := &scriptedSource{chunks: chunks}
	pub := newFakePublisher()
	worker := NewWorker(testAudioConfig(), "en-US", NewMockRecognizer(), newLogger())
	loop := NewLoop(testAudioConfig(), "en-US", "session-1", source, worker, pub, newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pub.count(protocol.SubjectRecognitionSpoken) != 1 {
		t.Fatalf("expected trailing utterance recognized at shutdown, got %d events",
			pub.count(protocol.SubjectRecognitionSpoken))
	}
	var event protocol.RecognitionEvent
	if err := json.Unmarshal(pub.last(protocol.SubjectRecognitionSpoken), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.CapturedAt.IsZero() {
		t.Fatal("expected capture timestamp at utterance start")
	}
}

func TestLoopEmitsFailureDiagnosticAndContinues(t *testing.T) {
	// Two utterances; recognition always fails after retries. The loop must
	// survive both and emit a diagnostic per failed utterance.
	var chunks [][]byte
	chunks = append(chunks, utteranceChunks(5)...)
	chunks = append(chunks, utteranceChunks(5)...)
	source := &scriptedSource{chunks: chunks}
	pub := newFakePublisher()

	rec := &scriptedRecognizer{
		failures: 1 << 30,
		failWith: func() error { return MarkTransient(errors.New("service unavailable")) },
	}
	cfg := testAudioConfig()
	cfg.MaxRetries = 2
	worker := NewWorker(cfg, "en-US", rec, newLogger())
	loop := NewLoop(cfg, "en-US", "session-1", source, worker, pub, newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pub.count(protocol.SubjectRecognitionSpoken) != 0 {
		t.Fatal("expected no spoken events when recognition fails")
	}
	if pub.count(protocol.SubjectDiagnostic) == 0 {
		t.Fatal("expected recognition_failure diagnostics")
	}
	var diag protocol.Diagnostic
	if err := json.Unmarshal(pub.last(protocol.SubjectDiagnostic), &diag); err != nil {
		t.Fatalf("decode diagnostic: %v", err)
	}
	if diag.Kind != protocol.DiagRecognitionFailure {
		t.Fatalf("expected recognition_failure, got %q", diag.Kind)
	}
}

type blockingRecognizer struct {
	delay     time.Duration
	active    atomic.Int32
	maxActive atomic.Int32
}

func (r *blockingRecognizer) Transcribe(ctx context.Context, _ []byte, _ int, _ int, _ string) (Result, error) {
	cur := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		prev := r.maxActive.Load()
		if cur <= prev || r.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return Result{Text: "slow", Confidence: 0.9}, nil
}

func TestLoopAtMostOneInflight(t *testing.T) {
	var chunks [][]byte
	for i := 0; i < 4; i++ {
		chunks = append(chunks, utteranceChunks(5)...)
	}
	source := &scriptedSource{chunks: chunks}
	pub := newFakePublisher()
	rec := &blockingRecognizer{delay: 100 * time.Millisecond}
	worker := NewWorker(testAudioConfig(), "en-US", rec, newLogger())
	loop := NewLoop(testAudioConfig(), "en-US", "session-1", source, worker, pub, newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if max := rec.maxActive.Load(); max > 1 {
		t.Fatalf("expected at most one recognition in flight, saw %d", max)
	}
	if loop.DroppedUtterances() == 0 {
		t.Fatal("expected utterances dropped while a job was outstanding")
	}
}

type brokenSource struct{}

func (s *brokenSource) Read(_ context.Context) ([]byte, error) {
	return nil, errors.New("device unplugged")
}

func (s *brokenSource) Close() error { return nil }

func TestLoopReturnsCaptureError(t *testing.T) {
	pub := newFakePublisher()
	worker := NewWorker(testAudioConfig(), "en-US", NewMockRecognizer(), newLogger())
	loop := NewLoop(testAudioConfig(), "en-US", "session-1", &brokenSource{}, worker, pub, newLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := loop.Run(ctx); err == nil {
		t.Fatal("expected capture error")
	}
	if pub.count(protocol.SubjectDiagnostic) == 0 {
		t.Fatal("expected a capture_error diagnostic")
	}
}
