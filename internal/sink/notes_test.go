package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clearcaplabs/clearcap-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memoryWriter struct {
	mu    sync.Mutex
	lines []string
	fail  int // fail this many writes before succeeding
	tries int
}

func (w *memoryWriter) write(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tries++
	if w.fail > 0 {
		w.fail--
		return errors.New("disk full")
	}
	w.lines = append(w.lines, string(line))
	return nil
}

func (w *memoryWriter) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

func entryAt(ts time.Time, text string, sources ...protocol.Source) protocol.TranscriptEntry {
	return protocol.TranscriptEntry{
		ID:        "e1",
		SessionID: "s1",
		Text:      text,
		Sources:   sources,
		Timestamp: ts,
	}
}

func TestNotesAppendsLinesInOrder(t *testing.T) {
	w := &memoryWriter{}
	notes := NewNotesLog("", 3, testLogger(), WithNotesWriter(w.write))
	defer notes.Close()

	ts := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	notes.Append(entryAt(ts, "hello", protocol.SourceVisual))
	notes.Append(entryAt(ts.Add(time.Second), "world", protocol.SourceVisual, protocol.SourceSpoken))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := notes.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	lines := w.snapshot()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != "2025-04-01T10:00:00Z\tV\thello\n" {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if lines[1] != "2025-04-01T10:00:01Z\tV+S\tworld\n" {
		t.Fatalf("unexpected second line: %q", lines[1])
	}
}

func TestNotesCorrectionIsAppendedNotRewritten(t *testing.T) {
	w := &memoryWriter{}
	notes := NewNotesLog("", 3, testLogger(), WithNotesWriter(w.write))
	defer notes.Close()

	ts := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	notes.Append(entryAt(ts, "helo", protocol.SourceVisual))
	notes.AppendCorrection(entryAt(ts, "hello", protocol.SourceVisual, protocol.SourceSpoken))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := notes.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	lines := w.snapshot()
	if len(lines) != 2 {
		t.Fatalf("expected original plus correction, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "helo") {
		t.Fatalf("original line missing: %q", lines[0])
	}
	if !strings.Contains(lines[1], "[corrected] hello") {
		t.Fatalf("correction line missing marker: %q", lines[1])
	}
}

func TestNotesSanitizesEmbeddedTabsAndNewlines(t *testing.T) {
	w := &memoryWriter{}
	notes := NewNotesLog("", 3, testLogger(), WithNotesWriter(w.write))
	defer notes.Close()

	notes.Append(entryAt(time.Now(), "line\none\ttwo", protocol.SourceSpoken))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := notes.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	lines := w.snapshot()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if strings.Count(lines[0], "\t") != 2 {
		t.Fatalf("embedded separators not sanitized: %q", lines[0])
	}
	if strings.Count(lines[0], "\n") != 1 {
		t.Fatalf("embedded newline not sanitized: %q", lines[0])
	}
}

func TestNotesRetriesFailedWrites(t *testing.T) {
	w := &memoryWriter{fail: 2}
	notes := NewNotesLog("", 5, testLogger(), WithNotesWriter(w.write))
	defer notes.Close()

	notes.Append(entryAt(time.Now(), "persist me", protocol.SourceVisual))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := notes.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := len(w.snapshot()); got != 1 {
		t.Fatalf("expected line written after retries, got %d lines", got)
	}
	w.mu.Lock()
	tries := w.tries
	w.mu.Unlock()
	if tries != 3 {
		t.Fatalf("expected 3 attempts, got %d", tries)
	}
}

func TestNotesSurfacesPersistentFailure(t *testing.T) {
	w := &memoryWriter{fail: 4}
	var mu sync.Mutex
	var reported []error
	notes := NewNotesLog("", 2, testLogger(),
		WithNotesWriter(w.write),
		WithNotesErrorHandler(func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}))
	defer notes.Close()

	notes.Append(entryAt(time.Now(), "eventually", protocol.SourceSpoken))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := notes.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 1 {
		t.Fatalf("expected one error callback, got %d", len(reported))
	}
	if got := len(w.snapshot()); got != 1 {
		t.Fatalf("line should still land after callback, got %d lines", got)
	}
}
