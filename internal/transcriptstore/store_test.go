package transcriptstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/clearcaplabs/clearcap-core/internal/config"
	"github.com/clearcaplabs/clearcap-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.StoreConfig{RetentionMode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.AppendEntry(context.Background(), protocol.TranscriptEntry{SessionID: "s"}); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "session"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	sessionID := "session-123"
	if err := s.BeginSession(context.Background(), sessionID, "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}

	entry := protocol.TranscriptEntry{
		ID:         "entry-1",
		SessionID:  sessionID,
		Text:       "hello world",
		Sources:    []protocol.Source{protocol.SourceVisual, protocol.SourceSpoken},
		Confidence: 0.9,
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		MergedFrom: 2,
		Revision:   1,
	}
	if err := s.AppendEntry(context.Background(), entry); err != nil {
		t.Fatalf("append entry: %v", err)
	}
	if err := s.AppendDiagnostic(context.Background(), protocol.Diagnostic{
		SessionID: sessionID,
		Kind:      protocol.DiagLowConfidence,
		Source:    protocol.SourceSpoken,
		Detail:    "confidence 0.20 below minimum",
	}); err != nil {
		t.Fatalf("append diagnostic: %v", err)
	}

	records, err := s.ListSessionEntries(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Text != "hello world" {
		t.Fatalf("unexpected text %q", records[0].Text)
	}
	if records[0].MergedFrom != 2 || records[0].Revision != 1 {
		t.Fatalf("unexpected merge metadata %+v", records[0])
	}
}

func TestRevisionsAreAppended(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "session"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	sessionID := "session-rev"
	if err := s.BeginSession(context.Background(), sessionID, "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	base := protocol.TranscriptEntry{
		ID: "entry-1", SessionID: sessionID, Text: "helo", Timestamp: time.Now().UTC(),
		Sources: []protocol.Source{protocol.SourceVisual}, MergedFrom: 1,
	}
	if err := s.AppendEntry(context.Background(), base); err != nil {
		t.Fatalf("append: %v", err)
	}
	revised := base
	revised.Text = "hello"
	revised.Revision = 1
	revised.MergedFrom = 2
	if err := s.AppendEntry(context.Background(), revised); err != nil {
		t.Fatalf("append revision: %v", err)
	}

	records, err := s.ListSessionEntries(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected revision appended as a new row, got %d rows", len(records))
	}
	if records[0].Text != "helo" || records[1].Text != "hello" {
		t.Fatalf("unexpected revision history: %q then %q", records[0].Text, records[1].Text)
	}
}

func TestPruneByDays(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "sessions.db"), RetentionMode: "persistent", RetentionDays: 1}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.BeginSession(context.Background(), "old-session", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := s.AppendEntry(context.Background(), protocol.TranscriptEntry{ID: "e1", SessionID: "old-session", Text: "old", Timestamp: s.clock()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	records, err := s.ListSessionEntries(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected pruned entries, got %d", len(records))
	}
}
