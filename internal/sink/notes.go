package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/clearcaplabs/clearcap-core/internal/protocol"
)

// NotesLog appends transcript lines to a plain-text file, one line per
// entry. The file is the durable record a user can read back after a
// session, so writes are never reordered and existing lines are never
// rewritten: a correction to an earlier entry is appended as a fresh line.
type NotesLog struct {
	log     *slog.Logger
	retries int
	onError func(err error)

	// write persists one encoded line. Injectable for tests; the default
	// opens the notes file in append mode, writes, and closes, so a crash
	// between lines loses at most the line being written.
	write func(line []byte) error

	mu      sync.Mutex
	pending []string
	wake    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// NotesOption adjusts a NotesLog at construction time.
type NotesOption func(*NotesLog)

// WithNotesWriter replaces the per-line persistence function.
func WithNotesWriter(write func(line []byte) error) NotesOption {
	return func(n *NotesLog) { n.write = write }
}

// WithNotesErrorHandler registers a callback invoked once the configured
// number of consecutive write attempts has failed. Writing still keeps
// retrying afterwards; the callback is how the failure surfaces to the user.
func WithNotesErrorHandler(fn func(err error)) NotesOption {
	return func(n *NotesLog) { n.onError = fn }
}

func NewNotesLog(path string, retries int, log *slog.Logger, opts ...NotesOption) *NotesLog {
	ctx, cancel := context.WithCancel(context.Background())
	n := &NotesLog{
		log:     log,
		retries: retries,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
		write: func(line []byte) error {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open notes file: %w", err)
			}
			if _, err := f.Write(line); err != nil {
				f.Close()
				return fmt.Errorf("append notes line: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close notes file: %w", err)
			}
			return nil
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.run(ctx)
	return n
}

// Append queues a transcript entry for persistence. It never blocks on the
// filesystem.
func (n *NotesLog) Append(entry protocol.TranscriptEntry) {
	n.enqueue(formatNotesLine(entry.Timestamp, entry.SourceTag(), entry.Text))
}

// AppendCorrection queues a revised form of an already-written entry. The
// original line stays in the file; the correction is a new line marked so a
// reader can tell it supersedes something above it.
func (n *NotesLog) AppendCorrection(entry protocol.TranscriptEntry) {
	n.enqueue(formatNotesLine(entry.Timestamp, entry.SourceTag(), "[corrected] "+entry.Text))
}

func (n *NotesLog) enqueue(line string) {
	n.mu.Lock()
	n.pending = append(n.pending, line)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *NotesLog) run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			n.drain(ctx)
			return
		case <-n.wake:
			n.drain(ctx)
		}
	}
}

// drain persists every queued line in order. A line that cannot be written
// is retried with backoff until it succeeds; later lines wait behind it so
// the file never reorders.
func (n *NotesLog) drain(ctx context.Context) {
	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.mu.Unlock()
			return
		}
		line := n.pending[0]
		n.mu.Unlock()

		if err := n.persist(ctx, line); err != nil {
			return
		}

		n.mu.Lock()
		n.pending = n.pending[1:]
		n.mu.Unlock()
	}
}

// persist retries until the line is on disk. After Close, each line gets
// exactly one attempt so a permanently failing disk cannot hang shutdown.
func (n *NotesLog) persist(ctx context.Context, line string) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = 2 * time.Second

	failures := 0
	notified := false
	for {
		err := n.write([]byte(line))
		if err == nil {
			return nil
		}
		failures++
		n.log.Warn("notes write failed",
			slog.Int("attempt", failures),
			slog.String("error", err.Error()))
		if failures >= n.retries && !notified {
			notified = true
			if n.onError != nil {
				n.onError(err)
			}
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(expo.NextBackOff()):
		}
	}
}

// Flush blocks until every queued line has been persisted or the context
// expires.
func (n *NotesLog) Flush(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		n.mu.Lock()
		remaining := len(n.pending)
		n.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("notes flush: %d lines unwritten: %w", remaining, ctx.Err())
		case <-tick.C:
		}
	}
}

// Close stops the writer goroutine after a final drain.
func (n *NotesLog) Close() {
	n.cancel()
	<-n.done
}

func formatNotesLine(ts time.Time, tag, text string) string {
	return ts.UTC().Format(time.RFC3339) + "\t" + tag + "\t" + sanitizeNotesText(text) + "\n"
}

// sanitizeNotesText keeps the one-line-per-entry format intact when
// recognized text contains tabs or newlines.
func sanitizeNotesText(text string) string {
	r := strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")
	return r.Replace(text)
}
