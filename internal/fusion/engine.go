package fusion

import (
	"fmt"
	"time"

	"github.com/clearcaplabs/clearcap-core/internal/config"
	"github.com/clearcaplabs/clearcap-core/internal/protocol"
	"github.com/google/uuid"
)

// Outcome classifies what the engine did with one recognition event.
type Outcome int

const (
	// OutcomeEmitted means a new transcript entry was produced.
	OutcomeEmitted Outcome = iota
	// OutcomeMerged means the event was folded into a similar recent entry;
	// the updated entry is re-published as a revision.
	OutcomeMerged
	// OutcomeDropped means the event fell below the confidence floor.
	OutcomeDropped
)

// Decision is the result of processing one recognition event.
type Decision struct {
	Outcome    Outcome
	Entry      protocol.TranscriptEntry
	Diagnostic *protocol.Diagnostic
}

type windowEntry struct {
	id         string
	text       string
	timestamp  time.Time
	sources    map[protocol.Source]bool
	confidence float64 // confidence of the source providing the current text
	mergedFrom int
	revision   int
}

// Engine holds the fusion state: the trailing dedup window of recently
// emitted entries and the high-water mark that keeps output order
// non-decreasing. It has no locking; a single goroutine in Service is the
// only caller.
type Engine struct {
	cfg       config.FusionConfig
	sessionID string
	clock     func() time.Time
	newID     func() string

	window      []*windowEntry
	lastEmitted time.Time
}

func NewEngine(cfg config.FusionConfig, sessionID string) *Engine {
	return &Engine{
		cfg:       cfg,
		sessionID: sessionID,
		clock:     time.Now,
		newID:     uuid.NewString,
	}
}

// Process consumes one recognition event and decides whether it becomes a
// new transcript entry, merges into a recent cross-modal entry, or is
// dropped. Every event ends up in exactly one of those outcomes.
func (e *Engine) Process(ev protocol.RecognitionEvent) Decision {
	if ev.Confidence < e.cfg.MinConfidence {
		return Decision{
			Outcome: OutcomeDropped,
			Diagnostic: &protocol.Diagnostic{
				SessionID: e.sessionID,
				Kind:      protocol.DiagLowConfidence,
				Source:    ev.Source,
				Detail:    fmt.Sprintf("confidence %.2f below minimum %.2f: %q", ev.Confidence, e.cfg.MinConfidence, ev.Text),
				Timestamp: e.clock().UTC(),
			},
		}
	}

	e.prune(ev.CapturedAt)

	if best := e.bestMatch(ev); best != nil {
		return Decision{Outcome: OutcomeMerged, Entry: e.merge(best, ev)}
	}
	return Decision{Outcome: OutcomeEmitted, Entry: e.emit(ev)}
}

// bestMatch scans the dedup window for the most similar entry at or above
// the merge threshold. Same-modality near-duplicates merge too: the visual
// loop re-reads an unchanged sign on every poll, and collapsing those
// repeats is what keeps the transcript legible. The window bound applies in
// both directions: a slow worker can deliver an event capture-stamped long
// before entries already emitted, and those must stay distinct.
func (e *Engine) bestMatch(ev protocol.RecognitionEvent) *windowEntry {
	window := time.Duration(e.cfg.DedupWindowMS) * time.Millisecond
	var best *windowEntry
	bestScore := 0.0
	for _, cand := range e.window {
		gap := cand.timestamp.Sub(ev.CapturedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > window {
			continue
		}
		score := Similarity(cand.text, ev.Text)
		if score >= e.cfg.MergeThreshold && score > bestScore {
			best = cand
			bestScore = score
		}
	}
	return best
}

func (e *Engine) merge(entry *windowEntry, ev protocol.RecognitionEvent) protocol.TranscriptEntry {
	entry.sources[ev.Source] = true
	// The displayed text follows the higher-confidence source; a tie keeps
	// the earlier-arriving text.
	if ev.Confidence > entry.confidence {
		entry.text = ev.Text
		entry.confidence = ev.Confidence
	}
	entry.mergedFrom++
	entry.revision++
	return e.snapshot(entry)
}

func (e *Engine) emit(ev protocol.RecognitionEvent) protocol.TranscriptEntry {
	ts := ev.CapturedAt
	// Events carry capture-time stamps, so a slow worker can deliver an
	// event older than the newest emitted entry. Clamp to keep the output
	// stream non-decreasing.
	if ts.Before(e.lastEmitted) {
		ts = e.lastEmitted
	}
	entry := &windowEntry{
		id:         e.newID(),
		text:       ev.Text,
		timestamp:  ts,
		sources:    map[protocol.Source]bool{ev.Source: true},
		confidence: ev.Confidence,
		mergedFrom: 1,
	}
	e.window = append(e.window, entry)
	e.lastEmitted = ts
	return e.snapshot(entry)
}

// prune drops entries older than the trailing window relative to the newest
// event. Merge decisions never look further back than this.
func (e *Engine) prune(now time.Time) {
	window := time.Duration(e.cfg.DedupWindowMS) * time.Millisecond
	cutoff := now.Add(-window)
	kept := e.window[:0]
	for _, entry := range e.window {
		if !entry.timestamp.Before(cutoff) {
			kept = append(kept, entry)
		}
	}
	for i := len(kept); i < len(e.window); i++ {
		e.window[i] = nil
	}
	e.window = kept
}

func (e *Engine) snapshot(entry *windowEntry) protocol.TranscriptEntry {
	sources := make([]protocol.Source, 0, len(entry.sources))
	// Canonical order: visual before spoken, so the notes tag is stable.
	if entry.sources[protocol.SourceVisual] {
		sources = append(sources, protocol.SourceVisual)
	}
	if entry.sources[protocol.SourceSpoken] {
		sources = append(sources, protocol.SourceSpoken)
	}
	return protocol.TranscriptEntry{
		ID:         entry.id,
		SessionID:  e.sessionID,
		Text:       entry.text,
		Sources:    sources,
		Confidence: entry.confidence,
		Timestamp:  entry.timestamp,
		MergedFrom: entry.mergedFrom,
		Revision:   entry.revision,
	}
}
