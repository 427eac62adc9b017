package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clearcaplabs/clearcap-core/internal/bus"
	"github.com/clearcaplabs/clearcap-core/internal/config"
	"github.com/clearcaplabs/clearcap-core/internal/protocol"
)

// Loop polls the camera at a fixed cadence and drives the OCR engine with at
// most one outstanding job. Frames arriving while a job is in flight are
// skipped, never queued, so a slow engine cannot build a backlog.
type Loop struct {
	cfg       config.VisionConfig
	language  string
	sessionID string
	source    FrameSource
	engine    Engine
	pub       bus.Publisher
	logger    *slog.Logger

	inflight atomic.Bool
	skipped  atomic.Uint64
	wg       sync.WaitGroup
}

func NewLoop(cfg config.VisionConfig, language, sessionID string, source FrameSource, engine Engine, pub bus.Publisher, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:       cfg,
		language:  language,
		sessionID: sessionID,
		source:    source,
		engine:    engine,
		pub:       pub,
		logger:    logger.With(slog.String("component", "vision-loop")),
	}
}

func (l *Loop) Name() string { return "vision" }

// SkippedFrames reports how many frames were dropped because an OCR job was
// still outstanding.
func (l *Loop) SkippedFrames() uint64 { return l.skipped.Load() }

// Run polls until the context is cancelled or the camera fails. A camera
// read error is returned to the caller; the supervisor owns the restart
// decision.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(l.cfg.PollIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return nil
		case <-ticker.C:
		}

		if l.inflight.Load() {
			l.skipped.Add(1)
			continue
		}

		frame, err := l.source.Grab(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			l.publishDiagnostic(protocol.DiagCaptureError, err.Error())
			l.wg.Wait()
			return fmt.Errorf("camera read: %w", err)
		}

		l.inflight.Store(true)
		l.wg.Add(1)
		go l.recognize(ctx, frame)
	}
}

func (l *Loop) recognize(ctx context.Context, frame Frame) {
	defer l.wg.Done()
	defer l.inflight.Store(false)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.OCRTimeoutMS)*time.Millisecond)
	defer cancel()

	result, err := l.engine.Recognize(ctx, frame, l.language)
	if err != nil {
		// Single-frame miss. OCR is not retried; the next poll covers it.
		l.logger.Warn("ocr failed", slog.Uint64("frame", frame.Seq), slog.String("error", err.Error()))
		return
	}
	if result.Text == "" {
		return
	}
	if ctx.Err() != nil {
		// Session ended while the engine was busy; discard the late result.
		return
	}

	event := protocol.RecognitionEvent{
		SessionID:  l.sessionID,
		Source:     protocol.SourceVisual,
		Text:       result.Text,
		Confidence: result.Confidence,
		CapturedAt: frame.CapturedAt,
		Language:   l.language,
	}
	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal recognition event", slog.String("error", err.Error()))
		return
	}
	if err := l.pub.Publish(protocol.SubjectRecognitionVisual, data); err != nil {
		l.logger.Warn("failed to publish recognition event", slog.String("error", err.Error()))
	}
}

func (l *Loop) publishDiagnostic(kind, detail string) {
	diag := protocol.Diagnostic{
		SessionID: l.sessionID,
		Kind:      kind,
		Source:    protocol.SourceVisual,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(diag)
	if err != nil {
		return
	}
	if err := l.pub.Publish(protocol.SubjectDiagnostic, data); err != nil {
		l.logger.Warn("failed to publish diagnostic", slog.String("error", err.Error()))
	}
}
