package audio

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

// Loop continuously reads microphone chunks, segments them into utterances
// and drives the speech worker with at most one outstanding job. An
// utterance closing while a job is in flight is dropped, never queued.
type Loop struct {
	cfg        config.AudioConfig
	language   string
	sessionID  string
	source     ChunkSource
	worker     *Worker
	endpointer *Endpointer
	pub        bus.Publisher
	logger     *slog.Logger
	clock      func() time.Time

	inflight atomic.Bool
	dropped  atomic.Uint64
	wg       sync.WaitGroup
}

func NewLoop(cfg config.AudioConfig, language, sessionID string, source ChunkSource, worker *Worker, pub bus.Publisher, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:        cfg,
		language:   language,
		sessionID:  sessionID,
		source:     source,
		worker:     worker,
		endpointer: NewEndpointer(cfg),
		pub:        pub,
		logger:     logger.With(slog.String("component", "audio-loop")),
		clock:      time.Now,
	}
}

func (l *Loop) Name() string { return "audio" }

// DroppedUtterances reports how many closed utterances were dropped because a
// recognition job was still outstanding.
func (l *Loop) DroppedUtterances() uint64 { return l.dropped.Load() }

// Run reads audio until the context is cancelled or the microphone fails. A
// read error is returned to the caller; the supervisor owns the restart
// decision.
func (l *Loop) Run(ctx context.Context) error {
	for {
		capturedAt := l.clock()
		chunk, err := l.source.Read(ctx)
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil {
				l.flushTrailing()
				return nil
			}
			l.publishDiagnostic(protocol.DiagCaptureError, err.Error())
			return fmt.Errorf("microphone read: %w", err)
		}

		utt := l.endpointer.Feed(chunk, capturedAt)
		if utt == nil {
			continue
		}

		if l.inflight.Load() {
			l.dropped.Add(1)
			l.logger.Warn("utterance dropped, recognition still in flight",
				slog.Duration("duration", utt.Duration))
			continue
		}

		l.inflight.Store(true)
		l.wg.Add(1)
		go l.recognize(ctx, utt)
	}
}

// flushTrailing closes any utterance still buffering when the session ends
// and recognizes it synchronously, so speech cut off by shutdown still makes
// the transcript. The loop context is already cancelled at this point, hence
// the fresh recognition deadline.
func (l *Loop) flushTrailing() {
	utt := l.endpointer.Flush()
	if utt == nil {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(l.cfg.SpeechTimeoutMS)*time.Millisecond)
	defer cancel()

	l.inflight.Store(true)
	l.wg.Add(1)
	l.recognize(flushCtx, utt)
}

func (l *Loop) recognize(ctx context.Context, utt *Utterance) {
	defer l.wg.Done()
	defer l.inflight.Store(false)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.SpeechTimeoutMS)*time.Millisecond)
	defer cancel()

	result, err := l.worker.Recognize(ctx, utt)
	if err != nil {
		l.publishDiagnostic(protocol.DiagRecognitionFailure, err.Error())
		return
	}
	if result.Text == "" {
		return
	}
	if ctx.Err() != nil {
		// Session ended while the recognizer was busy; discard the late result.
		return
	}

	event := protocol.RecognitionEvent{
		SessionID:  l.sessionID,
		Source:     protocol.SourceSpoken,
		Text:       result.Text,
		Confidence: result.Confidence,
		CapturedAt: utt.Start,
		Language:   l.language,
	}
	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal recognition event", slog.String("error", err.Error()))
		return
	}
	if err := l.pub.Publish(protocol.SubjectRecognitionSpoken, data); err != nil {
		l.logger.Warn("failed to publish recognition event", slog.String("error", err.Error()))
	}
}

func (l *Loop) publishDiagnostic(kind, detail string) {
	diag := protocol.Diagnostic{
		SessionID: l.sessionID,
		Kind:      kind,
		Source:    protocol.SourceSpoken,
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
