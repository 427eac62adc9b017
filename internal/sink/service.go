package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/clearcaplabs/clearcap-core/internal/bus"
	"github.com/clearcaplabs/clearcap-core/internal/config"
	"github.com/clearcaplabs/clearcap-core/internal/protocol"
	"github.com/clearcaplabs/clearcap-core/internal/transcriptstore"
)

// Service consumes the transcript and diagnostic subjects and fans every
// message out to the configured outputs: the live display, the notes file,
// the session store, and optionally speech. Each output absorbs its own
// slowness so none of them can stall the others or the fusion path.
type Service struct {
	cfg       config.OutputConfig
	sessionID string
	bus       *bus.Client
	pub       bus.Publisher
	store     *transcriptstore.Store
	logger    *slog.Logger

	pump  *displayPump
	notes *NotesLog
	tts   *ttsQueue

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	meter      metric.Meter
	spoken     metric.Int64Counter
	ioFailures metric.Int64Counter
}

func NewService(parent context.Context, cfg config.OutputConfig, sessionID string, busClient *bus.Client, store *transcriptstore.Store, display Display, logger *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		sessionID: sessionID,
		bus:       busClient,
		pub:       busClient.Conn(),
		store:     store,
		logger:    logger.With(slog.String("component", "sink")),
		pump:      newDisplayPump(display),
		ctx:       ctx,
		cancel:    cancel,
		meter:     otel.Meter("github.com/clearcaplabs/clearcap-core/sink"),
	}

	s.notes = NewNotesLog(cfg.NotesFile, cfg.WriteRetries, s.logger,
		WithNotesErrorHandler(s.reportNotesFailure))

	if cfg.TTSEnabled {
		speaker, err := buildSpeaker(cfg, s.logger)
		if err != nil {
			cancel()
			s.notes.Close()
			return nil, err
		}
		s.tts = newTTSQueue(speaker, cfg.TTSQueueSize, s.logger)
	}

	s.initMetrics()
	return s, nil
}

func buildSpeaker(cfg config.OutputConfig, log *slog.Logger) (Speaker, error) {
	switch cfg.TTSMode {
	case "exec":
		return NewExecSpeaker(cfg.TTSCommand, log)
	default:
		return NewMockSpeaker(log), nil
	}
}

func (s *Service) initMetrics() {
	var err error
	if s.spoken, err = s.meter.Int64Counter("clearcap.sink.entries_spoken"); err != nil {
		s.logger.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.ioFailures, err = s.meter.Int64Counter("clearcap.sink.io_failures"); err != nil {
		s.logger.Warn("failed to create counter", slog.String("error", err.Error()))
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTranscriptEntry:   s.handleEntry,
		protocol.SubjectTranscriptRevised: s.handleRevision,
		protocol.SubjectDiagnostic:        s.handleDiagnostic,
	}
	if s.tts != nil {
		handlers[protocol.SubjectTTSSay] = s.handleSpeak
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump.run(s.ctx)
	}()
	if s.tts != nil {
		s.tts.start(s.ctx)
	}
	return nil
}

func (s *Service) handleEntry(msg *nats.Msg) {
	var entry protocol.TranscriptEntry
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		s.logger.Warn("failed to decode transcript entry", slog.String("error", err.Error()))
		return
	}
	s.pump.push(entry.Text)
	s.notes.Append(entry)
	s.appendToStore(entry)
	if s.tts != nil {
		s.requestSpeech(entry)
	}
}

// requestSpeech routes finalized entries to the speech sink over the bus,
// keeping the voicing decision observable alongside the other subjects.
func (s *Service) requestSpeech(entry protocol.TranscriptEntry) {
	data, err := json.Marshal(protocol.SpeakRequest{SessionID: entry.SessionID, Text: entry.Text})
	if err != nil {
		return
	}
	if err := s.pub.Publish(protocol.SubjectTTSSay, data); err != nil {
		s.logger.Warn("failed to publish speak request", slog.String("error", err.Error()))
	}
}

// reportNotesFailure runs when the notes log has exhausted its write
// retries. The session keeps going; the failure is shown on the display and
// published as an io_error diagnostic so it lands in the store like every
// other pipeline fault.
func (s *Service) reportNotesFailure(err error) {
	s.count(s.ioFailures)
	s.pump.push(fmt.Sprintf("[notes unavailable: %v]", err))

	diag := protocol.Diagnostic{
		SessionID: s.sessionID,
		Kind:      protocol.DiagIOError,
		Detail:    err.Error(),
		Timestamp: time.Now().UTC(),
	}
	data, marshalErr := json.Marshal(diag)
	if marshalErr != nil {
		return
	}
	if pubErr := s.pub.Publish(protocol.SubjectDiagnostic, data); pubErr != nil {
		s.logger.Warn("failed to publish io_error diagnostic", slog.String("error", pubErr.Error()))
	}
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slog.String("error", err.Error()))
		return
	}
	s.tts.push(req.Text)
	s.count(s.spoken)
}

// handleRevision updates the display and notes but never re-voices: a merge
// refines an entry that was already spoken, and repeating it would be noise.
func (s *Service) handleRevision(msg *nats.Msg) {
	var entry protocol.TranscriptEntry
	if err := json.Unmarshal(msg.Data, &entry); err != nil {
		s.logger.Warn("failed to decode transcript revision", slog.String("error", err.Error()))
		return
	}
	s.pump.push(entry.Text)
	s.notes.AppendCorrection(entry)
	s.appendToStore(entry)
}

func (s *Service) handleDiagnostic(msg *nats.Msg) {
	var diag protocol.Diagnostic
	if err := json.Unmarshal(msg.Data, &diag); err != nil {
		s.logger.Warn("failed to decode diagnostic", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("pipeline diagnostic",
		slog.String("kind", diag.Kind),
		slog.String("source", string(diag.Source)),
		slog.String("detail", diag.Detail))
	if err := s.store.AppendDiagnostic(s.ctx, diag); err != nil {
		s.logger.Warn("failed to store diagnostic", slog.String("error", err.Error()))
	}
}

func (s *Service) appendToStore(entry protocol.TranscriptEntry) {
	if err := s.store.AppendEntry(s.ctx, entry); err != nil {
		s.count(s.ioFailures)
		s.logger.Warn("failed to store transcript entry", slog.String("error", err.Error()))
	}
}

// Flush waits for queued notes lines to reach disk, bounded by ctx.
func (s *Service) Flush(ctx context.Context) error {
	return s.notes.Flush(ctx)
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
	if s.tts != nil {
		s.tts.wait()
	}
	s.notes.Close()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 }

func (s *Service) count(counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(s.ctx, 1)
	}
}
