package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clearcaplabs/clearcap-core/internal/bus"
	"github.com/clearcaplabs/clearcap-core/internal/config"
	"github.com/clearcaplabs/clearcap-core/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Service runs the fusion engine as a single-writer actor: both capture
// pipelines publish into the recognition subjects, the service funnels them
// into one intake channel, and exactly one goroutine mutates engine state.
type Service struct {
	cfg       config.FusionConfig
	sessionID string
	bus       *bus.Client
	logger    *slog.Logger
	engine    *Engine
	intake    chan protocol.RecognitionEvent
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	meter        metric.Meter
	emitted      metric.Int64Counter
	merged       metric.Int64Counter
	dropped      metric.Int64Counter
	publishError metric.Int64Counter
}

func NewService(parent context.Context, cfg config.FusionConfig, sessionID string, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		sessionID: sessionID,
		bus:       busClient,
		logger:    logger.With(slog.String("component", "fusion")),
		engine:    NewEngine(cfg, sessionID),
		intake:    make(chan protocol.RecognitionEvent, cfg.IntakeBuffer),
		ctx:       ctx,
		cancel:    cancel,
		meter:     otel.Meter("github.com/clearcaplabs/clearcap-core/fusion"),
	}
	s.initMetrics()
	return s
}

func (s *Service) initMetrics() {
	var err error
	if s.emitted, err = s.meter.Int64Counter("clearcap.fusion.entries_emitted"); err != nil {
		s.logger.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.merged, err = s.meter.Int64Counter("clearcap.fusion.events_merged"); err != nil {
		s.logger.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.dropped, err = s.meter.Int64Counter("clearcap.fusion.events_dropped"); err != nil {
		s.logger.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if s.publishError, err = s.meter.Int64Counter("clearcap.fusion.publish_errors"); err != nil {
		s.logger.Warn("failed to create counter", slog.String("error", err.Error()))
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRecognitionPrefix+".>", s.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe recognition events: %w", err)
	}
	s.sub = sub

	s.wg.Add(1)
	go s.consume()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleEvent(msg *nats.Msg) {
	var ev protocol.RecognitionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("failed to decode recognition event", slog.String("error", err.Error()))
		return
	}
	select {
	case s.intake <- ev:
	case <-s.ctx.Done():
	}
}

// consume is the only goroutine touching engine state.
func (s *Service) consume() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.intake:
			s.process(ev)
		}
	}
}

func (s *Service) process(ev protocol.RecognitionEvent) {
	decision := s.engine.Process(ev)
	switch decision.Outcome {
	case OutcomeDropped:
		s.count(s.dropped)
		s.publishDiagnostic(decision.Diagnostic)
	case OutcomeMerged:
		s.count(s.merged)
		s.publishEntry(protocol.SubjectTranscriptRevised, decision.Entry)
	case OutcomeEmitted:
		s.count(s.emitted)
		s.publishEntry(protocol.SubjectTranscriptEntry, decision.Entry)
	}
}

func (s *Service) publishEntry(subject string, entry protocol.TranscriptEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("failed to marshal transcript entry", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.count(s.publishError)
		s.logger.Warn("failed to publish transcript entry", slog.String("error", err.Error()))
	}
}

func (s *Service) publishDiagnostic(diag *protocol.Diagnostic) {
	if diag == nil {
		return
	}
	data, err := json.Marshal(diag)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectDiagnostic, data); err != nil {
		s.count(s.publishError)
		s.logger.Warn("failed to publish diagnostic", slog.String("error", err.Error()))
	}
}

func (s *Service) count(counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(s.ctx, 1)
	}
}
