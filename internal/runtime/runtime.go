package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clearcaplabs/clearcap-core/internal/audio"
	"github.com/clearcaplabs/clearcap-core/internal/bus"
	"github.com/clearcaplabs/clearcap-core/internal/config"
	"github.com/clearcaplabs/clearcap-core/internal/fusion"
	"github.com/clearcaplabs/clearcap-core/internal/natsserver"
	"github.com/clearcaplabs/clearcap-core/internal/sink"
	"github.com/clearcaplabs/clearcap-core/internal/supervisor"
	"github.com/clearcaplabs/clearcap-core/internal/transcriptstore"
	"github.com/clearcaplabs/clearcap-core/internal/vision"
)

// Runtime assembles the capture pipelines, the fusion service, the output
// sinks and the session store around the message bus, runs them until the
// context is cancelled or capture collapses, then shuts everything down in
// reverse order.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	sessionID  string
	httpServer *http.Server
	sup        *supervisor.Supervisor
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

// SessionID reports the identifier stamped on everything this run produces.
func (r *Runtime) SessionID() string { return r.sessionID }

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.sessionID, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	var embedded *natsserver.EmbeddedServer
	if r.cfg.Bus.Embedded {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	store, err := transcriptstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}()

	if err := store.BeginSession(ctx, r.sessionID, r.cfg.Language); err != nil {
		return fmt.Errorf("failed to begin session: %w", err)
	}
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("session prune failed", slog.String("error", err.Error()))
	}

	fusionSvc := fusion.NewService(ctx, r.cfg.Fusion, r.sessionID, busClient, r.logger)
	if err := fusionSvc.Start(); err != nil {
		return fmt.Errorf("failed to start fusion service: %w", err)
	}
	defer fusionSvc.Close()

	sinkSvc, err := sink.NewService(ctx, r.cfg.Output, r.sessionID, busClient, store, sink.NewWriterDisplay(os.Stdout), r.logger)
	if err != nil {
		return fmt.Errorf("failed to build output sinks: %w", err)
	}
	if err := sinkSvc.Start(); err != nil {
		sinkSvc.Close()
		return fmt.Errorf("failed to start output sinks: %w", err)
	}

	r.sup = supervisor.New(ctx,
		r.cfg.Supervisor.RestartLimit,
		time.Duration(r.cfg.Supervisor.RestartWindowMS)*time.Millisecond,
		time.Duration(r.cfg.Supervisor.RestartDelayMS)*time.Millisecond,
		r.logger)

	if r.cfg.Vision.Enabled {
		loop, err := r.buildVisionLoop(busClient)
		if err != nil {
			sinkSvc.Close()
			return err
		}
		r.sup.Supervise(loop)
	}
	if r.cfg.Audio.Enabled {
		loop, err := r.buildAudioLoop(busClient)
		if err != nil {
			sinkSvc.Close()
			return err
		}
		r.sup.Supervise(loop)
	}

	if err := r.serveHTTP(metricsHandler); err != nil {
		sinkSvc.Close()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("session_id", r.sessionID),
		slog.String("language", r.cfg.Language),
		slog.Bool("vision", r.cfg.Vision.Enabled),
		slog.Bool("audio", r.cfg.Audio.Enabled))

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("runtime stopping")
	case runErr = <-r.waitSupervisor():
		if runErr != nil {
			r.logger.Error("capture collapsed", slog.String("error", runErr.Error()))
		}
	}
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(r.cfg.Supervisor.ShutdownTimeoutMS)*time.Millisecond)
	defer cancelShutdown()

	r.sup.Close()
	if err := sinkSvc.Flush(shutdownCtx); err != nil {
		r.logger.Error("notes flush incomplete", slog.String("error", err.Error()))
	}
	sinkSvc.Close()

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	return runErr
}

func (r *Runtime) waitSupervisor() <-chan error {
	out := make(chan error, 1)
	go func() { out <- r.sup.Wait() }()
	return out
}

func (r *Runtime) buildVisionLoop(busClient *bus.Client) (*vision.Loop, error) {
	var engine vision.Engine
	switch r.cfg.Vision.OCRMode {
	case "exec":
		var err error
		engine, err = vision.NewExecEngine(r.cfg.Vision)
		if err != nil {
			return nil, fmt.Errorf("failed to build ocr engine: %w", err)
		}
	default:
		engine = vision.NewMockEngine()
	}
	return vision.NewLoop(r.cfg.Vision, r.cfg.Language, r.sessionID,
		vision.NewMockSource(), engine, busClient.Conn(), r.logger), nil
}

func (r *Runtime) buildAudioLoop(busClient *bus.Client) (*audio.Loop, error) {
	var rec audio.Recognizer
	switch r.cfg.Audio.SpeechMode {
	case "exec":
		var err error
		rec, err = audio.NewExecRecognizer(r.cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("failed to build speech recognizer: %w", err)
		}
	default:
		rec = audio.NewMockRecognizer()
	}
	worker := audio.NewWorker(r.cfg.Audio, r.cfg.Language, rec, r.logger)
	source := audio.NewMockSource(r.cfg.Audio.SampleRate, r.cfg.Audio.Channels,
		time.Duration(r.cfg.Audio.ChunkDurationMS)*time.Millisecond)
	return audio.NewLoop(r.cfg.Audio, r.cfg.Language, r.sessionID,
		source, worker, busClient.Conn(), r.logger), nil
}

func (r *Runtime) serveHTTP(metricsHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports readiness plus the per-pipeline states, so an
// operator can see a degraded modality at a glance.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() || (r.sup != nil && !r.sup.Healthy()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
	if r.sup != nil {
		for name, state := range r.sup.States() {
			fmt.Fprintf(w, "\n%s: %s", name, state)
		}
	}
}
