package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State tracks where a supervised pipeline is in its lifecycle.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateFailed     State = "failed"
	StateRestarting State = "restarting"
	StateDegraded   State = "degraded"
)

// ErrAllPipelinesDegraded is returned by Wait when every capture pipeline
// has exhausted its restart budget and nothing is producing events anymore.
var ErrAllPipelinesDegraded = errors.New("all capture pipelines degraded")

// Pipeline is a long-running capture loop. Run blocks until the context is
// cancelled (nil error) or the loop hits an unrecoverable fault (non-nil).
type Pipeline interface {
	Name() string
	Run(ctx context.Context) error
}

type pipelineEntry struct {
	pipeline Pipeline
	state    State
	failures []time.Time // recent failure instants, pruned to the window
}

// Supervisor restarts failed pipelines with a bounded budget: more than
// RestartLimit failures inside RestartWindow marks the pipeline degraded
// and it stays down. One degraded modality leaves the other running; the
// runtime only stops when both are gone.
type Supervisor struct {
	log           *slog.Logger
	restartLimit  int
	restartWindow time.Duration
	restartDelay  time.Duration
	clock         func() time.Time

	mu      sync.Mutex
	entries map[string]*pipelineEntry

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	done    chan struct{}
}

// Option adjusts a Supervisor at construction time.
type Option func(*Supervisor)

// WithClock replaces the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

func New(parent context.Context, restartLimit int, restartWindow, restartDelay time.Duration, log *slog.Logger, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		log:           log.With(slog.String("component", "supervisor")),
		restartLimit:  restartLimit,
		restartWindow: restartWindow,
		restartDelay:  restartDelay,
		clock:         time.Now,
		entries:       make(map[string]*pipelineEntry),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Supervise registers and starts a pipeline. Call before Wait.
func (s *Supervisor) Supervise(p Pipeline) {
	s.mu.Lock()
	entry := &pipelineEntry{pipeline: p, state: StateStarting}
	s.entries[p.Name()] = entry
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(p)
	}()
}

func (s *Supervisor) runLoop(p Pipeline) {
	name := p.Name()
	for {
		s.setState(name, StateRunning)
		s.log.Info("pipeline running", slog.String("pipeline", name))

		err := p.Run(s.ctx)
		if s.ctx.Err() != nil {
			s.setState(name, StateStopped)
			return
		}
		if err == nil {
			// A capture loop returning nil outside shutdown means its
			// source is exhausted; treat it as stopped, not failed.
			s.log.Info("pipeline finished", slog.String("pipeline", name))
			s.setState(name, StateStopped)
			s.checkAllDown()
			return
		}

		s.log.Error("pipeline failed",
			slog.String("pipeline", name),
			slog.String("error", err.Error()))

		if s.recordFailure(name) {
			s.setState(name, StateDegraded)
			s.log.Error("pipeline degraded, restart budget exhausted",
				slog.String("pipeline", name),
				slog.Int("restart_limit", s.restartLimit),
				slog.Duration("restart_window", s.restartWindow))
			s.checkAllDown()
			return
		}

		s.setState(name, StateRestarting)
		select {
		case <-s.ctx.Done():
			s.setState(name, StateStopped)
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// recordFailure notes a failure instant and reports whether the rolling
// window now holds more than the allowed number of failures.
func (s *Supervisor) recordFailure(name string) bool {
	now := s.clock()
	cutoff := now.Add(-s.restartWindow)

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[name]
	if !ok {
		return false
	}
	entry.state = StateFailed

	kept := entry.failures[:0]
	for _, at := range entry.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	entry.failures = append(kept, now)
	return len(entry.failures) > s.restartLimit
}

func (s *Supervisor) setState(name string, state State) {
	s.mu.Lock()
	if entry, ok := s.entries[name]; ok {
		entry.state = state
	}
	s.mu.Unlock()
}

// checkAllDown resolves Wait with ErrAllPipelinesDegraded once no pipeline
// can produce events anymore.
func (s *Supervisor) checkAllDown() {
	s.mu.Lock()
	alive := 0
	for _, entry := range s.entries {
		switch entry.state {
		case StateDegraded, StateStopped:
		default:
			alive++
		}
	}
	total := len(s.entries)
	s.mu.Unlock()

	if total > 0 && alive == 0 {
		s.errOnce.Do(func() {
			s.err = ErrAllPipelinesDegraded
			close(s.done)
		})
	}
}

// Wait blocks until every pipeline is beyond restarting or the context is
// cancelled. It returns ErrAllPipelinesDegraded when capture has collapsed
// entirely, nil on orderly shutdown.
func (s *Supervisor) Wait() error {
	select {
	case <-s.done:
		return s.err
	case <-s.ctx.Done():
		return nil
	}
}

// States reports a snapshot of every pipeline's state, keyed by name.
func (s *Supervisor) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]State, len(s.entries))
	for name, entry := range s.entries {
		states[name] = entry.state
	}
	return states
}

// Healthy reports whether at least one pipeline is still producing.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		switch entry.state {
		case StateRunning, StateStarting, StateRestarting:
			return true
		}
	}
	return false
}

// Close cancels every pipeline and waits for their goroutines to exit.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}
