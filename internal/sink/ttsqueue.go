package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ttsQueue feeds a Speaker strictly one utterance at a time. Speech is slow
// relative to recognition, so the queue is bounded: when it is full the
// oldest unspoken text is dropped, keeping what is voiced close to what is
// happening now.
type ttsQueue struct {
	speaker Speaker
	log     *slog.Logger
	max     int

	mu      sync.Mutex
	items   []string
	wake    chan struct{}
	dropped atomic.Uint64

	wg sync.WaitGroup
}

func newTTSQueue(speaker Speaker, max int, log *slog.Logger) *ttsQueue {
	return &ttsQueue{
		speaker: speaker,
		log:     log,
		max:     max,
		wake:    make(chan struct{}, 1),
	}
}

// push enqueues a text without ever blocking the caller.
func (q *ttsQueue) push(text string) {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped.Add(1)
		q.log.Warn("speech queue full, dropping oldest",
			slog.Uint64("dropped_total", q.dropped.Load()))
	}
	q.items = append(q.items, text)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *ttsQueue) start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
}

func (q *ttsQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			text := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			if err := q.speaker.Speak(ctx, text); err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Warn("speak failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (q *ttsQueue) wait() {
	q.wg.Wait()
}
