package audio

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/clearcaplabs/clearcap-core/internal/config"
)

// Worker wraps a Recognizer with bounded retry on transient failures. Backoff
// suspends only the worker's own flow; the capture loop keeps sampling audio
// while a retry sleeps.
type Worker struct {
	rec      Recognizer
	cfg      config.AudioConfig
	language string
	logger   *slog.Logger
}

func NewWorker(cfg config.AudioConfig, language string, rec Recognizer, logger *slog.Logger) *Worker {
	return &Worker{
		rec:      rec,
		cfg:      cfg,
		language: language,
		logger:   logger.With(slog.String("component", "speech-worker")),
	}
}

// Recognize transcribes one utterance, retrying transient failures up to the
// configured count with exponential backoff. Permanent failures and exhausted
// retries are returned to the caller, which surfaces a recognition_failure
// diagnostic instead of a transcript event.
func (w *Worker) Recognize(ctx context.Context, utt *Utterance) (Result, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Duration(w.cfg.RetryBackoffMS) * time.Millisecond

	attempt := 0
	operation := func() (Result, error) {
		attempt++
		result, err := w.rec.Transcribe(ctx, utt.PCM, w.cfg.SampleRate, w.cfg.Channels, w.language)
		if err != nil {
			if !IsTransient(err) {
				return Result{}, backoff.Permanent(err)
			}
			w.logger.Warn("transient recognition failure",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return Result{}, err
		}
		return result, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(w.cfg.MaxRetries+1)))
}
