package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	shellwords "github.com/mattn/go-shellwords"
)

// Speaker voices one text. Speak blocks until the utterance has finished
// playing (or ctx is cancelled); the queue in front of it provides the
// sequencing.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

type mockSpeaker struct {
	log *slog.Logger
}

// NewMockSpeaker returns a speaker that only logs, for configurations
// without a speech synthesizer attached.
func NewMockSpeaker(log *slog.Logger) Speaker {
	return &mockSpeaker{log: log}
}

func (s *mockSpeaker) Speak(_ context.Context, text string) error {
	s.log.Info("mock speak", slog.String("text", text))
	return nil
}

type execSpeaker struct {
	argv []string
	log  *slog.Logger
}

// NewExecSpeaker shells out to an external synthesizer for each utterance.
// The text is passed as the final argument.
func NewExecSpeaker(command string, log *slog.Logger) (Speaker, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speaker command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("speaker command is empty")
	}
	return &execSpeaker{argv: argv, log: log}, nil
}

func (s *execSpeaker) Speak(ctx context.Context, text string) error {
	args := append(append([]string{}, s.argv[1:]...), text)
	cmd := exec.CommandContext(ctx, s.argv[0], args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("speaker command failed: %w: %s", err, out)
	}
	return nil
}
