package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/clearcaplabs/clearcap-core/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine shells out to an external OCR command, e.g. a tesseract wrapper.
// The command receives the frame via --image and prints JSON on stdout:
// {"text": "...", "confidence": 0.87}.
type execEngine struct {
	cmd []string
	cfg config.VisionConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecEngine(cfg config.VisionConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.OCRCommand)
	if err != nil {
		return nil, fmt.Errorf("parse ocr command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("ocr command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg}, nil
}

func (e *execEngine) Recognize(ctx context.Context, frame Frame, language string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "clearcap_frame_*.raw")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if _, err := file.Write(frame.Data); err != nil {
		return Result{}, fmt.Errorf("write frame: %w", err)
	}

	base := e.cmd[0]
	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--image", file.Name())
	cmdArgs = append(cmdArgs, "--width", fmt.Sprint(frame.Width), "--height", fmt.Sprint(frame.Height))
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("ocr command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode ocr response: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}
