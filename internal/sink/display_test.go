package sink

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingDisplay struct {
	mu    sync.Mutex
	shown []string
}

func (d *recordingDisplay) Show(text string) {
	d.mu.Lock()
	d.shown = append(d.shown, text)
	d.mu.Unlock()
}

func (d *recordingDisplay) last() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.shown) == 0 {
		return "", false
	}
	return d.shown[len(d.shown)-1], true
}

func TestDisplayPumpShowsLatestWhenBehind(t *testing.T) {
	display := &recordingDisplay{}
	pump := newDisplayPump(display)

	// Push a burst before the pump runs: only the newest survives.
	pump.push("one")
	pump.push("two")
	pump.push("three")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pump.run(ctx)

	waitFor(t, func() bool {
		last, ok := display.last()
		return ok && last == "three"
	})

	display.mu.Lock()
	defer display.mu.Unlock()
	if len(display.shown) != 1 {
		t.Fatalf("expected only latest text shown, got %v", display.shown)
	}
}

func TestDisplayPumpPushNeverBlocks(t *testing.T) {
	pump := newDisplayPump(&recordingDisplay{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			pump.push("text")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("push blocked with no consumer")
	}
}

func TestWriterDisplayWritesLines(t *testing.T) {
	var buf bytes.Buffer
	d := NewWriterDisplay(&buf)
	d.Show("hello")
	d.Show("world")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
