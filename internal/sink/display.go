package sink

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Display is the narrow surface the transcript is rendered on. Show has
// overwrite semantics: a new call replaces whatever was shown before.
type Display interface {
	Show(text string)
}

// WriterDisplay renders each shown text as a line on a writer, standing in
// for a GUI surface.
type WriterDisplay struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterDisplay(w io.Writer) *WriterDisplay {
	return &WriterDisplay{w: w}
}

func (d *WriterDisplay) Show(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintln(d.w, text)
}

// displayPump decouples the display from the fusion path with a single-slot
// overwrite mailbox: pushing never blocks, and a slow display only ever
// misses intermediate texts, never delays anything upstream.
type displayPump struct {
	display Display
	slot    chan string
}

func newDisplayPump(display Display) *displayPump {
	return &displayPump{
		display: display,
		slot:    make(chan string, 1),
	}
}

// push offers a new text, replacing any undisplayed one.
func (p *displayPump) push(text string) {
	for {
		select {
		case p.slot <- text:
			return
		default:
			select {
			case <-p.slot:
			default:
			}
		}
	}
}

func (p *displayPump) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-p.slot:
			p.display.Show(text)
		}
	}
}
