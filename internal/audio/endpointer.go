package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/clearcaplabs/clearcap-core/internal/config"
)

// Utterance is a closed speech segment ready for recognition. Start is the
// instant the first voiced chunk was captured.
type Utterance struct {
	PCM      []byte
	Start    time.Time
	Duration time.Duration
}

// Endpointer segments a continuous PCM stream into utterances using
// energy-based silence detection. An utterance closes after the configured
// trailing silence or at the maximum utterance length, whichever comes
// first. Utterances whose voiced portion is shorter than the minimum are
// discarded without invoking recognition.
//
// Not safe for concurrent use; the capture loop is the only caller.
type Endpointer struct {
	sampleRate int
	channels   int
	silenceRMS float64

	trailingSilence time.Duration
	maxUtterance    time.Duration
	minUtterance    time.Duration

	buffering bool
	buf       []byte
	start     time.Time
	buffered  time.Duration
	silentRun time.Duration

	discarded uint64
}

func NewEndpointer(cfg config.AudioConfig) *Endpointer {
	return &Endpointer{
		sampleRate:      cfg.SampleRate,
		channels:        cfg.Channels,
		silenceRMS:      float64(cfg.SilenceRMS),
		trailingSilence: time.Duration(cfg.TrailingSilenceMS) * time.Millisecond,
		maxUtterance:    time.Duration(cfg.MaxUtteranceMS) * time.Millisecond,
		minUtterance:    time.Duration(cfg.MinUtteranceMS) * time.Millisecond,
	}
}

// Feed consumes one PCM chunk captured at the given instant and returns a
// closed utterance, or nil while buffering or idle.
func (e *Endpointer) Feed(chunk []byte, capturedAt time.Time) *Utterance {
	if len(chunk) == 0 {
		return nil
	}
	dur := e.chunkDuration(chunk)
	voiced := rms(chunk) >= e.silenceRMS

	if !e.buffering {
		if !voiced {
			return nil
		}
		e.buffering = true
		e.start = capturedAt
		e.buf = append(e.buf[:0], chunk...)
		e.buffered = dur
		e.silentRun = 0
		return nil
	}

	e.buf = append(e.buf, chunk...)
	e.buffered += dur
	if voiced {
		e.silentRun = 0
	} else {
		e.silentRun += dur
	}

	if e.silentRun >= e.trailingSilence || e.buffered >= e.maxUtterance {
		return e.close()
	}
	return nil
}

// Flush closes any buffered utterance, used at shutdown so trailing speech is
// not lost.
func (e *Endpointer) Flush() *Utterance {
	if !e.buffering {
		return nil
	}
	return e.close()
}

// Discarded reports how many utterances were dropped for being too short.
func (e *Endpointer) Discarded() uint64 { return e.discarded }

func (e *Endpointer) close() *Utterance {
	voicedDur := e.buffered - e.silentRun
	utt := &Utterance{
		PCM:      append([]byte(nil), e.buf...),
		Start:    e.start,
		Duration: e.buffered,
	}
	e.buffering = false
	e.buf = e.buf[:0]
	e.buffered = 0
	e.silentRun = 0

	if voicedDur < e.minUtterance {
		e.discarded++
		return nil
	}
	return utt
}

func (e *Endpointer) chunkDuration(chunk []byte) time.Duration {
	samples := len(chunk) / 2 / e.channels
	if e.sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(e.sampleRate)
}

// rms computes the root mean square over 16-bit little-endian samples.
func rms(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(chunk[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
