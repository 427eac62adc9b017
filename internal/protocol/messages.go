package protocol

import (
	"strings"
	"time"
)

// Source identifies the modality that produced a recognition.
type Source string

const (
	SourceVisual Source = "visual"
	SourceSpoken Source = "spoken"
)

// Tag returns the short notes-log tag for a source.
func (s Source) Tag() string {
	switch s {
	case SourceVisual:
		return "V"
	case SourceSpoken:
		return "S"
	}
	return "?"
}

// RecognitionEvent is a single recognizer output published by a capture
// pipeline. CapturedAt is recorded at the moment of frame grab or utterance
// start, not at recognizer completion.
type RecognitionEvent struct {
	SessionID  string    `json:"session_id"`
	Source     Source    `json:"source"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	CapturedAt time.Time `json:"captured_at"`
	Language   string    `json:"language"`
}

// TranscriptEntry is a finalized (possibly later revised) transcript line
// emitted by the fusion engine.
type TranscriptEntry struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Sources    []Source  `json:"sources"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	MergedFrom int       `json:"merged_from"`
	Revision   int       `json:"revision"`
}

// SourceTag renders the combined source tag, e.g. "V", "S" or "V+S".
func (e TranscriptEntry) SourceTag() string {
	tags := make([]string, 0, len(e.Sources))
	for _, s := range e.Sources {
		tags = append(tags, s.Tag())
	}
	return strings.Join(tags, "+")
}

// Diagnostic kinds.
const (
	DiagLowConfidence      = "low_confidence"
	DiagRecognitionFailure = "recognition_failure"
	DiagCaptureError       = "capture_error"
	DiagIOError            = "io_error"
)

// Diagnostic is a non-fatal condition surfaced for telemetry. Diagnostics
// never produce transcript entries.
type Diagnostic struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Source    Source    `json:"source,omitempty"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRecognitionPrefix = "recognition.event"
	SubjectRecognitionVisual = "recognition.event.visual"
	SubjectRecognitionSpoken = "recognition.event.spoken"
	SubjectTranscriptEntry   = "transcript.entry"
	SubjectTranscriptRevised = "transcript.revision"
	SubjectDiagnostic        = "diagnostic.event"
	SubjectTTSSay            = "tts.say"
)

// SpeakRequest asks the speech sink to voice a finalized entry.
type SpeakRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// RecognitionSubject maps a source to its bus subject.
func RecognitionSubject(s Source) string {
	if s == SourceSpoken {
		return SubjectRecognitionSpoken
	}
	return SubjectRecognitionVisual
}
