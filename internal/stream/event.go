// Package stream decodes the server-sent event stream published by the
// rephrase service for a single job.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the events a job stream can carry.
type Kind string

const (
	// KindDelta carries an incremental text fragment for one style.
	KindDelta Kind = "delta"
	// KindError replaces a style's output with refusal text.
	KindError Kind = "error"
	// KindComplete marks one style as finished.
	KindComplete Kind = "complete"
	// KindEnd marks the whole job as finished.
	KindEnd Kind = "end"
	// KindFailure is an "error" frame without a style: the service gave up on
	// the whole job.
	KindFailure Kind = "failure"
)

var (
	// ErrUnknownType is returned for frames whose type is not recognized.
	ErrUnknownType = errors.New("unknown event type")
	// ErrMissingStyle is returned for per-style frames without a style.
	ErrMissingStyle = errors.New("missing style")
)

// Event is one decoded job stream message.
type Event struct {
	Kind    Kind
	Style   string
	Text    string
	Message string
}

type wireEvent struct {
	Type    string `json:"type"`
	Style   string `json:"style,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseError reports a frame that could not be decoded. The stream itself is
// still usable.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse event %q: %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Decode parses the JSON payload of one frame.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, &ParseError{Raw: string(data), Err: err}
	}

	ev := Event{Style: w.Style, Text: w.Text, Message: w.Message}
	switch Kind(w.Type) {
	case KindDelta, KindComplete:
		if w.Style == "" {
			return Event{}, &ParseError{Raw: string(data), Err: ErrMissingStyle}
		}
		ev.Kind = Kind(w.Type)
	case KindError:
		if w.Style == "" {
			ev.Kind = KindFailure
			if ev.Message == "" {
				ev.Message = w.Text
			}
			return ev, nil
		}
		ev.Kind = KindError
	case KindEnd:
		ev.Kind = KindEnd
	default:
		return Event{}, &ParseError{Raw: string(data), Err: fmt.Errorf("%w: %q", ErrUnknownType, w.Type)}
	}
	return ev, nil
}

// Encode renders ev in the service's wire format.
func Encode(ev Event) ([]byte, error) {
	w := wireEvent{Type: string(ev.Kind), Style: ev.Style, Text: ev.Text, Message: ev.Message}
	if ev.Kind == KindFailure {
		w.Type = string(KindError)
		w.Style = ""
	}
	return json.Marshal(w)
}
