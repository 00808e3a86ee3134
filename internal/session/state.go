package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/domain"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusCanceled   Status = "canceled"
)

// DefaultRefusalText is the text the service substitutes for a style's output
// when it blocks the content.
const DefaultRefusalText = "Content blocked due to security concerns. Please try rephrasing your input."

// DefaultRefusalPrefix is the stable start of every refusal the service sends.
const DefaultRefusalPrefix = "Content blocked due to security concerns"

// DefaultMaxInputChars is the longest input accepted by ValidateText.
const DefaultMaxInputChars = 600

var (
	ErrEmptyText   = errors.New("text is required")
	ErrTextTooLong = errors.New("text is too long")
)

// ValidateText trims text and checks it is non-empty and at most maxChars
// characters. A non-positive maxChars disables the length check.
func ValidateText(text string, maxChars int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		return "", ErrTextTooLong
	}
	return text, nil
}

// Output is the accumulated text for one style. Refused is set once an
// error event replaced the text.
type Output struct {
	Style   string `json:"style"`
	Text    string `json:"text"`
	Refused bool   `json:"refused,omitempty"`
}

// Outputs holds one entry per catalog style, in catalog order.
type Outputs []Output

// Get returns the buffer for style, or "" if the style is unknown.
func (o Outputs) Get(style string) string {
	for _, out := range o {
		if out.Style == style {
			return out.Text
		}
	}
	return ""
}

// Lookup returns the entry for style.
func (o Outputs) Lookup(style string) (Output, bool) {
	for _, out := range o {
		if out.Style == style {
			return out, true
		}
	}
	return Output{}, false
}

// Map returns the outputs keyed by style.
func (o Outputs) Map() map[string]string {
	m := make(map[string]string, len(o))
	for _, out := range o {
		m[out.Style] = out.Text
	}
	return m
}

// MarshalJSON encodes the outputs as an object whose keys keep catalog order.
func (o Outputs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, out := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(out.Style)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(out.Text)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Snapshot is a point-in-time copy of a controller's observable state.
type Snapshot struct {
	Status      Status  `json:"status"`
	Outputs     Outputs `json:"outputs"`
	ActiveStyle string  `json:"active_style,omitempty"`
	Version     uint64  `json:"version"`
}

// IsProcessing reports whether a rephrase is in flight.
func (s Snapshot) IsProcessing() bool {
	return s.Status == StatusProcessing
}

// Result describes a session that left the processing state.
type Result struct {
	Text       string
	JobID      string
	Status     Status
	Outputs    Outputs
	StartedAt  time.Time
	FinishedAt time.Time
}

// Record converts r into a history record owned by userID.
func (r Result) Record(userID, sessionID string) *domain.Run {
	run := &domain.Run{
		UserID:     userID,
		SessionID:  sessionID,
		JobID:      r.JobID,
		Text:       r.Text,
		Status:     string(r.Status),
		Outputs:    make([]domain.RunOutput, 0, len(r.Outputs)),
		CreatedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	for _, out := range r.Outputs {
		run.Outputs = append(run.Outputs, domain.RunOutput{Style: out.Style, Text: out.Text})
	}
	return run
}
