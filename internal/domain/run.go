// Package domain contains the persisted record types of the rephrase gateway.
package domain

import (
	"time"
)

// RunOutput is the final text of one style.
type RunOutput struct {
	Style string `json:"style"`
	Text  string `json:"text"`
}

// Run is one finished rephrase session.
type Run struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	SessionID  string      `json:"session_id"`
	JobID      string      `json:"job_id,omitempty"`
	Text       string      `json:"text"`
	Status     string      `json:"status"`
	Outputs    []RunOutput `json:"outputs"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Duration returns how long the run was processing.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.Before(r.CreatedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.CreatedAt)
}

// Output returns the text recorded for style, or "" if none was.
func (r *Run) Output(style string) string {
	for _, out := range r.Outputs {
		if out.Style == style {
			return out.Text
		}
	}
	return ""
}
