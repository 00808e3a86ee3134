package session

import (
	"strings"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/style"
)

// Badge is the per-style status shown next to a style's output.
type Badge string

const (
	BadgeIdle      Badge = "Idle"
	BadgePending   Badge = "Pending"
	BadgeStreaming Badge = "Streaming"
	BadgeReady     Badge = "Ready"
	BadgeCanceled  Badge = "Canceled"
	BadgeError     Badge = "Error"
)

// StyleState is the derived display state of one style.
type StyleState struct {
	Style      string `json:"style"`
	Label      string `json:"label"`
	Helper     string `json:"helper"`
	Active     bool   `json:"active"`
	HasContent bool   `json:"has_content"`
	Errored    bool   `json:"errored"`
	Badge      Badge  `json:"badge"`
}

// Timeline derives per-style display state from a snapshot.
// isRefusal reports whether a buffer is a refusal sentinel.
func Timeline(catalog *style.Catalog, snap Snapshot, isRefusal func(string) bool) []StyleState {
	states := make([]StyleState, 0, catalog.Len())
	for _, s := range catalog.Styles() {
		out, _ := snap.Outputs.Lookup(s.ID)
		text := out.Text
		st := StyleState{
			Style:      s.ID,
			Label:      s.Label,
			Helper:     s.Helper,
			Active:     snap.ActiveStyle == s.ID,
			HasContent: strings.TrimSpace(text) != "",
		}
		st.Errored = out.Refused || (st.HasContent && isRefusal != nil && isRefusal(text))
		st.Badge = badge(snap.Status, st)
		states = append(states, st)
	}
	return states
}

func badge(status Status, st StyleState) Badge {
	if st.Errored {
		return BadgeError
	}
	switch status {
	case StatusProcessing:
		if st.Active {
			return BadgeStreaming
		}
		if st.HasContent {
			return BadgeReady
		}
		return BadgePending
	case StatusCanceled:
		if st.HasContent {
			return BadgeReady
		}
		return BadgeCanceled
	case StatusDone:
		return BadgeReady
	default:
		return BadgeIdle
	}
}
