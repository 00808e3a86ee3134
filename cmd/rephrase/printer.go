package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/session"
)

// printer writes the growth of each style's buffer to a terminal. A style
// header is printed whenever output switches to a different style.
type printer struct {
	out     io.Writer
	ctrl    *session.Controller
	printed map[string]string
	current string
}

func newPrinter(out io.Writer, ctrl *session.Controller) *printer {
	return &printer{out: out, ctrl: ctrl, printed: make(map[string]string)}
}

func (p *printer) update(snap session.Snapshot) {
	for _, o := range snap.Outputs {
		prev := p.printed[o.Style]
		if o.Text == prev {
			continue
		}
		if strings.HasPrefix(o.Text, prev) {
			p.header(o.Style)
			fmt.Fprint(p.out, o.Text[len(prev):])
		} else {
			// The service replaced the buffer, e.g. with a refusal.
			p.current = ""
			p.header(o.Style)
			fmt.Fprint(p.out, o.Text)
		}
		p.printed[o.Style] = o.Text
	}
}

func (p *printer) header(styleID string) {
	if p.current == styleID {
		return
	}
	label := styleID
	if s, ok := p.ctrl.Catalog().Lookup(styleID); ok {
		label = s.Label
	}
	if len(p.printed) > 0 || p.current != "" {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out)
	}
	fmt.Fprintf(p.out, "== %s ==\n", label)
	p.current = styleID
}

func (p *printer) finish(snap session.Snapshot) {
	if len(p.printed) > 0 {
		fmt.Fprintln(p.out)
	}
	var refused []string
	for _, st := range session.Timeline(p.ctrl.Catalog(), snap, p.ctrl.IsRefusal) {
		if st.Errored {
			refused = append(refused, st.Label)
		}
	}
	if len(refused) > 0 {
		fmt.Fprintf(p.out, "\nrefused: %s\n", strings.Join(refused, ", "))
	}
	if snap.Status == session.StatusCanceled {
		fmt.Fprintln(p.out, "\n(canceled)")
	}
}
