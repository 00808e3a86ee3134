// Package transcript writes per-session NDJSON transcripts of rephrase
// activity. Writes happen on a background goroutine; Log never blocks the
// caller.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Event types.
const (
	EventSubmit = "submit"
	EventFinish = "finish"
	EventCancel = "cancel"
	EventReset  = "reset"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one transcript line.
type Event struct {
	Timestamp  time.Time         `json:"ts"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id"`
	JobID      string            `json:"job_id,omitempty"`
	EventType  string            `json:"event_type"`
	Text       string            `json:"text,omitempty"`
	Status     string            `json:"status,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
}

// Logger appends events to <dir>/<user>/<session>.ndjson.
type Logger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped uint64
	done    chan struct{}
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// NewLogger starts a transcript logger. A disabled config returns a nil
// *Logger, whose methods are no-ops.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	l := &Logger{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log queues ev. When the queue is full the oldest queued event is dropped.
func (l *Logger) Log(ev Event) {
	if l == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
		return
	default:
	}

	select {
	case <-l.queue:
		l.dropped++
		l.logger.Warn("Transcript queue full, dropped oldest event", "dropped_total", l.dropped)
	default:
	}
	select {
	case l.queue <- ev:
	default:
		l.dropped++
	}
}

// Dropped returns how many events were discarded under backpressure.
func (l *Logger) Dropped() uint64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close stops accepting events and waits until queued events are written.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return nil
}

// Path returns the transcript file of a user's tab session.
func (l *Logger) Path(userID, sessionID string) string {
	return filepath.Join(l.dir, safeName(userID), safeName(sessionID)+".ndjson")
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write transcript event",
				"user_id", ev.UserID,
				"session_id", ev.SessionID,
				"event_type", ev.EventType,
				"error", err,
			)
		}
	}
}

func (l *Logger) write(ev Event) error {
	path := l.Path(ev.UserID, ev.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	return f.Close()
}

func safeName(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
