package jobclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/stream"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

type httpSubscription struct {
	jobID  string
	body   io.ReadCloser
	reader *stream.Reader
	cancel context.CancelFunc
	logger *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newHTTPSubscription(jobID string, body io.ReadCloser, cancel context.CancelFunc, logger *slog.Logger) *httpSubscription {
	return &httpSubscription{
		jobID:  jobID,
		body:   body,
		reader: stream.NewReader(body),
		cancel: cancel,
		logger: logger,
	}
}

// Next returns the next event. Frames with an empty payload are skipped.
func (s *httpSubscription) Next() (stream.Event, error) {
	for {
		frame, err := s.reader.Next()
		if err != nil {
			if s.closed.Load() {
				return stream.Event{}, ErrSubscriptionClosed
			}
			if errors.Is(err, io.EOF) {
				return stream.Event{}, io.EOF
			}
			return stream.Event{}, &TransportError{Op: OpRead, Err: err}
		}
		if len(frame.Data) == 0 {
			continue
		}
		return stream.Decode(frame.Data)
	}
}

// Close cancels the stream request and releases the body.
func (s *httpSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.closeErr = s.body.Close()
		s.logger.Debug("Rephrase stream closed", "job_id", s.jobID)
	})
	return s.closeErr
}
