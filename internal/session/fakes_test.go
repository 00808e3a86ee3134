package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/stream"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/style"
)

var errFakeClosed = errors.New("fake subscription closed")

type createCall struct {
	Text   string
	Styles []string
}

// fakeJobs records Job Client calls. Job ids are r1, r2, ... in call order.
type fakeJobs struct {
	mu        sync.Mutex
	created   []createCall
	canceled  []string
	createErr error
	cancelErr error
	// When set, CancelJob blocks until its context is done.
	cancelHangs bool

	// When set, the first CreateJob call signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeJobs) CreateJob(_ context.Context, text string, styles []string) (string, error) {
	f.mu.Lock()
	f.created = append(f.created, createCall{Text: text, Styles: styles})
	n := len(f.created)
	err := f.createErr
	f.mu.Unlock()

	if n == 1 && f.release != nil {
		close(f.entered)
		<-f.release
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("r%d", n), nil
}

func (f *fakeJobs) CancelJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.canceled = append(f.canceled, jobID)
	err, hangs := f.cancelErr, f.cancelHangs
	f.mu.Unlock()

	if hangs {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeJobs) cancelCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.canceled))
	copy(out, f.canceled)
	return out
}

func (f *fakeJobs) createCalls() []createCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]createCall, len(f.created))
	copy(out, f.created)
	return out
}

type fakeItem struct {
	ev  stream.Event
	err error
}

// fakeSub delivers events and errors in the order they were queued.
type fakeSub struct {
	jobID  string
	items  chan fakeItem
	closed chan struct{}
	once   sync.Once
}

func newFakeSub(jobID string) *fakeSub {
	return &fakeSub{
		jobID:  jobID,
		items:  make(chan fakeItem, 32),
		closed: make(chan struct{}),
	}
}

func (s *fakeSub) Next() (stream.Event, error) {
	select {
	case <-s.closed:
		return stream.Event{}, errFakeClosed
	default:
	}
	select {
	case it := <-s.items:
		return it.ev, it.err
	case <-s.closed:
		return stream.Event{}, errFakeClosed
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSub) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSub) send(evs ...stream.Event) {
	for _, ev := range evs {
		s.items <- fakeItem{ev: ev}
	}
}

func (s *fakeSub) fail(err error) {
	s.items <- fakeItem{err: err}
}

type fakeSubscriber struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, jobID string) (stream.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := newFakeSub(jobID)
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSubscriber) last(t *testing.T) *fakeSub {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		t.Fatal("no subscription opened")
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(ids ...string) *style.Catalog {
	styles := make([]style.Style, len(ids))
	for i, id := range ids {
		styles[i] = style.Style{ID: id}
	}
	return style.MustNew(styles...)
}

func newTestController(jobs *fakeJobs, subs *fakeSubscriber, ids ...string) *Controller {
	return New(jobs, subs, testCatalog(ids...), WithLogger(quietLogger()))
}

func waitFor(t *testing.T, c *Controller, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		snap, changed := c.Observe()
		if cond(snap) {
			return snap
		}
		select {
		case <-changed:
		case <-ctx.Done():
			t.Fatalf("timed out waiting for state; last snapshot %+v", snap)
		}
	}
}

// settle waits for the controller's background cancel calls.
func settle(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Settle(ctx); err != nil {
		t.Fatalf("cancel calls still running: %v", err)
	}
}

func waitDone(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("session still processing: %+v", snap)
	}
	return snap
}

func delta(style, text string) stream.Event {
	return stream.Event{Kind: stream.KindDelta, Style: style, Text: text}
}

func complete(style string) stream.Event {
	return stream.Event{Kind: stream.KindComplete, Style: style}
}

func styleError(style, text string) stream.Event {
	return stream.Event{Kind: stream.KindError, Style: style, Text: text}
}

var end = stream.Event{Kind: stream.KindEnd}
