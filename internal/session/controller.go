// Package session implements the stream session controller: it owns one
// rephrase attempt at a time, the event subscription feeding it, and the
// per-style output buffers presentation code reads.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/stream"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/style"
)

const defaultCancelTimeout = 5 * time.Second

// JobClient creates and cancels rephrase jobs on the remote service.
type JobClient interface {
	CreateJob(ctx context.Context, text string, styles []string) (string, error)
	CancelJob(ctx context.Context, jobID string) error
}

// Subscriber opens the event stream of a job.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (stream.Subscription, error)
}

// Controller is the stream session controller. Its methods are safe for
// concurrent use; state changes are serialized and events of the live
// subscription are applied in arrival order.
type Controller struct {
	jobs          JobClient
	subs          Subscriber
	catalog       *style.Catalog
	refusals      []string
	cancelTimeout time.Duration
	logger        *slog.Logger

	mu sync.Mutex
	// gen identifies the current session. Every asynchronous continuation
	// captures it and is dropped once it no longer matches.
	gen       uint64
	status    Status
	jobID     string
	sub       stream.Subscription
	active    int
	buffers   []strings.Builder
	text      string
	startedAt time.Time
	refused   []bool
	version   uint64
	changed   chan struct{}
	onFinish  []func(Result)
	retired   bool
	done      chan struct{}

	// Background cancel calls and job creations still in flight. settled is
	// closed when the count drops to zero.
	pendingMu sync.Mutex
	pending   int
	settled   chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithRefusalTexts replaces the prefixes recognized as content refusals.
func WithRefusalTexts(texts ...string) Option {
	return func(c *Controller) {
		c.refusals = nil
		for _, t := range texts {
			if t = strings.TrimSpace(t); t != "" {
				c.refusals = append(c.refusals, t)
			}
		}
	}
}

// WithCancelTimeout bounds the best-effort cancel call.
func WithCancelTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.cancelTimeout = d
	}
}

// New creates an idle controller for the styles in catalog.
func New(jobs JobClient, subs Subscriber, catalog *style.Catalog, opts ...Option) *Controller {
	c := &Controller{
		jobs:          jobs,
		subs:          subs,
		catalog:       catalog,
		refusals:      []string{DefaultRefusalPrefix},
		cancelTimeout: defaultCancelTimeout,
		status:        StatusIdle,
		active:        -1,
		buffers:       make([]strings.Builder, catalog.Len()),
		refused:       make([]bool, catalog.Len()),
		changed:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Catalog returns the styles this controller rewrites into.
func (c *Controller) Catalog() *style.Catalog {
	return c.catalog
}

// OnFinish registers fn to be called once for every session that leaves the
// processing state, with its final status and buffers.
func (c *Controller) OnFinish(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFinish = append(c.onFinish, fn)
}

// Process starts a new session for text, tearing down the previous one.
// It returns once the job's event stream is open or the session has been
// canceled. Failures are reported only through the session status.
func (c *Controller) Process(ctx context.Context, text string) {
	if gen, ok := c.begin(ctx, text); ok {
		c.open(ctx, gen, text)
	}
}

// Start is Process without waiting for the job: the session is processing
// when Start returns and the job is created in the background. Settle
// covers the background creation.
func (c *Controller) Start(ctx context.Context, text string) {
	if gen, ok := c.begin(ctx, text); ok {
		c.addPending()
		go func() {
			defer c.donePending()
			c.open(ctx, gen, text)
		}()
	}
}

// begin moves the controller into a fresh processing session and returns
// its generation.
func (c *Controller) begin(ctx context.Context, text string) (uint64, bool) {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		c.logger.Warn("Ignoring rephrase on a retired session")
		return 0, false
	}
	var superseded *Result
	if c.status == StatusProcessing {
		r := c.resultLocked(StatusCanceled)
		superseded = &r
	}
	prevJob := c.teardownLocked()
	c.gen++
	gen := c.gen
	c.status = StatusProcessing
	c.clearLocked()
	c.text = text
	c.startedAt = time.Now()
	c.notifyLocked()
	c.mu.Unlock()

	c.emitFinish(superseded)
	c.cancelRemote(ctx, prevJob)
	c.logger.Info("Rephrase session started", "styles", c.catalog.Len(), "text_length", len(text))
	return gen, true
}

// open creates the job of session gen and subscribes to its events.
func (c *Controller) open(ctx context.Context, gen uint64, text string) {
	jobID, err := c.jobs.CreateJob(ctx, text, c.catalog.IDs())

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if err == nil {
			c.logger.Info("Discarding job of superseded session", "job_id", jobID)
			c.cancelRemote(ctx, jobID)
		}
		return
	}
	if err != nil {
		c.logger.Warn("Failed to create rephrase job", "error", err)
		res := c.finishLocked(StatusCanceled)
		c.mu.Unlock()
		c.emitFinish(&res)
		return
	}
	c.jobID = jobID
	c.mu.Unlock()

	sub, err := c.subs.Subscribe(context.WithoutCancel(ctx), jobID)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if err == nil {
			closeSubscription(sub, c.logger)
		}
		return
	}
	if err != nil {
		c.logger.Warn("Failed to open rephrase stream", "job_id", jobID, "error", err)
		res := c.finishLocked(StatusCanceled)
		c.mu.Unlock()
		c.emitFinish(&res)
		return
	}
	c.sub = sub
	c.mu.Unlock()

	go c.consume(gen, sub)
}

// Cancel stops the session in flight: the subscription is closed, the
// session becomes canceled and the job is canceled remotely in the
// background. It is a no-op unless the session is processing.
func (c *Controller) Cancel(ctx context.Context) {
	c.mu.Lock()
	if c.status != StatusProcessing {
		c.mu.Unlock()
		return
	}
	c.gen++
	res := c.finishLocked(StatusCanceled)
	jobID := c.teardownLocked()
	c.mu.Unlock()

	c.cancelRemote(ctx, jobID)
	c.emitFinish(&res)
}

// Reset discards the current session and returns to an idle session with
// empty buffers, canceling any held job on a best-effort basis.
func (c *Controller) Reset(ctx context.Context) {
	c.mu.Lock()
	var interrupted *Result
	if c.status == StatusProcessing {
		r := c.resultLocked(StatusCanceled)
		interrupted = &r
	}
	c.gen++
	jobID := c.teardownLocked()
	c.status = StatusIdle
	c.clearLocked()
	c.text = ""
	c.notifyLocked()
	c.mu.Unlock()

	c.cancelRemote(ctx, jobID)
	c.emitFinish(interrupted)
}

// Retire marks the controller as closed for good: Done is closed and later
// Process and Start calls are ignored. The session itself is left as is.
func (c *Controller) Retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return
	}
	c.retired = true
	close(c.done)
}

// Done is closed once the controller is retired.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Settle waits until every background cancel call and job creation has
// returned or ctx is done.
func (c *Controller) Settle(ctx context.Context) error {
	c.pendingMu.Lock()
	if c.pending == 0 {
		c.pendingMu.Unlock()
		return nil
	}
	settled := c.settled
	c.pendingMu.Unlock()

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Observe returns the current state and a channel closed on the next change.
func (c *Controller) Observe() (Snapshot, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(), c.changed
}

// Wait blocks until the session is no longer processing or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	for {
		snap, changed := c.Observe()
		if !snap.IsProcessing() {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Timeline returns the per-style display state of the current session.
func (c *Controller) Timeline() []StyleState {
	return Timeline(c.catalog, c.Snapshot(), c.IsRefusal)
}

// IsRefusal reports whether text starts with one of the service's refusal
// sentinels.
func (c *Controller) IsRefusal(text string) bool {
	text = strings.TrimSpace(text)
	for _, prefix := range c.refusals {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

func (c *Controller) consume(gen uint64, sub stream.Subscription) {
	for {
		ev, err := sub.Next()
		if err != nil {
			var perr *stream.ParseError
			if errors.As(err, &perr) {
				c.logger.Warn("Discarding malformed stream event", "error", err)
				continue
			}
			c.fail(gen, err)
			return
		}
		if !c.apply(gen, ev) {
			return
		}
	}
}

// apply performs the transition for one inbound event. It returns false once
// the subscription should no longer be read.
func (c *Controller) apply(gen uint64, ev stream.Event) bool {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusProcessing {
		c.mu.Unlock()
		return false
	}

	switch ev.Kind {
	case stream.KindDelta:
		if i, ok := c.styleIndex(ev); ok {
			c.buffers[i].WriteString(ev.Text)
			c.active = i
		}
	case stream.KindError:
		if i, ok := c.styleIndex(ev); ok {
			c.buffers[i].Reset()
			c.buffers[i].WriteString(ev.Text)
			c.refused[i] = true
			if c.active == i {
				c.active = -1
			}
		}
	case stream.KindComplete:
		if i, ok := c.styleIndex(ev); ok && c.active == i {
			c.active = -1
		}
	case stream.KindEnd:
		res := c.finishLocked(StatusDone)
		c.teardownLocked()
		c.mu.Unlock()
		c.emitFinish(&res)
		return false
	case stream.KindFailure:
		c.logger.Warn("Rephrase service failed the job", "job_id", c.jobID, "message", ev.Message)
		res := c.finishLocked(StatusCanceled)
		c.closeSubLocked()
		c.mu.Unlock()
		c.emitFinish(&res)
		return false
	}

	c.notifyLocked()
	c.mu.Unlock()
	return true
}

// fail handles a subscription that stopped without an end event.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusProcessing {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("Rephrase stream failed", "job_id", c.jobID, "error", err)
	res := c.finishLocked(StatusCanceled)
	c.closeSubLocked()
	c.mu.Unlock()
	c.emitFinish(&res)
}

func (c *Controller) styleIndex(ev stream.Event) (int, bool) {
	i, ok := c.catalog.Index(ev.Style)
	if !ok {
		c.logger.Warn("Ignoring event for unknown style", "style", ev.Style, "type", ev.Kind)
	}
	return i, ok
}

// finishLocked moves the session to a terminal status and returns its result.
func (c *Controller) finishLocked(status Status) Result {
	res := c.resultLocked(status)
	c.status = status
	c.active = -1
	c.notifyLocked()
	c.logger.Info("Rephrase session finished", "job_id", res.JobID, "status", status, "duration", res.FinishedAt.Sub(res.StartedAt))
	return res
}

func (c *Controller) resultLocked(status Status) Result {
	return Result{
		Text:       c.text,
		JobID:      c.jobID,
		Status:     status,
		Outputs:    c.outputsLocked(),
		StartedAt:  c.startedAt,
		FinishedAt: time.Now(),
	}
}

// teardownLocked releases the subscription and returns the job id that was
// held, if any.
func (c *Controller) teardownLocked() string {
	c.closeSubLocked()
	jobID := c.jobID
	c.jobID = ""
	return jobID
}

func (c *Controller) closeSubLocked() {
	if c.sub == nil {
		return
	}
	closeSubscription(c.sub, c.logger)
	c.sub = nil
}

func closeSubscription(sub stream.Subscription, logger *slog.Logger) {
	if err := sub.Close(); err != nil {
		logger.Debug("Failed to close rephrase stream", "error", err)
	}
}

// cancelRemote notifies the service that jobID is abandoned. The call runs
// in the background, bounded by the cancel timeout.
func (c *Controller) cancelRemote(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	c.addPending()
	go func() {
		defer c.donePending()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cancelTimeout)
		defer cancel()
		if err := c.jobs.CancelJob(ctx, jobID); err != nil {
			c.logger.Warn("Failed to cancel rephrase job", "job_id", jobID, "error", err)
		}
	}()
}

func (c *Controller) addPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending == 0 {
		c.settled = make(chan struct{})
	}
	c.pending++
}

func (c *Controller) donePending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending--
	if c.pending == 0 {
		close(c.settled)
	}
}

func (c *Controller) emitFinish(res *Result) {
	if res == nil {
		return
	}
	c.mu.Lock()
	hooks := make([]func(Result), len(c.onFinish))
	copy(hooks, c.onFinish)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(*res)
	}
}

func (c *Controller) notifyLocked() {
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) clearLocked() {
	c.active = -1
	c.buffers = make([]strings.Builder, c.catalog.Len())
	c.refused = make([]bool, c.catalog.Len())
}

func (c *Controller) outputsLocked() Outputs {
	out := make(Outputs, c.catalog.Len())
	for i := range out {
		out[i] = Output{Style: c.catalog.At(i).ID, Text: c.buffers[i].String(), Refused: c.refused[i]}
	}
	return out
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:  c.status,
		Outputs: c.outputsLocked(),
		Version: c.version,
	}
	if c.active >= 0 {
		snap.ActiveStyle = c.catalog.At(c.active).ID
	}
	return snap
}
