package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewControllerIsIdle(t *testing.T) {
	t.Parallel()

	c := newTestController(&fakeJobs{}, &fakeSubscriber{}, "professional", "casual", "polite", "social")
	snap := c.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.ActiveStyle)
	assert.Equal(t, Outputs{
		{Style: "professional"}, {Style: "casual"}, {Style: "polite"}, {Style: "social"},
	}, snap.Outputs)
}

func TestProcessClearsOutputsForEveryCatalogSize(t *testing.T) {
	t.Parallel()

	for k := 1; k <= 6; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			t.Parallel()
			ids := make([]string, k)
			for i := range ids {
				ids[i] = fmt.Sprintf("s%d", i)
			}
			jobs, subs := &fakeJobs{}, &fakeSubscriber{}
			c := newTestController(jobs, subs, ids...)

			// Leave content behind from a first session.
			c.Process(context.Background(), "first")
			subs.last(t).send(delta(ids[0], "stale"), end)
			waitDone(t, c)
			require.Equal(t, "stale", c.Snapshot().Outputs.Get(ids[0]))

			c.Process(context.Background(), "second")
			snap := c.Snapshot()
			require.Len(t, snap.Outputs, k)
			for i, out := range snap.Outputs {
				assert.Equal(t, ids[i], out.Style)
				assert.Empty(t, out.Text)
			}
			assert.Equal(t, StatusProcessing, snap.Status)
		})
	}
}

func TestProcessSendsTextAndCatalogOrder(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "professional", "casual", "polite", "social")
	c.Process(context.Background(), "Hello world")

	calls := jobs.createCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Hello world", calls[0].Text)
	assert.Equal(t, []string{"professional", "casual", "polite", "social"}, calls[0].Styles)
	assert.Equal(t, "r1", subs.last(t).jobID)
}

func TestFullStreamScenario(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a", "b")

	var results []Result
	var mu sync.Mutex
	c.OnFinish(func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})

	c.Process(context.Background(), "Hello")
	sub := subs.last(t)
	require.Equal(t, "r1", sub.jobID)

	sub.send(delta("a", "Hi"))
	snap := waitFor(t, c, func(s Snapshot) bool { return s.ActiveStyle == "a" })
	assert.Equal(t, "Hi", snap.Outputs.Get("a"))

	sub.send(delta("b", "Hey"), complete("a"), delta("b", " there"), end)
	snap = waitDone(t, c)

	assert.Equal(t, StatusDone, snap.Status)
	assert.Empty(t, snap.ActiveStyle)
	assert.Equal(t, map[string]string{"a": "Hi", "b": "Hey there"}, snap.Outputs.Map())
	assert.True(t, sub.isClosed())
	settle(t, c)
	assert.Empty(t, jobs.cancelCalls())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.Equal(t, StatusDone, results[0].Status)
	assert.Equal(t, "r1", results[0].JobID)
	assert.Equal(t, "Hello", results[0].Text)
	assert.Equal(t, "Hey there", results[0].Outputs.Get("b"))
}

func TestDeltasAppendInArrivalOrder(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "p", "c", "x")
	c.Process(context.Background(), "text")

	subs.last(t).send(
		delta("p", "A"),
		delta("x", "1"),
		delta("p", "B"),
		delta("c", "X"),
		delta("x", "2"),
		end,
	)
	snap := waitDone(t, c)
	assert.Equal(t, "AB", snap.Outputs.Get("p"))
	assert.Equal(t, "X", snap.Outputs.Get("c"))
	assert.Equal(t, "12", snap.Outputs.Get("x"))
}

func TestErrorEventReplacesBuffer(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "p", "c")
	c.Process(context.Background(), "text")

	sub := subs.last(t)
	sub.send(delta("p", "partial"))
	waitFor(t, c, func(s Snapshot) bool { return s.ActiveStyle == "p" })

	sub.send(styleError("p", "Content blocked due to security concerns"))
	snap := waitFor(t, c, func(s Snapshot) bool { return s.ActiveStyle == "" })
	assert.Equal(t, "Content blocked due to security concerns", snap.Outputs.Get("p"))
	assert.Equal(t, StatusProcessing, snap.Status, "a refused style does not stop the others")

	sub.send(delta("c", "fine"), end)
	snap = waitDone(t, c)
	assert.Equal(t, "Content blocked due to security concerns", snap.Outputs.Get("p"))
	assert.Equal(t, "fine", snap.Outputs.Get("c"))
}

func TestErrorEventLeavesOtherActiveStyle(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "p", "c")
	c.Process(context.Background(), "text")

	sub := subs.last(t)
	sub.send(delta("c", "going"), styleError("p", DefaultRefusalText), delta("c", "!"))
	snap := waitFor(t, c, func(s Snapshot) bool { return s.Outputs.Get("c") == "going!" })
	assert.Equal(t, "c", snap.ActiveStyle)
}

func TestCompleteOnlyClearsMatchingActiveStyle(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a", "b")
	c.Process(context.Background(), "text")

	sub := subs.last(t)
	sub.send(delta("b", "x"), complete("a"), delta("b", "y"))
	snap := waitFor(t, c, func(s Snapshot) bool { return s.Outputs.Get("b") == "xy" })
	assert.Equal(t, "b", snap.ActiveStyle)

	sub.send(complete("b"))
	snap = waitFor(t, c, func(s Snapshot) bool { return s.ActiveStyle == "" })
	assert.Equal(t, StatusProcessing, snap.Status)
	assert.Equal(t, "xy", snap.Outputs.Get("b"))
}

func TestLateEventsAfterEndAreIgnored(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")
	c.Process(context.Background(), "text")

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	sub := subs.last(t)
	sub.send(delta("a", "kept"), end, delta("a", " late"))
	snap := waitDone(t, c)
	require.Equal(t, StatusDone, snap.Status)

	// A transport that keeps delivering after close must not reach the buffers.
	assert.False(t, c.apply(gen, delta("a", " later")))
	assert.False(t, c.apply(gen, styleError("a", "nope")))

	snap = c.Snapshot()
	assert.Equal(t, StatusDone, snap.Status)
	assert.Empty(t, snap.ActiveStyle)
	assert.Equal(t, "kept", snap.Outputs.Get("a"))
}

func TestCancelBeforeAnyEvent(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a", "b")
	c.Process(context.Background(), "Hello")
	c.Cancel(context.Background())

	snap := c.Snapshot()
	assert.Equal(t, StatusCanceled, snap.Status)
	assert.Empty(t, snap.ActiveStyle)
	for _, out := range snap.Outputs {
		assert.Empty(t, out.Text)
	}
	settle(t, c)
	assert.Equal(t, []string{"r1"}, jobs.cancelCalls())
	assert.True(t, subs.last(t).isClosed())
}

func TestCancelDropsInFlightDeltas(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")
	c.Process(context.Background(), "Hello")

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	sub := subs.last(t)
	sub.send(delta("a", "one"))
	waitFor(t, c, func(s Snapshot) bool { return s.Outputs.Get("a") == "one" })

	c.Cancel(context.Background())
	assert.False(t, c.apply(gen, delta("a", "two")))
	assert.Equal(t, "one", c.Snapshot().Outputs.Get("a"))
	assert.Equal(t, StatusCanceled, c.Snapshot().Status)
}

func TestCancelAndResetAreIdempotent(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{cancelErr: errors.New("service unreachable")}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")
	c.Process(context.Background(), "Hello")

	c.Cancel(context.Background())
	assert.Equal(t, StatusCanceled, c.Snapshot().Status)
	c.Cancel(context.Background())
	assert.Equal(t, StatusCanceled, c.Snapshot().Status)

	c.Reset(context.Background())
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
	c.Reset(context.Background())
	assert.Equal(t, StatusIdle, c.Snapshot().Status)

	// Only the first cancel had a job to notify; its failure is not surfaced.
	settle(t, c)
	assert.Equal(t, []string{"r1"}, jobs.cancelCalls())
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	c := newTestController(jobs, &fakeSubscriber{}, "a")
	c.Cancel(context.Background())
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
	settle(t, c)
	assert.Empty(t, jobs.cancelCalls())
}

func TestResetDuringProcessing(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a", "b")

	finished := make(chan Result, 1)
	c.OnFinish(func(r Result) { finished <- r })

	c.Process(context.Background(), "Hello")
	sub := subs.last(t)
	sub.send(delta("a", "partial"))
	waitFor(t, c, func(s Snapshot) bool { return s.ActiveStyle == "a" })

	c.Reset(context.Background())
	snap := c.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.ActiveStyle)
	assert.Empty(t, snap.Outputs.Get("a"))
	assert.Len(t, snap.Outputs, 2)
	assert.True(t, sub.isClosed())
	settle(t, c)
	assert.Equal(t, []string{"r1"}, jobs.cancelCalls())

	select {
	case r := <-finished:
		assert.Equal(t, StatusCanceled, r.Status)
		assert.Equal(t, "partial", r.Outputs.Get("a"))
	case <-time.After(time.Second):
		t.Fatal("finish hook not called")
	}
}

func TestCreateJobFailureCancelsWithoutSubscribing(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{createErr: errors.New("connection refused")}
	subs := &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")
	c.Process(context.Background(), "Hello")

	snap := c.Snapshot()
	assert.Equal(t, StatusCanceled, snap.Status)
	assert.Empty(t, snap.ActiveStyle)
	assert.Zero(t, subs.count())
	settle(t, c)
	assert.Empty(t, jobs.cancelCalls())
}

func TestSubscribeFailureCancels(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	subs := &fakeSubscriber{err: errors.New("stream refused")}
	c := newTestController(jobs, subs, "a")
	c.Process(context.Background(), "Hello")

	assert.Equal(t, StatusCanceled, c.Snapshot().Status)

	// The created job is still held and released on reset.
	c.Reset(context.Background())
	settle(t, c)
	assert.Equal(t, []string{"r1"}, jobs.cancelCalls())
}

func TestTransportErrorCancels(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")
	c.Process(context.Background(), "Hello")

	sub := subs.last(t)
	sub.send(delta("a", "Hi"))
	waitFor(t, c, func(s Snapshot) bool { return s.ActiveStyle == "a" })

	sub.fail(io.ErrUnexpectedEOF)
	snap := waitDone(t, c)
	assert.Equal(t, StatusCanceled, snap.Status)
	assert.Empty(t, snap.ActiveStyle)
	assert.Equal(t, "Hi", snap.Outputs.Get("a"))
	assert.True(t, sub.isClosed())
}

func TestStreamEndingWithoutEndEventCancels(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")
	c.Process(context.Background(), "Hello")

	subs.last(t).fail(io.EOF)
	assert.Equal(t, StatusCanceled, waitDone(t, c).Status)
}

func TestJobFailureEventCancels(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")
	c.Process(context.Background(), "Hello")

	subs.last(t).send(stream.Event{Kind: stream.KindFailure, Message: "Request not found"})
	assert.Equal(t, StatusCanceled, waitDone(t, c).Status)
}

func TestParseErrorDoesNotAbortStream(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a", "b")
	c.Process(context.Background(), "Hello")

	sub := subs.last(t)
	sub.send(delta("a", "one"))
	waitFor(t, c, func(s Snapshot) bool { return s.Outputs.Get("a") == "one" })

	sub.fail(&stream.ParseError{Raw: "{oops", Err: errors.New("bad json")})
	sub.send(delta("b", "two"), end)

	snap := waitDone(t, c)
	assert.Equal(t, StatusDone, snap.Status)
	assert.Equal(t, "one", snap.Outputs.Get("a"))
	assert.Equal(t, "two", snap.Outputs.Get("b"))
}

func TestUnknownStyleIsIgnored(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")
	c.Process(context.Background(), "Hello")

	subs.last(t).send(delta("zzz", "ghost"), delta("a", "real"), end)
	snap := waitDone(t, c)
	assert.Len(t, snap.Outputs, 1)
	assert.Equal(t, "real", snap.Outputs.Get("a"))
}

func TestSecondProcessSupersedesPendingCreate(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{entered: make(chan struct{}), release: make(chan struct{})}
	subs := &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		c.Process(context.Background(), "first")
	}()
	<-jobs.entered

	c.Process(context.Background(), "second")
	require.Equal(t, 1, subs.count())
	current := subs.last(t)
	assert.Equal(t, "r2", current.jobID)

	close(jobs.release)
	<-firstDone

	// The stale job is canceled remotely and never subscribed to.
	assert.Equal(t, 1, subs.count())
	settle(t, c)
	assert.Equal(t, []string{"r1"}, jobs.cancelCalls())
	assert.False(t, current.isClosed())

	current.send(delta("a", "second wins"), end)
	snap := waitDone(t, c)
	assert.Equal(t, StatusDone, snap.Status)
	assert.Equal(t, "second wins", snap.Outputs.Get("a"))
}

func TestProcessReplacesLiveSubscription(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")

	c.Process(context.Background(), "first")
	first := subs.last(t)
	first.send(delta("a", "old"))
	waitFor(t, c, func(s Snapshot) bool { return s.Outputs.Get("a") == "old" })

	c.Process(context.Background(), "second")
	second := subs.last(t)

	assert.True(t, first.isClosed(), "previous subscription released")
	assert.False(t, second.isClosed())
	settle(t, c)
	assert.Equal(t, []string{"r1"}, jobs.cancelCalls())
	assert.Empty(t, c.Snapshot().Outputs.Get("a"))
}

func TestCancelDuringPendingCreate(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{entered: make(chan struct{}), release: make(chan struct{})}
	subs := &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Process(context.Background(), "Hello")
	}()
	<-jobs.entered

	c.Cancel(context.Background())
	assert.Equal(t, StatusCanceled, c.Snapshot().Status)

	close(jobs.release)
	<-done

	assert.Equal(t, StatusCanceled, c.Snapshot().Status)
	assert.Zero(t, subs.count())
	settle(t, c)
	assert.Equal(t, []string{"r1"}, jobs.cancelCalls())
}

func TestIsRefusal(t *testing.T) {
	t.Parallel()

	c := newTestController(&fakeJobs{}, &fakeSubscriber{}, "a")
	assert.True(t, c.IsRefusal(DefaultRefusalText))
	assert.True(t, c.IsRefusal(DefaultRefusalPrefix))
	assert.True(t, c.IsRefusal("  "+DefaultRefusalText+"\n"))
	assert.False(t, c.IsRefusal("Here is the text: "+DefaultRefusalText))
	assert.False(t, c.IsRefusal("Content blocked"))

	custom := New(&fakeJobs{}, &fakeSubscriber{}, testCatalog("a"), WithRefusalTexts("No.", " "))
	assert.True(t, custom.IsRefusal("No."))
	assert.True(t, custom.IsRefusal("No. Try again later."))
	assert.False(t, custom.IsRefusal("Nope"))
	assert.False(t, custom.IsRefusal(DefaultRefusalText))
	assert.False(t, custom.IsRefusal(""))
}

func TestSlowCancelDoesNotBlockCaller(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{cancelHangs: true}, &fakeSubscriber{}
	c := New(jobs, subs, testCatalog("a"), WithLogger(quietLogger()), WithCancelTimeout(5*time.Second))

	within := func(name string, fn func()) {
		t.Helper()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn()
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("%s blocked on the remote cancel", name)
		}
	}

	c.Process(context.Background(), "first")
	within("Cancel", func() { c.Cancel(context.Background()) })
	assert.Equal(t, StatusCanceled, c.Snapshot().Status)

	c.Process(context.Background(), "second")
	within("superseding Process", func() { c.Process(context.Background(), "third") })
	assert.Equal(t, "r3", subs.last(t).jobID)

	within("Reset", func() { c.Reset(context.Background()) })
	assert.Equal(t, StatusIdle, c.Snapshot().Status)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Settle(ctx), context.DeadlineExceeded)
	assert.Eventually(t, func() bool { return len(jobs.cancelCalls()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, jobs.cancelCalls())
}

func TestCancelCallIsBoundedByTimeout(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{cancelHangs: true}, &fakeSubscriber{}
	c := New(jobs, subs, testCatalog("a"), WithLogger(quietLogger()), WithCancelTimeout(20*time.Millisecond))

	c.Process(context.Background(), "Hello")
	c.Cancel(context.Background())
	settle(t, c)
	assert.Equal(t, []string{"r1"}, jobs.cancelCalls())
}

func TestStartReturnsBeforeJobIsCreated(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{entered: make(chan struct{}), release: make(chan struct{})}
	subs := &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")

	c.Start(context.Background(), "Hello")
	assert.Equal(t, StatusProcessing, c.Snapshot().Status)
	<-jobs.entered

	c.Cancel(context.Background())

	// Settle covers the creation still in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Settle(ctx), context.DeadlineExceeded)

	// The job id arrives after the cancel; the orphan is canceled then.
	close(jobs.release)
	settle(t, c)
	assert.Len(t, jobs.cancelCalls(), 1)
	assert.Equal(t, StatusCanceled, c.Snapshot().Status)
	assert.Zero(t, subs.count())
}

func TestRetire(t *testing.T) {
	t.Parallel()

	jobs, subs := &fakeJobs{}, &fakeSubscriber{}
	c := newTestController(jobs, subs, "a")

	select {
	case <-c.Done():
		t.Fatal("new controller is already retired")
	default:
	}

	c.Retire()
	c.Retire()
	<-c.Done()

	c.Process(context.Background(), "Hello")
	c.Start(context.Background(), "Hello")
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
	assert.Empty(t, jobs.createCalls())
}
