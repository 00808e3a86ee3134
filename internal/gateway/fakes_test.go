package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/config"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/identity"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/store"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/stream"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/style"
	"github.com/go-chi/chi/v5"
)

// fakeService stands in for the remote rephrase service. Each created job
// gets a subscription the test feeds through events(jobID).
type fakeService struct {
	mu       sync.Mutex
	next     int
	subs     map[string]*fakeSub
	canceled []string
	texts    []string
	// createGate, when set, holds CreateJob until it is closed.
	createGate chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{subs: make(map[string]*fakeSub)}
}

func (f *fakeService) CreateJob(ctx context.Context, text string, _ []string) (string, error) {
	f.mu.Lock()
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("job-%d", f.next)
	f.subs[id] = &fakeSub{events: make(chan stream.Event, 32), closed: make(chan struct{})}
	f.texts = append(f.texts, text)
	return id, nil
}

func (f *fakeService) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobID)
	return nil
}

func (f *fakeService) Subscribe(_ context.Context, jobID string) (stream.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[jobID]
	if !ok {
		return nil, errors.New("unknown job")
	}
	return sub, nil
}

func (f *fakeService) send(t *testing.T, jobID string, evs ...stream.Event) {
	t.Helper()
	f.mu.Lock()
	sub, ok := f.subs[jobID]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no job %s", jobID)
	}
	for _, ev := range evs {
		sub.events <- ev
	}
}

func (f *fakeService) cancelCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

// waitCancelCalls waits for the asynchronous cancel requests to arrive and
// returns them.
func (f *fakeService) waitCancelCalls(t *testing.T, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		calls := f.cancelCalls()
		if len(calls) >= want || time.Now().After(deadline) {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeService) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

type fakeSub struct {
	events chan stream.Event
	closed chan struct{}
	once   sync.Once
}

func (s *fakeSub) Next() (stream.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return stream.Event{}, io.EOF
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type testEnv struct {
	handler *Handler
	service *fakeService
	repo    *store.SQLiteStore
	server  *httptest.Server
	client  *http.Client
}

func testConfig() *config.Config {
	return &config.Config{
		MaxInputChars: 40,
		RefusalTexts:  []string{"Blocked."},
		RateLimit:     config.RateLimitConfig{Requests: 100, Window: time.Minute},
		SSE: config.SSEConfig{
			KeepaliveInterval:  50 * time.Millisecond,
			RetryDelay:         100 * time.Millisecond,
			MaxRequestBodySize: 1024,
		},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "rephrase.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	svc := newFakeService()
	h := NewHandler(Deps{
		Jobs:    svc,
		Catalog: style.MustNew(style.Style{ID: "professional", Label: "Professional"}, style.Style{ID: "casual", Label: "Casual"}),
		Repo:    repo,
		Config:  cfg,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		h.Close(context.Background())
	})

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &testEnv{
		handler: h,
		service: svc,
		repo:    repo,
		server:  srv,
		client:  &http.Client{Jar: jar, Timeout: 5 * time.Second},
	}
}

func (e *testEnv) do(t *testing.T, method, path, tab string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tab != "" {
		req.Header.Set(identity.SessionHeaderName, tab)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func mustURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}
