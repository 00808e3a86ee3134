// Package registry keeps one stream session controller per browser tab.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/session"
)

// Factory builds the controller for a new user/tab pair.
type Factory func(userID, sessionID string) *session.Controller

type entry struct {
	ctrl     *session.Controller
	lastSeen time.Time
}

// Registry manages the live controllers of every user's tabs.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]map[string]*entry
	factory Factory
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty registry.
func New(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active:  make(map[string]map[string]*entry),
		factory: factory,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the controller of a user's tab, or nil if there is none.
func (r *Registry) Get(userID, sessionID string) *session.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sessions, ok := r.active[userID]; ok {
		if e, ok := sessions[sessionID]; ok {
			return e.ctrl
		}
	}
	return nil
}

// Acquire returns the controller of a user's tab, creating it on first use,
// and marks the tab as recently seen.
func (r *Registry) Acquire(userID, sessionID string) *session.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.active[userID]
	if !ok {
		sessions = make(map[string]*entry)
		r.active[userID] = sessions
	}
	if e, ok := sessions[sessionID]; ok {
		e.lastSeen = r.now()
		return e.ctrl
	}

	e := &entry{ctrl: r.factory(userID, sessionID), lastSeen: r.now()}
	sessions[sessionID] = e
	r.logger.Info("Rephrase session registered", "user_id", userID, "session_id", sessionID)
	return e.ctrl
}

// Touch marks a tab as recently seen. It reports whether the tab exists.
func (r *Registry) Touch(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessions, ok := r.active[userID]; ok {
		if e, ok := sessions[sessionID]; ok {
			e.lastSeen = r.now()
			return true
		}
	}
	return false
}

// Remove retires, resets and forgets a user's tab. It reports whether the
// tab existed. The next Acquire of the tab builds a new controller.
func (r *Registry) Remove(ctx context.Context, userID, sessionID string) bool {
	r.mu.Lock()
	var ctrl *session.Controller
	if sessions, ok := r.active[userID]; ok {
		if e, ok := sessions[sessionID]; ok {
			ctrl = e.ctrl
			// Retired before the lock is released, so observers of the old
			// controller see Done before a replacement can exist.
			ctrl.Retire()
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(r.active, userID)
			}
		}
	}
	r.mu.Unlock()

	if ctrl == nil {
		return false
	}
	ctrl.Reset(ctx)
	r.logger.Info("Rephrase session unregistered", "user_id", userID, "session_id", sessionID)
	return true
}

// CloseUser resets and forgets every tab of a user.
func (r *Registry) CloseUser(ctx context.Context, userID string) {
	r.mu.Lock()
	sessions := r.active[userID]
	delete(r.active, userID)
	for _, e := range sessions {
		e.ctrl.Retire()
	}
	r.mu.Unlock()

	for sid, e := range sessions {
		e.ctrl.Reset(ctx)
		r.logger.Info("Rephrase session closed", "user_id", userID, "session_id", sid)
	}
}

// Sessions returns the tab ids a user has open, sorted.
func (r *Registry) Sessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.active[userID]))
	for sid := range r.active[userID] {
		ids = append(ids, sid)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered tabs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.active {
		n += len(sessions)
	}
	return n
}

// Shutdown retires and resets every registered controller, then waits until
// the cancel calls for jobs in flight have returned or ctx is done.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	active := r.active
	r.active = make(map[string]map[string]*entry)
	for _, sessions := range active {
		for _, e := range sessions {
			e.ctrl.Retire()
		}
	}
	r.mu.Unlock()

	n := 0
	for _, sessions := range active {
		for _, e := range sessions {
			e.ctrl.Reset(ctx)
			n++
		}
	}
	for _, sessions := range active {
		for _, e := range sessions {
			if err := e.ctrl.Settle(ctx); err != nil {
				r.logger.Warn("Gave up waiting for job cancellation", "error", err)
				break
			}
		}
	}
	r.logger.Info("Rephrase sessions shut down", "count", n)
}
