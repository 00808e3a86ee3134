package gateway

import (
	"container/list"
	"sync"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/session"
)

const defaultReplaySize = 64

// frame is one encoded state event.
type frame struct {
	ID   uint64
	Data []byte
}

// tabQueue holds the frames one controller published for a tab. Versions
// restart with every controller, so frames are never mixed across owners.
type tabQueue struct {
	owner  *session.Controller
	frames *list.List
}

// ReplayQueue keeps the most recent state frames of every tab so a client
// reconnecting with Last-Event-ID can catch up. Each tab has its own bounded
// list; one tab's burst cannot evict another's frames.
type ReplayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*tabQueue
	maxSize int
}

// NewReplayQueue creates a queue holding up to maxSize frames per tab.
func NewReplayQueue(maxSize int) *ReplayQueue {
	if maxSize <= 0 {
		maxSize = defaultReplaySize
	}
	return &ReplayQueue{
		queues:  make(map[string]*tabQueue),
		maxSize: maxSize,
	}
}

// Enqueue appends f, published by owner, to key's queue unless a frame with
// an equal or newer id is already queued. Several connections of one tab
// publish the same frames. Frames of a retired owner are dropped, and a new
// owner replaces whatever the previous one left behind.
func (q *ReplayQueue) Enqueue(key string, owner *session.Controller, f frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-owner.Done():
		return
	default:
	}

	tq, ok := q.queues[key]
	if !ok || tq.owner != owner {
		tq = &tabQueue{owner: owner, frames: list.New()}
		q.queues[key] = tq
	}
	l := tq.frames
	if back := l.Back(); back != nil && back.Value.(frame).ID >= f.ID {
		return
	}
	l.PushBack(f)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// After returns the frames owner queued for key with ids greater than id.
func (q *ReplayQueue) After(key string, owner *session.Controller, id uint64) []frame {
	q.mu.RLock()
	defer q.mu.RUnlock()

	tq, ok := q.queues[key]
	if !ok || tq.owner != owner {
		return nil
	}
	var out []frame
	for e := tq.frames.Front(); e != nil; e = e.Next() {
		if f := e.Value.(frame); f.ID > id {
			out = append(out, f)
		}
	}
	return out
}

// Prune drops key's queue.
func (q *ReplayQueue) Prune(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

func tabKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}
