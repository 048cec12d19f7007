package runtime

import (
	"container/heap"
	"sync"

	"github.com/voltgrid/voltgrid/internal/ident"
)

// Groups tracks one serializer per sync key. A key admits at most one
// running task at a time; the rest wait in a priority queue so serialization
// keeps the same discipline as the main scheduler.
type Groups struct {
	mu sync.Mutex
	m  map[ident.TypeID]*group
}

type group struct {
	mu      sync.Mutex
	running bool
	seq     uint64
	waiters taskQueue
}

// NewGroups builds an empty serializer registry.
func NewGroups() *Groups {
	return &Groups{m: make(map[ident.TypeID]*group)}
}

func (gs *Groups) of(key ident.TypeID) *group {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	g, ok := gs.m[key]
	if !ok {
		g = &group{}
		gs.m[key] = g
	}
	return g
}

// Reschedule claims the key for t if it is free, or parks t in the waiter
// queue and returns nil.
func (gs *Groups) Reschedule(key ident.TypeID, t *Task) *Task {
	g := gs.of(key)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		g.seq++
		t.seq = g.seq
		heap.Push(&g.waiters, t)
		return nil
	}
	g.running = true
	return t
}

// Complete finishes a task for the key. With waiters parked it pops the
// highest-priority one and hands it to enqueue while still holding the
// group lock, with running left true: the pop and the resubmission are one
// atomic step, so a concurrent Reschedule for the same key can never slip
// in and jump the queue during the handoff. Only an empty waiter queue
// releases the key. enqueue must push straight to the pool, bypassing the
// reschedule hook — the waiter already owns the key.
func (gs *Groups) Complete(key ident.TypeID, enqueue func(*Task)) {
	g := gs.of(key)
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) == 0 {
		g.running = false
		return
	}
	enqueue(heap.Pop(&g.waiters).(*Task))
}

// Bind installs the sync hooks on a reaction: tasks route through the key's
// serializer on submit and hand the key to the next waiter after running.
// enqueue is the scheduler's direct queue insertion, not Submit.
func (gs *Groups) Bind(r *Reaction, key ident.TypeID, enqueue func(*Task)) {
	r.SyncKey = key
	r.RescheduleFn = func(t *Task) *Task {
		return gs.Reschedule(key, t)
	}
	r.PostrunFn = func(*Task) {
		gs.Complete(key, enqueue)
	}
}
