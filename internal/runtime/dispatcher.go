package runtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voltgrid/voltgrid/internal/ident"
)

// Event is the per-dispatch context handed to generators: a type-indexed
// slot set immediately before the generators run and dropped afterwards.
// It replaces the source language's thread-local store — in Go the value
// travels with the dispatch instead of the thread.
type Event struct {
	values map[ident.TypeID]any
}

// NewEvent builds an empty event context.
func NewEvent() *Event {
	return &Event{values: make(map[ident.TypeID]any, 2)}
}

// Set publishes a value into the slot for key.
func (e *Event) Set(key ident.TypeID, v any) { e.values[key] = v }

// Value reads the slot for key; nil when the slot is empty.
func (e *Event) Value(key ident.TypeID) any {
	if e == nil {
		return nil
	}
	return e.values[key]
}

// Handle is the unbind token for one registration.
type Handle struct {
	d        *Dispatcher
	key      ident.TypeID
	reaction *Reaction
	once     sync.Once
}

// Reaction exposes the bound reaction (enable/disable, inspection).
func (h *Handle) Reaction() *Reaction { return h.reaction }

// Enable resumes task production.
func (h *Handle) Enable() { h.reaction.SetEnabled(true) }

// Disable stops task production without unbinding. In-flight tasks run to
// completion.
func (h *Handle) Disable() { h.reaction.SetEnabled(false) }

// Unbind removes the reaction atomically with respect to further emits.
// Idempotent. Final destruction is deferred until in-flight tasks finish.
func (h *Handle) Unbind() {
	h.once.Do(func() {
		h.d.remove(h.key, h.reaction)
		h.reaction.Unbind()
	})
}

// ReactionInfo is a point-in-time view of one registration.
type ReactionInfo struct {
	ID         uint64    `json:"id"`
	Identifier []string  `json:"identifier"`
	Enabled    bool      `json:"enabled"`
	Active     int64     `json:"active_tasks"`
	BoundAt    time.Time `json:"bound_at"`
}

// Dispatcher routes emitted values to the reactions bound under their type
// key and funnels the produced tasks into the scheduler. Reads take the
// shared lock so emits run concurrently; bind and unbind take it exclusive.
type Dispatcher struct {
	log   *slog.Logger
	sched *Scheduler

	mu        sync.RWMutex
	reactions map[ident.TypeID][]*Reaction
	boundAt   map[uint64]time.Time
}

// NewDispatcher builds an empty routing table over the given scheduler.
func NewDispatcher(sched *Scheduler, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		log:       log,
		sched:     sched,
		reactions: make(map[ident.TypeID][]*Reaction),
		boundAt:   make(map[uint64]time.Time),
	}
}

// Scheduler exposes the task sink (extension words submit through it).
func (d *Dispatcher) Scheduler() *Scheduler { return d.sched }

// BindDetached registers a reaction that is never routed to by type —
// chrono and descriptor words deliver to it themselves — but still wants
// handle lifecycle and introspection.
func (d *Dispatcher) BindDetached(r *Reaction) *Handle {
	return d.Bind(ident.Nil, r)
}

// Bind registers a reaction under a type key.
func (d *Dispatcher) Bind(key ident.TypeID, r *Reaction) *Handle {
	d.mu.Lock()
	d.reactions[key] = append(d.reactions[key], r)
	d.boundAt[r.ID] = time.Now()
	d.mu.Unlock()
	return &Handle{d: d, key: key, reaction: r}
}

func (d *Dispatcher) remove(key ident.TypeID, r *Reaction) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.reactions[key]
	for i, candidate := range list {
		if candidate == r {
			d.reactions[key] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(d.reactions[key]) == 0 {
		delete(d.reactions, key)
	}
	delete(d.boundAt, r.ID)
}

// interested snapshots the reactions bound under key.
func (d *Dispatcher) interested(key ident.TypeID) []*Reaction {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := d.reactions[key]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Reaction, len(list))
	copy(out, list)
	return out
}

// Listeners reports how many reactions are bound under key.
func (d *Dispatcher) Listeners(key ident.TypeID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.reactions[key])
}

// Dispatch routes an event context to every reaction under key and submits
// the produced tasks. No listeners is a no-op, never an error.
func (d *Dispatcher) Dispatch(key ident.TypeID, ev *Event) {
	for _, r := range d.interested(key) {
		if t := r.Generate(ev); t != nil {
			d.sched.Submit(t)
		}
	}
}

// DispatchDirect routes like Dispatch but runs the tasks inline on the
// calling goroutine, bypassing the pool. Startup configuration uses this to
// install state synchronously.
func (d *Dispatcher) DispatchDirect(key ident.TypeID, ev *Event) {
	for _, r := range d.interested(key) {
		if t := r.Generate(ev); t != nil {
			d.sched.Run(t, -1)
		}
	}
}

// Snapshot lists every live registration, for introspection surfaces.
func (d *Dispatcher) Snapshot() []ReactionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []ReactionInfo
	for _, list := range d.reactions {
		for _, r := range list {
			out = append(out, ReactionInfo{
				ID:         r.ID,
				Identifier: r.Identifier,
				Enabled:    r.Enabled(),
				Active:     r.ActiveTasks(),
				BoundAt:    d.boundAt[r.ID],
			})
		}
	}
	return out
}
