package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltgrid/voltgrid/internal/ident"
)

// DefaultPriority is assigned to tasks whose reaction declares no priority.
const DefaultPriority = 100

// Generator produces the payload for one task in response to the current
// event context. Returning nil means the reaction has nothing to do for this
// event (wrong type in the slot, or a word-level veto).
type Generator func(ev *Event) func() error

// Reaction is a durable registration: a trigger key plus the optional hook
// set contributed by the words it was declared with. Tasks are transient;
// the Reaction outlives them and is only destroyed once it is unbound and no
// generated task remains in flight.
type Reaction struct {
	ID         uint64
	Identifier []string

	// SyncKey serializes tasks of all reactions sharing the key.
	// ident.Nil means unsynchronized.
	SyncKey ident.TypeID

	// StatsHandler marks reactions bound to the statistics event itself,
	// so their tasks do not emit statistics recursively.
	StatsHandler bool

	Generator Generator

	// Optional word hooks, combined at registration time.
	Precondition func() bool
	PriorityFn   func() int
	RescheduleFn func(*Task) *Task
	PostrunFn    func(*Task)

	enabled     atomic.Bool
	unbound     atomic.Bool
	activeTasks atomic.Int64

	cleanupOnce sync.Once
	cleanup     []func()
}

// NewReaction builds an enabled reaction with a fresh process-wide id.
func NewReaction(identifier []string, gen Generator) *Reaction {
	r := &Reaction{
		ID:         ident.NextReactionID(),
		Identifier: identifier,
		Generator:  gen,
	}
	r.enabled.Store(true)
	return r
}

// Enabled reports whether the reaction currently produces tasks.
func (r *Reaction) Enabled() bool { return r.enabled.Load() }

// SetEnabled flips task production. In-flight tasks are unaffected.
func (r *Reaction) SetEnabled(v bool) { r.enabled.Store(v) }

// Unbound reports whether the unbind handle has been dropped.
func (r *Reaction) Unbound() bool { return r.unbound.Load() }

// ActiveTasks is the number of generated-but-not-completed tasks.
func (r *Reaction) ActiveTasks() int64 { return r.activeTasks.Load() }

// OnCleanup appends a hook run exactly once, after the reaction is unbound
// and its last in-flight task has completed. Descriptor-owning words close
// their fds here.
func (r *Reaction) OnCleanup(fn func()) {
	r.cleanup = append(r.cleanup, fn)
}

// Generate asks the reaction for a task in response to ev. Disabled or
// unbound reactions and failed preconditions yield nil.
func (r *Reaction) Generate(ev *Event) *Task {
	if !r.enabled.Load() || r.unbound.Load() {
		return nil
	}
	if r.Precondition != nil && !r.Precondition() {
		return nil
	}

	run := r.Generator(ev)
	if run == nil {
		return nil
	}

	priority := DefaultPriority
	if r.PriorityFn != nil {
		priority = r.PriorityFn()
	}

	r.activeTasks.Add(1)
	return &Task{
		Reaction: r,
		ID:       ident.NextTaskID(),
		Priority: priority,
		Stats: &Statistics{
			Identifier: r.Identifier,
			ReactionID: r.ID,
			Priority:   priority,
		},
		run: run,
	}
}

// Unbind marks the reaction dead for all future event deliveries and, once
// no task references it, runs the cleanup hooks.
func (r *Reaction) Unbind() {
	r.unbound.Store(true)
	r.enabled.Store(false)
	if r.activeTasks.Load() == 0 {
		r.runCleanup()
	}
}

// release is the post-task bookkeeping counterpart of Generate.
func (r *Reaction) release() {
	if r.activeTasks.Add(-1) == 0 && r.unbound.Load() {
		r.runCleanup()
	}
}

func (r *Reaction) runCleanup() {
	r.cleanupOnce.Do(func() {
		for _, fn := range r.cleanup {
			fn()
		}
	})
}

// Statistics records one task execution for observers.
type Statistics struct {
	Identifier []string
	ReactionID uint64
	TaskID     uint64
	Priority   int
	Started    time.Time
	Finished   time.Time
	Worker     int

	// Exception holds the handler's returned error or recovered panic.
	Exception error
}

// Task is one dispatchable execution instance of a Reaction.
type Task struct {
	Reaction *Reaction
	ID       uint64
	Priority int
	Stats    *Statistics

	// seq is stamped by the scheduler to keep FIFO order within a
	// priority band.
	seq uint64

	run func() error
}
