package runtime

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Documented priority bands. Any integer is accepted; these are the named
// points reactors are expected to reach for.
const (
	PriorityRealtime = 1000
	PriorityHigh     = 750
	PriorityNormal   = 500
	PriorityLow      = 250
	PriorityIdle     = 0
)

// Scheduler owns the shared ready queue and the fixed worker pool. Submit is
// safe from any goroutine, including the workers themselves — task bodies
// routinely emit, which submits.
type Scheduler struct {
	log     *slog.Logger
	workers int

	mu       sync.Mutex
	cond     *sync.Cond
	queue    taskQueue
	seq      uint64
	draining bool
	started  bool

	wg sync.WaitGroup

	// onDone observes every completed task (statistics emission).
	// Installed by the plant before Start; never called under the lock.
	onDone func(t *Task, worker int)
}

// NewScheduler builds a scheduler with a fixed pool size (minimum 1).
func NewScheduler(workers int, log *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		log:     log,
		workers: workers,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// OnDone installs the completion observer. Must be called before Start.
func (s *Scheduler) OnDone(fn func(t *Task, worker int)) { s.onDone = fn }

// Submit routes a task toward the pool. The reaction's reschedule hook runs
// first; a hook returning nil has parked the task elsewhere (sync group
// waiter queue) and nothing is enqueued.
func (s *Scheduler) Submit(t *Task) {
	if t == nil {
		return
	}
	if fn := t.Reaction.RescheduleFn; fn != nil {
		if t = fn(t); t == nil {
			return
		}
	}
	s.Enqueue(t)
}

// Enqueue inserts a task into the ready queue directly, skipping the
// reschedule hook. The sync-group handoff uses it for a popped waiter that
// already owns its key; everything else goes through Submit.
func (s *Scheduler) Enqueue(t *Task) {
	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	heap.Push(&s.queue, t)
	s.mu.Unlock()
	s.cond.Signal()
}

// Start launches the worker pool. Each worker carries a stable index.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Shutdown transitions the pool to draining. Queued tasks still run, and
// their completion cascades may submit more; workers exit once the queue is
// observed empty.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) worker(idx int) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.draining {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			// Draining and empty: done.
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.queue).(*Task)
		s.mu.Unlock()

		s.Run(t, idx)
	}
}

// Run executes a task to completion on the calling goroutine. Workers use it
// with their index; Direct-scope emits use it with worker -1. Postconditions
// and reaction release always run, even when the body is skipped — a parked
// sync-group sibling is waiting on the release.
func (s *Scheduler) Run(t *Task, worker int) {
	st := t.Stats
	st.TaskID = t.ID
	st.Worker = worker
	st.Started = time.Now()

	if t.Reaction.Enabled() {
		st.Exception = s.invoke(t)
	}

	st.Finished = time.Now()

	if fn := t.Reaction.PostrunFn; fn != nil {
		fn(t)
	}
	t.Reaction.release()

	if s.onDone != nil {
		s.onDone(t, worker)
	}
}

// invoke runs the payload, converting a panic into a captured error so a
// faulting handler never takes a worker down.
func (s *Scheduler) invoke(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
			s.log.Error("reaction panicked",
				"reaction_id", t.Reaction.ID,
				"task_id", t.ID,
				"err", err)
		}
	}()
	return t.run()
}
