// Package chrono is the timed-event service: a single goroutine draining a
// min-heap of scheduled callbacks on the monotonic clock. Periodic callbacks
// advance their own fire time and re-insert themselves, which keeps cadence
// free of cumulative drift; wall-clock adjustments never reschedule anything
// because fire times carry Go's monotonic reading.
package chrono

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Callback runs when an entry falls due. It may advance *at and return true
// to stay scheduled, or return false to be dropped.
type Callback func(at *time.Time) bool

// Entry is one scheduled callback.
type Entry struct {
	At         time.Time
	ReactionID uint64
	Callback   Callback

	index int
}

type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].At.Before(h[j].At) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*Entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Service owns the heap and the dedicated goroutine.
type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	heap    entryHeap
	wake    chan struct{}
	stop    chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// NewService builds a stopped service; call Run (usually under a lifecycle
// hook) to start the thread.
func NewService(log *slog.Logger) *Service {
	return &Service{
		log:  log,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Add schedules an entry and wakes the service thread.
func (s *Service) Add(e *Entry) {
	s.mu.Lock()
	heap.Push(&s.heap, e)
	s.mu.Unlock()
	s.signal()
}

// After schedules a one-shot callback d from now.
func (s *Service) After(d time.Duration, fn func()) {
	s.Add(&Entry{
		At: time.Now().Add(d),
		Callback: func(*time.Time) bool {
			fn()
			return false
		},
	})
}

// Remove eagerly drops every entry carrying the reaction id. Entries missed
// by a concurrent drain are dropped lazily when their callback observes the
// dead reaction.
func (s *Service) Remove(reactionID uint64) {
	s.mu.Lock()
	for i := 0; i < len(s.heap); {
		if s.heap[i].ReactionID == reactionID {
			heap.Remove(&s.heap, i)
			continue
		}
		i++
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops the service thread and waits for it to exit.
func (s *Service) Shutdown() {
	s.stopped.Do(func() { close(s.stop) })
	<-s.done
}

// Run is the service thread body. It blocks until Shutdown.
func (s *Service) Run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		var timer *time.Timer
		var fire <-chan time.Time
		if len(s.heap) > 0 {
			wait := time.Until(s.heap[0].At)
			if wait <= 0 {
				s.drain()
				s.mu.Unlock()
				continue
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		s.mu.Unlock()

		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
		}
	}
}

// drain runs every due entry. Caller holds the lock; callbacks run outside
// it so they may re-enter Add or Remove.
func (s *Service) drain() {
	now := time.Now()

	var due []*Entry
	for len(s.heap) > 0 && !s.heap[0].At.After(now) {
		due = append(due, heap.Pop(&s.heap).(*Entry))
	}
	if len(due) == 0 {
		return
	}

	s.mu.Unlock()
	var keep []*Entry
	for _, e := range due {
		if e.Callback(&e.At) {
			keep = append(keep, e)
		}
	}
	s.mu.Lock()

	for _, e := range keep {
		heap.Push(&s.heap, e)
	}
}
