// Package iopoll multiplexes registered file descriptors into reaction
// submissions from a single dedicated goroutine blocked in poll(2). A
// self-pipe interrupts the wait whenever the registration set changes, so
// the fd array is rebuilt between poll calls and the registration lock is
// never held across the blocking syscall.
package iopoll

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// Interest selects the readiness modes a registration cares about.
type Interest int16

const (
	Read  Interest = unix.POLLIN
	Write Interest = unix.POLLOUT
	Close Interest = unix.POLLHUP
	Error Interest = unix.POLLERR
)

// Event is what a ready descriptor delivers: the fd and the mask of modes
// that fired. Close and Error arrive alongside or in place of Read/Write;
// receivers must inspect the mask.
type Event struct {
	FD     int
	Events Interest
}

// Has reports whether the mask contains mode.
func (e Event) Has(mode Interest) bool { return e.Events&mode != 0 }

type entry struct {
	fd       int
	interest Interest
	deliver  func(Event)
}

// Poller owns the descriptor set and the poll loop. It never closes
// registered fds; ownership stays with the registering reaction.
type Poller struct {
	log *slog.Logger

	mu      sync.Mutex
	entries []*entry
	dirty   bool

	// Self-pipe: reads end always polled, write end pokes the loop.
	wakeR, wakeW int

	stop    sync.Once
	closing bool
	done    chan struct{}
}

// NewPoller builds a poller and its wakeup pipe.
func NewPoller(log *slog.Logger) (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("iopoll: pipe: %w", err)
	}
	return &Poller{
		log:   log,
		wakeR: fds[0],
		wakeW: fds[1],
		done:  make(chan struct{}),
		dirty: true,
	}, nil
}

// Register watches fd for the given modes. deliver runs on the poller
// goroutine and must hand off quickly (it submits a task).
func (p *Poller) Register(fd int, interest Interest, deliver func(Event)) {
	p.mu.Lock()
	p.entries = append(p.entries, &entry{fd: fd, interest: interest, deliver: deliver})
	p.dirty = true
	p.mu.Unlock()
	p.wakeup()
}

// Deregister stops watching fd. The fd itself is left open.
func (p *Poller) Deregister(fd int) {
	p.mu.Lock()
	for i, e := range p.entries {
		if e.fd == fd {
			p.entries = append(p.entries[:i:i], p.entries[i+1:]...)
			break
		}
	}
	p.dirty = true
	p.mu.Unlock()
	p.wakeup()
}

func (p *Poller) wakeup() {
	var b [1]byte
	// A full pipe already guarantees a pending wakeup.
	_, _ = unix.Write(p.wakeW, b[:])
}

// Shutdown interrupts the wait, stops the loop, and closes the pipe.
func (p *Poller) Shutdown() {
	p.stop.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.mu.Unlock()
		p.wakeup()
	})
	<-p.done
}

// Run is the poller thread body. It blocks until Shutdown.
func (p *Poller) Run() {
	defer close(p.done)
	defer unix.Close(p.wakeR)
	defer unix.Close(p.wakeW)

	var pollfds []unix.PollFd
	var targets []*entry

	for {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return
		}
		if p.dirty {
			pollfds = pollfds[:0]
			targets = targets[:0]
			pollfds = append(pollfds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
			targets = append(targets, nil)
			for _, e := range p.entries {
				pollfds = append(pollfds, unix.PollFd{Fd: int32(e.fd), Events: int16(e.interest)})
				targets = append(targets, e)
			}
			p.dirty = false
		}
		p.mu.Unlock()

		n, err := unix.Poll(pollfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			p.log.Error("poll failed", "err", err)
			return
		}
		if n == 0 {
			continue
		}

		// Wakeup pipe: drain the pending bytes; a changed registration set
		// is rebuilt at the top of the next iteration.
		if pollfds[0].Revents&unix.POLLIN != 0 {
			var b [64]byte
			_, _ = unix.Read(p.wakeR, b[:])
		}

		for i := 1; i < len(pollfds); i++ {
			revents := pollfds[i].Revents
			if revents == 0 {
				continue
			}
			pollfds[i].Revents = 0
			if e := targets[i]; e != nil {
				// POLLERR/POLLHUP/POLLNVAL are delivered regardless of the
				// requested interest; fold NVAL into Error.
				mask := Interest(revents)
				if revents&unix.POLLNVAL != 0 {
					mask |= Error
				}
				e.deliver(Event{FD: e.fd, Events: mask})
				if revents&unix.POLLNVAL != 0 {
					// The fd is gone; keeping it registered would spin
					// the loop forever.
					p.Deregister(e.fd)
				}
			}
		}
	}
}
