package chrono

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newRunning(t *testing.T) *Service {
	t.Helper()
	svc := NewService(slog.New(slog.DiscardHandler))
	go svc.Run()
	t.Cleanup(svc.Shutdown)
	return svc
}

func TestOneShotFiresOnce(t *testing.T) {
	svc := newRunning(t)

	fired := make(chan struct{})
	svc.After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("one-shot entry never fired")
	}
}

func TestPeriodicCadenceHasNoCumulativeDrift(t *testing.T) {
	svc := newRunning(t)

	const period = 10 * time.Millisecond
	var count atomic.Int32
	start := time.Now()

	svc.Add(&Entry{
		At: start.Add(period),
		Callback: func(at *time.Time) bool {
			count.Add(1)
			// Advancing from the scheduled time, not from now, is what
			// keeps the cadence drift-free.
			*at = at.Add(period)
			return true
		},
	})

	time.Sleep(205 * time.Millisecond)
	svc.Shutdown()

	n := int(count.Load())
	// Generous bounds for loaded CI machines: the important property is
	// that late wakeups are compensated by the fixed-step advance.
	assert.GreaterOrEqual(t, n, 14, "cadence fell behind and never caught up")
	assert.LessOrEqual(t, n, 24, "cadence fired faster than the period allows")
}

func TestCallbackReturningFalseIsDropped(t *testing.T) {
	svc := newRunning(t)

	var count atomic.Int32
	svc.Add(&Entry{
		At: time.Now().Add(5 * time.Millisecond),
		Callback: func(at *time.Time) bool {
			count.Add(1)
			*at = at.Add(5 * time.Millisecond)
			return false
		},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestRemoveCancelsPendingEntries(t *testing.T) {
	svc := newRunning(t)

	var fired atomic.Bool
	svc.Add(&Entry{
		At:         time.Now().Add(30 * time.Millisecond),
		ReactionID: 7,
		Callback: func(*time.Time) bool {
			fired.Store(true)
			return false
		},
	})

	svc.Remove(7)
	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load(), "removed entry must not fire")
}

func TestEarlierInsertionPreemptsWait(t *testing.T) {
	svc := newRunning(t)

	order := make(chan string, 2)
	svc.After(150*time.Millisecond, func() { order <- "late" })
	// Inserted second, due first: the service must rewind its wait.
	svc.After(10*time.Millisecond, func() { order <- "early" })

	select {
	case got := <-order:
		assert.Equal(t, "early", got)
	case <-time.After(time.Second):
		t.Fatal("earlier entry never fired")
	}
}

func TestShutdownStopsThread(t *testing.T) {
	svc := NewService(slog.New(slog.DiscardHandler))
	done := make(chan struct{})
	go func() {
		svc.Run()
		close(done)
	}()

	svc.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("service thread did not exit")
	}
}
