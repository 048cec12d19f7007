package voltgrid_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/voltgrid"
)

// funcReactor adapts a closure into a Reactor for tests.
type funcReactor func(*voltgrid.Environment) error

func (f funcReactor) Setup(env *voltgrid.Environment) error { return f(env) }

func newPlant(t *testing.T, threads int) *voltgrid.PowerPlant {
	t.Helper()
	p, err := voltgrid.New(voltgrid.Config{
		ThreadCount:     threads,
		DefaultLogLevel: voltgrid.LevelError,
	})
	require.NoError(t, err)
	return p
}

type message struct{ Value int }

func TestEmitReact(t *testing.T) {
	p := newPlant(t, 2)

	var got atomic.Int64
	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(m message) error {
			got.Store(int64(m.Value))
			p.Shutdown()
			return nil
		})
		voltgrid.On(env, func(voltgrid.Startup) error {
			voltgrid.Emit(p, message{Value: 42})
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())
	assert.Equal(t, int64(42), got.Load())
}

type triggerA struct{}
type triggerB struct{}
type guardGroup struct{}

func TestSyncSerialization(t *testing.T) {
	p := newPlant(t, 4)

	const perTrigger = 50
	var busy atomic.Bool
	var violations atomic.Int32
	var remaining atomic.Int32
	remaining.Store(2 * perTrigger)

	body := func() error {
		if !busy.CompareAndSwap(false, true) {
			violations.Add(1)
		}
		time.Sleep(100 * time.Microsecond)
		busy.Store(false)
		if remaining.Add(-1) == 0 {
			p.Shutdown()
		}
		return nil
	}

	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(triggerA) error { return body() }, voltgrid.WithSync[guardGroup]())
		voltgrid.On(env, func(triggerB) error { return body() }, voltgrid.WithSync[guardGroup]())
		voltgrid.On(env, func(voltgrid.Startup) error {
			for i := 0; i < perTrigger; i++ {
				voltgrid.Emit(p, triggerA{})
				voltgrid.Emit(p, triggerB{})
			}
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())
	assert.Zero(t, violations.Load(), "synchronized reactions overlapped")
}

func TestEveryCadence(t *testing.T) {
	p := newPlant(t, 2)

	var ticks atomic.Int32
	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.Every(env, 10*time.Millisecond, func() error {
			ticks.Add(1)
			return nil
		})
		voltgrid.On(env, func(voltgrid.Startup) error {
			time.AfterFunc(200*time.Millisecond, p.Shutdown)
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())

	n := int(ticks.Load())
	assert.GreaterOrEqual(t, n, 15, "timer fell far behind its cadence")
	assert.LessOrEqual(t, n, 25, "timer fired faster than its period")
}

func TestPriorityAndFifoOrdering(t *testing.T) {
	p := newPlant(t, 1)

	var mu sync.Mutex
	var order []string
	record := func(name string) error {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return nil
	}

	type job struct{ Name string }
	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(j job) error { return record("high:" + j.Name) },
			voltgrid.WithPriority(voltgrid.PriorityHigh))
		voltgrid.On(env, func(j job) error { return record("low:" + j.Name) },
			voltgrid.WithPriority(voltgrid.PriorityLow))
		voltgrid.On(env, func(voltgrid.Startup) error {
			// Startup is Direct-scoped: these are queued before any
			// worker runs, so the pop order is fully observable.
			voltgrid.Emit(p, job{Name: "1"})
			voltgrid.Emit(p, job{Name: "2"})
			p.Shutdown()
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high:1", "high:2", "low:1", "low:2"}, order)
}

type poison struct{}
type fuse struct{}

func TestReactionStatisticsCaptureException(t *testing.T) {
	p := newPlant(t, 1)

	var seen atomic.Value // string
	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(st voltgrid.ReactionStatistics) error {
			if st.Exception != nil {
				if st.Identifier[0] == "Exception Handler" {
					seen.Store(st.Exception.Error())
					p.Shutdown()
				}
			}
			return nil
		}, voltgrid.WithName("Reaction Stats Handler"))

		voltgrid.On(env, func(fuse) error {
			voltgrid.Emit(p, poison{})
			return nil
		}, voltgrid.WithName("Message Handler"))

		voltgrid.On(env, func(poison) error {
			return errors.New("Exceptions happened")
		}, voltgrid.WithName("Exception Handler"))

		voltgrid.On(env, func(voltgrid.Startup) error {
			voltgrid.Emit(p, fuse{})
			return nil
		}, voltgrid.WithName("Startup Handler"))
		return nil
	})))

	require.NoError(t, p.Start())
	assert.Equal(t, "Exceptions happened", seen.Load())
}

func TestStatisticsCoverageAndRecursionGuard(t *testing.T) {
	p := newPlant(t, 2)

	const emits = 20
	var handled atomic.Int32
	var statsForHandler atomic.Int32
	var statsForStats atomic.Int32

	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(message) error {
			if handled.Add(1) == emits {
				// Leave time for trailing statistics tasks to drain.
				time.AfterFunc(50*time.Millisecond, p.Shutdown)
			}
			return nil
		}, voltgrid.WithName("Counted Handler"))

		voltgrid.On(env, func(st voltgrid.ReactionStatistics) error {
			switch st.Identifier[0] {
			case "Counted Handler":
				statsForHandler.Add(1)
			case "Stats Handler":
				statsForStats.Add(1)
			}
			return nil
		}, voltgrid.WithName("Stats Handler"))

		voltgrid.On(env, func(voltgrid.Startup) error {
			for i := 0; i < emits; i++ {
				voltgrid.Emit(p, message{Value: i})
			}
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())

	assert.Equal(t, int32(emits), statsForHandler.Load(),
		"exactly one statistics event per executed task")
	assert.Zero(t, statsForStats.Load(),
		"statistics tasks must not generate statistics about themselves")
}

func TestUnbindFinality(t *testing.T) {
	p := newPlant(t, 1)

	var count atomic.Int32
	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		var handle *voltgrid.Handle
		handle = voltgrid.On(env, func(message) error {
			count.Add(1)
			handle.Unbind()
			// Emits after unbind must not reach this reaction.
			voltgrid.Emit(p, message{})
			voltgrid.EmitDelay(p, shutdownProbe{}, 30*time.Millisecond)
			return nil
		})
		voltgrid.On(env, func(shutdownProbe) error {
			p.Shutdown()
			return nil
		})
		voltgrid.On(env, func(voltgrid.Startup) error {
			voltgrid.Emit(p, message{})
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())
	assert.Equal(t, int32(1), count.Load())
}

type shutdownProbe struct{}

func TestDelayEmitArrivesAfterDuration(t *testing.T) {
	p := newPlant(t, 1)

	const delay = 30 * time.Millisecond
	var elapsed atomic.Int64
	start := time.Now()

	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(message) error {
			elapsed.Store(int64(time.Since(start)))
			p.Shutdown()
			return nil
		})
		voltgrid.On(env, func(voltgrid.Startup) error {
			voltgrid.EmitDelay(p, message{}, delay)
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())
	assert.GreaterOrEqual(t, time.Duration(elapsed.Load()), delay)
}

func TestLogMessagesAreObservable(t *testing.T) {
	p := newPlant(t, 1)

	var got atomic.Value
	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(m voltgrid.LogMessage) error {
			if m.Level == voltgrid.LevelWarn {
				got.Store(m.Message)
				p.Shutdown()
			}
			return nil
		})
		voltgrid.On(env, func(voltgrid.Startup) error {
			env.Logf(voltgrid.LevelWarn, "pressure at %d%%", 97)
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())
	assert.Equal(t, "pressure at 97%", got.Load())
}

func TestSecondPlantRejected(t *testing.T) {
	p := newPlant(t, 1)

	_, err := voltgrid.New(voltgrid.Config{ThreadCount: 1})
	assert.ErrorIs(t, err, voltgrid.ErrPlantExists)

	// Release the singleton slot by running the first plant down.
	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(voltgrid.Startup) error {
			p.Shutdown()
			return nil
		})
		return nil
	})))
	require.NoError(t, p.Start())

	// The slot is free again after a clean stop.
	p2, err := voltgrid.New(voltgrid.Config{ThreadCount: 1, DefaultLogLevel: voltgrid.LevelError})
	require.NoError(t, err)
	require.NoError(t, p2.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(voltgrid.Startup) error {
			p2.Shutdown()
			return nil
		})
		return nil
	})))
	require.NoError(t, p2.Start())
}

func TestZeroThreadsRejected(t *testing.T) {
	_, err := voltgrid.New(voltgrid.Config{ThreadCount: 0})
	assert.ErrorIs(t, err, voltgrid.ErrZeroThreads)
}

func TestInstallAfterStartRejected(t *testing.T) {
	p := newPlant(t, 1)

	var installErr atomic.Value
	require.NoError(t, p.Install(funcReactor(func(env *voltgrid.Environment) error {
		voltgrid.On(env, func(voltgrid.Startup) error {
			if err := p.Install(funcReactor(func(*voltgrid.Environment) error { return nil })); err != nil {
				installErr.Store(err)
			}
			if err := p.OnStartup(func() {}); err != nil {
				p.Shutdown()
			}
			return nil
		})
		return nil
	})))

	require.NoError(t, p.Start())
	err, _ := installErr.Load().(error)
	assert.ErrorIs(t, err, voltgrid.ErrAlreadyStarted)
}
