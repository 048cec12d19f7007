package voltgrid

import (
	"fmt"
	"reflect"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voltgrid/voltgrid/internal/chrono"
	"github.com/voltgrid/voltgrid/internal/ident"
	"github.com/voltgrid/voltgrid/internal/runtime"
)

// Handle is the token returned by every bind word: it can disable, enable,
// and unbind the reaction. Unbinding is final; the reaction is destroyed
// once its in-flight tasks complete.
type Handle = runtime.Handle

// Priority bands. Any integer works; these are the named points.
const (
	PriorityRealtime = runtime.PriorityRealtime
	PriorityHigh     = runtime.PriorityHigh
	PriorityNormal   = runtime.PriorityNormal
	PriorityLow      = runtime.PriorityLow
	PriorityIdle     = runtime.PriorityIdle
)

// BindOption adjusts how a reaction is registered.
type BindOption func(*bindConfig)

type bindConfig struct {
	name        string
	priority    int
	hasPriority bool
	syncKey     ident.TypeID
	single      bool
}

// WithName labels the reaction; the label is the first identifier entry in
// its ReactionStatistics.
func WithName(name string) BindOption {
	return func(c *bindConfig) { c.name = name }
}

// WithPriority fixes the priority of every task the reaction generates.
func WithPriority(priority int) BindOption {
	return func(c *bindConfig) {
		c.priority = priority
		c.hasPriority = true
	}
}

// WithSync serializes the reaction with every other reaction declaring the
// same group type: at most one of their tasks runs at any moment, and
// waiters are drained in priority order.
func WithSync[Group any]() BindOption {
	return func(c *bindConfig) { c.syncKey = ident.For[Group]() }
}

// Single drops new task generation while a previous task of the same
// reaction is still queued or running.
func Single() BindOption {
	return func(c *bindConfig) { c.single = true }
}

func buildConfig(defaultName string, opts []BindOption) *bindConfig {
	c := &bindConfig{name: defaultName}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *bindConfig) apply(p *PowerPlant, r *runtime.Reaction) {
	if c.hasPriority {
		priority := c.priority
		r.PriorityFn = func() int { return priority }
	}
	if c.syncKey != ident.Nil {
		p.groups.Bind(r, c.syncKey, p.sched.Enqueue)
	}
	if c.single {
		r.Precondition = func() bool { return r.ActiveTasks() == 0 }
	}
}

var statsKey = ident.For[ReactionStatistics]()

// On binds a handler triggered by emits of T. The handler receives the
// emitted value; a non-nil return is captured into the task statistics.
func On[T any](env *Environment, handler func(T) error, opts ...BindOption) *Handle {
	p := env.plant
	key := ident.For[T]()
	cfg := buildConfig(reflect.TypeFor[T]().String(), opts)

	r := runtime.NewReaction([]string{cfg.name, env.name}, func(ev *runtime.Event) func() error {
		v, ok := ev.Value(key).(T)
		if !ok {
			return nil
		}
		return func() error { return handler(v) }
	})
	r.StatsHandler = key == statsKey
	cfg.apply(p, r)

	return p.bus.Bind(key, r)
}

// Every binds a handler fired on a fixed cadence. The chrono entry advances
// its own fire time by the period on each shot, so the cadence carries no
// cumulative drift regardless of worker contention.
func Every(env *Environment, period time.Duration, handler func() error, opts ...BindOption) *Handle {
	if period <= 0 {
		period = time.Millisecond
	}
	p := env.plant
	cfg := buildConfig(fmt.Sprintf("Every(%s)", period), opts)

	r := runtime.NewReaction([]string{cfg.name, env.name}, func(*runtime.Event) func() error {
		return func() error { return handler() }
	})
	cfg.apply(p, r)

	h := p.bus.BindDetached(r)
	r.OnCleanup(func() { p.chrono.Remove(r.ID) })

	p.chrono.Add(&chrono.Entry{
		At:         time.Now().Add(period),
		ReactionID: r.ID,
		Callback: func(at *time.Time) bool {
			if r.Unbound() {
				return false
			}
			if t := r.Generate(nil); t != nil {
				p.sched.Submit(t)
			}
			*at = at.Add(period)
			return true
		},
	})
	return h
}

// Cron binds a handler fired on a standard five-field cron expression.
func Cron(env *Environment, spec string, handler func() error, opts ...BindOption) (*Handle, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("voltgrid: parse cron spec %q: %w", spec, err)
	}

	p := env.plant
	cfg := buildConfig(fmt.Sprintf("Cron(%s)", spec), opts)

	r := runtime.NewReaction([]string{cfg.name, env.name}, func(*runtime.Event) func() error {
		return func() error { return handler() }
	})
	cfg.apply(p, r)

	h := p.bus.BindDetached(r)
	r.OnCleanup(func() { p.chrono.Remove(r.ID) })

	p.chrono.Add(&chrono.Entry{
		At:         schedule.Next(time.Now()),
		ReactionID: r.ID,
		Callback: func(at *time.Time) bool {
			if r.Unbound() {
				return false
			}
			if t := r.Generate(nil); t != nil {
				p.sched.Submit(t)
			}
			*at = schedule.Next(time.Now())
			return true
		},
	})
	return h, nil
}
