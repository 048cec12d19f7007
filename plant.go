// Package voltgrid is an in-process reactive runtime: independent reactors
// communicate exclusively by emitting typed messages, and a central power
// plant dispatches the resulting reaction tasks over a fixed, prioritized
// worker pool. Dedicated service threads provide timed events, descriptor
// readiness, and a peer-to-peer network transport.
package voltgrid

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/fx"

	"github.com/voltgrid/voltgrid/internal/chrono"
	"github.com/voltgrid/voltgrid/internal/ident"
	"github.com/voltgrid/voltgrid/internal/iopoll"
	"github.com/voltgrid/voltgrid/internal/netpeer"
	"github.com/voltgrid/voltgrid/internal/runtime"
)

// Config is the construction input for a power plant.
type Config struct {
	// ThreadCount is the fixed worker pool size. Must be at least 1.
	ThreadCount int

	// DefaultLogLevel filters the plant logger.
	DefaultLogLevel LogLevel

	// Logger overrides the default stderr text logger.
	Logger *slog.Logger
}

// One plant per process; a second concurrent instance fails construction.
var plantActive atomic.Bool

// PowerPlant composes the kernel: dispatcher, scheduler, sync groups,
// chrono service, I/O poller, and peer transport.
type PowerPlant struct {
	cfg Config
	log *slog.Logger

	app    *fx.App
	sched  *runtime.Scheduler
	groups *runtime.Groups
	bus    *runtime.Dispatcher
	chrono *chrono.Service
	poller *iopoll.Poller
	net    *netpeer.Transport
	netctl *networkController

	mu           sync.Mutex
	started      bool
	deferred     []func()
	startupHooks []func()

	running      atomic.Bool
	shutdownOnce sync.Once
}

// New builds the plant and its service components. The components are
// assembled but their threads do not run until Start.
func New(cfg Config) (*PowerPlant, error) {
	if cfg.ThreadCount < 1 {
		return nil, ErrZeroThreads
	}
	if !plantActive.CompareAndSwap(false, true) {
		return nil, ErrPlantExists
	}

	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.DefaultLogLevel.slogLevel(),
		}))
	}

	p := &PowerPlant{cfg: cfg, log: log}

	app := fx.New(
		fx.NopLogger,
		fx.Supply(log),
		fx.Provide(
			func(log *slog.Logger) *runtime.Scheduler {
				return runtime.NewScheduler(cfg.ThreadCount, log)
			},
			runtime.NewGroups,
			runtime.NewDispatcher,
			func(lc fx.Lifecycle, log *slog.Logger) *chrono.Service {
				svc := chrono.NewService(log.With("component", "chrono"))
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error { go svc.Run(); return nil },
					OnStop:  func(context.Context) error { svc.Shutdown(); return nil },
				})
				return svc
			},
			func(lc fx.Lifecycle, log *slog.Logger) (*iopoll.Poller, error) {
				poller, err := iopoll.NewPoller(log.With("component", "iopoll"))
				if err != nil {
					return nil, err
				}
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error { go poller.Run(); return nil },
					OnStop:  func(context.Context) error { poller.Shutdown(); return nil },
				})
				return poller, nil
			},
		),
		fx.Populate(&p.sched, &p.groups, &p.bus, &p.chrono, &p.poller),
	)
	if err := app.Err(); err != nil {
		plantActive.Store(false)
		return nil, fmt.Errorf("voltgrid: assemble plant: %w", err)
	}
	p.app = app

	p.netctl = newNetworkController(p)
	p.net = netpeer.NewTransport(netpeer.Callbacks{
		Packet:    p.netctl.dispatch,
		Join:      p.netctl.joined,
		Leave:     p.netctl.left,
		NextEvent: p.netctl.wakeAt,
	}, log.With("component", "network"))

	p.sched.OnDone(p.emitStatistics)

	// Built-in reactions.
	env := &Environment{plant: p, name: "PowerPlant", log: log}
	On(env, p.netctl.configure, WithName("Network Configuration"))

	EmitInit(p, CommandLineArguments(os.Args))

	p.log.Info("power plant assembled", "threads", cfg.ThreadCount)
	return p, nil
}

// Install constructs a reactor's registrations. Rejected once started.
func (p *PowerPlant) Install(r Reactor) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		return ErrAlreadyStarted
	}

	env := newEnvironment(p, r)
	if err := r.Setup(env); err != nil {
		return fmt.Errorf("voltgrid: install %s: %w", env.name, err)
	}
	p.log.Debug("reactor installed", "reactor", env.name)
	return nil
}

// OnStartup registers a hook run when Start begins, after the Startup
// event. Rejected once started.
func (p *PowerPlant) OnStartup(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.startupHooks = append(p.startupHooks, fn)
	return nil
}

// Start emits Startup, replays Initialize-scoped emits, launches the
// worker pool, and blocks until shutdown has drained every queued task and
// all service threads have joined.
func (p *PowerPlant) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.app.Start(startCtx); err != nil {
		return fmt.Errorf("voltgrid: start services: %w", err)
	}

	// Flip to started before Startup runs, so Startup handlers that try to
	// install reactors or register startup hooks are rejected.
	p.mu.Lock()
	p.started = true
	deferred := p.deferred
	p.deferred = nil
	hooks := p.startupHooks
	p.startupHooks = nil
	p.mu.Unlock()

	EmitDirect(p, Startup{})

	for _, fn := range deferred {
		fn()
	}
	for _, fn := range hooks {
		fn()
	}

	p.sched.Start()
	p.sched.Wait()

	p.net.Shutdown()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStop()
	if err := p.app.Stop(stopCtx); err != nil {
		return fmt.Errorf("voltgrid: stop services: %w", err)
	}

	plantActive.Store(false)
	p.log.Info("power plant stopped")
	return nil
}

// Shutdown emits the Shutdown event and transitions the scheduler to
// draining. Already-queued tasks (and their completion cascades) still run;
// Start returns once the queue empties. Idempotent.
func (p *PowerPlant) Shutdown() {
	p.shutdownOnce.Do(func() {
		Emit(p, Shutdown{})
		p.sched.Shutdown()
	})
}

// Log is the plant-wide structured logger.
func (p *PowerPlant) Log() *slog.Logger { return p.log }

// ReactionInfo is a point-in-time view of one registration.
type ReactionInfo = runtime.ReactionInfo

// Reactions snapshots every live registration.
func (p *PowerPlant) Reactions() []ReactionInfo { return p.bus.Snapshot() }

// NetworkPeers snapshots the current mesh membership.
func (p *PowerPlant) NetworkPeers() []NetworkJoin {
	peers := p.net.Peers()
	out := make([]NetworkJoin, len(peers))
	for i, peer := range peers {
		out[i] = NetworkJoin{
			Name:    peer.Name,
			Address: peer.Address,
			TCPPort: int(peer.TCPPort),
			UDPPort: int(peer.UDPPort),
		}
	}
	return out
}

var logKey = ident.For[LogMessage]()

func (p *PowerPlant) emitValue(key ident.TypeID, v any) {
	ev := runtime.NewEvent()
	ev.Set(key, v)
	p.bus.Dispatch(key, ev)
}

// emitLog publishes a LogMessage only when someone is listening, so the
// common case costs one map lookup.
func (p *PowerPlant) emitLog(m LogMessage) {
	if p.bus.Listeners(logKey) > 0 {
		p.emitValue(logKey, m)
	}
}

// emitStatistics observes every completed task. Tasks of reactions that
// themselves handle statistics are excluded to prevent recursion.
func (p *PowerPlant) emitStatistics(t *runtime.Task, worker int) {
	if t.Reaction.StatsHandler {
		return
	}
	if p.bus.Listeners(statsKey) == 0 {
		return
	}
	st := t.Stats
	p.emitValue(statsKey, ReactionStatistics{
		Identifier: st.Identifier,
		ReactionID: st.ReactionID,
		TaskID:     st.TaskID,
		Priority:   st.Priority,
		Started:    st.Started,
		Finished:   st.Finished,
		Worker:     worker,
		Exception:  st.Exception,
	})
}
