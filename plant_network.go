package voltgrid

import (
	"os"
	"sync"
	"time"

	"github.com/voltgrid/voltgrid/internal/chrono"
	"github.com/voltgrid/voltgrid/internal/ident"
	"github.com/voltgrid/voltgrid/internal/netpeer"
	"github.com/voltgrid/voltgrid/internal/runtime"
)

// networkPayload keys the raw payload slot so it can never collide with a
// locally emitted []byte.
type networkPayload []byte

var (
	srcKey        = ident.For[NetworkSource]()
	netPayloadKey = ident.For[networkPayload]()
)

// networkController is the built-in reactor bridging the peer transport
// into the kernel: it owns the hash-to-reaction table, converts packet
// callbacks into task submissions, and turns membership changes into
// NetworkJoin/NetworkLeave events.
type networkController struct {
	p *PowerPlant

	mu        sync.Mutex
	reactions map[uint64][]*runtime.Reaction
}

func newNetworkController(p *PowerPlant) *networkController {
	return &networkController{
		p:         p,
		reactions: make(map[uint64][]*runtime.Reaction),
	}
}

// configure resets the transport whenever a NetworkConfiguration arrives.
func (nc *networkController) configure(c NetworkConfiguration) error {
	name := c.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	mtu := c.MTU
	if mtu == 0 {
		mtu = 1500
	}
	return nc.p.net.Reset(netpeer.Config{
		Name:           name,
		MulticastGroup: c.MulticastGroup,
		MulticastPort:  c.MulticastPort,
		MTU:            mtu,
	})
}

func (nc *networkController) bind(hash uint64, r *runtime.Reaction) {
	nc.mu.Lock()
	nc.reactions[hash] = append(nc.reactions[hash], r)
	nc.mu.Unlock()
}

func (nc *networkController) unbind(hash uint64, r *runtime.Reaction) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	list := nc.reactions[hash]
	for i, candidate := range list {
		if candidate == r {
			nc.reactions[hash] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(nc.reactions[hash]) == 0 {
		delete(nc.reactions, hash)
	}
}

// dispatch delivers one reassembled payload to the reactions bound to its
// type hash. Runs on a transport goroutine; tasks go through the pool.
func (nc *networkController) dispatch(peer netpeer.Peer, hash uint64, payload []byte) {
	nc.mu.Lock()
	list := append([]*runtime.Reaction(nil), nc.reactions[hash]...)
	nc.mu.Unlock()
	if len(list) == 0 {
		return
	}

	ev := runtime.NewEvent()
	ev.Set(srcKey, NetworkSource{Name: peer.Name, Address: peer.Address})
	ev.Set(netPayloadKey, networkPayload(payload))

	for _, r := range list {
		if t := r.Generate(ev); t != nil {
			nc.p.sched.Submit(t)
		}
	}
}

func (nc *networkController) joined(peer netpeer.Peer) {
	Emit(nc.p, NetworkJoin{
		Name:    peer.Name,
		Address: peer.Address,
		TCPPort: int(peer.TCPPort),
		UDPPort: int(peer.UDPPort),
	})
}

func (nc *networkController) left(peer netpeer.Peer) {
	Emit(nc.p, NetworkLeave{
		Name:    peer.Name,
		Address: peer.Address,
		TCPPort: int(peer.TCPPort),
		UDPPort: int(peer.UDPPort),
	})
}

// wakeAt schedules the transport's next Process call on the chrono thread.
func (nc *networkController) wakeAt(at time.Time) {
	nc.p.chrono.Add(&chrono.Entry{
		At: at,
		Callback: func(*time.Time) bool {
			nc.p.net.Process()
			return false
		},
	})
}

// OnNetwork binds a handler fired when a peer delivers a payload whose type
// hash matches T. Serialization is the caller's concern: the handler sees
// the raw bytes and their source.
func OnNetwork[T any](env *Environment, handler func(NetworkSource, []byte) error, opts ...BindOption) *Handle {
	p := env.plant
	hash := uint64(ident.For[T]())
	cfg := buildConfig("Network<"+ident.TypeName[T]()+">", opts)

	r := runtime.NewReaction([]string{cfg.name, env.name}, func(ev *runtime.Event) func() error {
		payload, ok := ev.Value(netPayloadKey).(networkPayload)
		if !ok {
			return nil
		}
		src, _ := ev.Value(srcKey).(NetworkSource)
		return func() error { return handler(src, payload) }
	})
	cfg.apply(p, r)

	h := p.bus.BindDetached(r)
	nc := p.netctl
	nc.bind(hash, r)
	r.OnCleanup(func() { nc.unbind(hash, r) })
	return h
}
