package netpeer

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Peer identifies a remote node as seen from this one.
type Peer struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	TCPPort uint16 `json:"tcp_port"`
	UDPPort uint16 `json:"udp_port"`
}

// key is the peer identity used for bookkeeping: the address of its UDP
// data endpoint.
func (p Peer) key() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(int(p.UDPPort)))
}

// peerState is the live record for one peer: its identity, the TCP side
// channel, and a breaker protecting the reliable send path. A tripped
// breaker means the peer is declared gone rather than retried forever.
type peerState struct {
	Peer

	mu       sync.Mutex
	tcp      net.Conn
	breaker  *gobreaker.CircuitBreaker
	lastSeen time.Time
}

func newPeerState(p Peer, tcp net.Conn) *peerState {
	return &peerState{
		Peer:     p,
		tcp:      tcp,
		lastSeen: time.Now(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.key(),
			MaxRequests: 1,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (ps *peerState) touch() {
	ps.mu.Lock()
	ps.lastSeen = time.Now()
	ps.mu.Unlock()
}

func (ps *peerState) seenSince(cutoff time.Time) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastSeen.After(cutoff)
}

// sendReliable frames a message over the side channel through the breaker.
func (ps *peerState) sendReliable(hash uint64, payload []byte) error {
	_, err := ps.breaker.Execute(func() (any, error) {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		if ps.tcp == nil {
			return nil, net.ErrClosed
		}
		return nil, writeFrame(ps.tcp, typeData, hash, payload)
	})
	return err
}

func (ps *peerState) close() {
	ps.mu.Lock()
	if ps.tcp != nil {
		ps.tcp.Close()
		ps.tcp = nil
	}
	ps.mu.Unlock()
}
