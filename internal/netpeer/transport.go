// Package netpeer is the peer-to-peer transport: multicast presence
// announcements, a per-peer unreliable UDP data path fragmented to the MTU,
// and a TCP side channel for reliable and oversized messages. It knows
// nothing about message types beyond their 64-bit hashes; the kernel routes
// payloads to reactions from the packet callback.
package netpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const (
	announceInterval = 1 * time.Second

	// A peer that has not announced for this many intervals is gone.
	peerTimeout = 5 * announceInterval

	// Partially reassembled datagrams are bounded; stale fragments fall
	// out of the LRU instead of accumulating.
	reassemblyCap = 256
)

// Config selects the mesh to join and the datagram sizing.
type Config struct {
	Name           string
	MulticastGroup string
	MulticastPort  int
	MTU            int
}

// Callbacks are how the transport reaches up into the kernel.
type Callbacks struct {
	// Packet delivers a fully reassembled typed payload from a peer.
	Packet func(peer Peer, hash uint64, payload []byte)
	// Join and Leave report membership changes.
	Join  func(peer Peer)
	Leave func(peer Peer)
	// NextEvent asks the chrono service to call Process at the given time;
	// the transport owns no timer of its own.
	NextEvent func(at time.Time)
}

type assemblyKey struct {
	peer     string
	packetID uint16
}

type assembly struct {
	hash      uint64
	fragments [][]byte
	remaining int
}

// Transport implements the mesh. Reset binds it to a configuration; it is
// inert until then.
type Transport struct {
	log *slog.Logger
	cb  Callbacks

	mu       sync.Mutex
	cfg      Config
	group    *net.UDPAddr
	announce *ipv4.PacketConn
	data     *net.UDPConn
	listener *net.TCPListener
	tcpPort  uint16
	udpPort  uint16
	peers    map[string]*peerState
	partial  *lru.Cache[assemblyKey, *assembly]
	running  bool

	wg sync.WaitGroup
}

// NewTransport builds an unbound transport.
func NewTransport(cb Callbacks, log *slog.Logger) *Transport {
	partial, _ := lru.New[assemblyKey, *assembly](reassemblyCap)
	return &Transport{
		log:     log,
		cb:      cb,
		peers:   make(map[string]*peerState),
		partial: partial,
	}
}

// Reset tears down any previous binding and joins the configured group:
// multicast announce socket, unicast data socket, TCP side-channel listener.
func (t *Transport) Reset(cfg Config) error {
	t.Shutdown()

	if cfg.MTU <= dataHeaderLen {
		return fmt.Errorf("netpeer: mtu %d cannot fit a data header", cfg.MTU)
	}
	groupIP := net.ParseIP(cfg.MulticastGroup)
	if groupIP == nil || !groupIP.IsMulticast() {
		return fmt.Errorf("netpeer: %q is not a multicast group", cfg.MulticastGroup)
	}

	// Announce socket: bound to the multicast port, joined to the group,
	// loopback on so same-host peers discover each other. Address reuse
	// lets several nodes on one host share the port.
	lc := net.ListenConfig{
		Control: func(_, _ string, conn syscall.RawConn) error {
			var soErr error
			err := conn.Control(func(fd uintptr) {
				soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if soErr == nil {
					soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return soErr
		},
	}
	ac, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.MulticastPort))
	if err != nil {
		return fmt.Errorf("netpeer: bind announce socket: %w", err)
	}
	announce := ipv4.NewPacketConn(ac)
	if err := announce.JoinGroup(nil, &net.UDPAddr{IP: groupIP}); err != nil {
		ac.Close()
		return fmt.Errorf("netpeer: join %s: %w", cfg.MulticastGroup, err)
	}
	_ = announce.SetMulticastLoopback(true)

	// Data socket: ephemeral port, announced to peers.
	dc, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		ac.Close()
		return fmt.Errorf("netpeer: bind data socket: %w", err)
	}

	// Side channel listener.
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{})
	if err != nil {
		ac.Close()
		dc.Close()
		return fmt.Errorf("netpeer: bind side channel: %w", err)
	}

	t.mu.Lock()
	t.cfg = cfg
	t.group = &net.UDPAddr{IP: groupIP, Port: cfg.MulticastPort}
	t.announce = announce
	t.data = dc
	t.listener = ln
	t.udpPort = uint16(dc.LocalAddr().(*net.UDPAddr).Port)
	t.tcpPort = uint16(ln.Addr().(*net.TCPAddr).Port)
	t.running = true
	t.mu.Unlock()

	t.wg.Add(3)
	go t.announceLoop()
	go t.dataLoop()
	go t.acceptLoop()

	t.log.Info("network up",
		"name", cfg.Name,
		"group", cfg.MulticastGroup,
		"port", cfg.MulticastPort,
		"mtu", cfg.MTU)

	if t.cb.NextEvent != nil {
		t.cb.NextEvent(time.Now())
	}
	return nil
}

// Process performs the periodic transport work: beacon, peer expiry, and
// rescheduling itself through the chrono service.
func (t *Transport) Process() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	beacon := announcement{TCPPort: t.tcpPort, UDPPort: t.udpPort, Name: t.cfg.Name}.encode()
	announce, group := t.announce, t.group

	cutoff := time.Now().Add(-peerTimeout)
	var expired []*peerState
	for key, ps := range t.peers {
		if !ps.seenSince(cutoff) {
			delete(t.peers, key)
			expired = append(expired, ps)
		}
	}
	t.mu.Unlock()

	if _, err := announce.WriteTo(beacon, nil, group); err != nil {
		t.log.Warn("announce failed", "err", err)
	}

	for _, ps := range expired {
		t.dropPeer(ps, "timeout")
	}

	if t.cb.NextEvent != nil {
		t.cb.NextEvent(time.Now().Add(announceInterval))
	}
}

// Send dispatches a typed payload. Empty target broadcasts to every known
// peer. Reliable sends use the TCP side channel; unreliable sends fragment
// over UDP. Per-peer failures demote the peer, they never propagate.
func (t *Transport) Send(hash uint64, payload []byte, target string, reliable bool) {
	t.mu.Lock()
	var targets []*peerState
	for _, ps := range t.peers {
		if target == "" || ps.Name == target {
			targets = append(targets, ps)
		}
	}
	t.mu.Unlock()

	for _, ps := range targets {
		var err error
		if reliable {
			err = ps.sendReliable(hash, payload)
		} else {
			err = t.sendUnreliable(ps, hash, payload)
		}
		if err != nil {
			t.log.Warn("send failed", "peer", ps.Name, "err", err)
			t.removePeer(ps)
		}
	}
}

var packetSeq struct {
	mu sync.Mutex
	id uint16
}

func nextPacketID() uint16 {
	packetSeq.mu.Lock()
	defer packetSeq.mu.Unlock()
	packetSeq.id++
	return packetSeq.id
}

func (t *Transport) sendUnreliable(ps *peerState, hash uint64, payload []byte) error {
	t.mu.Lock()
	data, mtu := t.data, t.cfg.MTU
	t.mu.Unlock()
	if data == nil {
		return net.ErrClosed
	}

	dst := &net.UDPAddr{IP: net.ParseIP(ps.Address), Port: int(ps.UDPPort)}
	chunk := mtu - dataHeaderLen
	count := (len(payload) + chunk - 1) / chunk
	if count == 0 {
		count = 1
	}
	if count > 0xFFFF {
		return fmt.Errorf("netpeer: payload of %d bytes exceeds fragment space", len(payload))
	}

	id := nextPacketID()
	for i := 0; i < count; i++ {
		lo := i * chunk
		hi := min(lo+chunk, len(payload))
		pkt := dataPacket{
			PacketID:  id,
			FragIndex: uint16(i),
			FragCount: uint16(count),
			Hash:      hash,
			Payload:   payload[lo:hi],
		}
		if _, err := data.WriteToUDP(pkt.encode(), dst); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown closes every socket and waits for the loops to exit. Idempotent.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	announce, data, ln := t.announce, t.data, t.listener
	t.announce, t.data, t.listener = nil, nil, nil
	peers := t.peers
	t.peers = make(map[string]*peerState)
	t.partial.Purge()
	t.mu.Unlock()

	if announce != nil {
		announce.Close()
	}
	if data != nil {
		data.Close()
	}
	if ln != nil {
		ln.Close()
	}
	for _, ps := range peers {
		ps.close()
	}
	t.wg.Wait()
}

func (t *Transport) announceLoop() {
	defer t.wg.Done()

	buf := make([]byte, 2048)
	for {
		t.mu.Lock()
		conn := t.announce
		t.mu.Unlock()
		if conn == nil {
			return
		}

		n, _, src, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("announce read failed", "err", err)
			}
			return
		}

		packetType, err := checkHeader(buf[:n])
		if err != nil || packetType != typeAnnounce {
			continue
		}
		a, err := decodeAnnouncement(buf[:n])
		if err != nil {
			continue
		}

		srcIP, _, _ := net.SplitHostPort(src.String())
		t.handleAnnounce(Peer{
			Name:    a.Name,
			Address: srcIP,
			TCPPort: a.TCPPort,
			UDPPort: a.UDPPort,
		})
	}
}

func (t *Transport) handleAnnounce(p Peer) {
	t.mu.Lock()
	// Our own beacon loops back; ignore it.
	if p.UDPPort == t.udpPort && p.TCPPort == t.tcpPort && p.Name == t.cfg.Name {
		t.mu.Unlock()
		return
	}
	if ps, ok := t.peers[p.key()]; ok {
		t.mu.Unlock()
		ps.touch()
		return
	}
	t.mu.Unlock()

	// New peer: open the side channel and greet with our announcement so
	// the remote end can register us even before our next beacon.
	addr := net.JoinHostPort(p.Address, strconv.Itoa(int(p.TCPPort)))
	conn, err := net.DialTimeout("tcp4", addr, 2*time.Second)
	if err != nil {
		t.log.Warn("side channel dial failed", "peer", p.Name, "err", err)
		return
	}

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		conn.Close()
		return
	}
	if _, ok := t.peers[p.key()]; ok {
		// Lost the race with a concurrent accept; the bound connection wins.
		t.mu.Unlock()
		conn.Close()
		return
	}
	greeting := announcement{TCPPort: t.tcpPort, UDPPort: t.udpPort, Name: t.cfg.Name}
	ps := newPeerState(p, conn)
	t.peers[p.key()] = ps
	t.wg.Add(1)
	t.mu.Unlock()

	if err := writeFrame(conn, typeAnnounce, 0, greeting.encode()); err != nil {
		t.wg.Done()
		t.removePeer(ps)
		return
	}

	go t.sideChannelLoop(ps)

	if t.cb.Join != nil {
		t.cb.Join(p)
	}
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		ln := t.listener
		t.mu.Unlock()
		if ln == nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("side channel accept failed", "err", err)
			}
			return
		}

		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

// handleInbound greets an incoming side channel: the first frame must be
// the remote announcement, after which the connection is bound to the peer.
func (t *Transport) handleInbound(conn net.Conn) {
	defer t.wg.Done()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	packetType, _, payload, err := readFrame(conn)
	if err != nil || packetType != typeAnnounce {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	a, err := decodeAnnouncement(payload)
	if err != nil {
		conn.Close()
		return
	}

	srcIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	p := Peer{Name: a.Name, Address: srcIP, TCPPort: a.TCPPort, UDPPort: a.UDPPort}

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		conn.Close()
		return
	}
	if _, ok := t.peers[p.key()]; ok {
		// Both sides dialed at once and the other connection is already
		// bound; this one was never handed to a reader, so just close it.
		t.mu.Unlock()
		conn.Close()
		return
	}
	ps := newPeerState(p, conn)
	t.peers[p.key()] = ps
	t.wg.Add(1)
	t.mu.Unlock()

	go t.sideChannelLoop(ps)

	if t.cb.Join != nil {
		t.cb.Join(p)
	}
}

// sideChannelLoop reads reliable data frames from one peer until the
// connection dies.
func (t *Transport) sideChannelLoop(ps *peerState) {
	defer t.wg.Done()

	for {
		ps.mu.Lock()
		conn := ps.tcp
		ps.mu.Unlock()
		if conn == nil {
			return
		}

		packetType, hash, payload, err := readFrame(conn)
		if err != nil {
			t.removePeer(ps)
			return
		}
		if packetType != typeData {
			continue
		}
		ps.touch()
		if t.cb.Packet != nil {
			t.cb.Packet(ps.Peer, hash, payload)
		}
	}
}

func (t *Transport) dataLoop() {
	defer t.wg.Done()

	buf := make([]byte, 65536)
	for {
		t.mu.Lock()
		conn := t.data
		t.mu.Unlock()
		if conn == nil {
			return
		}

		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("data read failed", "err", err)
			}
			return
		}

		packetType, err := checkHeader(buf[:n])
		if err != nil || packetType != typeData {
			continue
		}
		pkt, err := decodeDataPacket(buf[:n])
		if err != nil {
			continue
		}

		t.mu.Lock()
		ps, ok := t.peers[src.String()]
		t.mu.Unlock()
		if !ok {
			// Datagram from a node we have not admitted; its announce will
			// introduce it properly.
			continue
		}
		ps.touch()

		if pkt.FragCount <= 1 {
			if t.cb.Packet != nil {
				t.cb.Packet(ps.Peer, pkt.Hash, append([]byte(nil), pkt.Payload...))
			}
			continue
		}
		t.reassemble(ps, pkt)
	}
}

func (t *Transport) reassemble(ps *peerState, pkt dataPacket) {
	key := assemblyKey{peer: ps.key(), packetID: pkt.PacketID}

	t.mu.Lock()
	asm, ok := t.partial.Get(key)
	if !ok {
		asm = &assembly{
			hash:      pkt.Hash,
			fragments: make([][]byte, pkt.FragCount),
			remaining: int(pkt.FragCount),
		}
		t.partial.Add(key, asm)
	}
	if int(pkt.FragIndex) < len(asm.fragments) && asm.fragments[pkt.FragIndex] == nil {
		asm.fragments[pkt.FragIndex] = append([]byte(nil), pkt.Payload...)
		asm.remaining--
	}
	complete := asm.remaining == 0
	if complete {
		t.partial.Remove(key)
	}
	t.mu.Unlock()

	if !complete {
		return
	}

	var payload []byte
	for _, frag := range asm.fragments {
		payload = append(payload, frag...)
	}
	if t.cb.Packet != nil {
		t.cb.Packet(ps.Peer, asm.hash, payload)
	}
}

func (t *Transport) removePeer(ps *peerState) {
	t.mu.Lock()
	current, ok := t.peers[ps.key()]
	if ok && current == ps {
		delete(t.peers, ps.key())
	} else {
		ok = false
	}
	t.mu.Unlock()

	ps.close()
	if ok {
		t.dropPeer(ps, "connection lost")
	}
}

func (t *Transport) dropPeer(ps *peerState, reason string) {
	ps.close()
	t.log.Info("peer left", "peer", ps.Name, "reason", reason)
	if t.cb.Leave != nil {
		t.cb.Leave(ps.Peer)
	}
}

// Ports reports the bound side-channel and data ports.
func (t *Transport) Ports() (tcp, udp uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tcpPort, t.udpPort
}

// Peers snapshots the current membership.
func (t *Transport) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, ps := range t.peers {
		out = append(out, ps.Peer)
	}
	return out
}
