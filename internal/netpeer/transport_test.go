package netpeer

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	joins   chan Peer
	leaves  chan Peer
	packets chan packetEvent
}

type packetEvent struct {
	peer    Peer
	hash    uint64
	payload []byte
}

func newCapture() *capture {
	return &capture{
		joins:   make(chan Peer, 8),
		leaves:  make(chan Peer, 8),
		packets: make(chan packetEvent, 8),
	}
}

func (c *capture) callbacks() Callbacks {
	return Callbacks{
		Packet: func(p Peer, hash uint64, payload []byte) {
			c.packets <- packetEvent{peer: p, hash: hash, payload: payload}
		},
		Join:  func(p Peer) { c.joins <- p },
		Leave: func(p Peer) { c.leaves <- p },
		// No chrono in these tests; Process is driven by hand.
	}
}

// startTransport brings up a transport on an ephemeral announce port so
// tests never collide with each other or a real mesh.
func startTransport(t *testing.T, name string) (*Transport, *capture) {
	t.Helper()
	c := newCapture()
	tr := NewTransport(c.callbacks(), slog.New(slog.DiscardHandler))
	err := tr.Reset(Config{
		Name:           name,
		MulticastGroup: "239.226.152.162",
		MulticastPort:  0,
		MTU:            256,
	})
	if err != nil && strings.Contains(err.Error(), "join") {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(tr.Shutdown)
	return tr, c
}

// fakePeer greets a transport over its TCP side channel, exactly as a real
// node would after hearing an announce.
type fakePeer struct {
	name string
	conn net.Conn
	udp  *net.UDPConn
}

func dialFakePeer(t *testing.T, tr *Transport, name string) *fakePeer {
	t.Helper()

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })

	tcpPort, _ := tr.Ports()
	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	greeting := announcement{
		TCPPort: 1, // the fake never accepts; unused
		UDPPort: uint16(udp.LocalAddr().(*net.UDPAddr).Port),
		Name:    name,
	}
	require.NoError(t, writeFrame(conn, typeAnnounce, 0, greeting.encode()))
	return &fakePeer{name: name, conn: conn, udp: udp}
}

func waitJoin(t *testing.T, c *capture, name string) Peer {
	t.Helper()
	select {
	case p := <-c.joins:
		assert.Equal(t, name, p.Name)
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("join callback never fired")
		return Peer{}
	}
}

func TestInboundSideChannelJoinsPeer(t *testing.T) {
	tr, c := startTransport(t, "alpha")
	dialFakePeer(t, tr, "beta")

	peer := waitJoin(t, c, "beta")
	assert.Len(t, tr.Peers(), 1)
	assert.NotZero(t, peer.UDPPort)
}

func TestReliableDeliveryBothDirections(t *testing.T) {
	tr, c := startTransport(t, "alpha")
	fake := dialFakePeer(t, tr, "beta")
	waitJoin(t, c, "beta")

	// Inbound: the fake peer sends a framed message.
	require.NoError(t, writeFrame(fake.conn, typeData, 0xABCD, []byte("to alpha")))
	select {
	case ev := <-c.packets:
		assert.Equal(t, uint64(0xABCD), ev.hash)
		assert.Equal(t, []byte("to alpha"), ev.payload)
		assert.Equal(t, "beta", ev.peer.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound reliable payload never delivered")
	}

	// Outbound: a broadcast reaches the fake peer over the same channel.
	tr.Send(0x1234, []byte("to beta"), "", true)
	packetType, hash, payload, err := readFrame(fake.conn)
	require.NoError(t, err)
	assert.Equal(t, byte(typeData), packetType)
	assert.Equal(t, uint64(0x1234), hash)
	assert.Equal(t, []byte("to beta"), payload)
}

func TestUnreliableDeliveryReassemblesFragments(t *testing.T) {
	tr, c := startTransport(t, "alpha")
	fake := dialFakePeer(t, tr, "beta")
	waitJoin(t, c, "beta")

	_, udpPort := tr.Ports()
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(udpPort)}

	// Three fragments of one packet, sent from the announced data socket
	// so the transport can attribute them.
	payloadParts := []string{"part-one|", "part-two|", "part-three"}
	for i, part := range payloadParts {
		pkt := dataPacket{
			PacketID:  42,
			FragIndex: uint16(i),
			FragCount: uint16(len(payloadParts)),
			Hash:      0x77,
			Payload:   []byte(part),
		}
		_, err := fake.udp.WriteToUDP(pkt.encode(), dst)
		require.NoError(t, err)
	}

	select {
	case ev := <-c.packets:
		assert.Equal(t, uint64(0x77), ev.hash)
		assert.Equal(t, "part-one|part-two|part-three", string(ev.payload))
	case <-time.After(2 * time.Second):
		t.Fatal("fragmented payload never reassembled")
	}
}

func TestOutboundFragmentationRespectsMTU(t *testing.T) {
	tr, c := startTransport(t, "alpha")
	fake := dialFakePeer(t, tr, "beta")
	waitJoin(t, c, "beta")

	// Larger than the 256-byte MTU: must arrive as several datagrams.
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	tr.Send(0x99, payload, "beta", false)

	got := make([]byte, len(payload))
	seen := 0
	buf := make([]byte, 2048)
	fake.udp.SetReadDeadline(time.Now().Add(2 * time.Second))
	for seen < len(payload) {
		n, _, err := fake.udp.ReadFromUDP(buf)
		require.NoError(t, err)
		pkt, err := decodeDataPacket(buf[:n])
		require.NoError(t, err)
		require.Greater(t, int(pkt.FragCount), 1)
		assert.LessOrEqual(t, n, 256)
		chunk := 256 - dataHeaderLen
		copy(got[int(pkt.FragIndex)*chunk:], pkt.Payload)
		seen += len(pkt.Payload)
	}
	assert.Equal(t, payload, got)
}

func TestSideChannelLossEmitsLeave(t *testing.T) {
	tr, c := startTransport(t, "alpha")
	fake := dialFakePeer(t, tr, "beta")
	waitJoin(t, c, "beta")

	// Severing the side channel drops the peer.
	fake.conn.Close()

	select {
	case p := <-c.leaves:
		assert.Equal(t, "beta", p.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("leave callback never fired")
	}
	assert.Empty(t, tr.Peers())
}
