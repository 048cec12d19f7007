package voltgrid

import (
	"fmt"
	"net"
	"reflect"

	"golang.org/x/sys/unix"

	"github.com/voltgrid/voltgrid/internal/ident"
	"github.com/voltgrid/voltgrid/internal/iopoll"
	"github.com/voltgrid/voltgrid/internal/runtime"
)

// IOEvent is what a descriptor-triggered handler receives: the fd and the
// readiness mask that fired. Close and Error can arrive alongside or in
// place of Read/Write; handlers must inspect the mask.
type IOEvent = iopoll.Event

// IOInterest selects the readiness modes a registration cares about.
type IOInterest = iopoll.Interest

const (
	IORead  = iopoll.Read
	IOWrite = iopoll.Write
	IOClose = iopoll.Close
	IOError = iopoll.Error
)

var (
	ioKey  = ident.For[iopoll.Event]()
	tcpKey = ident.For[TCPConnection]()
	udpKey = ident.For[UDPPacket]()
)

// OnIO binds a handler fired whenever fd is ready in one of the requested
// modes. The fd stays owned by the caller; unbinding stops the watch but
// does not close it.
func OnIO(env *Environment, fd int, interest IOInterest, handler func(IOEvent) error, opts ...BindOption) *Handle {
	p := env.plant
	cfg := buildConfig(fmt.Sprintf("IO(fd=%d)", fd), opts)

	r := runtime.NewReaction([]string{cfg.name, env.name}, func(ev *runtime.Event) func() error {
		v, ok := ev.Value(ioKey).(IOEvent)
		if !ok {
			return nil
		}
		return func() error { return handler(v) }
	})
	cfg.apply(p, r)

	h := p.bus.BindDetached(r)
	r.OnCleanup(func() { p.poller.Deregister(fd) })

	p.poller.Register(fd, interest, func(pe iopoll.Event) {
		ev := runtime.NewEvent()
		ev.Set(ioKey, pe)
		if t := r.Generate(ev); t != nil {
			p.sched.Submit(t)
		}
	})
	return h
}

// TCPConnection is one accepted side of a listener bound with OnTCP. The
// fd is owned by whoever received the event.
type TCPConnection struct {
	FD        int
	Remote    string
	LocalPort int
}

// Read fills b from the connection.
func (c TCPConnection) Read(b []byte) (int, error) {
	n, err := unix.Read(c.FD, b)
	if err != nil {
		return n, fmt.Errorf("voltgrid: read fd %d: %w", c.FD, err)
	}
	return n, nil
}

// Write sends b over the connection.
func (c TCPConnection) Write(b []byte) (int, error) {
	n, err := unix.Write(c.FD, b)
	if err != nil {
		return n, fmt.Errorf("voltgrid: write fd %d: %w", c.FD, err)
	}
	return n, nil
}

// Close releases the accepted descriptor, lingering so queued bytes flush.
func (c TCPConnection) Close() error {
	_ = unix.SetsockoptLinger(c.FD, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 1})
	return unix.Close(c.FD)
}

// OnTCP binds a listening socket on port (0 picks an ephemeral port) and
// fires the handler with each accepted connection. Returns the bound port.
// The listening fd is owned by the reaction and closed on unbind.
func OnTCP(env *Environment, port int, handler func(TCPConnection) error, opts ...BindOption) (*Handle, int, error) {
	p := env.plant
	cfg := buildConfig(fmt.Sprintf("TCP(%d)", port), opts)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("voltgrid: open tcp socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, 0, fmt.Errorf("voltgrid: set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, 0, fmt.Errorf("voltgrid: bind tcp port %d: %w", port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, 0, fmt.Errorf("voltgrid: listen on port %d: %w", port, err)
	}
	port, err = localPort(fd)
	if err != nil {
		unix.Close(fd)
		return nil, 0, err
	}

	r := runtime.NewReaction([]string{cfg.name, env.name}, func(ev *runtime.Event) func() error {
		v, ok := ev.Value(tcpKey).(TCPConnection)
		if !ok {
			return nil
		}
		return func() error { return handler(v) }
	})
	cfg.apply(p, r)

	h := p.bus.BindDetached(r)
	r.OnCleanup(func() {
		p.poller.Deregister(fd)
		unix.Close(fd)
	})

	boundPort := port
	p.poller.Register(fd, iopoll.Read, func(pe iopoll.Event) {
		if !pe.Has(iopoll.Read) {
			return
		}
		nfd, sa, err := unix.Accept(fd)
		if err != nil {
			env.Log().Warn("accept failed", "port", boundPort, "err", err)
			return
		}
		ev := runtime.NewEvent()
		ev.Set(tcpKey, TCPConnection{FD: nfd, Remote: sockaddrString(sa), LocalPort: boundPort})
		if t := r.Generate(ev); t != nil {
			p.sched.Submit(t)
		} else {
			// Nobody will ever own this fd.
			unix.Close(nfd)
		}
	})
	return h, port, nil
}

// UDPPacket is one datagram received on a socket bound with a UDP word.
type UDPPacket struct {
	FD        int
	Remote    string
	LocalPort int
	Payload   []byte
}

// OnUDP binds a unicast datagram socket on port (0 picks an ephemeral
// port) and fires the handler with each received packet.
func OnUDP(env *Environment, port int, handler func(UDPPacket) error, opts ...BindOption) (*Handle, int, error) {
	return bindUDP(env, port, handler, opts, func(int) error { return nil })
}

// OnUDPBroadcast is OnUDP with broadcast reception and transmission
// enabled on the socket.
func OnUDPBroadcast(env *Environment, port int, handler func(UDPPacket) error, opts ...BindOption) (*Handle, int, error) {
	return bindUDP(env, port, handler, opts, func(fd int) error {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			return fmt.Errorf("voltgrid: set SO_BROADCAST: %w", err)
		}
		return nil
	})
}

// OnUDPMulticast joins the given group on port and fires the handler with
// each received packet. Loopback is enabled so same-host members hear each
// other.
func OnUDPMulticast(env *Environment, group string, port int, handler func(UDPPacket) error, opts ...BindOption) (*Handle, int, error) {
	ip := net.ParseIP(group).To4()
	if ip == nil || !ip.IsMulticast() {
		return nil, 0, fmt.Errorf("voltgrid: %q is not an IPv4 multicast group", group)
	}
	return bindUDP(env, port, handler, opts, func(fd int) error {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], ip)
		if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			return fmt.Errorf("voltgrid: join group %s: %w", group, err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, 1); err != nil {
			return fmt.Errorf("voltgrid: enable multicast loopback: %w", err)
		}
		return nil
	})
}

func bindUDP(env *Environment, port int, handler func(UDPPacket) error, opts []BindOption, configure func(fd int) error) (*Handle, int, error) {
	p := env.plant
	cfg := buildConfig(fmt.Sprintf("UDP(%d)", port), opts)

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("voltgrid: open udp socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, 0, fmt.Errorf("voltgrid: set SO_REUSEADDR: %w", err)
	}
	if err := configure(fd); err != nil {
		unix.Close(fd)
		return nil, 0, err
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, 0, fmt.Errorf("voltgrid: bind udp port %d: %w", port, err)
	}
	port, err = localPort(fd)
	if err != nil {
		unix.Close(fd)
		return nil, 0, err
	}

	r := runtime.NewReaction([]string{cfg.name, env.name}, func(ev *runtime.Event) func() error {
		v, ok := ev.Value(udpKey).(UDPPacket)
		if !ok {
			return nil
		}
		return func() error { return handler(v) }
	})
	cfg.apply(p, r)

	h := p.bus.BindDetached(r)
	r.OnCleanup(func() {
		p.poller.Deregister(fd)
		unix.Close(fd)
	})

	boundPort := port
	p.poller.Register(fd, iopoll.Read, func(pe iopoll.Event) {
		if !pe.Has(iopoll.Read) {
			return
		}
		buf := make([]byte, 65536)
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			env.Log().Warn("recvfrom failed", "port", boundPort, "err", err)
			return
		}
		ev := runtime.NewEvent()
		ev.Set(udpKey, UDPPacket{
			FD:        fd,
			Remote:    sockaddrString(from),
			LocalPort: boundPort,
			Payload:   buf[:n],
		})
		if t := r.Generate(ev); t != nil {
			p.sched.Submit(t)
		}
	})
	return h, port, nil
}

func localPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("voltgrid: getsockname: %w", err)
	}
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return sa4.Port, nil
	}
	return 0, fmt.Errorf("voltgrid: unexpected socket family %s", reflect.TypeOf(sa))
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprintf("%d", a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), fmt.Sprintf("%d", a.Port))
	default:
		return ""
	}
}
