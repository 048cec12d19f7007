package voltgrid

import (
	"fmt"
	"net"
	"time"

	"github.com/voltgrid/voltgrid/internal/ident"
	"github.com/voltgrid/voltgrid/internal/runtime"
)

// Emit routes a value to every reaction triggered by its type and submits
// the resulting tasks to the scheduler. Emitting with no listeners is a
// no-op, never an error.
func Emit[T any](p *PowerPlant, value T) {
	p.emitValue(ident.For[T](), value)
}

// EmitDirect routes like Emit but runs the resulting tasks inline on the
// calling goroutine, bypassing the scheduler. Startup configuration uses
// this to install state synchronously.
func EmitDirect[T any](p *PowerPlant, value T) {
	key := ident.For[T]()
	ev := runtime.NewEvent()
	ev.Set(key, value)
	p.bus.DispatchDirect(key, ev)
}

// EmitInit behaves like Emit once the plant has started; before that the
// emit is deferred and replayed when Start begins.
func EmitInit[T any](p *PowerPlant, value T) {
	key := ident.For[T]()

	p.mu.Lock()
	if !p.started {
		p.deferred = append(p.deferred, func() { p.emitValue(key, value) })
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.emitValue(key, value)
}

// EmitDelay converts the emit into a one-shot chrono entry that performs a
// local emit when it falls due.
func EmitDelay[T any](p *PowerPlant, value T, d time.Duration) {
	key := ident.For[T]()
	p.chrono.After(d, func() { p.emitValue(key, value) })
}

// EmitNetwork hands a typed payload to the peer transport. Serialization is
// the caller's concern; the type parameter supplies the routing hash. An
// empty target broadcasts to every known peer.
func EmitNetwork[T any](p *PowerPlant, payload []byte, target string, reliable bool) {
	p.net.Send(uint64(ident.For[T]()), payload, target, reliable)
}

// EmitUDP bypasses the runtime entirely and writes one datagram to the
// given address right now.
func EmitUDP(p *PowerPlant, addr string, payload []byte) error {
	conn, err := net.Dial("udp4", addr)
	if err != nil {
		return fmt.Errorf("voltgrid: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("voltgrid: send to %s: %w", addr, err)
	}
	return nil
}
