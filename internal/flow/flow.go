// Package flow tracks the conversations relayed between the tunnel and the
// real network.  Each flow owns one protected, non-blocking socket; replies
// read from it are wrapped in synthesized IPv4 headers and handed back to the
// caller for writing into the tunnel.
package flow

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/p4th0r/tunfilter/internal/packet"
)

const (
	// ErrTableFull is returned when the table already holds the maximum
	// number of flows.  No existing flow is evicted to make room.
	ErrTableFull errors.Error = "flow table full"

	// ErrSocketCreate is returned when the forwarding socket cannot be
	// created or protected.
	ErrSocketCreate errors.Error = "creating socket"

	// ErrConnect is returned when the forwarding socket cannot be connected.
	ErrConnect errors.Error = "connecting socket"

	// ErrClosed is returned when writing to a flow that is no longer active.
	ErrClosed errors.Error = "flow closed"
)

// Default limits of the flow table.
const (
	DefaultMaxFlows    = 1024
	DefaultIdleTimeout = 60 * time.Second
)

// Key identifies one conversation between the device and a remote endpoint.
// Src is the device side, Dst the remote side.
type Key struct {
	Proto packet.Proto
	Src   netip.AddrPort
	Dst   netip.AddrPort
}

// KeyOf returns the key of the flow p belongs to.
func KeyOf(p packet.Packet) (k Key) {
	return Key{
		Proto: p.Proto,
		Src:   p.Src,
		Dst:   p.Dst,
	}
}

// String implements the [fmt.Stringer] interface for Key.
func (k Key) String() string {
	return fmt.Sprintf("%s %s->%s", k.Proto, k.Src, k.Dst)
}

// State is the lifecycle state of a flow.  A flow not in the table is absent.
type State uint8

// State values.
const (
	StateActive State = iota
	StateClosed
)

// CloseReason tells why a flow was closed.
type CloseReason uint8

// CloseReason values.
const (
	ReasonEOF CloseReason = iota
	ReasonError
	ReasonIdle
	ReasonReset
	ReasonRST
	ReasonShutdown
	ReasonBlocked
)

// String implements the [fmt.Stringer] interface for CloseReason.
func (r CloseReason) String() string {
	switch r {
	case ReasonEOF:
		return "eof"
	case ReasonError:
		return "error"
	case ReasonIdle:
		return "idle"
	case ReasonReset:
		return "reset"
	case ReasonRST:
		return "rst"
	case ReasonShutdown:
		return "shutdown"
	case ReasonBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Flow is one tracked conversation.  Flows are owned by the [Tracker]; callers
// must not keep them across pump iterations.
type Flow struct {
	Key        Key
	Created    time.Time
	LastActive time.Time

	// Domain is the first domain extracted for this flow, if any.
	Domain string

	// BytesOut and BytesIn count payload bytes written to and read from the
	// socket.
	BytesOut uint64
	BytesIn  uint64

	fd    int
	state State
	tcp   tcpState
}

// State returns the current state of f.
func (f *Flow) State() (s State) { return f.state }

// Protector exempts a socket from the tunnel's routing.  It is called once
// per forwarding socket, before connect.
type Protector interface {
	Protect(fd int) (err error)
}

// ProtectFunc is an adapter to use a function as a [Protector].
type ProtectFunc func(fd int) (err error)

// type check
var _ Protector = ProtectFunc(nil)

// Protect implements the [Protector] interface for ProtectFunc.
func (f ProtectFunc) Protect(fd int) (err error) { return f(fd) }

// EmptyProtector is a [Protector] that does nothing.  It is used in tests and
// in inline mode, where sockets are never captured.
type EmptyProtector struct{}

// type check
var _ Protector = EmptyProtector{}

// Protect implements the [Protector] interface for EmptyProtector.
func (EmptyProtector) Protect(_ int) (err error) { return nil }

// EmitFunc receives a synthesized packet bound for the tunnel.  The slice is
// owned by the callee.
type EmitFunc func(pkt []byte)
