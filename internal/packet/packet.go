// Package packet decodes outbound IPv4 packets read from the tunnel and
// synthesizes the reply packets written back into it.
package packet

import (
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// ErrNotIPv4 is returned for packets whose version nibble is not 4.
	ErrNotIPv4 errors.Error = "not an ipv4 packet"

	// ErrTruncated is returned when the declared header or total length
	// exceeds the captured bytes.
	ErrTruncated errors.Error = "truncated packet"

	// ErrNoTransport is returned for packets that carry neither a TCP nor a
	// UDP header, including non-first fragments.
	ErrNoTransport errors.Error = "no tcp or udp header"
)

// Proto is an IP transport protocol number.
type Proto uint8

// Supported transport protocols.
const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

// String implements the [fmt.Stringer] interface for Proto.
func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Direction is the direction of a packet relative to the device.
type Direction uint8

// Packet directions.
const (
	// Outbound packets are read from the tunnel.
	Outbound Direction = iota

	// Inbound packets are synthesized replies written into the tunnel.
	Inbound
)

// String implements the [fmt.Stringer] interface for Direction.
func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}

	return "out"
}

// TCPFlags is the TCP control bit set.
type TCPFlags uint8

// TCP control bits.
const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
)

// Has reports whether all bits of f are set.
func (fl TCPFlags) Has(f TCPFlags) (ok bool) { return fl&f == f }

// String implements the [fmt.Stringer] interface for TCPFlags.
func (fl TCPFlags) String() string {
	names := []struct {
		f TCPFlags
		n byte
	}{{FlagSYN, 'S'}, {FlagACK, 'A'}, {FlagFIN, 'F'}, {FlagRST, 'R'}, {FlagPSH, 'P'}}

	b := make([]byte, 0, len(names))
	for _, nf := range names {
		if fl.Has(nf.f) {
			b = append(b, nf.n)
		}
	}

	return string(b)
}

// Packet is a decoded IPv4 packet.  Payload aliases the decoded buffer.
type Packet struct {
	Proto Proto
	Src   netip.AddrPort
	Dst   netip.AddrPort

	// Payload is the transport payload.  For UDP it is bounded by both the
	// declared datagram length and the bytes actually captured.
	Payload []byte

	// TCP header fields, zero for UDP.
	Seq    uint32
	Ack    uint32
	Flags  TCPFlags
	Window uint16
}

// Decoder decodes IPv4 packets with preallocated layers.  A Decoder is not
// safe for concurrent use; the pump owns one.
type Decoder struct {
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewDecoder returns a ready to use *Decoder.
func NewDecoder() (d *Decoder) {
	d = &Decoder{
		decoded: make([]gopacket.LayerType, 0, 4),
	}

	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip4, &d.tcp, &d.udp)
	d.parser.IgnoreUnsupported = true

	return d
}

// Decode decodes a single IPv4 packet.  It never panics on malformed input.
func Decode(b []byte) (p Packet, err error) {
	return NewDecoder().Decode(b)
}

// Decode decodes b.  The returned payload aliases b.
func (d *Decoder) Decode(b []byte) (p Packet, err error) {
	if len(b) == 0 || b[0]>>4 != 4 {
		return Packet{}, ErrNotIPv4
	}

	err = d.parser.DecodeLayers(b, &d.decoded)
	if err != nil && !hasLayer(d.decoded, layers.LayerTypeIPv4) {
		return Packet{}, fmt.Errorf("%w: %w", ErrTruncated, err)
	}

	if int(d.ip4.IHL)*4 > len(b) || int(d.ip4.Length) > len(b) {
		return Packet{}, ErrTruncated
	}

	src, _ := netip.AddrFromSlice(d.ip4.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(d.ip4.DstIP.To4())

	switch {
	case hasLayer(d.decoded, layers.LayerTypeTCP):
		return Packet{
			Proto:   ProtoTCP,
			Src:     netip.AddrPortFrom(src, uint16(d.tcp.SrcPort)),
			Dst:     netip.AddrPortFrom(dst, uint16(d.tcp.DstPort)),
			Payload: d.tcp.Payload,
			Seq:     d.tcp.Seq,
			Ack:     d.tcp.Ack,
			Flags:   flagsOf(&d.tcp),
			Window:  d.tcp.Window,
		}, nil
	case hasLayer(d.decoded, layers.LayerTypeUDP):
		return Packet{
			Proto:   ProtoUDP,
			Src:     netip.AddrPortFrom(src, uint16(d.udp.SrcPort)),
			Dst:     netip.AddrPortFrom(dst, uint16(d.udp.DstPort)),
			Payload: d.udp.Payload,
		}, nil
	default:
		return Packet{}, ErrNoTransport
	}
}

func hasLayer(decoded []gopacket.LayerType, lt gopacket.LayerType) (ok bool) {
	for _, d := range decoded {
		if d == lt {
			return true
		}
	}

	return false
}

func flagsOf(t *layers.TCP) (fl TCPFlags) {
	for _, b := range []struct {
		set bool
		f   TCPFlags
	}{{t.FIN, FlagFIN}, {t.SYN, FlagSYN}, {t.RST, FlagRST}, {t.PSH, FlagPSH}, {t.ACK, FlagACK}} {
		if b.set {
			fl |= b.f
		}
	}

	return fl
}
