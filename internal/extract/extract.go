// Package extract recovers the destination host name from a raw outbound IPv4
// packet: the DNS question name for UDP/53, the HTTP Host header for TCP/80,
// and the TLS SNI for TCP/443.
//
// Every parser treats all declared lengths as untrusted.  Malformed,
// truncated, or unsupported input yields no domain, never an error or a panic.
package extract

import (
	"bytes"

	"github.com/p4th0r/tunfilter/internal/domain"
	"github.com/p4th0r/tunfilter/internal/packet"
)

// Well-known destination ports inspected by the extractors.
const (
	PortDNS   uint16 = 53
	PortHTTP  uint16 = 80
	PortHTTPS uint16 = 443
)

// Source is the protocol a domain was recovered from.
type Source uint8

// Source values.
const (
	SourceNone Source = iota
	SourceDNS
	SourceHTTP
	SourceSNI
)

// String implements the [fmt.Stringer] interface for Source.
func (s Source) String() string {
	switch s {
	case SourceDNS:
		return "dns"
	case SourceHTTP:
		return "http"
	case SourceSNI:
		return "sni"
	default:
		return "none"
	}
}

// Domain decodes pkt and returns the domain it is trying to reach, if any.
func Domain(pkt []byte) (d string, ok bool) {
	p, err := packet.Decode(pkt)
	if err != nil {
		return "", false
	}

	d, src := FromPacket(p)

	return d, src != SourceNone
}

// FromPacket dispatches an already decoded packet to the parser matching its
// transport and destination port.
func FromPacket(p packet.Packet) (d string, src Source) {
	switch {
	case p.Proto == packet.ProtoUDP && p.Dst.Port() == PortDNS:
		d, src = DNS(p.Payload), SourceDNS
	case p.Proto == packet.ProtoTCP && p.Dst.Port() == PortHTTP:
		d, src = HTTP(p.Payload), SourceHTTP
	case p.Proto == packet.ProtoTCP && p.Dst.Port() == PortHTTPS:
		d, src = SNI(p.Payload), SourceSNI
	default:
		return "", SourceNone
	}

	if d == "" {
		return "", SourceNone
	}

	return d, src
}

// finish validates raw host bytes recovered by a parser and returns the
// normalized domain or "" if they are not a usable name.
func finish(raw []byte) (d string) {
	if len(raw) == 0 || bytes.IndexByte(raw, 0) >= 0 {
		return ""
	}

	d, err := domain.Normalize(string(raw))
	if err != nil {
		return ""
	}

	return d
}
