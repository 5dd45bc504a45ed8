package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DefaultTTL is the TTL of synthesized reply packets.
const DefaultTTL = 64

// Segment holds the TCP header fields of a synthesized segment.
type Segment struct {
	Seq    uint32
	Ack    uint32
	Flags  TCPFlags
	Window uint16

	// MSS, when non-zero, is advertised as a TCP option.  It is only
	// meaningful on SYN segments.
	MSS uint16
}

var serializeOpts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// BuildUDP returns an IPv4 UDP packet from src to dst carrying payload, with
// both the IP header checksum and the UDP checksum computed.
func BuildUDP(src, dst netip.AddrPort, payload []byte) (pkt []byte, err error) {
	ip := newIPv4(src.Addr(), dst.Addr(), layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}

	err = udp.SetNetworkLayerForChecksum(ip)
	if err != nil {
		return nil, fmt.Errorf("udp checksum layer: %w", err)
	}

	return serialize(ip, udp, payload)
}

// BuildTCP returns an IPv4 TCP segment from src to dst carrying payload, with
// both the IP header checksum and the TCP checksum computed.
func BuildTCP(src, dst netip.AddrPort, seg Segment, payload []byte) (pkt []byte, err error) {
	ip := newIPv4(src.Addr(), dst.Addr(), layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		Window:  seg.Window,
		FIN:     seg.Flags.Has(FlagFIN),
		SYN:     seg.Flags.Has(FlagSYN),
		RST:     seg.Flags.Has(FlagRST),
		PSH:     seg.Flags.Has(FlagPSH),
		ACK:     seg.Flags.Has(FlagACK),
	}

	if seg.MSS != 0 {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, seg.MSS)
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   mss,
		}}
	}

	err = tcp.SetNetworkLayerForChecksum(ip)
	if err != nil {
		return nil, fmt.Errorf("tcp checksum layer: %w", err)
	}

	return serialize(ip, tcp, payload)
}

func newIPv4(src, dst netip.Addr, proto layers.IPProtocol) (ip *layers.IPv4) {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      DefaultTTL,
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
}

func serialize(ip *layers.IPv4, l4 gopacket.SerializableLayer, payload []byte) (pkt []byte, err error) {
	buf := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(buf, serializeOpts, ip, l4, gopacket.Payload(payload))
	if err != nil {
		return nil, fmt.Errorf("serializing %s reply: %w", ip.Protocol, err)
	}

	return buf.Bytes(), nil
}
