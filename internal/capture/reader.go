package capture

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/p4th0r/tunfilter/internal/packet"
)

const (
	// ethernetHeaderLen is the length of an untagged Ethernet header.
	ethernetHeaderLen = 14

	// ipv4MinHeaderLen is the length of an IPv4 header without options.
	ipv4MinHeaderLen = 20
)

// Frame is one packet read from a capture.
type Frame struct {
	// Data is the IPv4 packet.
	Data []byte

	// Direction is [packet.Inbound] for packets of the [InterfaceIn]
	// interface and [packet.Outbound] otherwise.
	Direction packet.Direction
}

// Read calls fn for every IPv4 packet of the pcapng stream r.  Raw IP and
// Ethernet link types are supported; other frames are skipped.  Read stops at
// the first error returned by fn.
func Read(r io.Reader, fn func(f Frame) (err error)) (err error) {
	ng, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return fmt.Errorf("reading pcapng header: %w", err)
	}

	for {
		data, ci, readErr := ng.ReadPacketData()
		if errors.Is(readErr, io.EOF) {
			return nil
		} else if readErr != nil {
			return fmt.Errorf("reading packet: %w", readErr)
		}

		intf, intfErr := ng.Interface(ci.InterfaceIndex)
		if intfErr != nil {
			return fmt.Errorf("packet interface %d: %w", ci.InterfaceIndex, intfErr)
		}

		ip, ok := ipPayload(intf.LinkType, data)
		if !ok {
			continue
		}

		f := Frame{
			Data:      ip,
			Direction: packet.Outbound,
		}
		if intf.Name == InterfaceIn {
			f.Direction = packet.Inbound
		}

		err = fn(f)
		if err != nil {
			return err
		}
	}
}

// ipPayload returns the IPv4 packet carried by a frame of link type lt.
func ipPayload(lt layers.LinkType, data []byte) (ip []byte, ok bool) {
	switch lt {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return data, true
	case layers.LinkTypeEthernet:
		if len(data) < ethernetHeaderLen {
			return nil, false
		}

		et := layers.EthernetType(binary.BigEndian.Uint16(data[12:14]))
		if et != layers.EthernetTypeIPv4 {
			return nil, false
		}

		return trimPadding(data[ethernetHeaderLen:]), true
	default:
		return nil, false
	}
}

// trimPadding cuts the link-layer padding off ip using the total length of its
// header.  ip is returned unchanged if the length does not fit.
func trimPadding(ip []byte) (trimmed []byte) {
	if len(ip) < ipv4MinHeaderLen {
		return ip
	}

	total := int(binary.BigEndian.Uint16(ip[2:4]))
	if total < ipv4MinHeaderLen || total > len(ip) {
		return ip
	}

	return ip[:total]
}
