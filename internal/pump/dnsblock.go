package pump

import (
	"fmt"

	"github.com/miekg/dns"
	"github.com/p4th0r/tunfilter/internal/packet"
)

// nxdomainReply returns a packet answering the DNS query in q with
// NXDOMAIN, addressed from the queried server back to the device.
func nxdomainReply(q packet.Packet) (pkt []byte, err error) {
	req := &dns.Msg{}
	err = req.Unpack(q.Payload)
	if err != nil {
		return nil, fmt.Errorf("unpacking query: %w", err)
	}

	resp := &dns.Msg{}
	resp.SetRcode(req, dns.RcodeNameError)
	resp.RecursionAvailable = true

	b, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("packing reply: %w", err)
	}

	return packet.BuildUDP(q.Dst, q.Src, b)
}
