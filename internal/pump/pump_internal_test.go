package pump

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/miekg/dns"
	"github.com/p4th0r/tunfilter/internal/dnstrack"
	"github.com/p4th0r/tunfilter/internal/filter"
	"github.com/p4th0r/tunfilter/internal/flow"
	"github.com/p4th0r/tunfilter/internal/logging"
	"github.com/p4th0r/tunfilter/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 1 * time.Second

// discardTunnel is a [Tunnel] that never has packets and counts writes.
type discardTunnel struct {
	writes int
}

// ReadPacket implements the [Tunnel] interface for *discardTunnel.
func (t *discardTunnel) ReadPacket(_ []byte) (n int, err error) { return 0, nil }

// WritePacket implements the [Tunnel] interface for *discardTunnel.
func (t *discardTunnel) WritePacket(_ []byte) (err error) {
	t.writes++

	return nil
}

func TestPump_newEmitter_observeReply(t *testing.T) {
	resolved := dnstrack.New(&dnstrack.Config{})
	events := make(chan logging.Event, 4)
	flows := flow.New(&flow.Config{})

	p := New(&Config{
		Classifier: NewClassifier(&ClassifierConfig{Index: filter.New()}),
		Flows:      flows,
		Resolved:   resolved,
		Events:     events,
	})

	req := &dns.Msg{}
	req.SetQuestion("example.org.", dns.TypeA)
	resp := &dns.Msg{}
	resp.SetReply(req)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   "example.org.",
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    300,
		},
		A: net.IPv4(192, 0, 2, 1).To4(),
	}}

	msg, err := resp.Pack()
	require.NoError(t, err)

	server := netip.MustParseAddrPort("10.0.0.1:53")
	device := netip.MustParseAddrPort("10.0.0.2:40000")
	pkt, err := packet.BuildUDP(server, device, msg)
	require.NoError(t, err)

	tun := &discardTunnel{}
	emit := p.newEmitter(context.Background(), tun)
	emit(pkt)

	assert.Equal(t, 1, tun.writes)
	assert.Equal(t, uint64(1), p.Stats().Replies)
	assert.Equal(t, []string{"example.org"}, resolved.Domains(netip.MustParseAddr("192.0.2.1")))

	ev, ok := testutil.RequireReceive(t, events, testTimeout)
	require.True(t, ok)

	assert.Equal(t, logging.EventResolved, ev.Type)
	assert.Equal(t, "example.org", ev.Domain)
	assert.Equal(t, device, ev.Src)
	assert.Equal(t, server, ev.Dst)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1")}, ev.Addrs)
}
