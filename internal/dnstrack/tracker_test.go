package dnstrack_test

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/miekg/dns"
	"github.com/p4th0r/tunfilter/internal/dnstrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTracker(limit int) (t *dnstrack.Tracker) {
	return dnstrack.New(&dnstrack.Config{
		Clock: &faketime.Clock{
			OnNow: func() (now time.Time) { return testTime },
		},
		Limit: limit,
	})
}

func hdr(name string, rrtype uint16) (h dns.RR_Header) {
	return dns.RR_Header{
		Name:   dns.Fqdn(name),
		Rrtype: rrtype,
		Class:  dns.ClassINET,
		Ttl:    60,
	}
}

// reply returns a packed response to an A query for name with answers.
func reply(t *testing.T, name string, answers ...dns.RR) (b []byte) {
	t.Helper()

	req := &dns.Msg{}
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)

	resp := &dns.Msg{}
	resp.SetReply(req)
	resp.Answer = answers

	b, err := resp.Pack()
	require.NoError(t, err)

	return b
}

func aRecord(name, ip string) (rr *dns.A) {
	return &dns.A{Hdr: hdr(name, dns.TypeA), A: net.ParseIP(ip).To4()}
}

func TestTracker_ObserveReply(t *testing.T) {
	tr := newTracker(0)

	msg := reply(
		t,
		"Ads.Example.COM.",
		&dns.CNAME{Hdr: hdr("ads.example.com", dns.TypeCNAME), Target: "edge.cdn.example.net."},
		aRecord("edge.cdn.example.net", "93.184.216.34"),
		aRecord("edge.cdn.example.net", "93.184.216.35"),
	)

	r, ok := tr.ObserveReply(msg)
	require.True(t, ok)

	assert.Equal(t, "ads.example.com", r.Domain)
	assert.Equal(t, "A", r.QueryType)
	assert.Equal(t, testTime, r.Timestamp)
	assert.Equal(t, []string{"edge.cdn.example.net"}, r.CNAMEs)
	assert.Len(t, r.Addrs, 2)

	addr := netip.MustParseAddr("93.184.216.34")
	assert.Equal(t, []string{"ads.example.com", "edge.cdn.example.net"}, tr.Domains(addr))
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("93.184.216.34"),
		netip.MustParseAddr("93.184.216.35"),
	}, tr.Addrs("ads.example.com"))

	assert.Nil(t, tr.Domains(netip.MustParseAddr("1.1.1.1")))
	assert.Nil(t, tr.Addrs("unknown.example"))
}

func TestTracker_ObserveReply_bad(t *testing.T) {
	query := &dns.Msg{}
	query.SetQuestion("example.com.", dns.TypeA)
	queryBytes, err := query.Pack()
	require.NoError(t, err)

	noQuestion := &dns.Msg{}
	noQuestion.Response = true
	noQuestionBytes, err := noQuestion.Pack()
	require.NoError(t, err)

	testCases := []struct {
		name string
		msg  []byte
	}{{
		name: "empty",
		msg:  nil,
	}, {
		name: "garbage",
		msg:  []byte{0x01, 0x02, 0x03},
	}, {
		name: "query",
		msg:  queryBytes,
	}, {
		name: "no_question",
		msg:  noQuestionBytes,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTracker(0)

			_, ok := tr.ObserveReply(tc.msg)
			assert.False(t, ok)
			assert.Empty(t, tr.Resolutions())
		})
	}
}

func TestTracker_MultipleDomainsToSameAddr(t *testing.T) {
	tr := newTracker(0)

	addr := netip.MustParseAddr("1.2.3.4")
	tr.Record(dnstrack.Resolution{Domain: "foo.com", Addrs: []netip.Addr{addr}})
	tr.Record(dnstrack.Resolution{Domain: "bar.com", Addrs: []netip.Addr{addr}})

	assert.Equal(t, []string{"bar.com", "foo.com"}, tr.Domains(addr))
}

func TestTracker_Stats(t *testing.T) {
	tr := newTracker(2)

	tr.Record(dnstrack.Resolution{
		Domain: "example.com",
		Addrs:  []netip.Addr{netip.MustParseAddr("1.1.1.1")},
	})
	tr.Record(dnstrack.Resolution{Domain: "nxdomain.example"})
	tr.Record(dnstrack.Resolution{
		Domain: "example.com",
		Addrs:  []netip.Addr{netip.MustParseAddr("1.1.1.2")},
	})

	total, unique := tr.Stats()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, unique)

	rs := tr.Resolutions()
	require.Len(t, rs, 2)
	assert.Equal(t, "nxdomain.example", rs[0].Domain)
	assert.Equal(t, testTime, rs[0].Timestamp)
	assert.Len(t, tr.Addrs("example.com"), 2)
}

func TestKnownResolver(t *testing.T) {
	provider, ok := dnstrack.KnownResolver(netip.MustParseAddr("9.9.9.9"))
	require.True(t, ok)
	assert.Equal(t, "Quad9", provider)

	_, ok = dnstrack.KnownResolver(netip.MustParseAddr("93.184.216.34"))
	assert.False(t, ok)
}
