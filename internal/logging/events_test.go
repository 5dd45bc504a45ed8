package logging_test

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/p4th0r/tunfilter/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 1 * time.Second

var (
	testTime   = time.Date(2026, 3, 4, 12, 30, 45, 0, time.UTC)
	testDevice = netip.MustParseAddrPort("10.0.0.2:40000")
	testRemote = netip.MustParseAddrPort("93.184.216.34:443")
	testOther  = netip.MustParseAddrPort("198.51.100.1:80")
)

func TestEvent_IsFlowEvent(t *testing.T) {
	testCases := []struct {
		typ  logging.EventType
		want bool
	}{{
		typ:  logging.EventBlocked,
		want: true,
	}, {
		typ:  logging.EventAllowed,
		want: true,
	}, {
		typ:  logging.EventFlowError,
		want: true,
	}, {
		typ:  logging.EventResolved,
		want: false,
	}, {
		typ:  logging.EventDoHWarning,
		want: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.typ.String(), func(t *testing.T) {
			ev := logging.Event{Type: tc.typ}
			assert.Equal(t, tc.want, ev.IsFlowEvent())
		})
	}
}

func newEventLogger(t *testing.T, out *bytes.Buffer, verbose bool) (el *logging.EventLogger) {
	t.Helper()

	clock := &faketime.Clock{
		OnNow: func() (now time.Time) { return testTime },
	}

	el = logging.NewEventLogger(logging.NewConsole(out, clock, false, verbose))
	require.NoError(t, el.Start(testutil.ContextWithTimeout(t, testTimeout)))

	return el
}

func sendEvents(t *testing.T, el *logging.EventLogger, evs ...logging.Event) {
	t.Helper()

	for _, ev := range evs {
		el.EventCh() <- ev
	}

	require.NoError(t, el.Shutdown(testutil.ContextWithTimeout(t, testTimeout)))
}

func TestEventLogger_Summary(t *testing.T) {
	out := &bytes.Buffer{}
	el := newEventLogger(t, out, false)

	sendEvents(t, el, logging.Event{
		Timestamp: testTime,
		Type:      logging.EventResolved,
		Domain:    "example.com",
		QueryType: "A",
		Addrs:     []netip.Addr{testRemote.Addr()},
	}, logging.Event{
		Timestamp: testTime,
		Type:      logging.EventAllowed,
		Protocol:  "tcp",
		Src:       testDevice,
		Dst:       testRemote,
		Domain:    "example.com",
		DomainSrc: "sni",
	}, logging.Event{
		Timestamp: testTime,
		Type:      logging.EventAllowed,
		Protocol:  "tcp",
		Src:       testDevice,
		Dst:       testRemote,
		Domain:    "example.com",
		DomainSrc: "sni",
	}, logging.Event{
		Timestamp: testTime,
		Type:      logging.EventBlocked,
		Protocol:  "tcp",
		Src:       testDevice,
		Dst:       testOther,
		Domain:    "ads.example.net",
		DomainSrc: "http",
		Reason:    logging.ReasonDomain,
	}, logging.Event{
		Timestamp: testTime,
		Type:      logging.EventDoHWarning,
		Protocol:  "tcp",
		Dst:       netip.MustParseAddrPort("1.1.1.1:443"),
		Extra:     "Cloudflare",
	}, logging.Event{
		Timestamp: testTime,
		Type:      logging.EventDoHWarning,
		Protocol:  "tcp",
		Dst:       netip.MustParseAddrPort("1.1.1.1:443"),
		Extra:     "Cloudflare",
	})

	assert.Equal(t, logging.Summary{
		Allowed:            2,
		Blocked:            1,
		FlowErrors:         0,
		UniqueDestinations: 2,
		Resolutions:        1,
		UniqueDomains:      1,
		DoHWarnings:        2,
	}, el.Summary())
	assert.Len(t, el.Events(), 6)

	got := out.String()
	assert.Contains(t, got, "12:30:45 TCP  BLOCKED  198.51.100.1:80 (ads.example.net via http) [domain]")
	assert.NotContains(t, got, "ALLOWED")
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("possible encrypted DNS (Cloudflare)")))
}

func TestEventLogger_verbose(t *testing.T) {
	out := &bytes.Buffer{}
	el := newEventLogger(t, out, true)

	allowed := logging.Event{
		Timestamp: testTime,
		Type:      logging.EventAllowed,
		Protocol:  "udp",
		Src:       testDevice,
		Dst:       netip.MustParseAddrPort("9.9.9.9:53"),
		Domain:    "example.org",
		DomainSrc: "dns",
	}

	sendEvents(t, el, allowed, allowed, logging.Event{
		Timestamp: testTime,
		Type:      logging.EventResolved,
		Domain:    "www.example.org",
		QueryType: "A",
		Addrs:     []netip.Addr{netip.MustParseAddr("192.0.2.1")},
		CNAMEs:    []string{"edge.example.net"},
	})

	got := out.String()
	assert.Contains(t, got, "UDP  ALLOWED  9.9.9.9:53 (example.org via dns) [first seen]")
	assert.Contains(t, got, "[seen 2x]")
	assert.Contains(t, got, "DNS  www.example.org (A) -> 192.0.2.1")
	assert.Contains(t, got, "CNAME chain: edge.example.net")
}

func TestEventLogger_BlockedDestinations(t *testing.T) {
	el := newEventLogger(t, &bytes.Buffer{}, false)

	blocked := func(dst netip.AddrPort, domain, reason string) (ev logging.Event) {
		return logging.Event{
			Timestamp: testTime,
			Type:      logging.EventBlocked,
			Protocol:  "tcp",
			Src:       testDevice,
			Dst:       dst,
			Domain:    domain,
			Reason:    reason,
		}
	}

	sendEvents(t, el,
		blocked(testOther, "", logging.ReasonNetwork),
		blocked(testRemote, "tracker.example", logging.ReasonDomain),
		blocked(testOther, "tracker.example", logging.ReasonDomain),
		blocked(testRemote, "ads.example", logging.ReasonResolved),
	)

	dests := el.BlockedDestinations()
	require.Len(t, dests, 3)

	assert.Equal(t, "tracker.example", dests[0].Domain)
	assert.Equal(t, 2, dests[0].Count)

	assert.Equal(t, "", dests[1].Domain)
	assert.Equal(t, "198.51.100.1", dests[1].Addr)
	assert.Equal(t, logging.ReasonNetwork, dests[1].Reason)

	assert.Equal(t, "ads.example", dests[2].Domain)
	assert.Equal(t, uint16(443), dests[2].Port)
}

func TestEventLogger_Shutdown_notStarted(t *testing.T) {
	el := logging.NewEventLogger(logging.NewConsole(&bytes.Buffer{}, nil, true, false))
	assert.NoError(t, el.Shutdown(testutil.ContextWithTimeout(t, testTimeout)))
}

func TestConsole(t *testing.T) {
	out := &bytes.Buffer{}
	c := logging.NewConsole(out, nil, false, false)

	c.SessionStart("a3f8", "tun", "tfla3f8", 10, 2)
	c.Debug("hidden")
	c.Stats(1, 2, 3, 4)
	c.SessionSummary("a3f8", 1500*time.Millisecond, logging.Summary{Blocked: 1}, []logging.DestInfo{{
		Addr:   "198.51.100.1",
		Reason: logging.ReasonNetwork,
		Count:  1,
	}})

	got := out.String()
	assert.Contains(t, got, "[tunfilter] Session a3f8 started\n")
	assert.Contains(t, got, "[tunfilter] Mode: tun | Device: tfla3f8\n")
	assert.Contains(t, got, "[tunfilter] Blocklist: 10 patterns, 2 networks\n")
	assert.NotContains(t, got, "hidden")
	assert.Contains(t, got, "stats: 1 blocked, 2 relayed, 3 dropped, 4 active flows")
	assert.Contains(t, got, "Session a3f8 finished (duration 1.5s)")
	assert.Contains(t, got, "198.51.100.1 [network] x1")

	quiet := &bytes.Buffer{}
	c = logging.NewConsole(quiet, nil, true, true)
	c.Info("hidden")
	c.Error("shown %d", 1)
	assert.Equal(t, "[tunfilter] Error: shown 1\n", quiet.String())
}
