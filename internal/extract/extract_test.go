package extract

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/p4th0r/tunfilter/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

var testDevice = netip.MustParseAddrPort("10.0.0.2:40000")

// dnsQuery returns a packed DNS query for name.
func dnsQuery(t *testing.T, name string) []byte {
	t.Helper()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	b, err := m.Pack()
	require.NoError(t, err)

	return b
}

// clientHello returns a TLS record holding a ClientHello.  An empty sni omits
// the server_name extension.
func clientHello(t *testing.T, sni string) []byte {
	t.Helper()

	var b cryptobyte.Builder
	b.AddUint8(0x16)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(rec *cryptobyte.Builder) {
		rec.AddUint8(0x01)
		rec.AddUint24LengthPrefixed(func(h *cryptobyte.Builder) {
			h.AddUint16(0x0303)
			h.AddBytes(make([]byte, 32))
			h.AddUint8LengthPrefixed(func(sid *cryptobyte.Builder) {
				sid.AddBytes(bytes.Repeat([]byte{0xaa}, 32))
			})
			h.AddUint16LengthPrefixed(func(cs *cryptobyte.Builder) {
				cs.AddUint16(0x1301)
				cs.AddUint16(0xc02f)
			})
			h.AddUint8LengthPrefixed(func(cm *cryptobyte.Builder) {
				cm.AddUint8(0)
			})
			h.AddUint16LengthPrefixed(func(exts *cryptobyte.Builder) {
				// ec_point_formats
				exts.AddUint16(0x000b)
				exts.AddUint16LengthPrefixed(func(e *cryptobyte.Builder) {
					e.AddUint8LengthPrefixed(func(f *cryptobyte.Builder) {
						f.AddUint8(0)
					})
				})

				if sni == "" {
					return
				}

				exts.AddUint16(0x0000)
				exts.AddUint16LengthPrefixed(func(e *cryptobyte.Builder) {
					e.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
						list.AddUint8(0)
						list.AddUint16LengthPrefixed(func(n *cryptobyte.Builder) {
							n.AddBytes([]byte(sni))
						})
					})
				})
			})
		})
	})

	return b.BytesOrPanic()
}

func TestDNS(t *testing.T) {
	compressed := []byte{
		0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x01, 'a', 0xc0, 0x0c,
	}

	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"three labels", dnsQuery(t, "a.b.c"), "a.b.c"},
		{"mixed case", dnsQuery(t, "Ads.Example.COM"), "ads.example.com"},
		{"compression pointer", compressed, ""},
		{"header only", compressed[:12], ""},
		{"root name", append(append([]byte(nil), compressed[:12]...), 0, 0, 1, 0, 1), ""},
		{"label overruns", append(append([]byte(nil), compressed[:12]...), 10, 'a', 'b'), ""},
		{"missing terminator", append(append([]byte(nil), compressed[:12]...), 1, 'a'), ""},
		{"reserved length bits", append(append([]byte(nil), compressed[:12]...), 0x41, 'a', 0), ""},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DNS(tt.input))
		})
	}
}

func TestDNS_noQuestion(t *testing.T) {
	msg := dnsQuery(t, "example.com")
	msg[4], msg[5] = 0, 0

	assert.Empty(t, DNS(msg))
}

func TestDNS_tooLong(t *testing.T) {
	labels := make([]string, 0, 5)
	for range 5 {
		labels = append(labels, strings.Repeat("x", 60))
	}

	msg := []byte{0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0}
	for _, l := range labels {
		msg = append(msg, byte(len(l)))
		msg = append(msg, l...)
	}
	msg = append(msg, 0, 0, 1, 0, 1)

	assert.Empty(t, DNS(msg))
}

func TestHTTP(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"port stripped", "GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n", "example.com"},
		{"plain", "GET / HTTP/1.1\r\nUser-Agent: x\r\nHost: example.com\r\n\r\n", "example.com"},
		{"bare lf", "GET / HTTP/1.0\nHost: example.net\n\n", "example.net"},
		{"end of buffer", "GET / HTTP/1.1\r\nHost: partial.example", "partial.example"},
		{"first match wins", "Host: one.example\r\nHost: two.example\r\n", "one.example"},
		{"no host", "GET / HTTP/1.1\r\nAccept: */*\r\n\r\n", ""},
		{"case sensitive", "GET / HTTP/1.1\r\nhost: example.com\r\n\r\n", ""},
		{"empty value", "GET / HTTP/1.1\r\nHost: \r\n\r\n", ""},
		{"prefix only", "Host: ", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTP([]byte(tt.input)))
		})
	}
}

func TestSNI(t *testing.T) {
	hello := clientHello(t, "example.org")

	t.Run("valid", func(t *testing.T) {
		assert.Equal(t, "example.org", SNI(hello))
	})

	t.Run("no sni extension", func(t *testing.T) {
		assert.Empty(t, SNI(clientHello(t, "")))
	})

	t.Run("record truncated", func(t *testing.T) {
		for i := range len(hello) {
			assert.Empty(t, SNI(hello[:i]), "prefix of %d bytes", i)
		}
	})

	t.Run("name length overruns", func(t *testing.T) {
		b := append([]byte(nil), hello...)
		at := bytes.Index(b, []byte("example.org"))
		require.Positive(t, at)

		// Declare one byte more than the extension holds.
		b[at-1]++

		assert.Empty(t, SNI(b))
	})

	t.Run("not a handshake", func(t *testing.T) {
		b := append([]byte(nil), hello...)
		b[0] = 0x17

		assert.Empty(t, SNI(b))
	})

	t.Run("bad version", func(t *testing.T) {
		b := append([]byte(nil), hello...)
		b[2] = 0x04

		assert.Empty(t, SNI(b))
	})

	t.Run("not a client hello", func(t *testing.T) {
		b := append([]byte(nil), hello...)
		b[5] = 0x02

		assert.Empty(t, SNI(b))
	})
}

func TestDomain(t *testing.T) {
	udp := func(dst string, payload []byte) []byte {
		pkt, err := packet.BuildUDP(testDevice, netip.MustParseAddrPort(dst), payload)
		require.NoError(t, err)

		return pkt
	}
	tcp := func(dst string, payload []byte) []byte {
		pkt, err := packet.BuildTCP(testDevice, netip.MustParseAddrPort(dst), packet.Segment{
			Flags: packet.FlagACK | packet.FlagPSH,
		}, payload)
		require.NoError(t, err)

		return pkt
	}

	httpReq := []byte("GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")

	tests := []struct {
		name   string
		input  []byte
		want   string
		wantOK bool
	}{
		{"dns", udp("8.8.8.8:53", dnsQuery(t, "a.b.c")), "a.b.c", true},
		{"http", tcp("93.184.216.34:80", httpReq), "example.com", true},
		{"sni", tcp("93.184.216.34:443", clientHello(t, "example.org")), "example.org", true},
		{"dns payload on other port", udp("8.8.8.8:5353", dnsQuery(t, "a.b.c")), "", false},
		{"http over udp", udp("93.184.216.34:80", httpReq), "", false},
		{"tls on port 80", tcp("93.184.216.34:80", clientHello(t, "example.org")), "", false},
		{"not ipv4", []byte{0x60, 0, 0, 0, 0, 0, 0, 0}, "", false},
		{"garbage", []byte{0x45, 0xff}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Domain(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromPacket_source(t *testing.T) {
	pkt, err := packet.BuildUDP(testDevice, netip.MustParseAddrPort("1.1.1.1:53"), dnsQuery(t, "example.com"))
	require.NoError(t, err)

	p, err := packet.Decode(pkt)
	require.NoError(t, err)

	d, src := FromPacket(p)
	assert.Equal(t, "example.com", d)
	assert.Equal(t, SourceDNS, src)
	assert.Equal(t, "dns", src.String())
}
