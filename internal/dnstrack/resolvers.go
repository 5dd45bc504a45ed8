package dnstrack

import "net/netip"

// knownResolvers contains addresses of well-known DNS-over-HTTPS and
// DNS-over-TLS providers.
var knownResolvers = map[netip.Addr]string{
	netip.MustParseAddr("1.1.1.1"):         "Cloudflare",
	netip.MustParseAddr("1.0.0.1"):         "Cloudflare",
	netip.MustParseAddr("8.8.8.8"):         "Google",
	netip.MustParseAddr("8.8.4.4"):         "Google",
	netip.MustParseAddr("9.9.9.9"):         "Quad9",
	netip.MustParseAddr("149.112.112.112"): "Quad9",
	netip.MustParseAddr("208.67.222.222"):  "OpenDNS",
	netip.MustParseAddr("208.67.220.220"):  "OpenDNS",
	netip.MustParseAddr("94.140.14.14"):    "AdGuard",
	netip.MustParseAddr("94.140.15.15"):    "AdGuard",
}

// EncryptedPorts are the destination ports of DNS-over-HTTPS and
// DNS-over-TLS.
var EncryptedPorts = []uint16{443, 853}

// KnownResolver returns the provider name if addr belongs to a well-known
// encrypted DNS resolver.
func KnownResolver(addr netip.Addr) (provider string, ok bool) {
	provider, ok = knownResolvers[addr]

	return provider, ok
}
