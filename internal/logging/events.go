// Package logging provides console output, event aggregation, and the
// session log for tunfilter.
package logging

import (
	"net/netip"
	"time"
)

// EventType identifies the type of filtering event.
type EventType int

const (
	// EventBlocked is a packet dropped by the blocklist.
	EventBlocked EventType = iota
	// EventAllowed is a new flow relayed to the network.
	EventAllowed
	// EventFlowError is a packet dropped because its flow could not be
	// created or written to.
	EventFlowError
	// EventResolved is a DNS reply relayed back into the tunnel.
	EventResolved
	// EventDoHWarning is a flow to a well-known encrypted DNS resolver, which
	// bypasses DNS-based blocking.
	EventDoHWarning
)

// String implements the [fmt.Stringer] interface for EventType.
func (t EventType) String() string {
	switch t {
	case EventBlocked:
		return "blocked"
	case EventAllowed:
		return "allowed"
	case EventFlowError:
		return "flow_error"
	case EventResolved:
		return "resolved"
	case EventDoHWarning:
		return "doh_warning"
	default:
		return "unknown"
	}
}

// Block reasons.
const (
	ReasonDomain   = "domain"
	ReasonNetwork  = "network"
	ReasonResolved = "resolved"
)

// Event represents a filtering event during a tunfilter session.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Protocol  string // "tcp", "udp"
	Src       netip.AddrPort
	Dst       netip.AddrPort
	Domain    string // extracted or resolved name, may be empty
	DomainSrc string // "dns", "http", "sni", "resolved", ""
	Reason    string // one of the Reason constants for EventBlocked
	Extra     string // additional context, e.g. error text or DoH provider

	// DNS reply fields.
	QueryType string
	Addrs     []netip.Addr
	CNAMEs    []string
}

// IsFlowEvent returns true if the event concerns a relayed or dropped
// packet rather than a DNS reply.
func (e *Event) IsFlowEvent() bool {
	return e.Type == EventBlocked || e.Type == EventAllowed || e.Type == EventFlowError
}
