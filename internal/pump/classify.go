package pump

import (
	"github.com/p4th0r/tunfilter/internal/dnstrack"
	"github.com/p4th0r/tunfilter/internal/extract"
	"github.com/p4th0r/tunfilter/internal/filter"
	"github.com/p4th0r/tunfilter/internal/logging"
	"github.com/p4th0r/tunfilter/internal/packet"
)

// Decision is the filtering verdict for one packet.
type Decision struct {
	// Domain is the extracted name or, for [logging.ReasonResolved], the
	// blocked name the destination address was resolved from.
	Domain string

	// Reason is one of the logging.Reason constants if Blocked is true.
	Reason string

	Source  extract.Source
	Blocked bool
}

// DomainSource returns the origin of d.Domain for event logs.
func (d Decision) DomainSource() (src string) {
	switch {
	case d.Reason == logging.ReasonResolved:
		return "resolved"
	case d.Source == extract.SourceNone:
		return ""
	default:
		return d.Source.String()
	}
}

// ClassifierConfig is the configuration of a [Classifier].
type ClassifierConfig struct {
	// Index is the domain blocklist.  It must not be nil.
	Index *filter.Index

	// Networks, if not nil, are blocked destination networks.
	Networks *filter.NetSet

	// Resolved, if not nil, maps destination addresses back to the names
	// they were resolved from.
	Resolved *dnstrack.Tracker
}

// Classifier decides whether a packet is blocked.  It is shared by the pump
// and the inline queue handler and is safe for concurrent use.
type Classifier struct {
	index    *filter.Index
	networks *filter.NetSet
	resolved *dnstrack.Tracker
}

// NewClassifier returns a new *Classifier.  c must not be nil.
func NewClassifier(c *ClassifierConfig) (cl *Classifier) {
	return &Classifier{
		index:    c.Index,
		networks: c.Networks,
		resolved: c.Resolved,
	}
}

// Classify extracts the domain of p and checks it, then the destination
// network.  If p carries no domain and newFlow is true, the names the
// destination was resolved from are checked as well.
func (cl *Classifier) Classify(p packet.Packet, newFlow bool) (d Decision) {
	d.Domain, d.Source = extract.FromPacket(p)
	if d.Domain != "" && cl.index.Check(d.Domain) {
		d.Blocked, d.Reason = true, logging.ReasonDomain

		return d
	}

	dst := p.Dst.Addr()
	if cl.networks != nil && cl.networks.Contains(dst) {
		d.Blocked, d.Reason = true, logging.ReasonNetwork

		return d
	}

	if d.Domain != "" || !newFlow || cl.resolved == nil {
		return d
	}

	for _, name := range cl.resolved.Domains(dst) {
		if cl.index.Check(name) {
			return Decision{
				Domain:  name,
				Reason:  logging.ReasonResolved,
				Blocked: true,
			}
		}
	}

	return d
}

// CheckDomain reports whether name is blocked.
func (cl *Classifier) CheckDomain(name string) (blocked bool) {
	return cl.index.Check(name)
}
