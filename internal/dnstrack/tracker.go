// Package dnstrack remembers which names resolved to which addresses, as
// seen in DNS replies relayed back into the tunnel.
package dnstrack

import (
	"maps"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/miekg/dns"
	"github.com/p4th0r/tunfilter/internal/domain"
)

// DefaultLimit is the default number of resolutions kept in the log.
const DefaultLimit = 4096

// Resolution records a single DNS reply.
type Resolution struct {
	Timestamp time.Time

	// Domain is the normalized question name.
	Domain string

	// QueryType is the question type, for example "A".
	QueryType string

	// Addrs are the IPv4 addresses from the A records of the answer.
	Addrs []netip.Addr

	// CNAMEs are the normalized CNAME targets of the answer, in order.
	CNAMEs []string
}

// Config is the configuration of a [Tracker].
type Config struct {
	// Clock is used to timestamp resolutions.  If nil,
	// [timeutil.SystemClock] is used.
	Clock timeutil.Clock

	// Limit is the maximum length of the resolution log.  If zero,
	// [DefaultLimit] is used.  The address maps are not limited.
	Limit int
}

// Tracker maintains an in-memory record of resolutions during a session.
// It is safe for concurrent use.
type Tracker struct {
	clock timeutil.Clock

	mu            *sync.RWMutex
	resolutions   []Resolution
	domainToAddrs map[string]map[netip.Addr]struct{}
	addrToDomains map[netip.Addr]map[string]struct{}

	total int
	limit int
}

// New returns a new *Tracker.  c must not be nil.
func New(c *Config) (t *Tracker) {
	t = &Tracker{
		clock:         c.Clock,
		mu:            &sync.RWMutex{},
		domainToAddrs: map[string]map[netip.Addr]struct{}{},
		addrToDomains: map[netip.Addr]map[string]struct{}{},
		limit:         c.Limit,
	}

	if t.clock == nil {
		t.clock = timeutil.SystemClock{}
	}

	if t.limit <= 0 {
		t.limit = DefaultLimit
	}

	return t
}

// ObserveReply parses msg as a DNS response and records it.  ok is false if
// msg is not a well-formed response with a question.
func (t *Tracker) ObserveReply(msg []byte) (r Resolution, ok bool) {
	m := &dns.Msg{}
	if m.Unpack(msg) != nil || !m.Response || len(m.Question) == 0 {
		return Resolution{}, false
	}

	q := m.Question[0]
	name, err := domain.Normalize(q.Name)
	if err != nil {
		return Resolution{}, false
	}

	r = Resolution{
		Timestamp: t.clock.Now(),
		Domain:    name,
		QueryType: dns.TypeToString[q.Qtype],
	}

	for _, rr := range m.Answer {
		switch v := rr.(type) {
		case *dns.A:
			addr, aok := netip.AddrFromSlice(v.A)
			if aok {
				r.Addrs = append(r.Addrs, addr.Unmap())
			}
		case *dns.CNAME:
			target, cerr := domain.Normalize(v.Target)
			if cerr == nil {
				r.CNAMEs = append(r.CNAMEs, target)
			}
		}
	}

	t.Record(r)

	return r, true
}

// Record appends r to the log and maps every address of r to the question
// name and to every CNAME target, so that an address reached through a chain
// is attributed to each name in it.
func (t *Tracker) Record(r Resolution) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = t.clock.Now()
	}

	t.total++
	t.resolutions = append(t.resolutions, r)
	if len(t.resolutions) > t.limit {
		t.resolutions = slices.Delete(t.resolutions, 0, len(t.resolutions)-t.limit)
	}

	if len(r.Addrs) == 0 {
		return
	}

	names := append([]string{r.Domain}, r.CNAMEs...)
	for _, name := range names {
		if t.domainToAddrs[name] == nil {
			t.domainToAddrs[name] = map[netip.Addr]struct{}{}
		}

		for _, addr := range r.Addrs {
			t.domainToAddrs[name][addr] = struct{}{}

			if t.addrToDomains[addr] == nil {
				t.addrToDomains[addr] = map[string]struct{}{}
			}

			t.addrToDomains[addr][name] = struct{}{}
		}
	}
}

// Addrs returns all addresses ever resolved for name, sorted.
func (t *Tracker) Addrs(name string) (addrs []netip.Addr) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set, ok := t.domainToAddrs[name]
	if !ok {
		return nil
	}

	return slices.SortedFunc(maps.Keys(set), netip.Addr.Compare)
}

// Domains returns all names that resolved to addr, sorted.
func (t *Tracker) Domains(addr netip.Addr) (names []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set, ok := t.addrToDomains[addr]
	if !ok {
		return nil
	}

	return slices.Sorted(maps.Keys(set))
}

// Resolutions returns a copy of the resolution log, oldest first.
func (t *Tracker) Resolutions() (rs []Resolution) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Clone(t.resolutions)
}

// Stats returns the number of replies recorded and the number of distinct
// names that resolved to at least one address.
func (t *Tracker) Stats() (total, uniqueDomains int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.total, len(t.domainToAddrs)
}
