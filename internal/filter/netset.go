package filter

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/k-sone/critbitgo"
)

// NetSet is a set of blocked IPv4 networks.  It is safe for concurrent use.
type NetSet struct {
	mu *sync.RWMutex
	t  *critbitgo.Net
}

// NewNetSet returns an empty *NetSet.
func NewNetSet() (s *NetSet) {
	return &NetSet{
		mu: &sync.RWMutex{},
		t:  critbitgo.NewNet(),
	}
}

// Add adds an IPv4 address or CIDR to the set.
func (s *NetSet) Add(cidr string) (err error) {
	cidr = strings.TrimSpace(cidr)
	if !strings.Contains(cidr, "/") {
		cidr += "/32"
	}

	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("parsing network %q: %w", cidr, err)
	} else if !prefix.Addr().Is4() {
		return fmt.Errorf("network %q: not ipv4", cidr)
	}

	prefix = prefix.Masked()
	r := &net.IPNet{
		IP:   prefix.Addr().AsSlice(),
		Mask: net.CIDRMask(prefix.Bits(), 32),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.t.Add(r, struct{}{})
}

// Contains reports whether addr is inside any network of the set.
func (s *NetSet) Contains(addr netip.Addr) (ok bool) {
	if !addr.Is4() {
		return false
	}

	r := &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(32, 32),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	route, _, err := s.t.Match(r)

	return err == nil && route != nil
}

// Len returns the number of networks in the set.
func (s *NetSet) Len() (n int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.t.Size()
}
