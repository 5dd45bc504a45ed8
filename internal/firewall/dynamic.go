package firewall

import (
	"fmt"
	"net/netip"

	"github.com/google/nftables"
)

// BlockAddrs adds IPv4 addresses to the blocked_v4 set in real time.  It is
// called by the inline handler when a DNS reply resolves through a blocked
// name.  It is safe for concurrent use.
func (fw *Firewall) BlockAddrs(addrs []netip.Addr) (err error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.conn == nil {
		return nil
	}

	prefixes := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		if a.Is4() {
			prefixes = append(prefixes, netip.PrefixFrom(a, 32))
		}
	}

	elems := prefixElements(prefixes)
	if len(elems) == 0 {
		return nil
	}

	// Use a fresh connection so that the update does not interfere with any
	// pending operations on the main one.
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("creating nftables connection for set update: %w", err)
	}

	err = conn.SetAddElements(fw.blockedV4, elems)
	if err != nil {
		return fmt.Errorf("adding elements to blocked_v4: %w", err)
	}

	err = conn.Flush()
	if err != nil {
		return fmt.Errorf("flushing set update: %w", err)
	}

	return nil
}
