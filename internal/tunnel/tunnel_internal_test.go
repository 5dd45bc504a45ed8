package tunnel

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vishvananda/netlink"
)

func TestRoute(t *testing.T) {
	r := route(netip.MustParsePrefix("0.0.0.0/0"), 7, 7466)
	assert.Equal(t, 7, r.LinkIndex)
	assert.Equal(t, 7466, r.Table)
	assert.Equal(t, netlink.SCOPE_LINK, r.Scope)
	assert.Equal(t, "0.0.0.0/0", r.Dst.String())

	r = route(netip.MustParsePrefix("9.9.9.9/32"), 7, 0)
	assert.Equal(t, &net.IPNet{
		IP:   net.IP{9, 9, 9, 9},
		Mask: net.CIDRMask(32, 32),
	}, r.Dst)
}
