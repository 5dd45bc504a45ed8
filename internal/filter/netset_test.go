package filter

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetSet(t *testing.T) {
	s := NewNetSet()

	require.NoError(t, s.Add("203.0.113.0/24"))
	require.NoError(t, s.Add("198.51.100.7"))
	require.NoError(t, s.Add("192.0.2.77/16"))

	assert.Error(t, s.Add("2001:db8::/32"))
	assert.Error(t, s.Add("not-a-network"))
	assert.Equal(t, 3, s.Len())

	tests := []struct {
		addr string
		want bool
	}{
		{"203.0.113.1", true},
		{"203.0.114.1", false},
		{"198.51.100.7", true},
		{"198.51.100.8", false},
		{"192.0.200.1", true},
		{"2001:db8::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Contains(netip.MustParseAddr(tt.addr)))
		})
	}
}
