package session

import (
	"regexp"
	"testing"

	"github.com/google/nftables"
	"github.com/p4th0r/tunfilter/internal/protect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func TestGenerateID(t *testing.T) {
	hexPattern := regexp.MustCompile(`^[0-9a-f]{4}$`)

	seen := map[string]struct{}{}
	inUse := func(id string) (ok bool) {
		_, ok = seen[id]

		return ok
	}

	for range 100 {
		id, err := generateID(inUse)
		require.NoError(t, err)
		require.Regexp(t, hexPattern, id)

		seen[id] = struct{}{}
	}

	assert.Len(t, seen, 100)
}

func TestGenerateID_exhausted(t *testing.T) {
	_, err := generateID(func(_ string) (ok bool) { return true })
	assert.ErrorIs(t, err, ErrNoFreeID)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "tfla3f8", DeviceName("a3f8"))
	assert.Equal(t, "tunfilter_a3f8", TableName("a3f8"))
}

func TestMatchDevices(t *testing.T) {
	got := matchDevices([]string{"lo", "eth0", "tfla3f8", "tflzz00", "tfl0001x", "tun0", "tfl00ff"})

	assert.Equal(t, []OrphanedResource{{
		Type: ResourceDevice,
		Name: "tfla3f8",
	}, {
		Type: ResourceDevice,
		Name: "tfl00ff",
	}}, got)
}

func TestMatchTables(t *testing.T) {
	got := matchTables([]*nftables.Table{{
		Name:   "filter",
		Family: nftables.TableFamilyIPv4,
	}, {
		Name:   "tunfilter_a3f8",
		Family: nftables.TableFamilyIPv4,
	}, {
		Name:   "othertool_a3f8",
		Family: nftables.TableFamilyINet,
	}})

	require.Len(t, got, 1)
	assert.Equal(t, "tunfilter_a3f8", got[0].Name)
	assert.Equal(t, ResourceNFTablesTable, got[0].Type)
	assert.Equal(t, nftables.TableFamilyIPv4, got[0].family)
}

func TestMatchRules(t *testing.T) {
	ours := *protect.Rule(0x7466, 7466)
	other := *netlink.NewRule()
	other.Priority = 32766
	other.Table = 254

	got := matchRules([]netlink.Rule{other, ours})

	require.Len(t, got, 1)
	assert.Equal(t, ResourceRule, got[0].Type)
	assert.Equal(t, "not fwmark 0x7466 lookup 7466", got[0].Name)
	require.NotNil(t, got[0].rule)
	assert.Equal(t, 7466, got[0].rule.Table)
}

func TestCleanupOrphanedResources_badType(t *testing.T) {
	err := CleanupOrphanedResources([]OrphanedResource{{
		Type: "unknown",
		Name: "x",
	}, {
		Type: ResourceRule,
		Name: "no rule",
	}})
	assert.Error(t, err)
}
