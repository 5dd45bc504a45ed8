package cli

import (
	"bytes"
	"testing"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/p4th0r/tunfilter/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceCleaner_run(t *testing.T) {
	const errBusy errors.Error = "device busy"

	leftovers := []session.OrphanedResource{{
		Type: session.ResourceDevice,
		Name: "tfla3f8",
	}, {
		Type: session.ResourceNFTablesTable,
		Name: "tunfilter_a3f8",
	}}

	find := func() (res []session.OrphanedResource, err error) { return leftovers, nil }

	t.Run("remove", func(t *testing.T) {
		var removed []string
		c := &resourceCleaner{
			find: find,
			remove: func(res []session.OrphanedResource) (err error) {
				require.Len(t, res, 1)
				if res[0].Type == session.ResourceDevice {
					return errBusy
				}

				removed = append(removed, res[0].Name)

				return nil
			},
		}

		out := &bytes.Buffer{}
		err := c.run(out)
		require.ErrorIs(t, err, errBusy)

		assert.Equal(t, []string{"tunfilter_a3f8"}, removed)
		assert.Equal(t, ""+
			"failed   tun device      tfla3f8\n"+
			"removed  nftables table  tunfilter_a3f8\n",
			out.String(),
		)
	})

	t.Run("dry_run", func(t *testing.T) {
		c := &resourceCleaner{
			find: find,
			remove: func(_ []session.OrphanedResource) (err error) {
				panic("must not be called")
			},
			dryRun: true,
		}

		out := &bytes.Buffer{}
		require.NoError(t, c.run(out))
		assert.Equal(t, ""+
			"left  tun device      tfla3f8\n"+
			"left  nftables table  tunfilter_a3f8\n",
			out.String(),
		)
	})

	t.Run("nothing", func(t *testing.T) {
		c := &resourceCleaner{
			find: func() (res []session.OrphanedResource, err error) { return nil, nil },
		}

		out := &bytes.Buffer{}
		require.NoError(t, c.run(out))
		assert.Equal(t, "nothing to clean up\n", out.String())
	})

	t.Run("find_error", func(t *testing.T) {
		c := &resourceCleaner{
			find: func() (res []session.OrphanedResource, err error) { return nil, errBusy },
		}

		err := c.run(&bytes.Buffer{})
		testutil.AssertErrorMsg(t, "listing resources: device busy", err)
	})
}
