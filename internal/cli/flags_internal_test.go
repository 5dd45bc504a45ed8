package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/p4th0r/tunfilter/internal/config"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunFlags(t *testing.T, args ...string) (o *options, fs *pflag.FlagSet) {
	t.Helper()

	o = &options{}
	fs = pflag.NewFlagSet(t.Name(), pflag.ContinueOnError)
	addRunFlags(fs, o)

	require.NoError(t, fs.Parse(args))

	return o, fs
}

func TestOptions_load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunfilter.yaml")
	data := []byte("mtu: 1300\ndns_block_mode: nxdomain\nblocklists:\n  - /etc/hosts.block\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv(config.EnvPrefix+"MAX_FLOWS", "10")

	o, fs := newRunFlags(t,
		"--config", path,
		"--mode", "inline",
		"--mtu", "1400",
		"--tcp-port", "8080",
		"--trace",
	)

	c, err := o.load(fs)
	require.NoError(t, err)

	def := config.Default()

	// Flags.
	assert.Equal(t, config.ModeInline, c.Mode)
	assert.Equal(t, 1400, c.MTU)
	assert.Equal(t, []uint16{8080}, c.TCPPorts)
	assert.True(t, c.Verbose)

	// File.
	assert.Equal(t, "nxdomain", c.DNSBlockMode)
	assert.Equal(t, []string{"/etc/hosts.block"}, c.Blocklists)

	// Environment.
	assert.Equal(t, 10, c.MaxFlows)

	// Defaults are kept for the flags left unset.
	assert.Equal(t, def.Routes, c.Routes)
	assert.Equal(t, def.IdleTimeout, c.IdleTimeout)
	assert.Equal(t, def.FWMark, c.FWMark)

	require.NoError(t, c.Validate())
}

func TestOptions_load_defaults(t *testing.T) {
	o, fs := newRunFlags(t)

	c, err := o.load(fs)
	require.NoError(t, err)

	assert.Equal(t, config.Default(), c)
}

func TestOptions_load_badPort(t *testing.T) {
	o, fs := newRunFlags(t, "--tcp-port", "70000")

	_, err := o.load(fs)
	assert.ErrorIs(t, err, errors.ErrOutOfRange)
}

func TestOptions_load_badFile(t *testing.T) {
	o, fs := newRunFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := o.load(fs)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
