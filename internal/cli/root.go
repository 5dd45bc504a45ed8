// Package cli provides the command-line interface of tunfilter.
package cli

import (
	"fmt"
	"runtime"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command.  Without a subcommand it runs a
// filtering session.
func NewRootCmd(version ...string) *cobra.Command {
	ver := "dev"
	if len(version) > 0 && version[0] != "" {
		ver = version[0]
	}

	o := &options{}

	cmd := &cobra.Command{
		Use:   "tunfilter [flags]",
		Short: "Domain-based traffic filter behind a TUN device",
		Long: `tunfilter routes traffic into a TUN device, recovers the destination domain
of each new connection from DNS queries, HTTP Host headers, and TLS SNI, and
drops the connections to blocklisted domains.  Everything else is relayed
through ordinary sockets.

Modes:
  --mode tun      Route traffic through a TUN device (default)
  --mode inline   Queue DNS and web traffic to NFQUEUE, no tunnel

Example:
  tunfilter --blocklist /etc/hosts.block --dns-server 9.9.9.9
  tunfilter --mode inline --domain '*.doubleclick.net'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSession(cmd, o, ver)
		},
	}

	addRunFlags(cmd.Flags(), o)

	cmd.AddCommand(
		NewRunCmd(ver),
		NewCheckCmd(),
		NewLoadCmd(),
		NewExtractCmd(),
		NewCleanupCmd(),
		NewVersionCmd(ver),
		NewCompletionCmd(),
	)

	return cmd
}

// NewRunCmd creates the run subcommand, an explicit form of the root command.
func NewRunCmd(version string) *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:   "run [flags]",
		Short: "Run a filtering session until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSession(cmd, o, version)
		},
	}

	addRunFlags(cmd.Flags(), o)

	return cmd
}

// checkPlatform ensures we're running on Linux.
func checkPlatform() (err error) {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("tunfilter requires linux, got %s", runtime.GOOS)
	}

	return nil
}

// errNotRoot is returned when the session cannot configure the network.
const errNotRoot errors.Error = "tunfilter requires root privileges (CAP_NET_ADMIN), run with sudo"
