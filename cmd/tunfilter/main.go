// tunfilter is a domain-based traffic filter: it reads traffic from a TUN
// device, drops connections to blocklisted domains, and relays the rest.
package main

import (
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/osutil"
	"github.com/p4th0r/tunfilter/internal/cli"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	rootCmd := cli.NewRootCmd(version)
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[tunfilter] Error: %v\n", err)
		os.Exit(int(osutil.ExitCodeFailure))
	}
}
