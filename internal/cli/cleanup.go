package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/p4th0r/tunfilter/internal/session"
	"github.com/spf13/cobra"
)

// NewCleanupCmd creates the cleanup subcommand.
func NewCleanupCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove the network state left behind by killed sessions",
		Long: `A session removes its TUN device, nftables table, and fwmark routing rule when
it exits.  A session killed with SIGKILL cannot, and the leftover rule keeps
steering marked traffic into a table that routes nowhere.  This command finds
such leftovers by their tunfilter names and removes them.

Do not run it while a session is active: its resources look the same.

Example:
  tunfilter cleanup --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := &resourceCleaner{
				find:   session.FindOrphanedResources,
				remove: session.CleanupOrphanedResources,
				dryRun: dryRun,
			}

			return c.run(cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "List the leftover resources without removing them")

	return cmd
}

// resourceCleaner removes leftover session resources one by one.
type resourceCleaner struct {
	find   func() (res []session.OrphanedResource, err error)
	remove func(res []session.OrphanedResource) (err error)
	dryRun bool
}

// run prints one line per leftover resource with what happened to it.  A
// resource that cannot be removed does not stop the others.
func (c *resourceCleaner) run(out io.Writer) (err error) {
	resources, err := c.find()
	if err != nil {
		return fmt.Errorf("listing resources: %w", err)
	}

	if len(resources) == 0 {
		_, _ = fmt.Fprintln(out, "nothing to clean up")

		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	var errs []error
	for _, res := range resources {
		status := "left"
		if !c.dryRun {
			status = "removed"
			if rmErr := c.remove([]session.OrphanedResource{res}); rmErr != nil {
				status = "failed"
				errs = append(errs, rmErr)
			}
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", status, res.Type, res.Name)
	}

	return errors.WithDeferred(errors.Join(errs...), w.Flush())
}
