package cli

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/spf13/cobra"
)

// completionShells are the shells completion scripts are generated for.
var completionShells = []string{"bash", "zsh", "fish"}

// NewCompletionCmd creates the completion subcommand.
func NewCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion SHELL",
		Short: "Print the completion script for bash, zsh, or fish",
		Long: `Prints a script completing tunfilter subcommands and flags in SHELL.  Since
sessions run as root, install it for the root shell as well:

  tunfilter completion bash | sudo tee /etc/bash_completion.d/tunfilter
  tunfilter completion zsh > "${fpath[1]}/_tunfilter"
  tunfilter completion fish > ~/.config/fish/completions/tunfilter.fish`,
		DisableFlagsInUseLine: true,
		ValidArgs:             completionShells,
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			root, out := cmd.Root(), cmd.OutOrStdout()

			switch shell := args[0]; shell {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return fmt.Errorf("shell: %w: %q", errors.ErrBadEnumValue, shell)
			}
		},
	}
}
