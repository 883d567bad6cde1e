package cmd

import (
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborpipe/internal/config"
	"github.com/austindbirch/harborpipe/internal/idempotency"
)

// completionCmd represents the completion command
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `Generate a shell completion script. Consumer names and record statuses
complete from the current configuration.

  $ source <(harborctl completion bash)
  $ harborctl completion zsh > "${fpath[1]}/_harborctl"
  $ harborctl completion fish | source
  PS> harborctl completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
	},
}

// completeConsumers offers registered consumer names not already given.
func completeConsumers(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var names []string
	for _, cons := range config.FromEnv().Consumers {
		if strings.HasPrefix(cons.Name, toComplete) && !slices.Contains(args, cons.Name) {
			names = append(names, cons.Name)
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

// completeOneConsumer completes the single consumer argument.
func completeOneConsumer(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return completeConsumers(cmd, args, toComplete)
}

// completeChannels offers every live and dead-letter channel name.
func completeChannels(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg := config.FromEnv()
	reg, _ := channelRegistry(cfg, nil)
	var names []string
	for _, name := range reg.Names() {
		if strings.HasPrefix(name, toComplete) {
			names = append(names, name)
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

func completeStatuses(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return []string{
		string(idempotency.StatusProcessing),
		string(idempotency.StatusCompleted),
		string(idempotency.StatusFailed),
	}, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
