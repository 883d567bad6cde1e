package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborpipe/internal/event"
)

// Set with -ldflags "-X github.com/austindbirch/harborpipe/cmd/harborctl/cmd.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// versionInfo describes the build and the event types it can publish.
func versionInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"gitCommit":  GitCommit,
		"buildTime":  BuildTime,
		"goVersion":  runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"eventTypes": strings.Join(event.StandardRegistry().EventTypes(), ","),
	}
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := versionInfo()
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, info)
			return
		}
		fmt.Fprintf(out, "harborctl %s (%s, built %s)\n", info["version"], info["gitCommit"], info["buildTime"])
		fmt.Fprintf(out, "%s %s\n", info["goVersion"], info["platform"])
		fmt.Fprintf(out, "Event types: %s\n", info["eventTypes"])
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
