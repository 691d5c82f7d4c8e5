package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/parleyhq/parley/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  ____            _\n" +
		" |  _ \\ __ _ _ __| | ___ _   _\n" +
		" | |_) / _` | '__| |/ _ \\ | | |\n" +
		" |  __/ (_| | |  | |  __/ |_| |\n" +
		" |_|   \\__,_|_|  |_|\\___|\\__, |\n" +
		"                         |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - multi-channel assistant gateway",
	Long:  color.CyanString(logo) + "\nA durable job-queue backend for conversational assistants.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(gatewayCmd)
}
