package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/loopdesk/loopdesk/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _                      ____            _\n" +
		" | |    ___   ___  _ __ |  _ \\  ___  ___| | __\n" +
		" | |   / _ \\ / _ \\| '_ \\| | | |/ _ \\/ __| |/ /\n" +
		" | |__| (_) | (_) | |_) | |_| |  __/\\__ \\   <\n" +
		" |_____\\___/ \\___/| .__/|____/ \\___||___/_|\\_\\\n" +
		"                  |_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "loopdesk",
	Short: "LoopDesk - Human-in-the-loop approvals for support agents",
	Long:  color.CyanString(logo) + "\nApproval queue, activity stream, and continuous learning for AI-assisted customer support.",
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
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(reviewerCmd)
	rootCmd.AddCommand(playbookCmd)
	rootCmd.AddCommand(governanceCmd)
	rootCmd.AddCommand(purgeCmd)
}
