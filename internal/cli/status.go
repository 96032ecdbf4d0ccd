package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loopdesk/loopdesk/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ LoopDesk Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 LoopDesk Status")
		fmt.Printf("Version: %s\n", version)

		configPath, err := config.ConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults in effect)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Println("Status:  ✗ Unable to load config:", err)
			return
		}
		if _, statErr := os.Stat(cfg.DBPath()); statErr == nil {
			fmt.Println("Store:   ✓ " + cfg.DBPath())
		} else {
			fmt.Println("Store:   ✗ Not initialized (" + cfg.DBPath() + ")")
		}
		if cfg.Stream.MirrorBrokers != "" {
			fmt.Println("Mirror:  ✓ Kafka (" + cfg.Stream.MirrorBrokers + ")")
		} else {
			fmt.Println("Mirror:  ✗ Disabled")
		}
		if cfg.Feedback.QdrantURL != "" {
			fmt.Println("Vectors: ✓ Qdrant (" + cfg.Feedback.QdrantURL + ")")
		} else {
			fmt.Println("Vectors: ✓ SQLite (local)")
		}
		fmt.Println("Status:  Ready")
	},
}
