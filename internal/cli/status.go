package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("Parley Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("Parley Status")
		fmt.Printf("Version: %s\n", version)

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ✗ %v\n", err)
			return
		}
		if path, err := config.ConfigPath(); err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults + env in effect)")
			}
		}
		if cfg.Providers.OpenAI.APIKey != "" || cfg.Providers.Anthropic.APIKey != "" {
			fmt.Println("API Key: ✓ Found")
		} else {
			fmt.Println("API Key: ✗ Not found")
		}

		for _, c := range []struct {
			name    string
			enabled bool
		}{
			{"Telegram", cfg.Channels.Telegram.Enabled},
			{"WhatsApp", cfg.Channels.WhatsApp.Enabled},
			{"Slack", cfg.Channels.Slack.Enabled},
			{"Web", cfg.Channels.Web.Enabled},
			{"Kafka", cfg.Kafka.Enabled},
		} {
			mark := "✗"
			if c.enabled {
				mark = "✓"
			}
			fmt.Printf("%-9s%s\n", c.name+":", mark)
		}

		if cfg.Channels.WhatsApp.Enabled {
			waDB := filepath.Join(cfg.Paths.DataDir, "whatsapp.db")
			if _, err := os.Stat(waDB); err == nil {
				fmt.Println("WhatsApp Link: ✓ Session found (no QR needed)")
			} else {
				fmt.Println("WhatsApp Link: ✗ No session (QR needed)")
				fmt.Println("WhatsApp QR:   " + filepath.Join(cfg.Paths.DataDir, "whatsapp-qr.png"))
			}
		}

		if s, err := store.Open(cfg.DatabasePath()); err == nil {
			defer s.Close()
			if counts, err := s.CountJobsByStatus(); err == nil {
				fmt.Printf("Jobs:    pending=%d processing=%d completed=%d failed=%d\n",
					counts[store.JobPending], counts[store.JobProcessing],
					counts[store.JobCompleted], counts[store.JobFailed])
			}
		} else {
			fmt.Printf("Store:   ✗ %v\n", err)
		}
	},
}
