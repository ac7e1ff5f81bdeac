package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/billbridge/billbridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Inspect BillBridge configuration settings`,
}

func init() {
	configCmd.AddCommand(configInfoCmd)
	configCmd.AddCommand(configShowCmd)
}

var configInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show configuration information",
	Long:  `Display information about BillBridge configuration`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("BillBridge Configuration Information")
		fmt.Println("====================================")
		fmt.Println()
		fmt.Println("Configuration is read from environment variables and an optional")
		fmt.Println(".env file in the data directory (BILLBRIDGE_DATA_DIR, default /etc/billbridge).")
		fmt.Println()
		fmt.Println("Data directory files:")
		fmt.Println("  - .env          : Environment overrides, hot-reloaded on change")
		fmt.Println("  - billing.json  : Last known billing state snapshot (diagnostic)")
		fmt.Println("  - history.db    : SQLite event history")
		fmt.Println()
		fmt.Println("Run 'billbridge config show' to print the effective configuration.")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Load configuration the way the server does and print it with secrets redacted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		out, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		fmt.Println(string(out))

		if len(cfg.EnvOverrides) > 0 {
			keys := make([]string, 0, len(cfg.EnvOverrides))
			for k := range cfg.EnvOverrides {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			fmt.Println()
			fmt.Println("Overridden by environment:")
			for _, k := range keys {
				fmt.Printf("  - %s\n", k)
			}
		}
		return nil
	},
}
