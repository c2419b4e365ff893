package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agent-warden/agent-warden/internal/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate a server configuration file",
	Long: `Load a configuration file, apply defaults and environment overrides,
and run the same validation the server performs at startup.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	}

	fmt.Println("Configuration is valid.")
	fmt.Printf("  Server:    %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Database:  %s\n", cfg.Database.Path)
	fmt.Printf("  Sandbox:   %s mode\n", cfg.Sandbox.Mode)
	fmt.Printf("  Budget:    $%.2f/day global, $%.2f/day per unit\n",
		cfg.Budget.GlobalDailyLimit, cfg.Budget.PerUnitDailyLimit)
	fmt.Printf("  Rate:      %d calls/min, burst %d\n",
		cfg.RateLimit.CallsPerMinute, cfg.RateLimit.BurstSize)
	return nil
}
