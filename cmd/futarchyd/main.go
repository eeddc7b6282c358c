// Command futarchyd runs the futarchy decision-market engine. It loads
// configuration, wires dependencies, sets up signal handling, and starts the
// engine in the configured mode.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/futarchy/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "futarchyd",
	Short: "Futarchy decision-market engine",
	Long: `futarchyd runs conditional PASS/FAIL prediction markets for treasury
proposals and executes a proposal when its PASS market trades above its FAIL
market.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML configuration file")
	rootCmd.AddCommand(serveCmd, migrateCmd, configCmd, keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
