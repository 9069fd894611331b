// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/nanoagent/internal/config"
	"firestige.xyz/nanoagent/internal/log"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nanoagent",
	Short: "nanoagent - packet capture agent feeding nano services over shared memory",
	Long: `nanoagent captures network traffic, parses L2-L4 headers into flow keys and
ships the packets to local nano services over shared memory channels.

Features:
  - Offline (pcap, pcapng) and live (AF_PACKET) capture
  - Flow tracking with idle expiry
  - Consistent flow to channel dispatch across several channels
  - Optional mirror into a shared packet queue`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults only when empty)")

	// Add subcommands
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads the global configuration and initializes logging from it.
func loadConfig() (*config.GlobalConfig, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}
	return cfg, nil
}
