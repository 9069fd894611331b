package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/nanoagent/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Load the configuration file, apply environment overrides and defaults,
and print the result in the same layout the file uses.

Examples:
  nanoagent config show -c /etc/nanoagent/config.yml
  NANOAGENT_IPC_CHANNELS=4 nanoagent config show`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return runConfigShow(cfg, os.Stdout)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cfg *config.GlobalConfig, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	root := map[string]*config.GlobalConfig{"nanoagent": cfg}
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
