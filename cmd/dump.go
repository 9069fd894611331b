package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/nanoagent/internal/config"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the shared memory of an IPC channel",
	Long: `Attach to an IPC channel as the user side and write the memory dump of
both queues: positions, management slots and data bytes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runDump(cfg, dumpChannel, os.Stdout)
	},
}

var dumpChannel int

func init() {
	dumpCmd.Flags().IntVar(&dumpChannel, "channel", 0, "channel index")
}

func runDump(cfg *config.GlobalConfig, index int, w io.Writer) error {
	c, err := openUserChannel(cfg, index)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Dump(w)
}
