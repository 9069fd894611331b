package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/nanoagent/internal/agent"
	"firestige.xyz/nanoagent/internal/config"
	"firestige.xyz/nanoagent/internal/ipc"
	"firestige.xyz/nanoagent/internal/packet"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Receive packets from an IPC channel as a nano service would",
	Long: `Attach to an IPC channel as the user side, pop every packet the agent
sends and print its direction, flow key and length.

Examples:
  nanoagent drain --channel 0
  nanoagent drain --channel 1 --count 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		return runDrain(ctx, cfg, drainChannel, drainCount, drainPoll, os.Stdout)
	},
}

var (
	drainChannel int
	drainCount   uint64
	drainPoll    time.Duration
)

func init() {
	drainCmd.Flags().IntVar(&drainChannel, "channel", 0, "channel index")
	drainCmd.Flags().Uint64VarP(&drainCount, "count", "n", 0, "stop after this many packets (0 = no limit)")
	drainCmd.Flags().DurationVar(&drainPoll, "poll", agent.DefaultPollInterval, "poll interval on an empty channel")
}

// openUserChannel attaches to channel index of the configured IPC as user.
func openUserChannel(cfg *config.GlobalConfig, index int) (*ipc.IPC, error) {
	if index < 0 || index >= cfg.IPC.Channels {
		return nil, fmt.Errorf("channel %d out of range [0, %d)", index, cfg.IPC.Channels)
	}
	c, err := ipc.Init(cfg.IPC.ChannelName(index), cfg.IPC.UID, cfg.IPC.GID, false, cfg.IPC.Segments)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to channel %s: %w", cfg.IPC.ChannelName(index), err)
	}
	return c, nil
}

func runDrain(ctx context.Context, cfg *config.GlobalConfig, index int, count uint64, poll time.Duration, w io.Writer) error {
	c, err := openUserChannel(cfg, index)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ps := packet.NewParser(packet.WithSimultaneousPing(cfg.Parser.AllowSimultaneousPing))
	var seen uint64
	st, err := agent.Drain(ctx, c, ps, poll, func(pkt *packet.Packet) {
		line := fmt.Sprintf("%s %s len=%d", pkt.CDir(), pkt.Key(), pkt.Data().Len())
		if ifIndex, ok := pkt.Interface(); ok {
			line += fmt.Sprintf(" if=%d", ifIndex)
		}
		fmt.Fprintln(w, line)
		seen++
		if count > 0 && seen >= count {
			cancel()
		}
	})
	fmt.Fprintf(w, "Drained %d packet(s), %d malformed\n", st.Received, st.Malformed)
	return err
}
