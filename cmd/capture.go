package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/nanoagent/internal/agent"
	"firestige.xyz/nanoagent/internal/capture"
	"firestige.xyz/nanoagent/internal/config"
	"firestige.xyz/nanoagent/internal/metrics"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture packets and ship them to the nano services",
	Long: `Read packets from a capture file or a live interface, parse them, track
flows and dispatch every flow to one of the IPC channels.

Flags override the matching config values.

Examples:
  nanoagent capture -r trace.pcap
  nanoagent capture --type afpacket -i eth0 --filter "udp port 53" --channels 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyCaptureFlags(cmd, cfg)
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		return runCapture(ctx, cfg, os.Stdout)
	},
}

var (
	captureType     string
	capturePath     string
	captureDevice   string
	captureFilter   string
	captureChannels int
)

func init() {
	captureCmd.Flags().StringVar(&captureType, "type", "", "capture source: file or afpacket")
	captureCmd.Flags().StringVarP(&capturePath, "read", "r", "", "pcap or pcapng file to read")
	captureCmd.Flags().StringVarP(&captureDevice, "interface", "i", "", "interface for live capture")
	captureCmd.Flags().StringVarP(&captureFilter, "filter", "f", "", "BPF filter expression")
	captureCmd.Flags().IntVar(&captureChannels, "channels", 0, "number of IPC channels")
}

func applyCaptureFlags(cmd *cobra.Command, cfg *config.GlobalConfig) {
	flags := cmd.Flags()
	if flags.Changed("read") {
		cfg.Capture.Type = "file"
		cfg.Capture.Path = capturePath
	}
	if flags.Changed("interface") {
		cfg.Capture.Type = "afpacket"
		cfg.Capture.Device = captureDevice
	}
	if flags.Changed("type") {
		cfg.Capture.Type = captureType
	}
	if flags.Changed("filter") {
		cfg.Capture.BPFFilter = captureFilter
	}
	if flags.Changed("channels") {
		cfg.IPC.Channels = captureChannels
	}
}

func runCapture(ctx context.Context, cfg *config.GlobalConfig, w io.Writer) error {
	src, err := capture.New(cfg.Capture)
	if err != nil {
		return fmt.Errorf("failed to create capture source: %w", err)
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				slog.Error("failed to stop metrics server", "error", err)
			}
		}()
	}

	a, err := agent.New(*cfg, src)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("failed to release agent resources", "error", err)
		}
	}()

	runErr := a.Run(ctx)
	printStats(w, a.Stats())
	return runErr
}

func printStats(w io.Writer, st agent.Stats) {
	fmt.Fprintf(w, "Captured:   %d received, %d filtered, %d dropped by source\n",
		st.CaptureReceived, st.CaptureFiltered, st.CaptureDropped)
	fmt.Fprintf(w, "Parsed:     %d ok, %d errors\n", st.Parsed, st.ParseErrors)
	if st.FragsRejected > 0 {
		fmt.Fprintf(w, "Fragments:  %d rejected\n", st.FragsRejected)
	}
	fmt.Fprintf(w, "IPC:        %d sent, %d dropped, %d errors, %d corruptions\n",
		st.Sent, st.Dropped, st.SendErrors, st.Corruptions)
	fmt.Fprintf(w, "Flows:      %d active on %d channel(s)\n", st.Flows, st.Channels)
	if st.Mirrored > 0 || st.MirrorDropped > 0 {
		fmt.Fprintf(w, "Mirror:     %d queued, %d dropped\n", st.Mirrored, st.MirrorDropped)
	}
}
