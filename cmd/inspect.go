package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/nanoagent/internal/core"
	"firestige.xyz/nanoagent/internal/packet"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <hex>",
	Short: "Parse one frame given in hex and print its layers",
	Long: `Parse a single frame and print the layer views, the flow key and the TCP
flags. Spaces and colons in the hex string are ignored.

Examples:
  nanoagent inspect 00e018b10cad00c09f32418c0800450000...
  nanoagent inspect --l3 --ip 6 6000000000083a40...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(os.Stdout, args[0], inspectOptions{
			l3:                    inspectL3,
			ipVersion:             inspectIPVersion,
			allowSimultaneousPing: inspectSimultaneousPing,
		})
	},
}

var (
	inspectL3               bool
	inspectIPVersion        int
	inspectSimultaneousPing bool
)

func init() {
	inspectCmd.Flags().BoolVar(&inspectL3, "l3", false, "frame starts with the IP header")
	inspectCmd.Flags().IntVar(&inspectIPVersion, "ip", 0, "IP version of an --l3 frame (4 or 6, 0 = from the first nibble)")
	inspectCmd.Flags().BoolVar(&inspectSimultaneousPing, "simultaneous-ping", false, "key ICMP echo on the identifier only")
}

type inspectOptions struct {
	l3                    bool
	ipVersion             int
	allowSimultaneousPing bool
}

func runInspect(w io.Writer, hexFrame string, opts inspectOptions) error {
	data, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(hexFrame))
	if err != nil {
		return fmt.Errorf("invalid hex frame: %w", err)
	}

	typ, ipType := packet.TypeL2, core.IPTypeUninitialized
	if opts.l3 {
		typ = packet.TypeL3
		version := opts.ipVersion
		if version == 0 && len(data) > 0 {
			version = int(data[0] >> 4)
		}
		switch version {
		case 4:
			ipType = core.IPTypeV4
		case 6:
			ipType = core.IPTypeV6
		}
	}

	pkt, err := packet.Parse(typ, ipType, data, packet.WithSimultaneousPing(opts.allowSimultaneousPing))
	if err != nil {
		var pe packet.PktErr
		if errors.As(err, &pe) {
			fmt.Fprintf(w, "error:      %s (%s)\n", pe.Reason(), pe.Error())
		}
		return fmt.Errorf("failed to parse frame: %w", err)
	}

	key := pkt.Key()
	fmt.Fprintf(w, "type:       %s\n", pkt.Type())
	fmt.Fprintf(w, "key:        %s\n", key)
	fmt.Fprintf(w, "ip type:    %s\n", key.Type())
	fmt.Fprintf(w, "protocol:   %s\n", key.ProtocolString())
	fmt.Fprintf(w, "fragment:   %t\n", pkt.IsFragment())
	fmt.Fprintf(w, "hash:       %016x\n", key.Hash())
	printView(w, "l2 header", pkt.L2Header())
	printView(w, "l2 payload", pkt.L2Payload())
	printView(w, "l3 header", pkt.L3Header())
	printView(w, "l3 payload", pkt.L3Payload())
	printView(w, "l4 header", pkt.L4Header())
	printView(w, "l4 payload", pkt.L4Payload())
	if flags, ok := pkt.TCPFlags(); ok {
		fmt.Fprintf(w, "tcp flags:  %s\n", flags)
	}
	return nil
}

func printView(w io.Writer, name string, v packet.View) {
	fmt.Fprintf(w, "%-12s%d bytes", name+":", v.Len())
	if v.Len() > 0 {
		b := v.Bytes()
		if len(b) > 16 {
			fmt.Fprintf(w, "  %s...", hex.EncodeToString(b[:16]))
		} else {
			fmt.Fprintf(w, "  %s", hex.EncodeToString(b))
		}
	}
	fmt.Fprintln(w)
}
