package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// compileBPF compiles a tcpdump expression into raw classic BPF.
func compileBPF(lt layers.LinkType, snapLen int, expr string) ([]bpf.RawInstruction, error) {
	insns, err := pcap.CompileBPFFilter(lt, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter %q: %w", expr, err)
	}
	// pcap.BPFInstruction and bpf.RawInstruction have the same shape.
	raw := make([]bpf.RawInstruction, len(insns))
	for i, insn := range insns {
		raw[i] = bpf.RawInstruction{Op: insn.Code, Jt: insn.Jt, Jf: insn.Jf, K: insn.K}
	}
	return raw, nil
}

// filter runs a BPF program in user space, for sources the kernel does not
// filter for.
type filter struct {
	vm *bpf.VM
}

func newFilter(lt layers.LinkType, snapLen int, expr string) (*filter, error) {
	raw, err := compileBPF(lt, snapLen, expr)
	if err != nil {
		return nil, err
	}
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("BPF filter %q contains instructions the VM cannot run", expr)
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF filter %q: %w", expr, err)
	}
	return &filter{vm: vm}, nil
}

// match reports whether the program accepts the frame.
func (f *filter) match(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}
