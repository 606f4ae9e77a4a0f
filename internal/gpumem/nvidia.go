package gpumem

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// NvidiaSMIProbe asks nvidia-smi for memory counters. NVIDIA's sysfs nodes do
// not carry VRAM usage and NVML would need cgo, so the CLI is the portable
// route.
type NvidiaSMIProbe struct {
	Bin string
	// run is replaced in tests.
	run func(ctx context.Context, bin string, args ...string) ([]byte, error)
}

func NewNvidiaSMIProbe() *NvidiaSMIProbe {
	return &NvidiaSMIProbe{Bin: "nvidia-smi"}
}

func runOutput(ctx context.Context, bin string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, bin, args...).Output()
}

func (p *NvidiaSMIProbe) Query(ctx context.Context, gpu int) (Snapshot, error) {
	run := p.run
	if run == nil {
		if _, err := exec.LookPath(p.Bin); err != nil {
			return Snapshot{}, ErrNoDevice
		}
		run = runOutput
	}
	out, err := run(ctx, p.Bin,
		"--query-gpu=memory.free,memory.total",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(gpu))
	if err != nil {
		return Snapshot{}, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseNvidiaSMI(out)
}

// parseNvidiaSMI parses "free, total" in MiB from the first output line.
func parseNvidiaSMI(out []byte) (Snapshot, error) {
	line, _, _ := bytes.Cut(bytes.TrimSpace(out), []byte("\n"))
	free, total, ok := strings.Cut(string(line), ",")
	if !ok {
		return Snapshot{}, fmt.Errorf("nvidia-smi: unexpected output %q", line)
	}
	f, err := strconv.ParseUint(strings.TrimSpace(free), 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("nvidia-smi: free: %w", err)
	}
	t, err := strconv.ParseUint(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("nvidia-smi: total: %w", err)
	}
	const mib = 1 << 20
	return Snapshot{FreeBytes: f * mib, TotalBytes: t * mib}, nil
}
