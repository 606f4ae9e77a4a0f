// Package gpumem reports free and total device memory for a GPU index.
//
// Probes are pure queries: they hold no state between calls and callers are
// expected to query again before every planning decision, since the budget
// can change while the process runs.
package gpumem

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Snapshot is the memory state of one GPU at query time.
type Snapshot struct {
	FreeBytes  uint64 `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s free / %s total", humanize.IBytes(s.FreeBytes), humanize.IBytes(s.TotalBytes))
}

// Empty reports whether no usable GPU memory was discovered.
func (s Snapshot) Empty() bool { return s.FreeBytes == 0 || s.TotalBytes == 0 }

// Probe queries device memory for a GPU index.
type Probe interface {
	Query(ctx context.Context, gpu int) (Snapshot, error)
}

// ErrNoDevice is returned when no device exists at the requested index.
var ErrNoDevice = errors.New("gpumem: no such device")

// Static always reports the same snapshot. It backs configured overrides and
// CPU-only deployments (the zero value reports no GPU).
type Static Snapshot

func (s Static) Query(context.Context, int) (Snapshot, error) { return Snapshot(s), nil }

// Chain tries probes in order and returns the first snapshot that is not
// empty. When every probe fails or reports nothing, it returns an empty
// snapshot and no error: a host without a discoverable GPU runs on CPU.
type Chain []Probe

func (c Chain) Query(ctx context.Context, gpu int) (Snapshot, error) {
	for _, p := range c {
		s, err := p.Query(ctx, gpu)
		if err != nil {
			if ctx.Err() != nil {
				return Snapshot{}, ctx.Err()
			}
			continue
		}
		if !s.Empty() {
			return s, nil
		}
	}
	return Snapshot{}, nil
}

// Auto returns the default probe chain for this host: AMD sysfs counters,
// then nvidia-smi.
func Auto() Probe {
	return Chain{NewSysfsProbe(), NewNvidiaSMIProbe()}
}
