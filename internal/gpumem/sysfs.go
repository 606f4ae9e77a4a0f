package gpumem

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// SysfsProbe reads VRAM counters exported by DRM drivers under
// /sys/class/drm/cardN/device. amdgpu exposes mem_info_vram_total and
// mem_info_vram_used; other drivers are skipped.
type SysfsProbe struct {
	// sysRoot is "/sys" in production; tests point it at a synthetic tree.
	sysRoot string
}

func NewSysfsProbe() *SysfsProbe { return &SysfsProbe{sysRoot: "/sys"} }

func newSysfsProbeFrom(root string) *SysfsProbe { return &SysfsProbe{sysRoot: root} }

func (p *SysfsProbe) Query(ctx context.Context, gpu int) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	devices := p.devices()
	if gpu < 0 || gpu >= len(devices) {
		return Snapshot{}, ErrNoDevice
	}
	dev := devices[gpu]
	total := readSysfsUint64(filepath.Join(dev, "mem_info_vram_total"))
	used := readSysfsUint64(filepath.Join(dev, "mem_info_vram_used"))
	s := Snapshot{TotalBytes: total}
	if total > used {
		s.FreeBytes = total - used
	}
	return s, nil
}

// devices lists card device directories that expose VRAM counters, ordered
// by card number.
func (p *SysfsProbe) devices() []string {
	base := filepath.Join(p.sysRoot, "class", "drm")
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil
	}
	type card struct {
		n    int
		path string
	}
	var cards []card
	for _, e := range entries {
		n, ok := cardIndex(e.Name())
		if !ok {
			continue
		}
		dev := filepath.Join(base, e.Name(), "device")
		if _, err := os.Stat(filepath.Join(dev, "mem_info_vram_total")); err != nil {
			continue
		}
		cards = append(cards, card{n: n, path: dev})
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].n < cards[j].n })
	out := make([]string, len(cards))
	for i, c := range cards {
		out[i] = c.path
	}
	return out
}

// cardIndex parses "card0" style names, rejecting connectors like "card0-DP-1".
func cardIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "card")
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

func readSysfsUint64(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
