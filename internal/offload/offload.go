// Package offload decides how many transformer layers of a model fit on the
// GPU.
//
// The engine can only offload a contiguous prefix of layers starting at layer
// 0, so the planner is a greedy prefix fit rather than an optimal placement.
// Every constant errs on the side of under-committing GPU memory: a plan that
// leaves memory unused degrades throughput, a plan that overcommits fails at
// decode time.
package offload

import (
	"math"

	"qllmd/internal/gpumem"
	"qllmd/internal/layout"
)

const (
	mib = 1 << 20

	// ScratchMargin is added to the largest layer for activation buffers.
	ScratchMargin uint64 = 64 * mib
	// Reserve is left free for the driver and the OS.
	Reserve uint64 = 128 * mib
	// KVBytesFactor covers the key and value caches at 4 bytes per element.
	KVBytesFactor uint64 = 2 * 4
)

// Plan is the outcome of planning. Zero layers is a valid CPU-only plan.
type Plan struct {
	LayersOnGPU uint32 `json:"layers_on_gpu"`
}

// CPUOnly reports whether nothing is offloaded.
func (p Plan) CPUOnly() bool { return p.LayersOnGPU == 0 }

// Request carries the non-layout planning inputs.
type Request struct {
	// ContextLength is the number of positions each context holds.
	ContextLength uint32
	// ConcurrentContexts is how many contexts will share the GPU.
	ConcurrentContexts uint32
	// HardCapBytes, when non-zero, caps the memory layers may use.
	HardCapBytes uint64
}

// Estimate is the cost breakdown behind a plan.
type Estimate struct {
	KVPerContext        uint64 `json:"kv_per_context"`
	WorkspacePerContext uint64 `json:"workspace_per_context"`
	ThisContext         uint64 `json:"this_context"`
	OtherContexts       uint64 `json:"other_contexts"`
	SystemOverhead      uint64 `json:"system_overhead"`
	// Usable is what remains for layer weights after every deduction and the
	// hard cap. Zero when nothing fits.
	Usable uint64 `json:"usable"`
	Plan   Plan   `json:"plan"`
}

// Compute plans the offload of l given snapshot s.
func Compute(l layout.Layout, s gpumem.Snapshot, req Request) Plan {
	return Explain(l, s, req).Plan
}

// Explain plans the offload and returns the intermediate costs.
func Explain(l layout.Layout, s gpumem.Snapshot, req Request) Estimate {
	var e Estimate
	if s.TotalBytes == 0 || s.FreeBytes == 0 {
		return e
	}
	usable := s.FreeBytes

	e.WorkspacePerContext = satAdd(l.LargestLayer(), ScratchMargin)
	e.KVPerContext = satMul(satMul(satMul(uint64(req.ContextLength), uint64(l.EmbeddingWidth)), uint64(l.LayerCount)), KVBytesFactor)
	e.SystemOverhead = e.KVPerContext / 10
	e.ThisContext = satAdd(e.KVPerContext, e.WorkspacePerContext)
	if req.ConcurrentContexts > 1 {
		perOther := ceilMulRatio(e.ThisContext, 3, 2)
		e.OtherContexts = satMul(perOther, uint64(req.ConcurrentContexts-1))
	}

	deduct := satAdd(satAdd(satAdd(Reserve, e.ThisContext), e.OtherContexts), e.SystemOverhead)
	if deduct >= usable {
		return e
	}
	usable -= deduct
	if req.HardCapBytes > 0 && req.HardCapBytes < usable {
		usable = req.HardCapBytes
	}
	e.Usable = usable

	var used uint64
	var layers uint32
	for i := uint32(0); i < l.LayerCount && int(i) < len(l.PerLayerBytes); i++ {
		need := ceilMulRatio(l.PerLayerBytes[i], 5, 2)
		if satAdd(used, need) > usable {
			break
		}
		used += need
		layers++
	}
	e.Plan = Plan{LayersOnGPU: layers}
	return e
}

func satAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func satMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxUint64/b {
		return math.MaxUint64
	}
	return a * b
}

// ceilMulRatio returns ceil(v * num / den) without overflowing for large v.
func ceilMulRatio(v, num, den uint64) uint64 {
	q, r := v/den, v%den
	return satAdd(satMul(q, num), (r*num+den-1)/den)
}
