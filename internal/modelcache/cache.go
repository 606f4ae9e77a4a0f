// Package modelcache loads model weights once per path and shares the handle
// across sessions.
//
// The cache is keyed strictly by path and is plan-insensitive once populated:
// the first caller's context length and memory budget decide the offload plan,
// and later callers asking with different parameters get the same handle.
// Population is exclusive per path; loads of unrelated paths run in parallel.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"qllmd/internal/engine"
	"qllmd/internal/gpumem"
	"qllmd/internal/layout"
	"qllmd/internal/metrics"
	"qllmd/internal/offload"
)

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("modelcache: closed")

// Config wires the cache to its collaborators.
type Config struct {
	Layouts layout.Reader
	Probe   gpumem.Probe
	Backend engine.Backend
	// GPU is the device index passed to the probe.
	GPU    int
	Logger zerolog.Logger
}

// Request carries the budget parameters of a load.
type Request struct {
	ContextLength      uint32 `json:"context_length"`
	HardCapBytes       uint64 `json:"hard_cap_bytes,omitempty"`
	ConcurrentContexts uint32 `json:"concurrent_contexts"`
	Threads            int    `json:"threads"`
	Embeddings         bool   `json:"embeddings"`
}

// Handle is a loaded, shared model. Fields are read-only after Load.
type Handle struct {
	Path     string
	Layout   layout.Layout
	Snapshot gpumem.Snapshot
	Estimate offload.Estimate
	Plan     offload.Plan
	Params   Request
	Model    engine.Model
	LoadedAt time.Time

	// guarded by Cache.mu
	refs     int
	detached bool
}

// Cache is the path-keyed model registry. Create one per process at the
// composition root and pass it down.
type Cache struct {
	cfg   Config
	log   zerolog.Logger
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*Handle
	closed  bool
}

func New(cfg Config) *Cache {
	if cfg.Probe == nil {
		cfg.Probe = gpumem.Static{}
	}
	return &Cache{cfg: cfg, log: cfg.Logger, entries: make(map[string]*Handle)}
}

// Load returns the handle for path, loading it on first use. Concurrent
// callers for the same uncached path share one load; a caller whose ctx ends
// while waiting gets ctx.Err() and the load continues for the others.
func (c *Cache) Load(ctx context.Context, path string, req Request) (*Handle, error) {
	if h, err := c.lookup(path); h != nil || err != nil {
		c.notePlanMismatch(h, req)
		return h, err
	}
	ch := c.group.DoChan(path, func() (any, error) {
		if h, err := c.lookup(path); h != nil || err != nil {
			return h, err
		}
		// Detached from the first caller: its cancellation must not fail
		// the callers sharing this load.
		h, err := c.loadRecovered(context.WithoutCancel(ctx), path, req)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = h.Model.Close()
			return nil, ErrClosed
		}
		c.entries[path] = h
		metrics.ModelsLoaded.Set(float64(len(c.entries)))
		return h, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		h := res.Val.(*Handle)
		c.notePlanMismatch(h, req)
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadRecovered turns a panic in a layout reader or backend into a
// LoadFailure. singleflight re-panics on its own goroutine, where nothing
// could recover it.
func (c *Cache) loadRecovered(ctx context.Context, path string, req Request) (h *Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ModelLoadsTotal.WithLabelValues("error").Inc()
			c.log.Error().Str("model", path).Interface("panic", r).Msg("model load panicked")
			h, err = nil, &LoadFailure{Path: path, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return c.load(ctx, path, req)
}

// Acquire loads path and takes a reference that keeps the weights alive
// until Release, even if the entry is unloaded meanwhile.
func (c *Cache) Acquire(ctx context.Context, path string, req Request) (*Handle, error) {
	for {
		h, err := c.Load(ctx, path, req)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if !h.detached {
			h.refs++
			c.mu.Unlock()
			return h, nil
		}
		c.mu.Unlock()
	}
}

// Release drops a reference taken by Acquire.
func (c *Cache) Release(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	closeNow := h.detached && h.refs == 0
	c.mu.Unlock()
	if closeNow {
		c.closeModel(h)
	}
}

// Unload removes the entry for path. Weights are freed once the last
// reference is released. It reports whether an entry existed.
func (c *Cache) Unload(path string) bool {
	c.mu.Lock()
	h, ok := c.entries[path]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, path)
	metrics.ModelsLoaded.Set(float64(len(c.entries)))
	h.detached = true
	closeNow := h.refs == 0
	c.mu.Unlock()
	if closeNow {
		c.closeModel(h)
	}
	c.log.Info().Str("model", path).Bool("deferred", !closeNow).Msg("model unloaded")
	return true
}

// Close unloads every entry; further loads fail with ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	c.mu.Unlock()
	for _, p := range paths {
		c.Unload(p)
	}
	return nil
}

// Entry is a status view of one cached model.
type Entry struct {
	Path        string `json:"path"`
	LayerCount  uint32 `json:"layer_count"`
	LayersOnGPU uint32 `json:"layers_on_gpu"`
	UsableBytes uint64 `json:"usable_bytes"`
	Refs        int    `json:"refs"`
	LoadedAt    int64  `json:"loaded_at"`
}

// Entries lists cached models ordered by path.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, h := range c.entries {
		out = append(out, Entry{
			Path:        h.Path,
			LayerCount:  h.Layout.LayerCount,
			LayersOnGPU: h.Plan.LayersOnGPU,
			UsableBytes: h.Estimate.Usable,
			Refs:        h.refs,
			LoadedAt:    h.LoadedAt.Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (c *Cache) lookup(path string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.entries[path], nil
}

func (c *Cache) load(ctx context.Context, path string, req Request) (*Handle, error) {
	start := time.Now()
	h, err := c.doLoad(ctx, path, req)
	metrics.ModelLoadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ModelLoadsTotal.WithLabelValues("error").Inc()
		c.log.Error().Err(err).Str("model", path).Msg("model load failed")
		return nil, err
	}
	metrics.ModelLoadsTotal.WithLabelValues("ok").Inc()
	metrics.OffloadLayers.WithLabelValues(filepath.Base(path)).Set(float64(h.Plan.LayersOnGPU))
	return h, nil
}

func (c *Cache) doLoad(ctx context.Context, path string, req Request) (*Handle, error) {
	if c.cfg.Layouts == nil || c.cfg.Backend == nil {
		return nil, &LoadFailure{Path: path, Err: errors.New("cache has no layout reader or backend")}
	}
	l, err := c.cfg.Layouts.ReadLayout(path)
	if err != nil {
		return nil, &LoadFailure{Path: path, Err: err}
	}

	snap, err := c.cfg.Probe.Query(ctx, c.cfg.GPU)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn().Err(err).Int("gpu", c.cfg.GPU).Msg("gpu memory probe failed; planning for cpu")
		snap = gpumem.Snapshot{}
	}
	metrics.GPUFreeBytes.Set(float64(snap.FreeBytes))

	est := offload.Explain(l, snap, offload.Request{
		ContextLength:      req.ContextLength,
		ConcurrentContexts: req.ConcurrentContexts,
		HardCapBytes:       req.HardCapBytes,
	})
	ev := c.log.Info()
	if est.Plan.CPUOnly() {
		ev = ev.Bool("cpu_only", true)
	}
	ev.Str("model", path).
		Str("gpu", snap.String()).
		Uint32("layers", l.LayerCount).
		Uint32("layers_on_gpu", est.Plan.LayersOnGPU).
		Str("kv_per_context", humanize.IBytes(est.KVPerContext)).
		Str("usable", humanize.IBytes(est.Usable)).
		Msg("offload planned")

	m, err := c.cfg.Backend.Load(ctx, path, engine.ModelParams{
		GPULayers:     est.Plan.LayersOnGPU,
		ContextLength: req.ContextLength,
		Threads:       req.Threads,
		Embeddings:    req.Embeddings,
	})
	if err != nil {
		return nil, &LoadFailure{Path: path, Err: err}
	}
	return &Handle{
		Path:     path,
		Layout:   l,
		Snapshot: snap,
		Estimate: est,
		Plan:     est.Plan,
		Params:   req,
		Model:    m,
		LoadedAt: time.Now(),
	}, nil
}

func (c *Cache) notePlanMismatch(h *Handle, req Request) {
	if h == nil || h.Params == req {
		return
	}
	c.log.Debug().
		Str("model", h.Path).
		Interface("loaded_with", h.Params).
		Interface("requested", req).
		Msg("cached model reused with different parameters")
}

func (c *Cache) closeModel(h *Handle) {
	if err := h.Model.Close(); err != nil {
		c.log.Warn().Err(err).Str("model", h.Path).Msg("closing model")
	}
	metrics.OffloadLayers.DeleteLabelValues(filepath.Base(h.Path))
}
