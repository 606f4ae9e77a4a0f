package modelcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qllmd/internal/engine"
	"qllmd/internal/engine/enginetest"
	"qllmd/internal/gpumem"
	"qllmd/internal/layout"
)

func testLayout() layout.Layout {
	return layout.Layout{
		LayerCount:     4,
		EmbeddingWidth: 64,
		PerLayerBytes:  []uint64{1 << 20, 1 << 20, 1 << 20, 1 << 20},
		GlobalBytes:    1 << 20,
	}
}

func staticLayouts() layout.Reader {
	return layout.ReaderFunc(func(string) (layout.Layout, error) { return testLayout(), nil })
}

func bigGPU() gpumem.Probe { return gpumem.Static{FreeBytes: 8 << 30, TotalBytes: 8 << 30} }

func defaultReq() Request { return Request{ContextLength: 512, ConcurrentContexts: 1, Threads: 2} }

func TestLoadReturnsSameHandleAndLoadsOnce(t *testing.T) {
	be := enginetest.New("x")
	c := New(Config{Layouts: staticLayouts(), Probe: bigGPU(), Backend: be})

	h1, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.NoError(t, err)
	h2, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, be.Loads())
	assert.Equal(t, uint32(4), h1.Plan.LayersOnGPU)
	assert.Equal(t, uint32(4), be.LastParams().GPULayers)
	assert.Equal(t, uint32(512), be.LastParams().ContextLength)
}

func TestLoadIgnoresDifferentParametersOnceCached(t *testing.T) {
	be := enginetest.New()
	c := New(Config{Layouts: staticLayouts(), Probe: bigGPU(), Backend: be})

	h1, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.NoError(t, err)
	other := Request{ContextLength: 4096, ConcurrentContexts: 8, HardCapBytes: 1}
	h2, err := c.Load(context.Background(), "/m/a.gguf", other)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, defaultReq(), h2.Params, "first caller's plan wins")
	assert.Equal(t, 1, be.Loads())
}

func TestLoadFailureCachesNothing(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	layouts := layout.ReaderFunc(func(string) (layout.Layout, error) {
		if fail.Load() {
			return layout.Layout{}, errors.New("truncated archive")
		}
		return testLayout(), nil
	})
	be := enginetest.New()
	c := New(Config{Layouts: layouts, Probe: bigGPU(), Backend: be})

	_, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.Error(t, err)
	assert.True(t, IsLoadFailure(err))
	assert.Empty(t, c.Entries())
	assert.Zero(t, be.Loads())

	fail.Store(false)
	h, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 1, be.Loads())
}

func TestMalformedArchiveIsLoadFailure(t *testing.T) {
	var malformed atomic.Bool
	malformed.Store(true)
	layouts := layout.ReaderFunc(func(string) (layout.Layout, error) {
		if malformed.Load() {
			return layout.FromTensors(1<<62, 4096, []layout.Tensor{{Name: "blk.0.attn_q.weight", Bytes: 1}})
		}
		return testLayout(), nil
	})
	be := enginetest.New()
	c := New(Config{Layouts: layouts, Probe: bigGPU(), Backend: be})

	_, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.Error(t, err)
	assert.True(t, IsLoadFailure(err))
	assert.Empty(t, c.Entries())

	malformed.Store(false)
	_, err = c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.NoError(t, err)
}

func TestPanickingReaderIsLoadFailure(t *testing.T) {
	layouts := layout.ReaderFunc(func(string) (layout.Layout, error) {
		panic("corrupt tensor table")
	})
	c := New(Config{Layouts: layouts, Probe: bigGPU(), Backend: enginetest.New()})

	var err error
	require.NotPanics(t, func() { _, err = c.Load(context.Background(), "/m/a.gguf", defaultReq()) })
	assert.True(t, IsLoadFailure(err))
	assert.Contains(t, err.Error(), "corrupt tensor table")
	assert.Empty(t, c.Entries())
}

func TestEngineLoadFailureCachesNothing(t *testing.T) {
	be := enginetest.New()
	be.LoadErr = engine.ErrUnavailable
	c := New(Config{Layouts: staticLayouts(), Probe: bigGPU(), Backend: be})

	_, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.Error(t, err)
	assert.True(t, IsLoadFailure(err))
	assert.ErrorIs(t, err, engine.ErrUnavailable)
	assert.Empty(t, c.Entries())
}

func TestConcurrentLoadersShareOneLoad(t *testing.T) {
	be := enginetest.New()
	be.Gate = make(chan struct{})
	c := New(Config{Layouts: staticLayouts(), Probe: bigGPU(), Backend: be})

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(be.Gate)
	wg.Wait()

	assert.Equal(t, 1, be.Loads())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

type backendFunc func(ctx context.Context, path string, p engine.ModelParams) (engine.Model, error)

func (f backendFunc) Load(ctx context.Context, path string, p engine.ModelParams) (engine.Model, error) {
	return f(ctx, path, p)
}

func TestUnrelatedPathsDoNotWait(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	fast := enginetest.New()
	be := backendFunc(func(ctx context.Context, path string, p engine.ModelParams) (engine.Model, error) {
		if path == "/m/slow.gguf" {
			<-gate
		}
		return fast.Load(ctx, path, p)
	})
	c := New(Config{Layouts: staticLayouts(), Probe: bigGPU(), Backend: be})

	go func() { _, _ = c.Load(context.Background(), "/m/slow.gguf", defaultReq()) }()
	time.Sleep(10 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := c.Load(context.Background(), "/m/fast.gguf", defaultReq())
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fast path waited on slow path")
	}
}

func TestWaiterCancellationLeavesLoadRunning(t *testing.T) {
	be := enginetest.New()
	be.Gate = make(chan struct{})
	c := New(Config{Layouts: staticLayouts(), Probe: bigGPU(), Backend: be})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, "/m/a.gguf", defaultReq())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(be.Gate)
	require.Eventually(t, func() bool { return len(c.Entries()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

type failingProbe struct{}

func (failingProbe) Query(context.Context, int) (gpumem.Snapshot, error) {
	return gpumem.Snapshot{}, errors.New("no driver")
}

func TestProbeFailurePlansForCPU(t *testing.T) {
	be := enginetest.New()
	c := New(Config{Layouts: staticLayouts(), Probe: failingProbe{}, Backend: be})
	h, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.NoError(t, err)
	assert.True(t, h.Plan.CPUOnly())
	assert.Zero(t, be.LastParams().GPULayers)
}

func TestAcquireReleaseDefersClose(t *testing.T) {
	be := enginetest.New()
	c := New(Config{Layouts: staticLayouts(), Probe: bigGPU(), Backend: be})

	h, err := c.Acquire(context.Background(), "/m/a.gguf", defaultReq())
	require.NoError(t, err)
	require.Equal(t, 1, c.Entries()[0].Refs)
	m := h.Model.(*enginetest.Model)

	assert.True(t, c.Unload("/m/a.gguf"))
	assert.False(t, m.Closed(), "weights stay while a session holds them")
	assert.Empty(t, c.Entries())

	c.Release(h)
	assert.True(t, m.Closed())
	assert.False(t, c.Unload("/m/a.gguf"))

	h2, err := c.Acquire(context.Background(), "/m/a.gguf", defaultReq())
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.Equal(t, 2, be.Loads())
}

func TestCloseRejectsLoads(t *testing.T) {
	be := enginetest.New()
	c := New(Config{Layouts: staticLayouts(), Probe: bigGPU(), Backend: be})
	h, err := c.Load(context.Background(), "/m/a.gguf", defaultReq())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, h.Model.(*enginetest.Model).Closed())
	_, err = c.Load(context.Background(), "/m/a.gguf", defaultReq())
	assert.ErrorIs(t, err, ErrClosed)
}
