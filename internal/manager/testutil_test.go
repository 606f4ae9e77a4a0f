package manager

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"qllmd/internal/engine/enginetest"
	"qllmd/internal/gpumem"
	"qllmd/internal/layout"
	"qllmd/internal/modelcache"
)

const testModelPath = "/models/test.gguf"

var testLayout = layout.Layout{
	LayerCount:     4,
	EmbeddingWidth: 64,
	PerLayerBytes:  []uint64{1 << 20, 1 << 20, 1 << 20, 1 << 20},
	GlobalBytes:    1 << 20,
}

// newTestManager wires a manager to a scripted backend through a real model
// cache. mut may adjust the config before construction.
func newTestManager(t *testing.T, be *enginetest.Backend, mut func(*ManagerConfig)) *Manager {
	t.Helper()
	cache := modelcache.New(modelcache.Config{
		Layouts: layout.ReaderFunc(func(string) (layout.Layout, error) { return testLayout, nil }),
		Probe:   gpumem.Static{FreeBytes: 8 << 30, TotalBytes: 8 << 30},
		Backend: be,
	})
	cfg := ManagerConfig{
		Models:       cache,
		ModelPath:    testModelPath,
		Load:         modelcache.Request{ContextLength: 256, ConcurrentContexts: 1},
		MaxWait:      time.Second,
		DrainTimeout: 100 * time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}
	m := NewWithConfig(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// repeat returns n copies of piece, for long scripted replies.
func repeat(piece string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = piece
	}
	return out
}

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
