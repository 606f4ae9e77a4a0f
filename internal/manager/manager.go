package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"qllmd/internal/cmdexec"
	"qllmd/internal/config"
	"qllmd/internal/modelcache"
	"qllmd/pkg/types"
)

type Manager struct {
	mu       sync.RWMutex
	state    State
	err      string
	registry []types.Model

	models    *modelcache.Cache
	modelPath string
	load      modelcache.Request
	seed      int
	mode      string

	// connection id -> session
	sessions  map[string]*Session
	shared    *Session
	sharedMu  sync.Mutex
	evictions uint64
	closed    bool

	maxSessions    int
	sessionTTL     time.Duration
	maxQueueDepth  int
	maxWait        time.Duration
	drainTimeout   time.Duration
	maxGen         int
	compressTarget uint32

	commands  *cmdexec.Executor
	endMarker string
	lineCap   int

	publisher EventPublisher
	log       zerolog.Logger
	startTime time.Time
	stop      chan struct{}
	startOnce sync.Once
}

// Start loads the model (creating the shared context in shared mode) and
// starts the idle-session janitor. Sessions created before Start load the
// model on demand.
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		if m.sessionTTL > 0 {
			go m.janitor(m.sessionTTL / 2)
		}
	})
	var err error
	if m.mode == config.ModeShared {
		_, err = m.sharedSession(ctx)
	} else if m.models != nil {
		_, err = m.models.Load(ctx, m.modelPath, m.load)
	} else {
		err = ErrDependencyUnavailable("no model cache configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDependencyUnavailable("manager closed")
	}
	if err != nil {
		m.state = StateError
		m.err = err.Error()
		return err
	}
	m.state = StateReady
	m.err = ""
	return nil
}

// Ready reports whether the model is loaded and sessions can be served.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady
}

// Mode returns the session mode fixed at construction.
func (m *Manager) Mode() string { return m.mode }

func (m *Manager) ListModels() []types.Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// return a shallow copy to avoid external mutation
	out := make([]types.Model, len(m.registry))
	copy(out, m.registry)
	return out
}

func (m *Manager) setError(err error) {
	m.mu.Lock()
	m.err = err.Error()
	m.mu.Unlock()
}
