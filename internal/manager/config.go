package manager

import (
	"time"

	"github.com/rs/zerolog"

	"qllmd/internal/cmdexec"
	"qllmd/internal/config"
	"qllmd/internal/modelcache"
	"qllmd/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultMaxGenTokens  = 10240
	defaultDrainTimeout  = 5 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Registry is what ListModels reports.
	Registry []types.Model
	Models   *modelcache.Cache
	// ModelPath is the weight file every session runs on.
	ModelPath string
	// Load carries the budget for the model load; Load.ContextLength is also
	// each session's position limit.
	Load modelcache.Request
	Seed int
	// Mode is config.ModePerConnection (default) or config.ModeShared.
	Mode string

	// MaxSessions caps per-connection sessions; 0 means unlimited.
	MaxSessions int
	// SessionTTL destroys per-connection sessions idle for longer; 0 disables.
	SessionTTL    time.Duration
	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration

	MaxGenTokens int
	// CompressTarget is the cursor compression aims for after each token.
	// Zero means four fifths of the context length.
	CompressTarget uint32
	// EndMarker switches turn output scanning from the delimiter byte to a
	// multi-byte marker.
	EndMarker    string
	LineCapacity int
	Commands     *cmdexec.Executor

	Publisher EventPublisher
	Logger    zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:     StateLoading,
		registry:  cfg.Registry,
		models:    cfg.Models,
		modelPath: cfg.ModelPath,
		load:      cfg.Load,
		seed:      cfg.Seed,
		mode:      cfg.Mode,
		sessions:  make(map[string]*Session),
		commands:  cfg.Commands,
		endMarker: cfg.EndMarker,
		lineCap:   cfg.LineCapacity,
		publisher: cfg.Publisher,
		log:       cfg.Logger,
		stop:      make(chan struct{}),
	}
	if m.mode == "" {
		m.mode = config.ModePerConnection
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if cfg.MaxSessions > 0 {
		m.maxSessions = cfg.MaxSessions
	}
	m.sessionTTL = cfg.SessionTTL
	// Apply defaults if unset
	if cfg.MaxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	} else {
		m.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		m.maxWait = defaultMaxWait
	} else {
		m.maxWait = cfg.MaxWait
	}
	if cfg.DrainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	} else {
		m.drainTimeout = cfg.DrainTimeout
	}
	if cfg.MaxGenTokens <= 0 {
		m.maxGen = defaultMaxGenTokens
	} else {
		m.maxGen = cfg.MaxGenTokens
	}
	m.compressTarget = cfg.CompressTarget
	if m.compressTarget == 0 || m.compressTarget > m.load.ContextLength {
		m.compressTarget = m.load.ContextLength * 4 / 5
	}
	m.startTime = time.Now()
	return m
}
