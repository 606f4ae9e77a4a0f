// Package config holds qllmd's runtime parameters: file loading, defaults,
// QLLMD_* environment overrides and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Session modes.
const (
	ModePerConnection = "per-connection"
	ModeShared        = "shared"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	LineAddr string `json:"line_addr" yaml:"line_addr" toml:"line_addr"`

	ModelPath string `json:"model_path" yaml:"model_path" toml:"model_path"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`

	ContextLength              uint32 `json:"context_length" yaml:"context_length" toml:"context_length"`
	ThreadCount                int    `json:"thread_count" yaml:"thread_count" toml:"thread_count"`
	MaxOffloadBytes            uint64 `json:"max_offload_bytes" yaml:"max_offload_bytes" toml:"max_offload_bytes"`
	ExpectedConcurrentSessions uint32 `json:"expected_concurrent_sessions" yaml:"expected_concurrent_sessions" toml:"expected_concurrent_sessions"`
	DisableEmbeddings          bool   `json:"disable_embeddings" yaml:"disable_embeddings" toml:"disable_embeddings"`
	// Seed for sampling; negative picks a random seed per context.
	Seed int `json:"seed" yaml:"seed" toml:"seed"`

	// GPUIndex selects the device the probe reports on.
	GPUIndex int `json:"gpu_index" yaml:"gpu_index" toml:"gpu_index"`
	// GPUFreeBytes and GPUTotalBytes, when both set, replace probing.
	GPUFreeBytes  uint64 `json:"gpu_free_bytes" yaml:"gpu_free_bytes" toml:"gpu_free_bytes"`
	GPUTotalBytes uint64 `json:"gpu_total_bytes" yaml:"gpu_total_bytes" toml:"gpu_total_bytes"`

	SessionMode       string `json:"session_mode" yaml:"session_mode" toml:"session_mode"`
	MaxSessions       int    `json:"max_sessions" yaml:"max_sessions" toml:"max_sessions"`
	SessionTTLSeconds int    `json:"session_ttl_seconds" yaml:"session_ttl_seconds" toml:"session_ttl_seconds"`
	MaxQueueDepth     int    `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitSeconds    int    `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds"`
	MaxGenTokens      int    `json:"max_gen_tokens" yaml:"max_gen_tokens" toml:"max_gen_tokens"`

	// EndMarker switches the scanner to multi-byte marker mode.
	EndMarker    string `json:"end_marker" yaml:"end_marker" toml:"end_marker"`
	LineCapacity int    `json:"line_capacity" yaml:"line_capacity" toml:"line_capacity"`

	AllowCommands         []string `json:"allow_commands" yaml:"allow_commands" toml:"allow_commands"`
	CommandTimeoutSeconds int      `json:"command_timeout_seconds" yaml:"command_timeout_seconds" toml:"command_timeout_seconds"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	TurnTimeoutSeconds int64    `json:"turn_timeout_seconds" yaml:"turn_timeout_seconds" toml:"turn_timeout_seconds"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Addr:                       ":8080",
		LineAddr:                   ":4242",
		ModelsDir:                  "~/models/llm",
		ContextLength:              512,
		ThreadCount:                DefaultThreads(),
		ExpectedConcurrentSessions: 1,
		Seed:                       -1,
		SessionMode:                ModePerConnection,
		MaxQueueDepth:              32,
		MaxWaitSeconds:             30,
		MaxGenTokens:               10240,
		LineCapacity:               16 << 10,
		CommandTimeoutSeconds:      30,
		LogLevel:                   "info",
		LogFormat:                  "console",
		MaxBodyBytes:               1 << 20,
	}
}

// DefaultThreads is half the online CPUs, at least one.
func DefaultThreads() int {
	return max(1, runtime.NumCPU()/2)
}

// Merge overlays the non-zero fields of o onto c.
func (c Config) Merge(o Config) Config {
	setStr(&c.Addr, o.Addr)
	setStr(&c.LineAddr, o.LineAddr)
	setStr(&c.ModelPath, o.ModelPath)
	setStr(&c.ModelsDir, o.ModelsDir)
	setNum(&c.ContextLength, o.ContextLength)
	setNum(&c.ThreadCount, o.ThreadCount)
	setNum(&c.MaxOffloadBytes, o.MaxOffloadBytes)
	setNum(&c.ExpectedConcurrentSessions, o.ExpectedConcurrentSessions)
	c.DisableEmbeddings = c.DisableEmbeddings || o.DisableEmbeddings
	setNum(&c.Seed, o.Seed)
	setNum(&c.GPUIndex, o.GPUIndex)
	setNum(&c.GPUFreeBytes, o.GPUFreeBytes)
	setNum(&c.GPUTotalBytes, o.GPUTotalBytes)
	setStr(&c.SessionMode, o.SessionMode)
	setNum(&c.MaxSessions, o.MaxSessions)
	setNum(&c.SessionTTLSeconds, o.SessionTTLSeconds)
	setNum(&c.MaxQueueDepth, o.MaxQueueDepth)
	setNum(&c.MaxWaitSeconds, o.MaxWaitSeconds)
	setNum(&c.MaxGenTokens, o.MaxGenTokens)
	setStr(&c.EndMarker, o.EndMarker)
	setNum(&c.LineCapacity, o.LineCapacity)
	if len(o.AllowCommands) > 0 {
		c.AllowCommands = append([]string(nil), o.AllowCommands...)
	}
	setNum(&c.CommandTimeoutSeconds, o.CommandTimeoutSeconds)
	setStr(&c.LogLevel, o.LogLevel)
	setStr(&c.LogFormat, o.LogFormat)
	c.CORSEnabled = c.CORSEnabled || o.CORSEnabled
	if len(o.CORSAllowedOrigins) > 0 {
		c.CORSAllowedOrigins = append([]string(nil), o.CORSAllowedOrigins...)
	}
	setNum(&c.MaxBodyBytes, o.MaxBodyBytes)
	setNum(&c.TurnTimeoutSeconds, o.TurnTimeoutSeconds)
	return c
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setNum[T int | int64 | uint32 | uint64](dst *T, v T) {
	if v != 0 {
		*dst = v
	}
}

// ApplyEnv overlays QLLMD_* environment variables. Malformed values are a
// ConfigError.
func (c Config) ApplyEnv() (Config, error) {
	return c.applyEnv(os.LookupEnv)
}

func (c Config) applyEnv(lookup func(string) (string, bool)) (Config, error) {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup("QLLMD_" + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, parse func(string) error) {
		v, ok := lookup("QLLMD_" + name)
		if !ok || v == "" {
			return
		}
		if err := parse(strings.TrimSpace(v)); err != nil {
			errs = append(errs, &ConfigError{Field: strings.ToLower(name), Msg: fmt.Sprintf("invalid value %q", v)})
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup("QLLMD_" + name); ok && v != "" {
			*dst = SplitCSV(v)
		}
	}
	flag := func(name string, dst *bool) {
		num(name, func(s string) error {
			b, err := strconv.ParseBool(s)
			if err == nil {
				*dst = b
			}
			return err
		})
	}

	str("ADDR", &c.Addr)
	str("LINE_ADDR", &c.LineAddr)
	str("MODEL_PATH", &c.ModelPath)
	str("MODELS_DIR", &c.ModelsDir)
	num("CONTEXT_LENGTH", func(s string) error { return parseUint32(s, &c.ContextLength) })
	num("THREAD_COUNT", func(s string) error { return parseInt(s, &c.ThreadCount) })
	num("MAX_OFFLOAD_BYTES", func(s string) error { return parseUint64(s, &c.MaxOffloadBytes) })
	num("EXPECTED_CONCURRENT_SESSIONS", func(s string) error { return parseUint32(s, &c.ExpectedConcurrentSessions) })
	flag("DISABLE_EMBEDDINGS", &c.DisableEmbeddings)
	num("SEED", func(s string) error { return parseInt(s, &c.Seed) })
	num("GPU_INDEX", func(s string) error { return parseInt(s, &c.GPUIndex) })
	num("GPU_FREE_BYTES", func(s string) error { return parseUint64(s, &c.GPUFreeBytes) })
	num("GPU_TOTAL_BYTES", func(s string) error { return parseUint64(s, &c.GPUTotalBytes) })
	str("SESSION_MODE", &c.SessionMode)
	num("MAX_SESSIONS", func(s string) error { return parseInt(s, &c.MaxSessions) })
	num("SESSION_TTL_SECONDS", func(s string) error { return parseInt(s, &c.SessionTTLSeconds) })
	num("MAX_GEN_TOKENS", func(s string) error { return parseInt(s, &c.MaxGenTokens) })
	str("END_MARKER", &c.EndMarker)
	list("ALLOW_COMMANDS", &c.AllowCommands)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	flag("CORS_ENABLED", &c.CORSEnabled)
	list("CORS_ALLOWED_ORIGINS", &c.CORSAllowedOrigins)

	return c, errors.Join(errs...)
}

func parseInt(s string, dst *int) error {
	v, err := strconv.Atoi(s)
	if err == nil {
		*dst = v
	}
	return err
}

func parseUint32(s string, dst *uint32) error {
	v, err := strconv.ParseUint(s, 10, 32)
	if err == nil {
		*dst = uint32(v)
	}
	return err
}

func parseUint64(s string, dst *uint64) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err == nil {
		*dst = v
	}
	return err
}

// SplitCSV splits a comma-separated list, trimming blanks and dropping
// empty entries.
func SplitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first invalid field as a ConfigError.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ModelPath) == "":
		return &ConfigError{Field: "model_path", Msg: "required"}
	case c.ContextLength == 0:
		return &ConfigError{Field: "context_length", Msg: "must be positive"}
	case c.ThreadCount < 0:
		return &ConfigError{Field: "thread_count", Msg: "must not be negative"}
	case c.ExpectedConcurrentSessions == 0:
		return &ConfigError{Field: "expected_concurrent_sessions", Msg: "must be at least 1"}
	case c.SessionMode != ModePerConnection && c.SessionMode != ModeShared:
		return &ConfigError{Field: "session_mode", Msg: fmt.Sprintf("unknown mode %q", c.SessionMode)}
	case c.MaxSessions < 0:
		return &ConfigError{Field: "max_sessions", Msg: "must not be negative"}
	case c.MaxGenTokens <= 0:
		return &ConfigError{Field: "max_gen_tokens", Msg: "must be positive"}
	case c.LineCapacity < 2:
		return &ConfigError{Field: "line_capacity", Msg: "must be at least 2"}
	case (c.GPUFreeBytes == 0) != (c.GPUTotalBytes == 0):
		return &ConfigError{Field: "gpu_free_bytes", Msg: "gpu_free_bytes and gpu_total_bytes must be set together"}
	case c.GPUFreeBytes > c.GPUTotalBytes:
		return &ConfigError{Field: "gpu_free_bytes", Msg: "exceeds gpu_total_bytes"}
	}
	return nil
}

// CompressTarget is the cursor compression aims for after each token.
func (c Config) CompressTarget() uint32 { return c.ContextLength * 4 / 5 }

// ConfigError reports a missing or invalid setting. It is fatal at startup
// and when creating sessions.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string { return "config: " + e.Field + ": " + e.Msg }

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
