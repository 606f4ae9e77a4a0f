package ctl

import (
	"fmt"
	"io"
	"os"

	"qllmd/internal/logging"
)

// Log output goes to stderr through zerolog; stdout carries command results.
var (
	logOut   io.Writer = os.Stderr
	logLevel           = "info"
	logger             = logging.New(logOut, logLevel, "console")
)

func init() {
	SetLogLevel(envStr("QLLMCTL_LOG_LEVEL", "info"))
}

// SetLogLevel switches the CLI logger to level; unknown names mean info.
func SetLogLevel(level string) {
	logLevel = level
	logger = logging.New(logOut, level, "console")
}

func setLogOutput(w io.Writer) {
	logOut = w
	logger = logging.New(w, logLevel, "console")
}

func debug(format string, a ...any) { logger.Debug().Msgf(format, a...) }
func info(format string, a ...any)  { logger.Info().Msgf(format, a...) }
func warn(format string, a ...any)  { logger.Warn().Msgf(format, a...) }

// Env helpers
func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, err := fmt.Sscanf(v, "%d", &n)
		if err == nil {
			return n
		}
	}
	return def
}
