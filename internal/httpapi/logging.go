package httpapi

import (
	"bytes"
	"log"
	"net/http"
	"os"

	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// loggingLineWriter logs complete NDJSON lines.
type loggingLineWriter struct {
	buf []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(lw.buf[:idx])
		if len(line) > 0 {
			if zlog != nil {
				zlog.Debug().Str("line", line).Msg("turn>")
			} else {
				log.Printf("turn> %s", line)
			}
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("QLLMD_HTTP_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLog carries per-request logging state for the streaming handlers.
type requestLog struct {
	lvl   LogLevel
	path  string
	reqID string
}

func (rl requestLog) start(msg string, fields map[string]any) {
	if rl.lvl < LevelInfo {
		return
	}
	if zlog != nil {
		z := zlog.Info().Str("path", rl.path).Fields(fields)
		if rl.reqID != "" {
			z = z.Str("request_id", rl.reqID)
		}
		z.Msg(msg)
		return
	}
	log.Printf("%s path=%s fields=%v", msg, rl.path, fields)
}

func (rl requestLog) end(msg string, status int, fields map[string]any, err error) {
	if rl.lvl < LevelInfo && !(rl.lvl >= LevelError && err != nil) {
		return
	}
	if zlog != nil {
		ev := zlog.Info()
		if err != nil {
			ev = zlog.Error().Err(err)
		}
		ev = ev.Str("path", rl.path).Int("status", status).Fields(fields)
		if rl.reqID != "" {
			ev = ev.Str("request_id", rl.reqID)
		}
		ev.Msg(msg)
		return
	}
	log.Printf("%s path=%s status=%d fields=%v err=%v", msg, rl.path, status, fields, err)
}
