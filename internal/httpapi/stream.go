package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"unicode/utf8"

	"qllmd/internal/manager"
	"qllmd/pkg/types"
)

// chunkWriter turns raw turn output into NDJSON TurnChunk lines. A trailing
// partial UTF-8 sequence is held back until the next write completes it.
type chunkWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	log     io.Writer
	flush   func()
	pending []byte
	started bool
}

func newChunkWriter(w http.ResponseWriter, lvl LogLevel) *chunkWriter {
	cw := &chunkWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		cw.flush = f.Flush
	}
	if lvl >= LevelDebug {
		cw.log = &loggingLineWriter{}
	}
	return cw
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.pending = append(cw.pending, p...)
	n := completePrefix(cw.pending)
	if n == 0 {
		return len(p), nil
	}
	text := string(cw.pending[:n])
	cw.pending = append(cw.pending[:0], cw.pending[n:]...)
	if err := cw.emit(types.TurnChunk{Text: text}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Started reports whether any line has been written.
func (cw *chunkWriter) Started() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.started
}

// finish writes any held bytes and the closing line.
func (cw *chunkWriter) finish(res manager.TurnResult, err error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if len(cw.pending) > 0 {
		_ = cw.emit(types.TurnChunk{Text: string(cw.pending)})
		cw.pending = nil
	}
	last := types.TurnChunk{
		Done:    true,
		Reason:  res.Reason,
		Tokens:  res.Tokens,
		Evicted: res.Evicted,
		Cursor:  res.Cursor,
	}
	if err != nil {
		last.Error = err.Error()
		if last.Reason == "" {
			last.Reason = manager.ReasonError
		}
	}
	_ = cw.emit(last)
}

func (cw *chunkWriter) emit(c types.TurnChunk) error {
	if !cw.started {
		cw.w.Header().Set("Content-Type", "application/x-ndjson")
		cw.started = true
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := cw.w.Write(b); err != nil {
		return err
	}
	if cw.log != nil {
		_, _ = cw.log.Write(b)
	}
	if cw.flush != nil {
		cw.flush()
	}
	return nil
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a UTF-8 sequence.
func completePrefix(b []byte) int {
	n := len(b)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return n
		}
		return i
	}
	return n
}
