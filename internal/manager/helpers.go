package manager

import (
	"io"
	"strings"

	"qllmd/internal/metrics"
	"qllmd/internal/scanner"
)

// framePrompt wraps user text the way the line protocol's ask always has:
// a delimited user header, the text with a leading space, then the assistant
// header the model continues from.
func framePrompt(text string) string {
	var b strings.Builder
	d := string(scanner.DefaultDelimiter)
	b.WriteString(d + "\nuser:\n")
	b.WriteString(" " + text)
	b.WriteString(d + "\nassistant:\n")
	return b.String()
}

// newScanner builds the per-turn output filter.
func (m *Manager) newScanner(out io.Writer, d scanner.Dispatcher) *scanner.Scanner {
	opts := scanner.Options{
		LineCapacity: m.lineCap,
		Dispatcher:   d,
		OnOverflow: func(n int) {
			metrics.LineOverflowBytesTotal.Add(float64(n))
			m.log.Debug().Int("bytes", n).Msg("line buffer overflow")
		},
	}
	if m.endMarker != "" {
		return scanner.NewMarker(out, m.endMarker, opts)
	}
	return scanner.NewDelimiter(out, scanner.DefaultDelimiter, opts)
}
