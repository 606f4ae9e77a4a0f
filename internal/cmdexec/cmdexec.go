// Package cmdexec runs "$ cmd args" lines found in generated text and echoes
// their output to the client.
package cmdexec

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"qllmd/internal/metrics"
	"qllmd/internal/scanner"
)

// Prompt introduces a command inside a line.
const Prompt = "$ "

// MaxArgs bounds argv; the last entry keeps the rest of the line.
const MaxArgs = 7

// ErrNotAllowed is returned for commands outside the allowlist.
var ErrNotAllowed = errors.New("cmdexec: command not allowed")

type Config struct {
	// Allow lists permitted commands, matched exactly against argv[0].
	// Empty disables execution.
	Allow   []string
	Timeout time.Duration
	Dir     string
	Logger  zerolog.Logger
}

type Executor struct {
	allow   map[string]bool
	timeout time.Duration
	dir     string
	log     zerolog.Logger
}

func New(cfg Config) *Executor {
	e := &Executor{allow: map[string]bool{}, timeout: cfg.Timeout, dir: cfg.Dir, log: cfg.Logger}
	for _, a := range cfg.Allow {
		if a = strings.TrimSpace(a); a != "" {
			e.allow[a] = true
		}
	}
	if e.timeout <= 0 {
		e.timeout = 30 * time.Second
	}
	return e
}

// Enabled reports whether any command is allowed.
func (e *Executor) Enabled() bool { return e != nil && len(e.allow) > 0 }

// ParseCommandLine extracts argv from the text after the first "$ " in line.
func ParseCommandLine(line string) ([]string, bool) {
	i := strings.Index(line, Prompt)
	if i < 0 {
		return nil, false
	}
	rest := strings.TrimRight(line[i+len(Prompt):], "\r\n")
	if rest == "" {
		return nil, false
	}
	argv := strings.SplitN(rest, " ", MaxArgs)
	if argv[0] == "" {
		return nil, false
	}
	return argv, true
}

// Run executes argv with combined output written to w, followed by a newline.
func (e *Executor) Run(ctx context.Context, argv []string, w io.Writer) error {
	if len(argv) == 0 {
		return nil
	}
	if !e.allowed(argv[0]) {
		metrics.CommandsTotal.WithLabelValues("denied").Inc()
		return ErrNotAllowed
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if e.dir != "" {
		cmd.Dir = e.dir
	}
	cmd.Stdout = w
	cmd.Stderr = w
	err := cmd.Run()
	_, _ = io.WriteString(w, "\n")
	if err != nil {
		metrics.CommandsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.CommandsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (e *Executor) allowed(name string) bool { return e.allow[name] }

// Dispatcher returns a scanner dispatcher that runs command lines for one
// turn, writing output to w. Lines without a command are ignored. With no
// allowlist it returns nil.
func (e *Executor) Dispatcher(ctx context.Context, w io.Writer) scanner.Dispatcher {
	if !e.Enabled() {
		return nil
	}
	return scanner.DispatchFunc(func(line string) {
		argv, ok := ParseCommandLine(line)
		if !ok {
			return
		}
		if err := e.Run(ctx, argv, w); err != nil {
			e.log.Debug().Err(err).Strs("argv", argv).Msg("command failed")
		}
	})
}
