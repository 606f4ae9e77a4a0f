// Package lineproto serves the plain-text TCP protocol: one command per line,
// generated text streamed back raw and each reply closed by the delimiter
// byte and a newline.
//
//	chat          start (or restart) this connection's session
//	ask <text>    run a turn and stream the reply
//	embed <text>  print the embedding as space separated floats
//
// Every connection gets its own opaque id. Closing the connection cancels
// any running turn and destroys the session.
package lineproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"qllmd/internal/manager"
	"qllmd/internal/metrics"
	"qllmd/internal/scanner"
	"qllmd/pkg/types"
)

// Service is the part of the manager the protocol drives.
type Service interface {
	CreateSession(ctx context.Context, id string) (types.Session, error)
	DestroySession(id string) error
	SubmitTurn(ctx context.Context, id, text string, w io.Writer) (manager.TurnResult, error)
	ComputeEmbedding(ctx context.Context, id, text string) ([]float32, error)
}

// CommandFunc handles one command line. args is the text after the command
// name with surrounding blanks removed.
type CommandFunc func(ctx context.Context, c *Conn, args string) error

type Config struct {
	// Delimiter closes every ask reply. Zero means scanner.DefaultDelimiter.
	Delimiter byte
	// MaxLineBytes bounds one command line. Zero means 64 KiB.
	MaxLineBytes int
	Logger       zerolog.Logger
}

type Server struct {
	svc      Service
	delim    byte
	maxLine  int
	log      zerolog.Logger
	handlers map[string]CommandFunc

	mu sync.Mutex
	ln net.Listener

	active sync.WaitGroup
}

// New returns a server with the chat, ask and embed commands registered.
func New(svc Service, cfg Config) *Server {
	s := &Server{
		svc:      svc,
		delim:    cfg.Delimiter,
		maxLine:  cfg.MaxLineBytes,
		log:      cfg.Logger,
		handlers: map[string]CommandFunc{},
	}
	if s.delim == 0 {
		s.delim = scanner.DefaultDelimiter
	}
	if s.maxLine <= 0 {
		s.maxLine = 64 << 10
	}
	s.Handle("chat", s.doChat)
	s.Handle("ask", s.doAsk)
	s.Handle("embed", s.doEmbed)
	return s
}

// Handle registers fn for name. It panics on duplicates and must be called
// before Serve.
func (s *Server) Handle(name string, fn CommandFunc) {
	if _, ok := s.handlers[name]; ok {
		panic(fmt.Sprintf("lineproto: duplicate handler for %q", name))
	}
	s.handlers[name] = fn
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// open connections to wind down. Cancelling ctx also cancels their turns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer ln.Close()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("line protocol listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.serveConn(ctx, conn)
		}()
	}
	s.active.Wait()
	return nil
}

// Conn is one client connection.
type Conn struct {
	ID string
	bw *bufio.Writer
	// open is true once a session is bound to ID.
	open bool
}

// Write sends p to the client immediately.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.bw.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.bw.Flush()
}

func (c *Conn) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c, format, args...)
}

func (s *Server) serveConn(parent context.Context, nc net.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c := &Conn{ID: uuid.NewString(), bw: bufio.NewWriter(nc)}
	log := s.log.With().Str("conn", c.ID).Str("remote", nc.RemoteAddr().String()).Logger()
	metrics.LineConnections.Inc()
	log.Debug().Msg("connected")
	go func() {
		<-ctx.Done()
		nc.Close()
	}()

	// Lines are read on their own goroutine so that a disconnect cancels a
	// turn that is still streaming.
	lines := make(chan string)
	go func() {
		defer close(lines)
		defer cancel()
		sc := bufio.NewScanner(nc)
		sc.Buffer(make([]byte, 0, 4096), s.maxLine)
		for sc.Scan() {
			select {
			case lines <- strings.TrimRight(sc.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Msg("read failed")
		}
	}()

	defer func() {
		nc.Close()
		if c.open {
			if err := s.svc.DestroySession(c.ID); err != nil && !manager.IsSessionNotFound(err) {
				log.Warn().Err(err).Msg("destroy session")
			}
		}
		metrics.LineConnections.Dec()
		log.Debug().Msg("disconnected")
	}()

	for line := range lines {
		name, args, _ := strings.Cut(line, " ")
		if name == "" {
			continue
		}
		fn, ok := s.handlers[name]
		if !ok {
			c.printf("error: unknown command %q\n", name)
			continue
		}
		metrics.LineCommandsTotal.WithLabelValues(name).Inc()
		if err := fn(ctx, c, strings.TrimSpace(args)); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Str("cmd", name).Msg("command failed")
		}
	}
}

func (s *Server) doChat(ctx context.Context, c *Conn, _ string) error {
	if _, err := s.svc.CreateSession(ctx, c.ID); err != nil {
		c.printf("error: %v\n", err)
		return err
	}
	c.open = true
	return nil
}

// ensure binds a session on first use so ask works without a prior chat.
func (s *Server) ensure(ctx context.Context, c *Conn) error {
	if c.open {
		return nil
	}
	return s.doChat(ctx, c, "")
}

func (s *Server) doAsk(ctx context.Context, c *Conn, args string) error {
	text := strings.Join(strings.Fields(args), " ")
	if err := s.ensure(ctx, c); err != nil {
		_, _ = c.Write([]byte{s.delim, '\n'})
		return err
	}
	_, err := s.svc.SubmitTurn(ctx, c.ID, text, c)
	if err != nil && ctx.Err() == nil {
		if manager.IsSessionNotFound(err) {
			c.open = false
		}
		c.printf("error: %v\n", err)
	}
	_, _ = c.Write([]byte{s.delim, '\n'})
	return err
}

func (s *Server) doEmbed(ctx context.Context, c *Conn, args string) error {
	if err := s.ensure(ctx, c); err != nil {
		return err
	}
	vec, err := s.svc.ComputeEmbedding(ctx, c.ID, args)
	if err != nil {
		c.printf("error: %v\n", err)
		return err
	}
	buf := make([]byte, 0, len(vec)*10)
	for i, v := range vec {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = strconv.AppendFloat(buf, float64(v), 'g', -1, 32)
	}
	buf = append(buf, '\n')
	_, err = c.Write(buf)
	return err
}
