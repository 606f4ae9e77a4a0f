// Package enginetest provides a deterministic engine backend for tests.
//
// Prompt text tokenizes to one token per byte. Sampling replays Script; the
// piece "<eog>" (or the end of the script) ends a generation, after which the
// script starts over so every turn gets the same reply.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"qllmd/internal/engine"
)

// EOG is the script piece that ends a generation.
const EOG = "<eog>"

const (
	eogToken    engine.Token = -1
	scriptBase  engine.Token = 1 << 16
	embedLength              = 8
)

// Backend counts loads and hands out scripted models.
type Backend struct {
	Script []string
	// LoadErr, when set, fails every Load.
	LoadErr error
	// Gate, when non-nil, blocks Load until it is closed or ctx ends.
	Gate chan struct{}
	// DecodeErrAt fails DecodeBatch once the cursor would pass this position.
	DecodeErrAt uint32

	loads atomic.Int32
	mu    sync.Mutex
	last  engine.ModelParams
	ctxs  []*Context
}

func New(script ...string) *Backend { return &Backend{Script: script} }

// Loads reports how many successful loads happened.
func (b *Backend) Loads() int { return int(b.loads.Load()) }

// LastParams returns the parameters of the most recent load.
func (b *Backend) LastParams() engine.ModelParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Contexts returns every context created so far.
func (b *Backend) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.ctxs...)
}

func (b *Backend) Load(ctx context.Context, path string, p engine.ModelParams) (engine.Model, error) {
	if b.Gate != nil {
		select {
		case <-b.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	b.loads.Add(1)
	b.mu.Lock()
	b.last = p
	b.mu.Unlock()
	return &Model{b: b, path: path, params: p}, nil
}

// Model is a scripted weight set.
type Model struct {
	b      *Backend
	path   string
	params engine.ModelParams
	closed atomic.Bool
}

func (m *Model) Path() string { return m.path }
func (m *Model) Closed() bool { return m.closed.Load() }

func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Model) NewContext(p engine.ContextParams) (engine.Context, error) {
	if m.closed.Load() {
		return nil, errors.New("enginetest: model closed")
	}
	limit := p.ContextLength
	if limit == 0 {
		limit = m.params.ContextLength
	}
	c := &Context{model: m, limit: limit, pos: map[uint32]engine.Token{}}
	m.b.mu.Lock()
	m.b.ctxs = append(m.b.ctxs, c)
	m.b.mu.Unlock()
	return c, nil
}

// Context is a scripted running context that records its position cache.
type Context struct {
	model  *Model
	limit  uint32
	mu     sync.Mutex
	pos    map[uint32]engine.Token
	step   int
	closed bool
}

func (c *Context) Tokenize(text string) ([]engine.Token, error) {
	out := make([]engine.Token, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = engine.Token(text[i])
	}
	return out, nil
}

func (c *Context) DecodeBatch(tokens []engine.Token, start uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("enginetest: context closed")
	}
	end := uint64(start) + uint64(len(tokens))
	if end > uint64(c.limit) {
		return fmt.Errorf("enginetest: batch ends at %d beyond %d", end, c.limit)
	}
	if at := c.model.b.DecodeErrAt; at > 0 && end > uint64(at) {
		return fmt.Errorf("enginetest: injected decode failure at %d", at)
	}
	for i, t := range tokens {
		c.pos[start+uint32(i)] = t
	}
	return nil
}

func (c *Context) SampleNext() (engine.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	script := c.model.b.Script
	if c.step >= len(script) || script[c.step] == EOG {
		c.step = 0
		return eogToken, nil
	}
	t := scriptBase + engine.Token(c.step)
	c.step++
	return t, nil
}

func (c *Context) IsEndOfGeneration(t engine.Token) bool { return t == eogToken }

func (c *Context) Detokenize(t engine.Token) ([]byte, error) {
	switch {
	case t == eogToken:
		return nil, nil
	case t >= 0 && t < 256:
		return []byte{byte(t)}, nil
	case t >= scriptBase && int(t-scriptBase) < len(c.model.b.Script):
		return []byte(c.model.b.Script[t-scriptBase]), nil
	}
	return nil, fmt.Errorf("enginetest: unknown token %d", t)
}

// Embed returns a fixed-width vector derived from the byte sum of text.
func (c *Context) Embed(text string) ([]float32, error) {
	v := make([]float32, embedLength)
	for i := 0; i < len(text); i++ {
		v[i%embedLength] += float32(text[i])
	}
	return v, nil
}

func (c *Context) RemovePositions(from, to uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.pos {
		if p >= from && p < to {
			delete(c.pos, p)
		}
	}
	return nil
}

func (c *Context) ShiftPositions(from, to uint32, delta int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	moved := map[uint32]engine.Token{}
	for p, t := range c.pos {
		if p < from || p >= to {
			continue
		}
		np := int64(p) + int64(delta)
		if np < 0 {
			return fmt.Errorf("enginetest: negative position %d", np)
		}
		moved[uint32(np)] = t
	}
	for p := range c.pos {
		if p >= from && p < to {
			delete(c.pos, p)
		}
	}
	for p, t := range moved {
		c.pos[p] = t
	}
	return nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pos = map[uint32]engine.Token{}
	return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Positions returns the occupied positions in ascending order.
func (c *Context) Positions() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, 0, len(c.pos))
	for p := range c.pos {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TokenAt returns the token cached at position p.
func (c *Context) TokenAt(p uint32) (engine.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.pos[p]
	return t, ok
}

// Contiguous reports whether occupied positions form the run [0, n).
func (c *Context) Contiguous() bool {
	ps := c.Positions()
	for i, p := range ps {
		if p != uint32(i) {
			return false
		}
	}
	return true
}
