// Package session wraps one engine context with a cursor, an optional
// protected anchor region, and compression that evicts the oldest unanchored
// positions and renumbers the rest.
//
// Positions are always the contiguous run [0, Cursor()). The anchor region is
// the half-open range [start, end) and compression never touches it.
package session

import (
	"errors"
	"fmt"
	"sync"

	"qllmd/internal/engine"
	"qllmd/internal/metrics"
)

// State is the lifecycle state of a Context.
type State int

const (
	StateCreated State = iota
	StatePrimed
	StateGenerating
	StateCompressing
	StateEnded
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePrimed:
		return "primed"
	case StateGenerating:
		return "generating"
	case StateCompressing:
		return "compressing"
	case StateEnded:
		return "ended"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Context is one session's running state. Its methods lock internally so
// status readers are safe, but a turn's Prime/Next/Compress sequence must be
// driven by one goroutine at a time.
type Context struct {
	mu  sync.Mutex
	eng engine.Context

	cursor       uint32
	maxPositions uint32

	anchorStart uint32
	anchorEnd   uint32
	hasStart    bool
	hasEnd      bool

	state State
}

// New wraps eng, which must be freshly created and empty.
func New(eng engine.Context, maxPositions uint32) *Context {
	return &Context{eng: eng, maxPositions: maxPositions, state: StateCreated}
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) Cursor() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Context) MaxPositions() uint32 { return c.maxPositions }

// Anchor returns the protected region. ok is false unless both ends are set.
func (c *Context) Anchor() (start, end uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchorStart, c.anchorEnd, c.hasStart && c.hasEnd
}

// Prime decodes tokens in one batch at the cursor. An empty batch is a no-op.
func (c *Context) Prime(tokens []engine.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primeLocked(tokens)
}

// PrimeText tokenizes text and primes with the result.
func (c *Context) PrimeText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return ErrDestroyed
	}
	tokens, err := c.eng.Tokenize(text)
	if err != nil {
		return &DecodeFailure{Op: "tokenize", Err: err}
	}
	return c.primeLocked(tokens)
}

// Tokenize runs the engine tokenizer without touching the running state.
func (c *Context) Tokenize(text string) ([]engine.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return nil, ErrDestroyed
	}
	tokens, err := c.eng.Tokenize(text)
	if err != nil {
		return nil, &DecodeFailure{Op: "tokenize", Err: err}
	}
	return tokens, nil
}

func (c *Context) primeLocked(tokens []engine.Token) error {
	if c.state == StateDestroyed {
		return ErrDestroyed
	}
	if len(tokens) == 0 {
		return nil
	}
	if uint64(c.cursor)+uint64(len(tokens)) > uint64(c.maxPositions) {
		return &DecodeFailure{Op: "prime", Err: fmt.Errorf("%d tokens at cursor %d exceed %d positions", len(tokens), c.cursor, c.maxPositions)}
	}
	if err := c.eng.DecodeBatch(tokens, c.cursor); err != nil {
		return &DecodeFailure{Op: "prime", Err: err}
	}
	c.cursor += uint32(len(tokens))
	c.state = StatePrimed
	return nil
}

// AnchorStart marks the cursor as the start of the protected region and
// clears any previous end.
func (c *Context) AnchorStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return ErrDestroyed
	}
	c.anchorStart, c.hasStart = c.cursor, true
	c.anchorEnd, c.hasEnd = 0, false
	return nil
}

// AnchorEnd marks the cursor as the exclusive end of the protected region.
func (c *Context) AnchorEnd() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return ErrDestroyed
	}
	if !c.hasStart {
		return ErrAnchorOrder
	}
	c.anchorEnd, c.hasEnd = c.cursor, true
	return nil
}

// ClearAnchor forgets the protected region.
func (c *Context) ClearAnchor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasStart, c.hasEnd = false, false
	c.anchorStart, c.anchorEnd = 0, 0
}

// Next samples one token, decodes it back into the running state and returns
// its text. ErrEndOfGeneration ends the turn.
func (c *Context) Next() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateDestroyed:
		return nil, ErrDestroyed
	case StateCreated:
		return nil, ErrNotPrimed
	}
	if c.cursor >= c.maxPositions {
		return nil, &DecodeFailure{Op: "next", Err: errors.New("context full")}
	}
	tok, err := c.eng.SampleNext()
	if err != nil {
		return nil, &DecodeFailure{Op: "sample", Err: err}
	}
	if c.eng.IsEndOfGeneration(tok) {
		c.state = StateEnded
		return nil, ErrEndOfGeneration
	}
	frag, err := c.eng.Detokenize(tok)
	if err != nil {
		return nil, &DecodeFailure{Op: "detokenize", Err: err}
	}
	if err := c.eng.DecodeBatch([]engine.Token{tok}, c.cursor); err != nil {
		return nil, &DecodeFailure{Op: "next", Err: err}
	}
	c.cursor++
	c.state = StateGenerating
	metrics.TokensGeneratedTotal.Inc()
	return frag, nil
}

// Compress evicts the oldest unanchored positions until the cursor is at
// most target, or until only the anchor region and what precedes it remain.
// It returns the number of positions removed.
func (c *Context) Compress(target uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return 0, ErrDestroyed
	}
	if c.cursor <= target {
		return 0, nil
	}
	var base uint32
	if c.hasStart && c.hasEnd {
		base = c.anchorEnd
	}
	if c.cursor <= base {
		return 0, nil
	}
	k := min(c.cursor-target, c.cursor-base)

	prev := c.state
	c.state = StateCompressing
	if err := c.evictLocked(base, k); err != nil {
		c.state = prev
		return 0, err
	}
	c.state = prev
	if c.hasStart && !c.hasEnd && c.anchorStart >= base {
		if c.anchorStart < base+k {
			c.hasStart, c.anchorStart = false, 0
		} else {
			c.anchorStart -= k
		}
	}
	metrics.CompressionsTotal.Inc()
	metrics.PositionsEvictedTotal.Add(float64(k))
	return k, nil
}

// Reposition drops every position below origin and renumbers the rest to
// start at 0. Anchors move with their positions; a region evicted entirely
// is cleared and one evicted in part is clipped.
func (c *Context) Reposition(origin uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return ErrDestroyed
	}
	if origin == 0 || c.cursor == 0 {
		return nil
	}
	if origin > c.cursor {
		origin = c.cursor
	}
	prev := c.state
	c.state = StateCompressing
	if err := c.evictLocked(0, origin); err != nil {
		c.state = prev
		return err
	}
	c.state = prev

	switch {
	case c.hasEnd && c.anchorEnd <= origin:
		c.hasStart, c.hasEnd = false, false
		c.anchorStart, c.anchorEnd = 0, 0
	case c.hasEnd && c.anchorStart < origin:
		c.anchorStart = 0
		c.anchorEnd -= origin
	case c.hasStart && c.anchorStart < origin:
		c.hasStart, c.anchorStart = false, 0
	case c.hasStart:
		c.anchorStart -= origin
		if c.hasEnd {
			c.anchorEnd -= origin
		}
	}
	return nil
}

// evictLocked removes [from, from+k) and shifts [from+k, cursor) down by k.
func (c *Context) evictLocked(from, k uint32) error {
	if k == 0 {
		return nil
	}
	if err := c.eng.RemovePositions(from, from+k); err != nil {
		return &DecodeFailure{Op: "compress", Err: err}
	}
	if from+k < c.cursor {
		if err := c.eng.ShiftPositions(from+k, c.cursor, -int32(k)); err != nil {
			return &DecodeFailure{Op: "compress", Err: err}
		}
	}
	c.cursor -= k
	return nil
}

// Reset clears every position and the anchor, returning to Created.
func (c *Context) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return ErrDestroyed
	}
	if c.cursor > 0 {
		if err := c.eng.RemovePositions(0, c.cursor); err != nil {
			return &DecodeFailure{Op: "reset", Err: err}
		}
	}
	c.cursor = 0
	c.hasStart, c.hasEnd = false, false
	c.anchorStart, c.anchorEnd = 0, 0
	c.state = StateCreated
	return nil
}

// Embed computes an embedding of text without touching the running state.
func (c *Context) Embed(text string) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return nil, ErrDestroyed
	}
	v, err := c.eng.Embed(text)
	if err != nil {
		return nil, &DecodeFailure{Op: "embed", Err: err}
	}
	return v, nil
}

// Close frees the engine context. It is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return nil
	}
	c.state = StateDestroyed
	return c.eng.Close()
}
