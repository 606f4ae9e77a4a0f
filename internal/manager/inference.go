package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"qllmd/internal/metrics"
	"qllmd/internal/session"
)

// Turn stop reasons.
const (
	ReasonEOG       = "eog"
	ReasonStop      = "stop"
	ReasonMaxTokens = "max_tokens"
	ReasonCanceled  = "canceled"
	ReasonDestroyed = "destroyed"
	ReasonError     = "error"
)

// TurnResult summarises one turn.
type TurnResult struct {
	Tokens  int
	Reason  string
	Evicted uint32
	Cursor  uint32
}

// genResult is what the worker reports once it stops.
type genResult struct {
	reason  string
	tokens  int
	evicted uint32
	err     error
}

// SubmitTurn frames text as a user turn, primes connID's context with it and
// generates a reply. Generation runs on its own goroutine; fragments reach out
// in order through the turn's scanner, which also hands completed lines to
// the command executor. Cancelling ctx stops generation between tokens and
// returns ctx.Err() together with the partial result.
func (m *Manager) SubmitTurn(ctx context.Context, connID, text string, out io.Writer) (TurnResult, error) {
	s, err := m.lookup(connID)
	if err != nil {
		return TurnResult{}, err
	}
	// Admission: per-session FIFO queue, single in-flight
	release, err := m.beginTurn(ctx, s)
	if err != nil {
		return TurnResult{}, err
	}
	defer release()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	s.cancelTurn = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		s.cancelTurn = nil
		m.mu.Unlock()
	}()

	start := time.Now()
	m.publish(Event{Name: "turn_start", SessionID: connID})
	res, err := m.runTurn(ctx, turnCtx, cancel, s, text, out)
	res.Cursor = s.ctx.Cursor()
	metrics.TurnsTotal.WithLabelValues(res.Reason).Inc()
	m.publish(Event{Name: "turn_done", SessionID: connID, Fields: map[string]any{
		"reason": res.Reason, "tokens": res.Tokens, "evicted": res.Evicted,
	}})
	ev := m.log.Debug()
	if err != nil && !errors.Is(err, context.Canceled) {
		ev = m.log.Warn().Err(err)
	}
	ev.Str("session", connID).
		Str("reason", res.Reason).
		Int("tokens", res.Tokens).
		Uint32("evicted", res.Evicted).
		Uint32("cursor", res.Cursor).
		Dur("dur", time.Since(start)).
		Msg("turn done")
	return res, err
}

func (m *Manager) runTurn(ctx, turnCtx context.Context, cancel context.CancelFunc, s *Session, text string, out io.Writer) (TurnResult, error) {
	var res TurnResult
	evicted, err := m.primeTurn(s.ctx, text)
	res.Evicted = evicted
	if err != nil {
		res.Reason = reasonFor(err)
		return res, err
	}

	// Commands run on the caller's ctx so a marker stop does not kill them.
	sc := m.newScanner(out, m.commands.Dispatcher(ctx, out))
	frags := make(chan []byte)
	done := make(chan genResult, 1)
	go m.generate(turnCtx, s.ctx, frags, done)

	var stopped bool
	var writeErr error
	for frag := range frags {
		if stopped || writeErr != nil {
			continue
		}
		stop, err := sc.Feed(frag)
		if err != nil {
			writeErr = err
			cancel()
			continue
		}
		if stop {
			stopped = true
			cancel()
		}
	}
	g := <-done
	if err := sc.Finish(); err != nil && writeErr == nil {
		writeErr = err
	}

	res.Tokens = g.tokens
	res.Evicted += g.evicted
	res.Reason = g.reason
	switch {
	case stopped:
		res.Reason = ReasonStop
		return res, nil
	case ctx.Err() != nil:
		res.Reason = ReasonCanceled
		return res, ctx.Err()
	case s.ctx.State() == session.StateDestroyed:
		res.Reason = ReasonDestroyed
		return res, session.ErrDestroyed
	case writeErr != nil:
		res.Reason = ReasonCanceled
		return res, fmt.Errorf("write turn output: %w", writeErr)
	}
	return res, g.err
}

// primeTurn makes room for the framed prompt and decodes it as the turn's
// anchored region. It returns the positions evicted to make room.
func (m *Manager) primeTurn(sc *session.Context, text string) (uint32, error) {
	tokens, err := sc.Tokenize(framePrompt(text))
	if err != nil {
		return 0, err
	}
	limit := sc.MaxPositions()
	if uint64(len(tokens)) >= uint64(limit) {
		return 0, &session.DecodeFailure{Op: "prime", Err: fmt.Errorf("prompt of %d tokens leaves no room in %d positions", len(tokens), limit)}
	}
	n := uint32(len(tokens))

	// The previous turn's prompt is history now.
	sc.ClearAnchor()
	var evicted uint32
	if sc.Cursor()+n > m.compressTarget {
		var target uint32
		if n < m.compressTarget {
			target = m.compressTarget - n
		}
		if evicted, err = sc.Compress(target); err != nil {
			return 0, err
		}
	}
	if err := sc.AnchorStart(); err != nil {
		return evicted, err
	}
	if err := sc.Prime(tokens); err != nil {
		return evicted, err
	}
	return evicted, sc.AnchorEnd()
}

// generate is the per-turn worker. It samples until end of generation, the
// token cap or cancellation, compressing towards the target after every
// token. frags is closed when it returns.
func (m *Manager) generate(ctx context.Context, sc *session.Context, frags chan<- []byte, done chan<- genResult) {
	defer close(frags)
	var r genResult
	defer func() { done <- r }()
	for r.tokens < m.maxGen {
		if ctx.Err() != nil {
			r.reason = ReasonCanceled
			return
		}
		frag, err := sc.Next()
		if errors.Is(err, session.ErrEndOfGeneration) {
			r.reason = ReasonEOG
			return
		}
		if err != nil {
			r.reason, r.err = reasonFor(err), err
			return
		}
		r.tokens++
		k, err := sc.Compress(m.compressTarget)
		if err != nil {
			r.reason, r.err = reasonFor(err), err
			return
		}
		r.evicted += k
		select {
		case frags <- frag:
		case <-ctx.Done():
			r.reason = ReasonCanceled
			return
		}
	}
	r.reason = ReasonMaxTokens
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, session.ErrDestroyed):
		return ReasonDestroyed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	}
	return ReasonError
}
