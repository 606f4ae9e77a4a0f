package session

import (
	"errors"
	"fmt"
)

var (
	// ErrEndOfGeneration is returned by Next when the engine samples a stop
	// token. It ends the turn, not the session.
	ErrEndOfGeneration = errors.New("session: end of generation")
	// ErrDestroyed is returned by every operation after Close.
	ErrDestroyed = errors.New("session: destroyed")
	// ErrAnchorOrder is returned by AnchorEnd without a preceding AnchorStart.
	ErrAnchorOrder = errors.New("session: anchor end before anchor start")
	// ErrNotPrimed is returned by Next before anything was decoded.
	ErrNotPrimed = errors.New("session: not primed")
)

// DecodeFailure reports a batch the engine rejected or a context that ran
// out of positions. It terminates the current generation attempt; the
// session survives and may be compressed and re-primed.
type DecodeFailure struct {
	Op  string
	Err error
}

func (e *DecodeFailure) Error() string { return fmt.Sprintf("decode failure (%s): %v", e.Op, e.Err) }

func (e *DecodeFailure) Unwrap() error { return e.Err }

// IsDecodeFailure reports whether err is (or wraps) a DecodeFailure.
func IsDecodeFailure(err error) bool {
	var df *DecodeFailure
	return errors.As(err, &df)
}
