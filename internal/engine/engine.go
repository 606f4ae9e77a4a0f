// Package engine defines the inference engine collaborator: loading weights,
// and per-context tokenize/decode/sample operations over a running position
// cache. Token math lives behind these interfaces; qllmd only sequences calls.
//
// Build tags:
//
//   - `llama`: in-process go-llama.cpp backend (cgo).
//   - default: a stub whose Load fails with ErrUnavailable, keeping default
//     builds cgo-free.
//
// Tests use the scripted backend in engine/enginetest.
package engine

import (
	"context"
	"errors"
)

// Token is an engine vocabulary id.
type Token int32

// ErrUnavailable is returned by backends that were not compiled in.
var ErrUnavailable = errors.New("engine: llama support not built (missing 'llama' build tag)")

// ModelParams are fixed at weight-load time.
type ModelParams struct {
	// GPULayers is the offloaded prefix length from the offload plan.
	GPULayers     uint32
	ContextLength uint32
	Threads       int
	// Embeddings enables Context.Embed.
	Embeddings bool
}

// ContextParams configure one running context on a loaded model.
type ContextParams struct {
	ContextLength uint32
	Threads       int
	Seed          int
}

// Backend loads model weights.
type Backend interface {
	Load(ctx context.Context, path string, p ModelParams) (Model, error)
}

// Model is a loaded, read-only weight set shared by many contexts.
type Model interface {
	NewContext(p ContextParams) (Context, error)
	Close() error
}

// Context owns the running decode state of one session. Calls on a Context
// must be serialised by the caller.
type Context interface {
	Tokenize(text string) ([]Token, error)
	// DecodeBatch feeds tokens at positions [start, start+len(tokens)).
	DecodeBatch(tokens []Token, start uint32) error
	SampleNext() (Token, error)
	IsEndOfGeneration(t Token) bool
	Detokenize(t Token) ([]byte, error)
	Embed(text string) ([]float32, error)
	// RemovePositions drops cached positions in [from, to).
	RemovePositions(from, to uint32) error
	// ShiftPositions renumbers cached positions in [from, to) by delta.
	ShiftPositions(from, to uint32, delta int32) error
	Close() error
}
