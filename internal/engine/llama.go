//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// LlamaBackend loads GGUF weights through go-llama.cpp.
//
// go-llama.cpp binds one llama context to each loaded model and does not
// expose per-position cache operations, so contexts created from the same
// model share it under a mutex and keep their own transcript, which is
// replayed on every sample.
type LlamaBackend struct{}

func NewLlamaBackend() *LlamaBackend { return &LlamaBackend{} }

// Built reports whether real llama support is compiled in.
func Built() bool { return true }

type llamaModel struct {
	mu     sync.Mutex
	l      *llama.LLama
	params ModelParams
	closed bool
}

func (b *LlamaBackend) Load(ctx context.Context, path string, p ModelParams) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []llama.ModelOption{
		llama.SetContext(int(p.ContextLength)),
		llama.SetGPULayers(int(p.GPULayers)),
	}
	if p.Embeddings {
		opts = append(opts, llama.EnableEmbeddings)
	}
	l, err := llama.New(path, opts...)
	if err != nil {
		return nil, err
	}
	return &llamaModel{l: l, params: p}, nil
}

func (m *llamaModel) NewContext(p ContextParams) (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("engine: model closed")
	}
	limit := p.ContextLength
	if limit == 0 || limit > m.params.ContextLength {
		limit = m.params.ContextLength
	}
	threads := p.Threads
	if threads <= 0 {
		threads = m.params.Threads
	}
	return &llamaContext{model: m, tr: newTranscript(limit), threads: max(1, threads), seed: p.Seed}, nil
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed && m.l != nil {
		m.l.Free()
		m.l = nil
	}
	m.closed = true
	return nil
}

type llamaContext struct {
	model   *llamaModel
	tr      *transcript
	threads int
	seed    int
}

func (c *llamaContext) predictOptions(tokens int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(tokens),
		llama.SetThreads(c.threads),
	}
	if c.seed != 0 {
		po = append(po, llama.SetSeed(c.seed))
	}
	return po
}

func (c *llamaContext) Tokenize(text string) ([]Token, error) {
	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	if c.model.l == nil {
		return nil, errors.New("engine: model closed")
	}
	_, ids, err := c.model.l.TokenizeString(text, c.predictOptions(0)...)
	if err != nil {
		return nil, err
	}
	return c.tr.split(text, len(ids)), nil
}

func (c *llamaContext) DecodeBatch(tokens []Token, start uint32) error {
	return c.tr.decode(tokens, start)
}

func (c *llamaContext) SampleNext() (Token, error) {
	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	if c.model.l == nil {
		return eogToken, errors.New("engine: model closed")
	}
	piece, err := c.model.l.Predict(c.tr.text(), c.predictOptions(1)...)
	if err != nil {
		return eogToken, err
	}
	if piece == "" {
		return eogToken, nil
	}
	return c.tr.intern(piece), nil
}

func (c *llamaContext) IsEndOfGeneration(t Token) bool { return t == eogToken }

func (c *llamaContext) Detokenize(t Token) ([]byte, error) {
	s, err := c.tr.piece(t)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (c *llamaContext) Embed(text string) ([]float32, error) {
	c.model.mu.Lock()
	defer c.model.mu.Unlock()
	if c.model.l == nil {
		return nil, errors.New("engine: model closed")
	}
	if !c.model.params.Embeddings {
		return nil, errors.New("engine: model loaded without embeddings")
	}
	return c.model.l.Embeddings(text, c.predictOptions(0)...)
}

func (c *llamaContext) RemovePositions(from, to uint32) error {
	c.tr.remove(from, to)
	return nil
}

func (c *llamaContext) ShiftPositions(from, to uint32, delta int32) error {
	return c.tr.shift(from, to, delta)
}

func (c *llamaContext) Close() error {
	c.tr = newTranscript(0)
	return nil
}
