//go:build !llama

package engine

import "context"

// LlamaBackend is the stub compiled without the 'llama' tag. It refuses to
// load rather than pretending to run inference.
type LlamaBackend struct{}

func NewLlamaBackend() *LlamaBackend { return &LlamaBackend{} }

// Built reports whether real llama support is compiled in.
func Built() bool { return false }

func (b *LlamaBackend) Load(ctx context.Context, path string, p ModelParams) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrUnavailable
}
