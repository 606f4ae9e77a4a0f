package manager

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Infer runs one turn on a throwaway session. The session is pinned so
// capacity eviction cannot take it between creation and the turn. In shared
// mode the turn runs on the shared context like any other connection's.
func (m *Manager) Infer(ctx context.Context, prompt string, out io.Writer) (TurnResult, error) {
	id := "infer-" + uuid.NewString()
	if _, err := m.createSession(ctx, id, true); err != nil {
		return TurnResult{}, err
	}
	defer func() { _ = m.DestroySession(id) }()
	return m.SubmitTurn(ctx, id, prompt, out)
}

// ComputeEmbedding embeds text with connID's context. It waits for any
// running turn on that session.
func (m *Manager) ComputeEmbedding(ctx context.Context, connID, text string) ([]float32, error) {
	if !m.load.Embeddings {
		return nil, ErrDependencyUnavailable("embeddings disabled")
	}
	s, err := m.lookup(connID)
	if err != nil {
		return nil, err
	}
	release, err := m.beginTurn(ctx, s)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.ctx.Embed(text)
}
