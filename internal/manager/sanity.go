package manager

import (
	"os"

	"qllmd/internal/engine"
)

// SanityReport describes runtime checks for external dependencies.
type SanityReport struct {
	EngineBuilt bool   `json:"engine_built"`
	ModelFound  bool   `json:"model_found"`
	ModelPath   string `json:"model_path,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SanityCheck validates that the engine is compiled in and the model file is
// readable. It does not mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{EngineBuilt: engine.Built(), ModelPath: m.modelPath}
	if !r.EngineBuilt {
		r.Error = engine.ErrUnavailable.Error()
	}
	fi, err := os.Stat(m.modelPath)
	switch {
	case err != nil:
		if r.Error == "" {
			r.Error = err.Error()
		}
	case fi.IsDir():
		if r.Error == "" {
			r.Error = "model path is a directory"
		}
	default:
		r.ModelFound = true
	}
	return r
}
