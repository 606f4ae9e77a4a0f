package manager

import (
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"qllmd/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	type binding struct {
		id       string
		s        *Session
		lastUsed time.Time
	}
	m.mu.RLock()
	resp := types.StatusResponse{
		State:          string(m.state),
		Mode:           m.mode,
		Model:          m.modelPath,
		LastError:      m.err,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
		EvictionsTotal: m.evictions,
	}
	bound := make([]binding, 0, len(m.sessions))
	for id, s := range m.sessions {
		bound = append(bound, binding{id: id, s: s, lastUsed: s.lastUsed})
	}
	m.mu.RUnlock()

	// Session accessors lock the context; keep them outside m.mu.
	resp.Sessions = make([]types.Session, 0, len(bound))
	for _, b := range bound {
		resp.Sessions = append(resp.Sessions, describe(b.id, b.s, b.lastUsed))
	}
	sort.Slice(resp.Sessions, func(i, j int) bool { return resp.Sessions[i].ID < resp.Sessions[j].ID })

	resp.Models = []types.LoadedModel{}
	if m.models != nil {
		for _, e := range m.models.Entries() {
			resp.Models = append(resp.Models, types.LoadedModel{
				Path:        e.Path,
				LayerCount:  e.LayerCount,
				LayersOnGPU: e.LayersOnGPU,
				UsableBytes: e.UsableBytes,
				Usable:      humanize.IBytes(e.UsableBytes),
				Refs:        e.Refs,
				LoadedUnix:  e.LoadedAt,
			})
		}
	}
	return resp
}
