package types

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Models found in the models directory.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// CreateSessionRequest is the optional body of POST /sessions.
type CreateSessionRequest struct {
	// Connection id to bind. Empty lets the server pick one.
	// example: 0b6c8f0e-5c43-4a9d-9f0c-1d1e1f7a9b11
	ID string `json:"id,omitempty" example:"0b6c8f0e-5c43-4a9d-9f0c-1d1e1f7a9b11"`
}

// Session describes one bound session.
type Session struct {
	// Connection id the session is bound to.
	// example: 0b6c8f0e-5c43-4a9d-9f0c-1d1e1f7a9b11
	ID string `json:"id" example:"0b6c8f0e-5c43-4a9d-9f0c-1d1e1f7a9b11"`
	// True when bound to the process-wide shared context.
	Shared bool `json:"shared"`
	// Context state (created, primed, generating, compressing, ended, destroyed).
	// example: primed
	State string `json:"state" example:"primed"`
	// Next free position.
	// example: 37
	Cursor uint32 `json:"cursor" example:"37"`
	// Context length of the session.
	// example: 512
	MaxPositions uint32 `json:"max_positions" example:"512"`
	// Protected region [anchor_start, anchor_end), present once both ends are set.
	AnchorStart *uint32 `json:"anchor_start,omitempty"`
	AnchorEnd   *uint32 `json:"anchor_end,omitempty"`
	// Turns waiting for or holding the session.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Whether a turn is running.
	Busy bool `json:"busy"`
	// example: 1700000000
	CreatedUnix int64 `json:"created_unix" example:"1700000000"`
	// example: 1700000000
	LastUsedUnix int64 `json:"last_used_unix" example:"1700000000"`
}

// TurnRequest is the body of POST /sessions/{id}/turns.
type TurnRequest struct {
	// User text for this turn.
	// example: What is 2+2?
	Text string `json:"text" example:"What is 2+2?"`
}

// InferRequest is the body of POST /infer: a single turn on a throwaway session.
type InferRequest struct {
	// Prompt text.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
}

// TurnChunk is one NDJSON line of a streamed turn. Text chunks carry Text;
// the final line has Done set and the turn summary.
type TurnChunk struct {
	// Generated text.
	Text string `json:"text,omitempty"`
	// Set on the final line.
	Done bool `json:"done,omitempty"`
	// Why generation stopped: eog, stop, max_tokens, canceled, destroyed.
	// example: eog
	Reason string `json:"reason,omitempty" example:"eog"`
	// Tokens generated in this turn.
	// example: 42
	Tokens int `json:"tokens,omitempty" example:"42"`
	// Positions removed by compression in this turn.
	// example: 0
	Evicted uint32 `json:"evicted,omitempty" example:"0"`
	// Cursor after the turn.
	// example: 120
	Cursor uint32 `json:"cursor,omitempty" example:"120"`
	// Error that ended the turn after streaming started.
	Error string `json:"error,omitempty"`
}

// EmbeddingRequest is the body of POST /sessions/{id}/embeddings.
type EmbeddingRequest struct {
	// example: The quick brown fox
	Text string `json:"text" example:"The quick brown fox"`
}

// EmbeddingResponse carries one embedding vector.
type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	// example: 4096
	Dimensions int `json:"dimensions" example:"4096"`
}

// LoadedModel summarizes one cached weight set for /status.
type LoadedModel struct {
	// example: /home/user/models/llm/tinyllama-q4.gguf
	Path string `json:"path" example:"/home/user/models/llm/tinyllama-q4.gguf"`
	// example: 22
	LayerCount uint32 `json:"layer_count" example:"22"`
	// example: 22
	LayersOnGPU uint32 `json:"layers_on_gpu" example:"22"`
	// GPU bytes left for layers when the plan was made.
	// example: 6442450944
	UsableBytes uint64 `json:"usable_bytes" example:"6442450944"`
	// example: 6.0 GiB
	Usable string `json:"usable" example:"6.0 GiB"`
	// Sessions holding the weights.
	// example: 1
	Refs int `json:"refs" example:"1"`
	// example: 1700000000
	LoadedUnix int64 `json:"loaded_unix" example:"1700000000"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall state: loading, ready, error or closed.
	// example: ready
	State string `json:"state" example:"ready"`
	// Session mode: per-connection or shared.
	// example: per-connection
	Mode string `json:"mode" example:"per-connection"`
	// Model path sessions are created on.
	// example: /home/user/models/llm/tinyllama-q4.gguf
	Model string `json:"model" example:"/home/user/models/llm/tinyllama-q4.gguf"`
	// Live sessions ordered by id.
	Sessions []Session `json:"sessions"`
	// Cached models.
	Models []LoadedModel `json:"models"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total sessions destroyed for idleness or capacity.
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
}
