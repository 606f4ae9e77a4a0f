package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qllmd/internal/manager"
	"qllmd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	CreateSession(ctx context.Context, id string) (types.Session, error)
	Session(id string) (types.Session, error)
	DestroySession(id string) error
	ResetSession(ctx context.Context, id string) error
	SubmitTurn(ctx context.Context, id, text string, w io.Writer) (manager.TurnResult, error)
	ComputeEmbedding(ctx context.Context, id, text string) ([]float32, error)
	Infer(ctx context.Context, prompt string, w io.Writer) (manager.TurnResult, error)
}

type server struct {
	svc Service
}

func NewMux(svc Service) http.Handler {
	s := &server{svc: svc}
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Group(func(r chi.Router) {
		// Inside the group the route pattern is resolved before metrics run.
		r.Use(MetricsMiddleware)
		r.Group(func(r chi.Router) {
			// Compression for JSON endpoints
			r.Use(middleware.Compress(5))
			r.Get("/models", s.handleModels)
			r.Get("/status", s.handleStatus)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Delete("/sessions/{id}", s.handleDestroySession)
			r.Post("/sessions/{id}/reset", s.handleResetSession)
			r.Post("/sessions/{id}/embeddings", s.handleEmbeddings)
		})
		r.Post("/sessions/{id}/turns", s.handleTurn)
		r.Post("/infer", s.handleInfer)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON enforces the content type and body limit. With optional set an
// empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if optional && r.ContentLength == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if optional && err == io.EOF {
			return true
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleModels godoc
// @Summary      List models
// @Description  Lists the GGUF files found in the models directory.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.svc.ListModels()
	if models == nil {
		models = []types.Model{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

// handleStatus godoc
// @Summary      Daemon status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

// handleCreateSession godoc
// @Summary      Create a session
// @Description  Binds a fresh context to the given id, replacing any session it already had.
// @Tags         sessions
// @Accept       json
// @Produce      json
// @Param        body  body      types.CreateSessionRequest  false  "Session id"
// @Success      201   {object}  types.Session
// @Failure      429   {object}  types.ErrorResponse
// @Failure      503   {object}  types.ErrorResponse
// @Router       /sessions [post]
func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSessionRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	sess, err := s.svc.CreateSession(ctx, strings.TrimSpace(req.ID))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleGetSession godoc
// @Summary      Describe a session
// @Tags         sessions
// @Produce      json
// @Param        id   path      string  true  "Session id"
// @Success      200  {object}  types.Session
// @Failure      404  {object}  types.ErrorResponse
// @Router       /sessions/{id} [get]
func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDestroySession godoc
// @Summary      Destroy a session
// @Tags         sessions
// @Param        id   path  string  true  "Session id"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Router       /sessions/{id} [delete]
func (s *server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DestroySession(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResetSession godoc
// @Summary      Reset a session
// @Description  Clears the session's context once any running turn finishes.
// @Tags         sessions
// @Param        id   path  string  true  "Session id"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Failure      429  {object}  types.ErrorResponse
// @Router       /sessions/{id}/reset [post]
func (s *server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.svc.ResetSession(ctx, chi.URLParam(r, "id")); err != nil {
		if clientGone(r) {
			return
		}
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEmbeddings godoc
// @Summary      Embed text
// @Tags         sessions
// @Accept       json
// @Produce      json
// @Param        id    path      string                  true  "Session id"
// @Param        body  body      types.EmbeddingRequest  true  "Text to embed"
// @Success      200   {object}  types.EmbeddingResponse
// @Failure      404   {object}  types.ErrorResponse
// @Failure      503   {object}  types.ErrorResponse
// @Router       /sessions/{id}/embeddings [post]
func (s *server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	vec, err := s.svc.ComputeEmbedding(ctx, chi.URLParam(r, "id"), req.Text)
	if err != nil {
		if clientGone(r) {
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EmbeddingResponse{Embedding: vec, Dimensions: len(vec)})
}

// handleTurn godoc
// @Summary      Run a turn
// @Description  Streams the reply as NDJSON TurnChunk lines; the last line has done set.
// @Tags         sessions
// @Accept       json
// @Produce      application/x-ndjson
// @Param        id    path      string             true  "Session id"
// @Param        body  body      types.TurnRequest  true  "User text"
// @Success      200   {object}  types.TurnChunk
// @Failure      404   {object}  types.ErrorResponse
// @Failure      422   {object}  types.ErrorResponse
// @Failure      429   {object}  types.ErrorResponse
// @Router       /sessions/{id}/turns [post]
func (s *server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req types.TurnRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	id := chi.URLParam(r, "id")
	s.stream(w, r, "turn", map[string]any{"session": id}, func(ctx context.Context, out io.Writer) (manager.TurnResult, error) {
		return s.svc.SubmitTurn(ctx, id, req.Text, out)
	})
}

// handleInfer godoc
// @Summary      One-shot inference
// @Description  Runs a single turn on a throwaway session and streams NDJSON TurnChunk lines.
// @Tags         inference
// @Accept       json
// @Produce      application/x-ndjson
// @Param        body  body      types.InferRequest  true  "Prompt"
// @Success      200   {object}  types.TurnChunk
// @Failure      400   {object}  types.ErrorResponse
// @Failure      429   {object}  types.ErrorResponse
// @Router       /infer [post]
func (s *server) handleInfer(w http.ResponseWriter, r *http.Request) {
	var req types.InferRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	s.stream(w, r, "infer", nil, func(ctx context.Context, out io.Writer) (manager.TurnResult, error) {
		return s.svc.Infer(ctx, req.Prompt, out)
	})
}

// stream runs fn with an NDJSON writer. Errors before the first line become
// JSON error responses; later ones are reported on the final line.
func (s *server) stream(w http.ResponseWriter, r *http.Request, name string, fields map[string]any, fn func(context.Context, io.Writer) (manager.TurnResult, error)) {
	rl := requestLog{lvl: requestLogLevel(r), path: r.URL.Path, reqID: middleware.GetReqID(r.Context())}
	rl.start(name+" start", fields)
	start := time.Now()

	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := requestContext(r)
	defer cancel()
	if d := turnTimeoutDuration(); d > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, d)
		defer tcancel()
	}

	cw := newChunkWriter(w, rl.lvl)
	res, err := fn(ctx, cw)
	done := map[string]any{"dur": time.Since(start).String(), "reason": res.Reason, "tokens": res.Tokens}
	if err != nil && clientGone(r) {
		markClientClosed(w)
		observeTurn(name, "client_gone", res.Tokens)
		rl.end(name+" end", statusClientClosed, done, err)
		return
	}
	if err != nil && !cw.Started() {
		status := writeServiceError(w, err)
		observeTurn(name, "rejected", 0)
		rl.end(name+" end", status, done, err)
		return
	}
	cw.finish(res, err)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observeTurn(name, outcome, res.Tokens)
	rl.end(name+" end", http.StatusOK, done, err)
}
