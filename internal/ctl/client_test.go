package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"qllmd/pkg/types"
)

// fakeDaemon answers the qllmd routes the client uses.
func fakeDaemon(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var readyPolls atomic.Int32
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, types.StatusResponse{State: "ready", Mode: "per-connection", Model: "/m/a.gguf",
			Sessions: []types.Session{{ID: "s1", State: "ended", Cursor: 9, MaxPositions: 256, LastUsedUnix: time.Now().Unix()}},
			Models:   []types.LoadedModel{{Path: "/m/a.gguf", LayerCount: 4, LayersOnGPU: 4, UsableBytes: 1 << 30, Refs: 1}}})
	})
	mux.HandleFunc("GET /models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, types.ModelsResponse{Models: []types.Model{{ID: "a.gguf", SizeBytes: 2048, Family: "llama"}}})
	})
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req types.CreateSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ID == "" {
			req.ID = "generated"
		}
		writeJSON(w, 201, types.Session{ID: req.ID, State: "created"})
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "s1" {
			writeJSON(w, 404, types.ErrorResponse{Error: "session not found: " + r.PathValue("id"), Code: 404})
			return
		}
		writeJSON(w, 200, types.Session{ID: "s1", State: "ended"})
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) })
	mux.HandleFunc("POST /sessions/{id}/reset", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) })
	mux.HandleFunc("POST /sessions/{id}/embeddings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, types.EmbeddingResponse{Embedding: []float32{0.5, -1}, Dimensions: 2})
	})
	turn := func(w http.ResponseWriter, text string) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		_ = enc.Encode(types.TurnChunk{Text: "echo:"})
		_ = enc.Encode(types.TurnChunk{Text: text})
		_ = enc.Encode(types.TurnChunk{Done: true, Reason: "eog", Tokens: 2, Cursor: 12})
	}
	mux.HandleFunc("POST /sessions/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		var req types.TurnRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Text == "fail" {
			w.Header().Set("Content-Type", "application/x-ndjson")
			_ = json.NewEncoder(w).Encode(types.TurnChunk{Done: true, Reason: "error", Error: "decode failed"})
			return
		}
		turn(w, r.PathValue("id")+"/"+req.Text)
	})
	mux.HandleFunc("POST /infer", func(w http.ResponseWriter, r *http.Request) {
		var req types.InferRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		turn(w, req.Prompt)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if readyPolls.Add(1) < 3 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &readyPolls
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		":8080":                  "http://127.0.0.1:8080",
		"box:9000":               "http://box:9000",
		"http://h:1/":            "http://h:1",
		" https://api.example ": "https://api.example",
	}
	for in, want := range cases {
		if got := baseURL(in); got != want {
			t.Fatalf("baseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientTurnStreamsText(t *testing.T) {
	srv, _ := fakeDaemon(t)
	c := NewClient(srv.URL)
	var out bytes.Buffer
	last, err := c.Turn(context.Background(), "s1", "2+2=", &out)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if out.String() != "echo:s1/2+2=" || last.Reason != "eog" || last.Cursor != 12 {
		t.Fatalf("out=%q last=%+v", out.String(), last)
	}

	out.Reset()
	if _, err := c.Turn(context.Background(), "", "hello", &out); err != nil || out.String() != "echo:hello" {
		t.Fatalf("infer: %v %q", err, out.String())
	}
}

func TestClientTurnErrorOnFinalChunk(t *testing.T) {
	srv, _ := fakeDaemon(t)
	last, err := NewClient(srv.URL).Turn(context.Background(), "s1", "fail", &bytes.Buffer{})
	if err == nil || err.Error() != "decode failed" || !last.Done {
		t.Fatalf("expected final-chunk error, got %v %+v", err, last)
	}
}

func TestClientAPIError(t *testing.T) {
	srv, _ := fakeDaemon(t)
	_, err := NewClient(srv.URL).Session(context.Background(), "nope")
	if !IsNotFound(err) {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
	if got := err.Error(); got != "404: session not found: nope" {
		t.Fatalf("error text = %q", got)
	}
}

func TestClientSessionCalls(t *testing.T) {
	srv, _ := fakeDaemon(t)
	c := NewClient(srv.URL)
	ctx := context.Background()
	s, err := c.CreateSession(ctx, "")
	if err != nil || s.ID != "generated" {
		t.Fatalf("create: %v %+v", err, s)
	}
	if err := c.ResetSession(ctx, "s1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := c.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	vec, err := c.Embed(ctx, "s1", "fox")
	if err != nil || fmt.Sprint(vec) != "[0.5 -1]" {
		t.Fatalf("embed: %v %v", err, vec)
	}
	models, err := c.Models(ctx)
	if err != nil || len(models) != 1 || models[0].ID != "a.gguf" {
		t.Fatalf("models: %v %+v", err, models)
	}
}

func TestWaitReady(t *testing.T) {
	srv, polls := fakeDaemon(t)
	if err := NewClient(srv.URL).WaitReady(context.Background(), 2*time.Second, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", polls.Load())
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) }))
	defer srv.Close()
	if err := NewClient(srv.URL).WaitReady(context.Background(), 50*time.Millisecond, 10*time.Millisecond); err == nil {
		t.Fatalf("expected timeout")
	}
}
