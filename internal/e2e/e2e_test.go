package e2e

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"qllmd/internal/config"
	"qllmd/internal/engine/enginetest"
	"qllmd/internal/manager"
	"qllmd/pkg/types"
)

func TestHTTPSessionTurnFlow(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf", "beta.gguf")
	st := newStack(t, dir, "alpha", enginetest.New("4", enginetest.EOG), nil)
	base := st.http.URL

	resp, body := httpGet(t, base+"/models")
	var models types.ModelsResponse
	if err := json.Unmarshal(body, &models); err != nil || len(models.Models) != 2 {
		t.Fatalf("/models %d %s", resp.StatusCode, body)
	}

	resp, body = httpGet(t, base+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz %d %s", resp.StatusCode, body)
	}

	resp, body = httpDo(t, http.MethodPost, base+"/sessions", `{"id":"web-1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create %d %s", resp.StatusCode, body)
	}

	resp, body = httpDo(t, http.MethodPost, base+"/sessions/web-1/turns", `{"text":"2+2="}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turn %d %s", resp.StatusCode, body)
	}
	text, last := decodeChunks(t, body)
	if text != "4" || !last.Done || last.Reason != manager.ReasonEOG || last.Tokens != 1 {
		t.Fatalf("turn text=%q last=%+v", text, last)
	}

	resp, body = httpGet(t, base+"/sessions/web-1")
	var sess types.Session
	if err := json.Unmarshal(body, &sess); err != nil || sess.Cursor != last.Cursor || sess.AnchorStart == nil {
		t.Fatalf("session %d %s", resp.StatusCode, body)
	}

	resp, body = httpDo(t, http.MethodPost, base+"/sessions/web-1/embeddings", `{"text":"fox"}`)
	var emb types.EmbeddingResponse
	if err := json.Unmarshal(body, &emb); err != nil || emb.Dimensions == 0 {
		t.Fatalf("embeddings %d %s", resp.StatusCode, body)
	}

	resp, body = httpGet(t, base+"/status")
	var status types.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("/status %d %s", resp.StatusCode, body)
	}
	if status.State != "ready" || len(status.Sessions) != 1 || len(status.Models) != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}

	resp, _ = httpDo(t, http.MethodDelete, base+"/sessions/web-1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete %d", resp.StatusCode)
	}
	resp, _ = httpDo(t, http.MethodPost, base+"/sessions/web-1/turns", `{"text":"again"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("turn after delete %d", resp.StatusCode)
	}
}

func TestHTTPInferThrowawaySession(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	st := newStack(t, dir, "alpha.gguf", enginetest.New("hi", " there", enginetest.EOG), nil)

	resp, body := httpDo(t, http.MethodPost, st.http.URL+"/infer", `{"prompt":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/infer %d %s", resp.StatusCode, body)
	}
	text, last := decodeChunks(t, body)
	if text != "hi there" || !last.Done {
		t.Fatalf("infer text=%q last=%+v", text, last)
	}
	if n := len(st.mgr.Status().Sessions); n != 0 {
		t.Fatalf("throwaway session left behind: %d", n)
	}
}

func TestLineProtocolAskAndDisconnect(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	st := newStack(t, dir, "alpha", enginetest.New("4", enginetest.EOG), nil)

	lc := dialLine(t, st.line)
	lc.send(t, "chat")
	lc.send(t, "ask 2+2=")
	if got := lc.reply(t); got != "4" {
		t.Fatalf("ask reply %q", got)
	}
	lc.send(t, "embed fox")
	line, err := lc.r.ReadString('\n')
	if err != nil || len(strings.Fields(line)) == 0 {
		t.Fatalf("embed line %q %v", line, err)
	}
	if n := len(st.mgr.Status().Sessions); n != 1 {
		t.Fatalf("expected one line session, got %d", n)
	}

	lc.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for len(st.mgr.Status().Sessions) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not destroyed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSharedModeAcrossFrontEnds(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	st := newStack(t, dir, "alpha", enginetest.New("ok", enginetest.EOG), func(c *manager.ManagerConfig) {
		c.Mode = config.ModeShared
	})

	lc := dialLine(t, st.line)
	lc.send(t, "ask first")
	if got := lc.reply(t); got != "ok" {
		t.Fatalf("line reply %q", got)
	}
	before := st.mgr.Status().Sessions

	resp, body := httpDo(t, http.MethodPost, st.http.URL+"/sessions", `{"id":"web"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create %d %s", resp.StatusCode, body)
	}
	resp, body = httpDo(t, http.MethodPost, st.http.URL+"/sessions/web/turns", `{"text":"second"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("turn %d %s", resp.StatusCode, body)
	}
	_, last := decodeChunks(t, body)
	if len(before) == 0 || last.Cursor <= before[0].Cursor {
		t.Fatalf("shared context did not accumulate: before=%+v after=%+v", before, last)
	}
	if got := len(st.be.Contexts()); got != 1 {
		t.Fatalf("expected one shared context, got %d", got)
	}
}

func TestMaxSessionsEvictsIdle(t *testing.T) {
	dir := createTempModelsDir(t, "alpha.gguf")
	st := newStack(t, dir, "alpha", enginetest.New("x", enginetest.EOG), func(c *manager.ManagerConfig) {
		c.MaxSessions = 1
	})

	resp, _ := httpDo(t, http.MethodPost, st.http.URL+"/sessions", `{"id":"a"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create a %d", resp.StatusCode)
	}
	// An idle session is evicted to make room.
	resp, _ = httpDo(t, http.MethodPost, st.http.URL+"/sessions", `{"id":"b"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create b %d", resp.StatusCode)
	}
	resp, _ = httpGet(t, st.http.URL+"/sessions/a")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("evicted session still present: %d", resp.StatusCode)
	}
}
