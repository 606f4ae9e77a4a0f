package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qllmd/internal/engine/enginetest"
	"qllmd/internal/gpumem"
	"qllmd/internal/httpapi"
	"qllmd/internal/layout"
	"qllmd/internal/lineproto"
	"qllmd/internal/manager"
	"qllmd/internal/modelcache"
	"qllmd/internal/registry"
	"qllmd/pkg/types"
)

// createTempModelsDir creates a temporary directory populated with empty .gguf files
// and returns the directory path.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte(""), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

type stack struct {
	mgr  *manager.Manager
	be   *enginetest.Backend
	http *httptest.Server
	line string
}

// newStack wires a manager over a scripted backend to both front ends. The
// model file is resolved from modelsDir like the daemon does.
func newStack(t *testing.T, modelsDir, model string, be *enginetest.Backend, mut func(*manager.ManagerConfig)) *stack {
	t.Helper()
	reg, err := registry.NewGGUFScanner().Scan(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	path, err := registry.Resolve(model, modelsDir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	cache := modelcache.New(modelcache.Config{
		Layouts: layout.ReaderFunc(func(string) (layout.Layout, error) {
			return layout.Layout{LayerCount: 2, EmbeddingWidth: 32, PerLayerBytes: []uint64{1 << 20, 1 << 20}, GlobalBytes: 1 << 20}, nil
		}),
		Probe:   gpumem.Static{FreeBytes: 1 << 30, TotalBytes: 1 << 30},
		Backend: be,
	})
	cfg := manager.ManagerConfig{
		Registry:     reg,
		Models:       cache,
		ModelPath:    path,
		Load:         modelcache.Request{ContextLength: 256, ConcurrentContexts: 2, Embeddings: true},
		MaxWait:      time.Second,
		DrainTimeout: 100 * time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}
	mgr := manager.NewWithConfig(cfg)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	srv := httptest.NewServer(httpapi.NewMux(mgr))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = lineproto.New(mgr, lineproto.Config{}).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
		_ = mgr.Close()
	})
	return &stack{mgr: mgr, be: be, http: srv, line: ln.Addr().String()}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func httpDo(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func decodeChunks(t *testing.T, body []byte) (string, types.TurnChunk) {
	t.Helper()
	var text strings.Builder
	var last types.TurnChunk
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		var c types.TurnChunk
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			t.Fatalf("ndjson line %q: %v", line, err)
		}
		text.WriteString(c.Text)
		last = c
	}
	return text.String(), last
}

type lineClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialLine(t *testing.T, addr string) *lineClient {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return &lineClient{conn: c, r: bufio.NewReader(c)}
}

func (lc *lineClient) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(lc.conn, line+"\n"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

// reply reads up to the delimiter byte and the newline after it.
func (lc *lineClient) reply(t *testing.T) string {
	t.Helper()
	s, err := lc.r.ReadString(0x04)
	if err != nil {
		t.Fatalf("read reply: %v (got %q)", err, s)
	}
	if b, err := lc.r.ReadByte(); err != nil || b != '\n' {
		t.Fatalf("expected newline after delimiter, got %q %v", b, err)
	}
	return strings.TrimSuffix(s, "\x04")
}
