package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session ids must not leak into label values.
func TestMetricsMiddleware_LabelsSessionRoutesByPattern(t *testing.T) {
	r := chi.NewRouter()
	r.With(MetricsMiddleware).Post("/sessions/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"sess-0f3a91", "sess-77be02"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/turns", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", id, rr.Code)
		}
	}

	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := mrr.Body.Bytes()
	if !bytes.Contains(body, []byte(`path="/sessions/{id}/turns"`)) {
		t.Fatalf("route pattern label missing from metrics")
	}
	if bytes.Contains(body, []byte("sess-0f3a91")) || bytes.Contains(body, []byte("sess-77be02")) {
		t.Fatalf("raw session id leaked into metrics")
	}
}
