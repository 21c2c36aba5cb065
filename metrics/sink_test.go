package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServeHTTPWritesRegisteredGauge(t *testing.T) {
	s := New(nil, nil)
	g := s.Gauge("hcache/fresh_any/hits")
	g.Update(42)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "hcache/fresh_any/hits") {
		t.Fatalf("response missing registered gauge: %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json prefix", ct)
	}
}
