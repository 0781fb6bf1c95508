package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eslider/mailkit/internal/fetchloop"
)

func TestHealthzReturnsOK(t *testing.T) {
	router := NewRouter(Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("got %+v", body)
	}
}

func TestStatusWithNilRunner(t *testing.T) {
	router := NewRouter(Config{Runner: nil})
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	jobs, ok := body["jobs"].(map[string]any)
	if !ok || len(jobs) != 0 {
		t.Fatalf("expected an empty jobs object for a nil runner, got %+v", body["jobs"])
	}
}

func TestStatusWithRunnerStats(t *testing.T) {
	runner := fetchloop.NewRunner()
	router := NewRouter(Config{Runner: runner})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if _, ok := body["jobs"]; !ok {
		t.Fatalf("expected a jobs key, got %+v", body)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	router := NewRouter(Config{})
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}
