package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type recordedRequest struct {
	method string
	route  string
	status int
}

type stubObserver struct {
	requests []recordedRequest
}

func (s *stubObserver) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	s.requests = append(s.requests, recordedRequest{method: method, route: route, status: status})
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestWriteAuditLog(t *testing.T) {
	buf := captureLogs(t)

	WriteAuditLog(context.Background(), "complete_rotation", "agent-1", "generation=2", "success")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log: %v", err)
	}
	if entry["operation"] != "complete_rotation" || entry["agent_id"] != "agent-1" || entry["result"] != "success" {
		t.Errorf("unexpected audit log: %v", entry)
	}
	if entry["audit"] != true {
		t.Error("expected audit flag")
	}
}

func TestRequestLogger(t *testing.T) {
	buf := captureLogs(t)
	observer := &stubObserver{}

	r := chi.NewRouter()
	r.Use(RequestLogger(observer))
	r.Get("/v1/agents/{agent_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/v1/agents/agent-1", "/v1/health"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if len(observer.requests) != 2 {
		t.Fatalf("expected 2 observed requests, got %d", len(observer.requests))
	}
	if got := observer.requests[0]; got.route != "/v1/agents/{agent_id}" || got.status != http.StatusTeapot {
		t.Errorf("unexpected observation: %+v", got)
	}
	// WriteHeaderを呼ばないハンドラは200として記録する
	if got := observer.requests[1]; got.status != http.StatusOK {
		t.Errorf("expected 200, got %d", got.status)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"route":"/v1/agents/{agent_id}"`)) {
		t.Errorf("expected route pattern in log, got %s", buf.String())
	}
}
