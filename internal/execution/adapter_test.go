package execution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
)

type memRecorder struct {
	mu       sync.Mutex
	executed map[string]Outcome
	failures []Outcome
}

func newMemRecorder() *memRecorder {
	return &memRecorder{executed: map[string]Outcome{}}
}

func (m *memRecorder) Executed(_ context.Context, key string) (Outcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.executed[key]
	return out, ok, nil
}

func (m *memRecorder) Succeeded(_ context.Context, packet domain.ActionPacket, out Outcome) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.executed[packet.IdempotencyKey]; ok {
		return prior, nil
	}
	m.executed[packet.IdempotencyKey] = out
	return out, nil
}

func (m *memRecorder) Failed(_ context.Context, _ domain.ActionPacket, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, out)
	return nil
}

func createPacket() domain.ActionPacket {
	return domain.ActionPacket{
		Kind:           "action",
		Action:         domain.ActionCreateTask,
		Payload:        map[string]any{"title": "Write spec", "due": "2026-01-26"},
		IdempotencyKey: "0123456789abcdef0123456789abcdef",
	}
}

func TestExecuteCallsKernelOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/notion/tasks/create" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer gw-token" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Idempotency-Key") != "0123456789abcdef0123456789abcdef" || r.Header.Get("X-Request-Id") != "req-1" {
			t.Errorf("headers = %v", r.Header)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		payload, _ := body["payload"].(map[string]any)
		if body["request_id"] != "req-1" || body["actor"] != "alice" || payload["title"] != "Write spec" {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(`{"data":{"notion_page_id":"page_42"}}`))
	}))
	defer srv.Close()

	a := &Adapter{Enabled: true, Kernel: &HTTPKernel{BaseURL: srv.URL, Token: "gw-token"}, Timeout: time.Second}
	rec := newMemRecorder()
	for i := 0; i < 3; i++ {
		out, err := a.Execute(context.Background(), rec, createPacket(), "req-1", "alice")
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if out.Status != StatusSucceeded || out.ExternalID != "page_42" || out.Replayed != (i > 0) {
			t.Fatalf("attempt %d: outcome = %+v", i, out)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("kernel called %d times", n)
	}
}

func TestExecuteRecordsKernelFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"UPSTREAM","message":"notion unavailable"}}`))
	}))
	defer srv.Close()

	a := &Adapter{Enabled: true, Kernel: &HTTPKernel{BaseURL: srv.URL}, Timeout: time.Second}
	rec := newMemRecorder()
	out, err := a.Execute(context.Background(), rec, createPacket(), "req-1", "alice")
	e, ok := apperr.As(err)
	if !ok {
		t.Fatalf("expected an apperr, got %v", err)
	}
	if e.Code != apperr.CodeExecutionFailed || e.Details["status_code"] != http.StatusServiceUnavailable {
		t.Fatalf("error = %+v", e)
	}
	if out.Status != StatusFailed || out.Message != "notion unavailable" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(rec.failures) != 1 || len(rec.executed) != 0 {
		t.Fatalf("recorded failures=%d executed=%d", len(rec.failures), len(rec.executed))
	}
}

func TestExecuteTimeoutIsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := &Adapter{Enabled: true, Kernel: &HTTPKernel{BaseURL: srv.URL}, Timeout: 50 * time.Millisecond}
	rec := newMemRecorder()
	out, err := a.Execute(context.Background(), rec, createPacket(), "req-1", "alice")
	if got := apperr.CodeOf(err); got != apperr.CodeExecutionFailed {
		t.Fatalf("code = %s", got)
	}
	if out.StatusCode != 0 || out.Message != "execution kernel timed out" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(rec.failures) != 1 {
		t.Fatalf("failures = %d", len(rec.failures))
	}
}

func TestExecuteDisabled(t *testing.T) {
	a := &Adapter{}
	_, err := a.Execute(context.Background(), newMemRecorder(), createPacket(), "req-1", "alice")
	if got := apperr.CodeOf(err); got != apperr.CodeInvalidState {
		t.Fatalf("code = %s", got)
	}
}

func TestHTTPKernelUpdatePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/notion/tasks/update" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":{"notion_page_id":"page_1"}}`))
	}))
	defer srv.Close()
	k := &HTTPKernel{BaseURL: srv.URL + "/"}
	id, err := k.Call(context.Background(), Request{Action: domain.ActionUpdateTask, IdempotencyKey: "k"})
	if err != nil || id != "page_1" {
		t.Fatalf("call = %q, %v", id, err)
	}

	_, err = k.Call(context.Background(), Request{Action: "notion.tasks.delete"})
	var ke *KernelError
	if !errors.As(err, &ke) || ke.Code != "NOT_IMPLEMENTED" {
		t.Fatalf("expected NOT_IMPLEMENTED kernel error, got %v", err)
	}
}
