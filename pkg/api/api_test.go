package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pithrun/pith/pkg/bus"
	"github.com/pithrun/pith/pkg/errkind"
	"github.com/pithrun/pith/pkg/store"
	"github.com/pithrun/pith/pkg/tools"
)

type stubOrchestrator struct {
	newSessionID string
	submitErr    error
	turnID       string
}

func (s *stubOrchestrator) NewSession(ctx context.Context) (string, error) {
	return s.newSessionID, nil
}
func (s *stubOrchestrator) SubmitTurn(sessionID, userText string, deadline time.Duration) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	return s.turnID, nil
}
func (s *stubOrchestrator) CompactSession(ctx context.Context, sessionID string) error { return nil }
func (s *stubOrchestrator) InfoSession(ctx context.Context, sessionID string) (string, error) {
	return "info", nil
}

func newTestServer(t *testing.T, orch Orchestrator) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := tools.NewRegistry()
	events := bus.NewEventBus()
	return New(orch, st, reg, events)
}

func TestHandleCreateSession(t *testing.T) {
	srv := newTestServer(t, &stubOrchestrator{newSessionID: "sess-1"})
	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["session_id"] != "sess-1" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHandleSubmitTurn_BusyReturns409(t *testing.T) {
	srv := newTestServer(t, &stubOrchestrator{submitErr: &errkind.Busy{SessionID: "sess-1"}})
	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/turns", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleSubmitTurn_Accepted(t *testing.T) {
	srv := newTestServer(t, &stubOrchestrator{turnID: "turn-1"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/turns", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("turn_id"); got != "turn-1" {
		t.Fatalf("expected turn_id header turn-1, got %q", got)
	}
}

func TestHandleHealthz(t *testing.T) {
	srv := newTestServer(t, &stubOrchestrator{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleCommand_UnknownCommandIs400(t *testing.T) {
	srv := newTestServer(t, &stubOrchestrator{})
	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/commands", strings.NewReader(`{"cmd":"bogus"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCommand_New(t *testing.T) {
	srv := newTestServer(t, &stubOrchestrator{newSessionID: "sess-2"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/commands", strings.NewReader(`{"cmd":"new"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["session_id"] != "sess-2" {
		t.Fatalf("unexpected body: %v", body)
	}
}
