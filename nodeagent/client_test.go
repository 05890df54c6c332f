package nodeagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/c360studio/agentfleet/fleet"
)

func TestClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/health" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v, want nil", err)
	}
}

func TestClientHealthUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "starting up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	err := client.Health(context.Background())
	if err == nil {
		t.Fatal("Health() error = nil, want error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Health() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestClientCreateWorkspace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/workspaces" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req CreateWorkspaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Name != "fix-auth" {
			t.Errorf("Name = %q, want %q", req.Name, "fix-auth")
		}
		if req.TaskID != "t-1" {
			t.Errorf("TaskID = %q, want %q", req.TaskID, "t-1")
		}
		if len(req.ScopePatterns) != 1 || req.ScopePatterns[0] != "src/**" {
			t.Errorf("ScopePatterns = %v, want [src/**]", req.ScopePatterns)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(WorkspaceInfo{ID: "ws-abc", Name: req.Name, Status: "creating"}); err != nil {
			t.Fatalf("encode response: %v", err)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	info, err := client.CreateWorkspace(context.Background(), CreateWorkspaceRequest{
		Name:          "fix-auth",
		TaskID:        "t-1",
		ScopePatterns: []string{"src/**"},
	})
	if err != nil {
		t.Fatalf("CreateWorkspace() error = %v", err)
	}
	if info.ID != "ws-abc" {
		t.Errorf("ID = %q, want %q", info.ID, "ws-abc")
	}
	if info.Status != "creating" {
		t.Errorf("Status = %q, want %q", info.Status, "creating")
	}
}

func TestClientCreateWorkspaceRejectedNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "workspace limit reached", http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.CreateWorkspace(context.Background(), CreateWorkspaceRequest{Name: "w"})
	if err == nil {
		t.Fatal("CreateWorkspace() error = nil, want error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (4xx must not be retried)", got)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict {
		t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusConflict)
	}
}

func TestClientWorkspaceStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/workspaces/ws-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"ws-1","name":"fix-auth","status":"running"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	info, err := client.WorkspaceStatus(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("WorkspaceStatus() error = %v", err)
	}
	if info.Status != "running" {
		t.Errorf("Status = %q, want %q", info.Status, "running")
	}
}

func TestClientStopWorkspace(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodDelete || r.URL.Path != "/workspaces/ws-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if err := client.StopWorkspace(context.Background(), "ws-1"); err != nil {
		t.Errorf("StopWorkspace() error = %v, want nil", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestClientStopWorkspaceAlreadyGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such workspace", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if err := client.StopWorkspace(context.Background(), "ws-gone"); err != nil {
		t.Errorf("StopWorkspace() error = %v, want nil for 404", err)
	}
}

func TestClientCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sessions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.WorkspaceID != "ws-1" {
			t.Errorf("WorkspaceID = %q, want %q", req.WorkspaceID, "ws-1")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"sess-9","status":"running"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	info, err := client.CreateSession(context.Background(), CreateSessionRequest{
		WorkspaceID: "ws-1",
		TaskID:      "t-1",
		Prompt:      "fix the login flow",
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if info.ID != "sess-9" {
		t.Errorf("ID = %q, want %q", info.ID, "sess-9")
	}
}

func TestClientStopSessionAlreadyGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if err := client.StopSession(context.Background(), "sess-gone"); err != nil {
		t.Errorf("StopSession() error = %v, want nil for 404", err)
	}
}

func TestClientTrimsTrailingSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/health")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL + "/")
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	notFound := &APIError{StatusCode: http.StatusNotFound, Body: "gone"}
	if !IsNotFound(notFound) {
		t.Error("IsNotFound(404) = false, want true")
	}
	if !IsNotFound(fmt.Errorf("stop workspace: %w", notFound)) {
		t.Error("IsNotFound(wrapped 404) = false, want true")
	}
	if IsNotFound(&APIError{StatusCode: http.StatusConflict}) {
		t.Error("IsNotFound(409) = true, want false")
	}
	if IsNotFound(errors.New("connection refused")) {
		t.Error("IsNotFound(plain error) = true, want false")
	}
}

func TestNewDialer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dial := NewDialer(0, nil)
	node := &fleet.Node{ID: "n-1", AgentBaseURL: srv.URL}

	api := dial(node)
	if api == nil {
		t.Fatal("dial returned nil")
	}
	if err := api.Health(context.Background()); err != nil {
		t.Errorf("Health() through dialer error = %v", err)
	}
}
