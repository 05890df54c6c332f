// Package main implements a mock node agent daemon for local development and
// e2e testing. It serves the workspace and session endpoints the orchestrator
// speaks to on each fleet node, backed by in-memory state, so a full task run
// can be exercised without provisioning a real VM.
//
// Usage:
//
//	mock-agent -port 7070 -ready-delay 2s
//
// Workspaces start in "creating" status and report "running" once -ready-delay
// has elapsed, mimicking real workspace startup. Names listed in
// -fail-workspaces report "error" instead, which lets tests drive the
// workspace-failure path. With -heartbeat-url set, the agent POSTs synthetic
// utilization readings to the fleet API on an interval so a registered node
// turns running and stays healthy.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- agent wire types ---

type createWorkspaceRequest struct {
	Name          string   `json:"name"`
	TaskID        string   `json:"task_id,omitempty"`
	Repo          string   `json:"repo,omitempty"`
	ScopePatterns []string `json:"scope_patterns,omitempty"`
}

type createSessionRequest struct {
	WorkspaceID string `json:"workspace_id"`
	TaskID      string `json:"task_id,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// workspaceState is both the stored record and the JSON response shape.
type workspaceState struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionState struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
	TaskID      string `json:"task_id,omitempty"`
}

// --- Server ---

type server struct {
	readyDelay time.Duration
	failNames  map[string]bool

	mu         sync.Mutex
	workspaces map[string]*workspaceState
	sessions   map[string]*sessionState
	nextID     int

	calls atomic.Int64 // total API calls served
}

func newServer(readyDelay time.Duration, failNames []string) *server {
	fail := make(map[string]bool, len(failNames))
	for _, name := range failNames {
		if name = strings.TrimSpace(name); name != "" {
			fail[name] = true
		}
	}
	return &server{
		readyDelay: readyDelay,
		failNames:  fail,
		workspaces: make(map[string]*workspaceState),
		sessions:   make(map[string]*sessionState),
	}
}

func main() {
	port := flag.Int("port", 7070, "port to listen on")
	readyDelay := flag.Duration("ready-delay", 2*time.Second, "how long workspaces stay in creating before running")
	failWorkspaces := flag.String("fail-workspaces", "", "comma-separated workspace names that report error instead of running")
	heartbeatURL := flag.String("heartbeat-url", "", "fleet API heartbeat endpoint to POST utilization to (e.g. http://localhost:8080/fleet-api/nodes/<id>/heartbeat)")
	heartbeatInterval := flag.Duration("heartbeat-interval", 30*time.Second, "interval between heartbeat POSTs")
	flag.Parse()

	// Allow env var override
	if envURL := os.Getenv("MOCK_AGENT_HEARTBEAT_URL"); envURL != "" && *heartbeatURL == "" {
		*heartbeatURL = envURL
	}

	var failNames []string
	if *failWorkspaces != "" {
		failNames = strings.Split(*failWorkspaces, ",")
	}

	s := newServer(*readyDelay, failNames)

	if *heartbeatURL != "" {
		log.Printf("Heartbeating to %s every %s", *heartbeatURL, *heartbeatInterval)
		go heartbeatLoop(*heartbeatURL, *heartbeatInterval)
	}

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock node agent listening on %s (ready-delay=%s)", addr, *readyDelay)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/workspaces", s.handleWorkspaces)
	mux.HandleFunc("/workspaces/", s.handleWorkspaceByID)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)

	s.mu.Lock()
	s.nextID++
	ws := &workspaceState{
		ID:        fmt.Sprintf("ws-%d", s.nextID),
		Name:      req.Name,
		Status:    "creating",
		TaskID:    req.TaskID,
		CreatedAt: time.Now(),
	}
	s.workspaces[ws.ID] = ws
	s.mu.Unlock()

	log.Printf("[call %d] created workspace %s name=%s task=%s", callNum, ws.ID, ws.Name, ws.TaskID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ws)
}

func (s *server) handleWorkspaceByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/workspaces/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "workspace not found", http.StatusNotFound)
		return
	}

	s.calls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[id]
	if !ok {
		http.Error(w, "workspace not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.refreshLocked(ws)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ws)

	case http.MethodDelete:
		ws.Status = "stopped"
		// A real agent tears down the workspace's sessions with it.
		for _, sess := range s.sessions {
			if sess.WorkspaceID == ws.ID {
				sess.Status = "stopped"
			}
		}
		log.Printf("stopped workspace %s", ws.ID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.WorkspaceID == "" {
		http.Error(w, "workspace_id is required", http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[req.WorkspaceID]
	if !ok {
		http.Error(w, "workspace not found", http.StatusNotFound)
		return
	}
	s.refreshLocked(ws)
	if ws.Status != "running" {
		http.Error(w, fmt.Sprintf("workspace %s is %s", ws.ID, ws.Status), http.StatusConflict)
		return
	}

	s.nextID++
	sess := &sessionState{
		ID:          fmt.Sprintf("sess-%d", s.nextID),
		WorkspaceID: req.WorkspaceID,
		Status:      "running",
		TaskID:      req.TaskID,
	}
	s.sessions[sess.ID] = sess

	log.Printf("[call %d] created session %s in workspace %s", callNum, sess.ID, sess.WorkspaceID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(sess)
}

func (s *server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	s.calls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sess)

	case http.MethodDelete:
		sess.Status = "stopped"
		log.Printf("stopped session %s", sess.ID)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStats returns call and state counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	workspacesByStatus := make(map[string]int)
	for _, ws := range s.workspaces {
		s.refreshLocked(ws)
		workspacesByStatus[ws.Status]++
	}
	sessionsByStatus := make(map[string]int)
	for _, sess := range s.sessions {
		sessionsByStatus[sess.Status]++
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":          s.calls.Load(),
		"workspaces_by_status": workspacesByStatus,
		"sessions_by_status":   sessionsByStatus,
	})
}

// refreshLocked advances a creating workspace once its ready delay has
// elapsed. Caller holds s.mu.
func (s *server) refreshLocked(ws *workspaceState) {
	if ws.Status != "creating" {
		return
	}
	if time.Since(ws.CreatedAt) < s.readyDelay {
		return
	}
	if s.failNames[ws.Name] {
		ws.Status = "error"
		log.Printf("workspace %s (%s) failed to start (scripted)", ws.ID, ws.Name)
		return
	}
	ws.Status = "running"
	log.Printf("workspace %s (%s) is running", ws.ID, ws.Name)
}

// heartbeatLoop POSTs synthetic utilization to the fleet API so the node this
// agent represents turns running and stays healthy. Values wander a little to
// look alive in dashboards.
func heartbeatLoop(url string, interval time.Duration) {
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	send := func() {
		body, _ := json.Marshal(map[string]float64{
			"cpu_load_pct": 15 + rand.Float64()*20,
			"memory_pct":   30 + rand.Float64()*15,
			"disk_pct":     40 + rand.Float64()*5,
		})
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("heartbeat POST failed: %v", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			log.Printf("heartbeat rejected: HTTP %d", resp.StatusCode)
		}
	}

	send()
	for range ticker.C {
		send()
	}
}
