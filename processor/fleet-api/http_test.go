package fleetapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/storage"
)

// capturePublisher collects decoded task status audit events.
type capturePublisher struct {
	mu     sync.Mutex
	events []fleet.TaskStatusChangedEvent
}

func (c *capturePublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subject == fleet.TaskStatusChanged.Pattern {
		if ev, err := fleet.ParsePayload[fleet.TaskStatusChangedEvent](data); err == nil {
			c.events = append(c.events, *ev)
		}
	}
	return nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *capturePublisher) last() (fleet.TaskStatusChangedEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return fleet.TaskStatusChangedEvent{}, false
	}
	return c.events[len(c.events)-1], true
}

// setupTestComponent wires a Component to memory-backed stores.
func setupTestComponent(t *testing.T) (*Component, *storage.Stores, *capturePublisher) {
	t.Helper()

	stores := storage.NewMemoryStores()
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := &Component{
		name:    "fleet-api",
		config:  DefaultConfig(),
		logger:  logger,
		metrics: newAPIMetrics(),
		stores:  stores,
		events:  fleet.NewEvents(pub, "test", logger),
	}
	return c, stores, pub
}

// registerHandlers wires the component's handlers into a fresh mux and returns a test server.
func registerHandlers(c *Component) *httptest.Server {
	mux := http.NewServeMux()
	c.RegisterHTTPHandlers("api/fleet", mux)
	return httptest.NewServer(mux)
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func doDelete(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		t.Fatalf("build DELETE %s: %v", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	return resp
}

func seedTask(t *testing.T, stores *storage.Stores, id string, status fleet.Status) *fleet.Task {
	t.Helper()
	task := fleet.NewTask("p-1", "u-1", "Task "+id)
	task.ID = id
	task.Status = status
	if err := stores.Tasks.Create(context.Background(), task); err != nil {
		t.Fatalf("seed task %s: %v", id, err)
	}
	return task
}

func seedNode(t *testing.T, stores *storage.Stores, id string, fn func(*fleet.Node)) *fleet.Node {
	t.Helper()
	node := fleet.NewNode("u-1", "node-"+id)
	node.ID = id
	if fn != nil {
		fn(node)
	}
	if err := stores.Nodes.Create(context.Background(), node); err != nil {
		t.Fatalf("seed node %s: %v", id, err)
	}
	return node
}

func TestCreateTask(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/fleet/tasks", CreateTaskRequest{
		ProjectID:     "p-1",
		UserID:        "u-1",
		Title:         "Fix login flow",
		Description:   "The session cookie expires too early",
		Priority:      3,
		ScopePatterns: []string{"internal/auth/**", "cmd/server/*.go"},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var task fleet.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if task.ID == "" {
		t.Error("task ID should be assigned")
	}
	if task.Status != fleet.StatusDraft {
		t.Errorf("new task status = %s, want %s", task.Status, fleet.StatusDraft)
	}
	if task.Priority != 3 {
		t.Errorf("priority = %d, want 3", task.Priority)
	}
	if len(task.ScopePatterns) != 2 {
		t.Errorf("scope patterns = %v, want 2 entries", task.ScopePatterns)
	}

	stored, err := stores.Tasks.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("stored task: %v", err)
	}
	if stored.Title != "Fix login flow" {
		t.Errorf("stored title = %q", stored.Title)
	}
}

func TestCreateTask_Invalid(t *testing.T) {
	c, _, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	tests := []struct {
		name string
		req  CreateTaskRequest
	}{
		{"missing project", CreateTaskRequest{UserID: "u-1", Title: "x"}},
		{"missing user", CreateTaskRequest{ProjectID: "p-1", Title: "x"}},
		{"missing title", CreateTaskRequest{ProjectID: "p-1", UserID: "u-1"}},
		{"bad scope pattern", CreateTaskRequest{
			ProjectID: "p-1", UserID: "u-1", Title: "x",
			ScopePatterns: []string{"internal/[unclosed"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/fleet/tasks", tt.req)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestCreateTask_ProjectCap(t *testing.T) {
	c, _, _ := setupTestComponent(t)
	c.config.MaxTasksPerProject = 2
	srv := registerHandlers(c)
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+"/api/fleet/tasks", CreateTaskRequest{
			ProjectID: "p-cap", UserID: "u-1", Title: "Task",
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("task %d: expected 201, got %d", i, resp.StatusCode)
		}
	}

	resp := postJSON(t, srv.URL+"/api/fleet/tasks", CreateTaskRequest{
		ProjectID: "p-cap", UserID: "u-1", Title: "One too many",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 at the cap, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), string(fleet.ReasonLimitExceeded)) {
		t.Errorf("429 body should carry the reason code, got %q", body)
	}
}

func TestListTasks_Filters(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedTask(t, stores, "t-1", fleet.StatusReady)
	seedTask(t, stores, "t-2", fleet.StatusDraft)
	other := fleet.NewTask("p-2", "u-2", "Other project")
	other.ID = "t-3"
	if err := stores.Tasks.Create(context.Background(), other); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fetch := func(query string) []*fleet.Task {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/fleet/tasks" + query)
		if err != nil {
			t.Fatalf("GET tasks%s: %v", query, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET tasks%s: expected 200, got %d", query, resp.StatusCode)
		}
		var tasks []*fleet.Task
		if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return tasks
	}

	if got := fetch("?project_id=p-1"); len(got) != 2 {
		t.Errorf("project filter returned %d tasks, want 2", len(got))
	}
	if got := fetch("?project_id=p-1&status=ready"); len(got) != 1 || got[0].ID != "t-1" {
		t.Errorf("status filter returned %v, want just t-1", got)
	}
	if got := fetch("?user_id=u-2"); len(got) != 1 || got[0].ID != "t-3" {
		t.Errorf("user filter returned %v, want just t-3", got)
	}

	resp, err := http.Get(srv.URL + "/api/fleet/tasks?status=bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status filter: expected 400, got %d", resp.StatusCode)
	}
}

func TestGetTask(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedTask(t, stores, "t-1", fleet.StatusReady)

	resp, err := http.Get(srv.URL + "/api/fleet/tasks/t-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var task fleet.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID != "t-1" || task.Status != fleet.StatusReady {
		t.Errorf("got %s/%s, want t-1/ready", task.ID, task.Status)
	}

	missing, err := http.Get(srv.URL + "/api/fleet/tasks/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", missing.StatusCode)
	}
}

func TestDeleteTask(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedTask(t, stores, "t-done", fleet.StatusCompleted)
	seedTask(t, stores, "t-live", fleet.StatusInProgress)

	resp := doDelete(t, srv.URL+"/api/fleet/tasks/t-done")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var dr DeleteTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !dr.Deleted || dr.ID != "t-done" {
		t.Errorf("delete response = %+v", dr)
	}
	if _, err := stores.Tasks.Get(context.Background(), "t-done"); err == nil {
		t.Error("task should be gone from the store")
	}

	busy := doDelete(t, srv.URL+"/api/fleet/tasks/t-live")
	busy.Body.Close()
	if busy.StatusCode != http.StatusConflict {
		t.Errorf("deleting an executing task: expected 409, got %d", busy.StatusCode)
	}
}

func TestTransitionTask(t *testing.T) {
	c, stores, pub := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedTask(t, stores, "t-1", fleet.StatusDraft)

	resp := postJSON(t, srv.URL+"/api/fleet/tasks/t-1/status", TransitionTaskRequest{Status: "ready"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var task fleet.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.Status != fleet.StatusReady {
		t.Errorf("status = %s, want ready", task.Status)
	}

	if pub.count() != 1 {
		t.Fatalf("audit events = %d, want 1", pub.count())
	}
	ev, _ := pub.last()
	if ev.TaskID != "t-1" || ev.From != fleet.StatusDraft || ev.To != fleet.StatusReady {
		t.Errorf("event = %+v", ev)
	}
	if ev.Source != "http" {
		t.Errorf("event source = %q, want http", ev.Source)
	}

	if got := testutil.ToFloat64(c.metrics.taskTransitions.WithLabelValues("ready")); got != 1 {
		t.Errorf("transition counter = %v, want 1", got)
	}
}

func TestTransitionTask_Rejected(t *testing.T) {
	c, stores, pub := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedTask(t, stores, "t-1", fleet.StatusDraft)

	illegal := postJSON(t, srv.URL+"/api/fleet/tasks/t-1/status", TransitionTaskRequest{Status: "completed"})
	illegal.Body.Close()
	if illegal.StatusCode != http.StatusConflict {
		t.Errorf("draft to completed: expected 409, got %d", illegal.StatusCode)
	}

	unknown := postJSON(t, srv.URL+"/api/fleet/tasks/t-1/status", TransitionTaskRequest{Status: "paused"})
	unknown.Body.Close()
	if unknown.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown status: expected 400, got %d", unknown.StatusCode)
	}

	missing := postJSON(t, srv.URL+"/api/fleet/tasks/nope/status", TransitionTaskRequest{Status: "ready"})
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task: expected 404, got %d", missing.StatusCode)
	}

	if pub.count() != 0 {
		t.Errorf("rejected transitions published %d events, want 0", pub.count())
	}
}

func TestDependencies_AddListRemove(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedTask(t, stores, "t-a", fleet.StatusDraft)
	seedTask(t, stores, "t-b", fleet.StatusReady)

	resp := postJSON(t, srv.URL+"/api/fleet/tasks/t-a/dependencies", AddDependencyRequest{DependsOnID: "t-b"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add edge: expected 201, got %d", resp.StatusCode)
	}

	dup := postJSON(t, srv.URL+"/api/fleet/tasks/t-a/dependencies", AddDependencyRequest{DependsOnID: "t-b"})
	dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Errorf("duplicate edge: expected 409, got %d", dup.StatusCode)
	}

	list, err := http.Get(srv.URL + "/api/fleet/tasks/t-a/dependencies")
	if err != nil {
		t.Fatalf("GET dependencies: %v", err)
	}
	defer list.Body.Close()
	var deps DependenciesResponse
	if err := json.NewDecoder(list.Body).Decode(&deps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(deps.DependsOn) != 1 || deps.DependsOn[0].DependsOnID != "t-b" {
		t.Fatalf("depends_on = %+v", deps.DependsOn)
	}
	if deps.DependsOn[0].Status != fleet.StatusReady {
		t.Errorf("edge status = %s, want ready", deps.DependsOn[0].Status)
	}
	if !deps.Blocked {
		t.Error("t-a should be blocked while t-b is not completed")
	}

	rm := doDelete(t, srv.URL+"/api/fleet/tasks/t-a/dependencies/t-b")
	rm.Body.Close()
	if rm.StatusCode != http.StatusOK {
		t.Fatalf("remove edge: expected 200, got %d", rm.StatusCode)
	}
	again := doDelete(t, srv.URL+"/api/fleet/tasks/t-a/dependencies/t-b")
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("removing a removed edge: expected 404, got %d", again.StatusCode)
	}
}

func TestDependencies_Rejections(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedTask(t, stores, "t-a", fleet.StatusDraft)
	seedTask(t, stores, "t-b", fleet.StatusDraft)
	outsider := fleet.NewTask("p-other", "u-1", "Different project")
	outsider.ID = "t-x"
	if err := stores.Tasks.Create(context.Background(), outsider); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := postJSON(t, srv.URL+"/api/fleet/tasks/t-a/dependencies", AddDependencyRequest{DependsOnID: "t-b"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("seed edge: expected 201, got %d", resp.StatusCode)
	}

	tests := []struct {
		name   string
		taskID string
		depID  string
		want   int
	}{
		{"reverse edge closes a cycle", "t-b", "t-a", http.StatusBadRequest},
		{"self edge", "t-a", "t-a", http.StatusBadRequest},
		{"cross-project edge", "t-a", "t-x", http.StatusBadRequest},
		{"unknown task", "nope", "t-b", http.StatusNotFound},
		{"unknown dependency", "t-a", "nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/fleet/tasks/"+tt.taskID+"/dependencies",
				AddDependencyRequest{DependsOnID: tt.depID})
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestBlockedTasks(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedTask(t, stores, "t-a", fleet.StatusReady)
	seedTask(t, stores, "t-b", fleet.StatusReady)
	if err := stores.Deps.Add(context.Background(), fleet.TaskDependency{TaskID: "t-a", DependsOnID: "t-b"}); err != nil {
		t.Fatalf("seed edge: %v", err)
	}

	fetch := func() BlockedTasksResponse {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/fleet/tasks/blocked?project_id=p-1")
		if err != nil {
			t.Fatalf("GET blocked: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var br BlockedTasksResponse
		if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return br
	}

	if br := fetch(); len(br.BlockedIDs) != 1 || br.BlockedIDs[0] != "t-a" {
		t.Errorf("blocked = %v, want [t-a]", br.BlockedIDs)
	}

	// Completing the dependency unblocks the dependent.
	if _, err := stores.Tasks.Transition(context.Background(), "t-b", fleet.StatusReady, fleet.StatusCancelled, nil); err != nil {
		t.Fatalf("cancel t-b: %v", err)
	}
	if br := fetch(); len(br.BlockedIDs) != 1 {
		t.Errorf("cancelled dependency should still block, got %v", br.BlockedIDs)
	}

	done, err := stores.Tasks.Get(context.Background(), "t-b")
	if err != nil {
		t.Fatalf("get t-b: %v", err)
	}
	done.Status = fleet.StatusCompleted
	if err := stores.Tasks.Update(context.Background(), done); err != nil {
		t.Fatalf("complete t-b: %v", err)
	}
	if br := fetch(); len(br.BlockedIDs) != 0 {
		t.Errorf("completed dependency should unblock, got %v", br.BlockedIDs)
	}

	missing, err := http.Get(srv.URL + "/api/fleet/tasks/blocked")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Errorf("missing project_id: expected 400, got %d", missing.StatusCode)
	}
}

func TestRegisterNode(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/fleet/nodes", RegisterNodeRequest{
		UserID:       "u-1",
		Name:         "devbox",
		Size:         "medium",
		AgentBaseURL: "http://10.0.0.5:7070",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var nr NodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if nr.Node == nil || nr.Node.ID == "" {
		t.Fatal("node ID should be assigned")
	}
	if nr.Node.Status != fleet.NodeCreating {
		t.Errorf("status = %s, want creating", nr.Node.Status)
	}
	if nr.Health != fleet.HealthUnhealthy {
		t.Errorf("health = %s, want unhealthy before any heartbeat", nr.Health)
	}

	if _, err := stores.Nodes.Get(context.Background(), nr.Node.ID); err != nil {
		t.Errorf("stored node: %v", err)
	}

	bad := postJSON(t, srv.URL+"/api/fleet/nodes", RegisterNodeRequest{UserID: "u-1"})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("missing name: expected 400, got %d", bad.StatusCode)
	}
}

func TestHeartbeat(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedNode(t, stores, "n-1", nil)

	resp := postJSON(t, srv.URL+"/api/fleet/nodes/n-1/heartbeat", HeartbeatRequest{
		CPULoadPct: 42.5,
		MemoryPct:  61,
		DiskPct:    17,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var nr NodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if nr.Node.Status != fleet.NodeRunning {
		t.Errorf("first heartbeat should move creating to running, got %s", nr.Node.Status)
	}
	if nr.Health != fleet.HealthHealthy {
		t.Errorf("health = %s, want healthy right after a heartbeat", nr.Health)
	}
	if nr.Node.Metrics == nil || nr.Node.Metrics.CPULoadPct != 42.5 {
		t.Errorf("metrics = %+v", nr.Node.Metrics)
	}
	if nr.Node.LastHeartbeatAt == nil {
		t.Error("last heartbeat timestamp should be set")
	}

	if got := testutil.ToFloat64(c.metrics.heartbeats); got != 1 {
		t.Errorf("heartbeat counter = %v, want 1", got)
	}
}

func TestHeartbeat_Rejected(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedNode(t, stores, "n-1", nil)
	seedNode(t, stores, "n-stopped", func(n *fleet.Node) { n.Status = fleet.NodeStopped })

	bad := postJSON(t, srv.URL+"/api/fleet/nodes/n-1/heartbeat", HeartbeatRequest{CPULoadPct: 140})
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("out-of-range utilization: expected 400, got %d", bad.StatusCode)
	}

	missing := postJSON(t, srv.URL+"/api/fleet/nodes/nope/heartbeat", HeartbeatRequest{CPULoadPct: 10, MemoryPct: 10})
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown node: expected 404, got %d", missing.StatusCode)
	}

	stopped := postJSON(t, srv.URL+"/api/fleet/nodes/n-stopped/heartbeat", HeartbeatRequest{CPULoadPct: 10, MemoryPct: 10})
	stopped.Body.Close()
	if stopped.StatusCode != http.StatusConflict {
		t.Errorf("stopped node: expected 409, got %d", stopped.StatusCode)
	}
}

func TestListNodes(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedNode(t, stores, "n-1", func(n *fleet.Node) { n.Status = fleet.NodeRunning })
	seedNode(t, stores, "n-2", nil)

	resp, err := http.Get(srv.URL + "/api/fleet/nodes?status=running")
	if err != nil {
		t.Fatalf("GET nodes: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var nodes []NodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Node.ID != "n-1" {
		t.Errorf("running filter returned %d nodes", len(nodes))
	}

	bad, err := http.Get(srv.URL + "/api/fleet/nodes?status=hovering")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown node status: expected 400, got %d", bad.StatusCode)
	}
}

func TestDeleteNode(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedNode(t, stores, "n-idle", func(n *fleet.Node) { n.Status = fleet.NodeStopped })
	seedNode(t, stores, "n-busy", func(n *fleet.Node) { n.Status = fleet.NodeRunning })
	seedNode(t, stores, "n-auto", func(n *fleet.Node) {
		n.Status = fleet.NodeRunning
		n.AutoProvisioned = true
	})

	ws := fleet.NewWorkspace("n-busy", "t-1", "task-t-1")
	ws.Status = fleet.WorkspaceRunning
	if err := stores.Workspaces.Create(context.Background(), ws); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}

	busy := doDelete(t, srv.URL+"/api/fleet/nodes/n-busy")
	busy.Body.Close()
	if busy.StatusCode != http.StatusConflict {
		t.Errorf("node with active workspace: expected 409, got %d", busy.StatusCode)
	}

	auto := doDelete(t, srv.URL+"/api/fleet/nodes/n-auto")
	auto.Body.Close()
	if auto.StatusCode != http.StatusConflict {
		t.Errorf("running auto-provisioned node: expected 409, got %d", auto.StatusCode)
	}

	ok := doDelete(t, srv.URL+"/api/fleet/nodes/n-idle")
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("idle node: expected 200, got %d", ok.StatusCode)
	}
	if _, err := stores.Nodes.Get(context.Background(), "n-idle"); err == nil {
		t.Error("node should be gone from the store")
	}
}

func TestWorkspacesAndSessions(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	ws := fleet.NewWorkspace("n-1", "t-1", "task-t-1")
	ws.ID = "ws-1"
	ws.Status = fleet.WorkspaceRunning
	if err := stores.Workspaces.Create(context.Background(), ws); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	sess := fleet.NewAgentSession("ws-1")
	if err := stores.Sessions.Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	list, err := http.Get(srv.URL + "/api/fleet/workspaces?node_id=n-1")
	if err != nil {
		t.Fatalf("GET workspaces: %v", err)
	}
	defer list.Body.Close()
	var spaces []*fleet.Workspace
	if err := json.NewDecoder(list.Body).Decode(&spaces); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(spaces) != 1 || spaces[0].ID != "ws-1" {
		t.Errorf("workspaces = %+v", spaces)
	}

	get, err := http.Get(srv.URL + "/api/fleet/workspaces/ws-1")
	if err != nil {
		t.Fatalf("GET workspace: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", get.StatusCode)
	}

	sessions, err := http.Get(srv.URL + "/api/fleet/workspaces/ws-1/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	defer sessions.Body.Close()
	var got []*fleet.AgentSession
	if err := json.NewDecoder(sessions.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].WorkspaceID != "ws-1" {
		t.Errorf("sessions = %+v", got)
	}

	missing, err := http.Get(srv.URL + "/api/fleet/workspaces/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown workspace: expected 404, got %d", missing.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	c, stores, _ := setupTestComponent(t)
	srv := registerHandlers(c)
	defer srv.Close()

	seedTask(t, stores, "t-1", fleet.StatusReady)
	warm, err := http.Get(srv.URL + "/api/fleet/tasks/t-1")
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	warm.Body.Close()

	resp, err := http.Get(srv.URL + "/api/fleet/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "agentfleet_http_requests_total") {
		t.Error("metrics exposition should include the request counter")
	}

	if c.requestsServed.Load() == 0 {
		t.Error("instrumented routes should bump requestsServed")
	}
}

func TestHandlers_NotStarted(t *testing.T) {
	c := &Component{
		name:    "fleet-api",
		config:  DefaultConfig(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: newAPIMetrics(),
	}
	srv := registerHandlers(c)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/fleet/tasks")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before Start, got %d", resp.StatusCode)
	}
}
