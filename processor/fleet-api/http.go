package fleetapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/storage"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// RegisterHTTPHandlers registers all fleet-api HTTP handlers under the given
// prefix. The prefix should be the path segment without a trailing slash
// (e.g. "api/fleet"). Handlers are registered as:
//
//	POST   <prefix>/tasks
//	GET    <prefix>/tasks?project_id=&user_id=&status=
//	GET    <prefix>/tasks/blocked?project_id=
//	GET    <prefix>/tasks/{id}
//	DELETE <prefix>/tasks/{id}
//	POST   <prefix>/tasks/{id}/status
//	GET    <prefix>/tasks/{id}/dependencies
//	POST   <prefix>/tasks/{id}/dependencies
//	DELETE <prefix>/tasks/{id}/dependencies/{depID}
//	POST   <prefix>/nodes
//	GET    <prefix>/nodes?user_id=&status=
//	GET    <prefix>/nodes/{id}
//	DELETE <prefix>/nodes/{id}
//	POST   <prefix>/nodes/{id}/heartbeat
//	GET    <prefix>/workspaces?node_id=&task_id=&status=
//	GET    <prefix>/workspaces/{id}
//	GET    <prefix>/workspaces/{id}/sessions
//	GET    <prefix>/metrics
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	// Normalise: ensure leading slash and trailing slash.
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	c.httpPrefix = prefix

	mux.HandleFunc(prefix+"tasks", c.instrument("tasks", c.handleTasks))
	mux.HandleFunc(prefix+"tasks/", c.instrument("task", c.handleTaskSubtree))
	mux.HandleFunc(prefix+"nodes", c.instrument("nodes", c.handleNodes))
	mux.HandleFunc(prefix+"nodes/", c.instrument("node", c.handleNodeSubtree))
	mux.HandleFunc(prefix+"workspaces", c.instrument("workspaces", c.handleWorkspaces))
	mux.HandleFunc(prefix+"workspaces/", c.instrument("workspace", c.handleWorkspaceSubtree))
	mux.Handle(prefix+"metrics", c.metrics.handler())
}

// statusRecorder captures the response code for request accounting.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with request counting for the metrics endpoint
// and the component's flow accounting.
func (c *Component) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r)

		c.metrics.observeRequest(route, r.Method, rec.code)
		c.requestsServed.Add(1)
		if rec.code >= http.StatusInternalServerError {
			c.serverErrors.Add(1)
		}
		c.updateLastActivity()
	}
}

// ----------------------------------------------------------------------------
// POST/GET /api/fleet/tasks
// ----------------------------------------------------------------------------

// CreateTaskRequest is the request body for POST /api/fleet/tasks.
type CreateTaskRequest struct {
	// ProjectID groups the task with its project.
	ProjectID string `json:"project_id"`

	// UserID is the owning user; runs are placed on their nodes.
	UserID string `json:"user_id"`

	// Title is the human-readable task title.
	Title string `json:"title"`

	// Description is the prompt handed to the coding agent.
	Description string `json:"description,omitempty"`

	// Priority orders tasks within a project (higher runs first).
	Priority int `json:"priority,omitempty"`

	// ParentTaskID links a follow-up task to the task it continues.
	ParentTaskID string `json:"parent_task_id,omitempty"`

	// ScopePatterns restricts the agent to matching paths (doublestar globs).
	ScopePatterns []string `json:"scope_patterns,omitempty"`
}

func (c *Component) handleTasks(w http.ResponseWriter, r *http.Request) {
	stores, _ := c.backend()
	if stores == nil {
		http.Error(w, "API not started", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodPost:
		c.createTask(w, r, stores)
	case http.MethodGet:
		c.listTasks(w, r, stores)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// createTask creates a draft task. Tasks always start in draft; a separate
// status call makes them ready.
func (c *Component) createTask(w http.ResponseWriter, r *http.Request, stores *storage.Stores) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.ProjectID == "" || req.UserID == "" || req.Title == "" {
		http.Error(w, "project_id, user_id, and title are required", http.StatusBadRequest)
		return
	}
	for _, pattern := range req.ScopePatterns {
		if !doublestar.ValidatePattern(pattern) {
			http.Error(w, fmt.Sprintf("invalid scope pattern %q", pattern), http.StatusBadRequest)
			return
		}
	}

	existing, err := stores.Tasks.List(r.Context(), fleet.TaskFilter{ProjectID: req.ProjectID})
	if err != nil {
		c.logger.Error("Failed to count project tasks", "project_id", req.ProjectID, "error", err)
		http.Error(w, "Failed to create task", http.StatusInternalServerError)
		return
	}
	if len(existing) >= c.config.MaxTasksPerProject {
		limitErr := fleet.Errorf(fleet.ReasonLimitExceeded,
			"project %s already has %d tasks", req.ProjectID, len(existing))
		http.Error(w, limitErr.Error(), http.StatusTooManyRequests)
		return
	}

	task := fleet.NewTask(req.ProjectID, req.UserID, req.Title)
	task.Description = req.Description
	task.Priority = req.Priority
	task.ParentTaskID = req.ParentTaskID
	task.ScopePatterns = req.ScopePatterns

	if err := stores.Tasks.Create(r.Context(), task); err != nil {
		c.logger.Error("Failed to create task", "task_id", task.ID, "error", err)
		http.Error(w, "Failed to create task", http.StatusInternalServerError)
		return
	}

	c.logger.Info("Task created", "task_id", task.ID, "project_id", task.ProjectID)
	writeJSON(w, http.StatusCreated, task)
}

func (c *Component) listTasks(w http.ResponseWriter, r *http.Request, stores *storage.Stores) {
	q := r.URL.Query()
	filter := fleet.TaskFilter{
		ProjectID: q.Get("project_id"),
		UserID:    q.Get("user_id"),
	}
	if s := q.Get("status"); s != "" {
		status := fleet.Status(s)
		if !status.IsValid() {
			http.Error(w, fmt.Sprintf("unknown status %q", s), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	tasks, err := stores.Tasks.List(r.Context(), filter)
	if err != nil {
		c.logger.Error("Failed to list tasks", "error", err)
		http.Error(w, "Failed to list tasks", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*fleet.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ----------------------------------------------------------------------------
// /api/fleet/tasks/{id} and below
// ----------------------------------------------------------------------------

func (c *Component) handleTaskSubtree(w http.ResponseWriter, r *http.Request) {
	stores, events := c.backend()
	if stores == nil {
		http.Error(w, "API not started", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, c.httpPrefix+"tasks/")
	parts := strings.SplitN(rest, "/", 3)
	id := parts[0]
	if id == "" {
		http.Error(w, "Task ID required", http.StatusBadRequest)
		return
	}
	if id == "blocked" && len(parts) == 1 {
		c.listBlockedTasks(w, r, stores)
		return
	}

	switch {
	case len(parts) == 1:
		c.handleTaskByID(w, r, stores, id)
	case len(parts) == 2 && parts[1] == "status":
		c.transitionTask(w, r, stores, events, id)
	case len(parts) == 2 && parts[1] == "dependencies":
		c.handleDependencies(w, r, stores, id)
	case len(parts) == 3 && parts[1] == "dependencies" && parts[2] != "":
		c.removeDependency(w, r, stores, id, parts[2])
	default:
		http.Error(w, "Unknown task resource", http.StatusNotFound)
	}
}

// DeleteTaskResponse is the response body for DELETE /api/fleet/tasks/{id}.
type DeleteTaskResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func (c *Component) handleTaskByID(w http.ResponseWriter, r *http.Request, stores *storage.Stores, id string) {
	switch r.Method {
	case http.MethodGet:
		task, err := stores.Tasks.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		if err != nil {
			c.logger.Error("Failed to load task", "task_id", id, "error", err)
			http.Error(w, "Failed to load task", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, task)

	case http.MethodDelete:
		task, err := stores.Tasks.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		if err != nil {
			c.logger.Error("Failed to load task", "task_id", id, "error", err)
			http.Error(w, "Failed to delete task", http.StatusInternalServerError)
			return
		}
		if task.Status.IsExecutable() {
			http.Error(w, "Task is executing; cancel the run first", http.StatusConflict)
			return
		}
		if err := stores.Tasks.Delete(r.Context(), id); err != nil {
			c.logger.Error("Failed to delete task", "task_id", id, "error", err)
			http.Error(w, "Failed to delete task", http.StatusInternalServerError)
			return
		}
		c.logger.Info("Task deleted", "task_id", id, "project_id", task.ProjectID)
		writeJSON(w, http.StatusOK, DeleteTaskResponse{ID: id, Deleted: true})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// TransitionTaskRequest is the request body for POST /api/fleet/tasks/{id}/status.
type TransitionTaskRequest struct {
	// Status is the target status.
	Status string `json:"status"`

	// Reason is an optional operator-supplied note for the audit event.
	Reason string `json:"reason,omitempty"`
}

// transitionTask applies a table-checked manual transition and publishes the
// audit event. Moves the transition table forbids come back as 409.
func (c *Component) transitionTask(w http.ResponseWriter, r *http.Request, stores *storage.Stores, events *fleet.Events, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req TransitionTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	to := fleet.Status(req.Status)
	if !to.IsValid() {
		http.Error(w, fmt.Sprintf("unknown status %q", req.Status), http.StatusBadRequest)
		return
	}

	task, err := stores.Tasks.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		c.logger.Error("Failed to load task", "task_id", id, "error", err)
		http.Error(w, "Transition failed", http.StatusInternalServerError)
		return
	}

	from := task.Status
	updated, err := stores.Tasks.Transition(r.Context(), id, from, to, nil)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		case fleet.ReasonOf(err) == fleet.ReasonInvalidStatus:
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			c.logger.Error("Transition failed", "task_id", id, "to", to, "error", err)
			http.Error(w, "Transition failed", http.StatusInternalServerError)
		}
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual transition"
	}
	events.PublishTaskStatusChanged(r.Context(), fleet.TaskStatusChangedEvent{
		TaskID:    id,
		ProjectID: updated.ProjectID,
		From:      from,
		To:        to,
		Reason:    reason,
		Source:    "http",
	})
	c.metrics.observeTransition(to)

	c.logger.Info("Task transitioned", "task_id", id, "from", from, "to", to)
	writeJSON(w, http.StatusOK, updated)
}

// ----------------------------------------------------------------------------
// /api/fleet/tasks/{id}/dependencies
// ----------------------------------------------------------------------------

// AddDependencyRequest is the request body for POST /api/fleet/tasks/{id}/dependencies.
type AddDependencyRequest struct {
	// DependsOnID is the task that must complete first.
	DependsOnID string `json:"depends_on_id"`
}

// DependencyEdge is one outgoing dependency with its current status.
type DependencyEdge struct {
	DependsOnID string       `json:"depends_on_id"`
	Status      fleet.Status `json:"status,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DependenciesResponse lists a task's dependencies and its derived blocked
// state.
type DependenciesResponse struct {
	TaskID    string           `json:"task_id"`
	DependsOn []DependencyEdge `json:"depends_on"`
	Blocked   bool             `json:"blocked"`
}

// RemoveDependencyResponse is the response body for
// DELETE /api/fleet/tasks/{id}/dependencies/{depID}.
type RemoveDependencyResponse struct {
	TaskID      string `json:"task_id"`
	DependsOnID string `json:"depends_on_id"`
	Removed     bool   `json:"removed"`
}

func (c *Component) handleDependencies(w http.ResponseWriter, r *http.Request, stores *storage.Stores, id string) {
	switch r.Method {
	case http.MethodGet:
		c.listDependencies(w, r, stores, id)
	case http.MethodPost:
		c.addDependency(w, r, stores, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Component) listDependencies(w http.ResponseWriter, r *http.Request, stores *storage.Stores, id string) {
	if _, err := stores.Tasks.Get(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		c.logger.Error("Failed to load task", "task_id", id, "error", err)
		http.Error(w, "Failed to list dependencies", http.StatusInternalServerError)
		return
	}

	edges, err := stores.Deps.ListForTask(r.Context(), id)
	if err != nil {
		c.logger.Error("Failed to list dependencies", "task_id", id, "error", err)
		http.Error(w, "Failed to list dependencies", http.StatusInternalServerError)
		return
	}

	// A dependency whose row is missing keeps its zero status and therefore
	// keeps blocking, matching the graph's unknown-blocks rule.
	statusByID := make(map[string]fleet.Status, len(edges))
	resp := DependenciesResponse{TaskID: id, DependsOn: make([]DependencyEdge, 0, len(edges))}
	for _, e := range edges {
		if dep, derr := stores.Tasks.Get(r.Context(), e.DependsOnID); derr == nil {
			statusByID[e.DependsOnID] = dep.Status
		}
		resp.DependsOn = append(resp.DependsOn, DependencyEdge{
			DependsOnID: e.DependsOnID,
			Status:      statusByID[e.DependsOnID],
			CreatedAt:   e.CreatedAt,
		})
	}
	resp.Blocked = fleet.IsBlocked(id, edges, statusByID)

	writeJSON(w, http.StatusOK, resp)
}

// addDependency inserts a cycle-checked edge. The cycle check runs against
// the project's whole edge set; edges never cross projects.
func (c *Component) addDependency(w http.ResponseWriter, r *http.Request, stores *storage.Stores, id string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req AddDependencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DependsOnID == "" {
		http.Error(w, "depends_on_id is required", http.StatusBadRequest)
		return
	}

	task, err := stores.Tasks.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		c.logger.Error("Failed to load task", "task_id", id, "error", err)
		http.Error(w, "Failed to add dependency", http.StatusInternalServerError)
		return
	}
	depTask, err := stores.Tasks.Get(r.Context(), req.DependsOnID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Dependency task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		c.logger.Error("Failed to load dependency task", "task_id", req.DependsOnID, "error", err)
		http.Error(w, "Failed to add dependency", http.StatusInternalServerError)
		return
	}
	if task.ProjectID != depTask.ProjectID {
		http.Error(w, "tasks must belong to the same project", http.StatusBadRequest)
		return
	}

	projectTasks, err := stores.Tasks.List(r.Context(), fleet.TaskFilter{ProjectID: task.ProjectID})
	if err != nil {
		c.logger.Error("Failed to list project tasks", "project_id", task.ProjectID, "error", err)
		http.Error(w, "Failed to add dependency", http.StatusInternalServerError)
		return
	}
	ids := make([]string, 0, len(projectTasks))
	for _, pt := range projectTasks {
		ids = append(ids, pt.ID)
	}
	edges, err := stores.Deps.ListForTasks(r.Context(), ids)
	if err != nil {
		c.logger.Error("Failed to list project dependencies", "project_id", task.ProjectID, "error", err)
		http.Error(w, "Failed to add dependency", http.StatusInternalServerError)
		return
	}
	if fleet.WouldCreateCycle(id, req.DependsOnID, edges) {
		http.Error(w, "dependency would create a cycle", http.StatusBadRequest)
		return
	}

	dep := fleet.TaskDependency{TaskID: id, DependsOnID: req.DependsOnID, CreatedAt: time.Now().UTC()}
	if err := stores.Deps.Add(r.Context(), dep); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			http.Error(w, "Dependency already exists", http.StatusConflict)
			return
		}
		c.logger.Error("Failed to add dependency", "task_id", id, "depends_on_id", req.DependsOnID, "error", err)
		http.Error(w, "Failed to add dependency", http.StatusInternalServerError)
		return
	}

	c.logger.Info("Dependency added", "task_id", id, "depends_on_id", req.DependsOnID)
	writeJSON(w, http.StatusCreated, dep)
}

func (c *Component) removeDependency(w http.ResponseWriter, r *http.Request, stores *storage.Stores, id, depID string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := stores.Deps.Remove(r.Context(), id, depID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Dependency not found", http.StatusNotFound)
			return
		}
		c.logger.Error("Failed to remove dependency", "task_id", id, "depends_on_id", depID, "error", err)
		http.Error(w, "Failed to remove dependency", http.StatusInternalServerError)
		return
	}

	c.logger.Info("Dependency removed", "task_id", id, "depends_on_id", depID)
	writeJSON(w, http.StatusOK, RemoveDependencyResponse{TaskID: id, DependsOnID: depID, Removed: true})
}

// ----------------------------------------------------------------------------
// GET /api/fleet/tasks/blocked
// ----------------------------------------------------------------------------

// BlockedTasksResponse is the response body for GET /api/fleet/tasks/blocked.
type BlockedTasksResponse struct {
	ProjectID  string   `json:"project_id"`
	BlockedIDs []string `json:"blocked_ids"`
}

// listBlockedTasks computes the blocked set for a whole project in one pass.
func (c *Component) listBlockedTasks(w http.ResponseWriter, r *http.Request, stores *storage.Stores) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		http.Error(w, "project_id query parameter is required", http.StatusBadRequest)
		return
	}

	tasks, err := stores.Tasks.List(r.Context(), fleet.TaskFilter{ProjectID: projectID})
	if err != nil {
		c.logger.Error("Failed to list project tasks", "project_id", projectID, "error", err)
		http.Error(w, "Failed to list blocked tasks", http.StatusInternalServerError)
		return
	}
	ids := make([]string, 0, len(tasks))
	statusByID := make(map[string]fleet.Status, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
		statusByID[task.ID] = task.Status
	}
	edges, err := stores.Deps.ListForTasks(r.Context(), ids)
	if err != nil {
		c.logger.Error("Failed to list project dependencies", "project_id", projectID, "error", err)
		http.Error(w, "Failed to list blocked tasks", http.StatusInternalServerError)
		return
	}

	blocked := fleet.BlockedIDs(edges, statusByID)
	blockedIDs := make([]string, 0, len(blocked))
	for taskID := range blocked {
		blockedIDs = append(blockedIDs, taskID)
	}
	sort.Strings(blockedIDs)

	writeJSON(w, http.StatusOK, BlockedTasksResponse{ProjectID: projectID, BlockedIDs: blockedIDs})
}

// ----------------------------------------------------------------------------
// POST/GET /api/fleet/nodes
// ----------------------------------------------------------------------------

// RegisterNodeRequest is the request body for POST /api/fleet/nodes.
type RegisterNodeRequest struct {
	// UserID is the owning user.
	UserID string `json:"user_id"`

	// Name is the display name.
	Name string `json:"name"`

	// Size is the VM size class.
	Size string `json:"size,omitempty"`

	// Location is the region or zone the VM runs in.
	Location string `json:"location,omitempty"`

	// AgentBaseURL is where the node's agent daemon listens.
	AgentBaseURL string `json:"agent_base_url,omitempty"`
}

// NodeResponse is a node with its derived health classification.
type NodeResponse struct {
	*fleet.Node
	Health fleet.NodeHealth `json:"health"`
}

func (c *Component) handleNodes(w http.ResponseWriter, r *http.Request) {
	stores, _ := c.backend()
	if stores == nil {
		http.Error(w, "API not started", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodPost:
		c.registerNode(w, r, stores)
	case http.MethodGet:
		c.listNodes(w, r, stores)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// registerNode creates a user node record in creating state. The node turns
// running when its agent reports the first heartbeat.
func (c *Component) registerNode(w http.ResponseWriter, r *http.Request, stores *storage.Stores) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Name == "" {
		http.Error(w, "user_id and name are required", http.StatusBadRequest)
		return
	}

	node := fleet.NewNode(req.UserID, req.Name)
	node.Size = req.Size
	node.Location = req.Location
	node.AgentBaseURL = req.AgentBaseURL

	if err := stores.Nodes.Create(r.Context(), node); err != nil {
		c.logger.Error("Failed to register node", "node_id", node.ID, "error", err)
		http.Error(w, "Failed to register node", http.StatusInternalServerError)
		return
	}

	c.logger.Info("Node registered", "node_id", node.ID, "user_id", node.UserID)
	writeJSON(w, http.StatusCreated, c.nodeView(node))
}

func (c *Component) listNodes(w http.ResponseWriter, r *http.Request, stores *storage.Stores) {
	q := r.URL.Query()
	filter := fleet.NodeFilter{UserID: q.Get("user_id")}
	if s := q.Get("status"); s != "" {
		status := fleet.NodeStatus(s)
		if !status.IsValid() {
			http.Error(w, fmt.Sprintf("unknown status %q", s), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	nodes, err := stores.Nodes.List(r.Context(), filter)
	if err != nil {
		c.logger.Error("Failed to list nodes", "error", err)
		http.Error(w, "Failed to list nodes", http.StatusInternalServerError)
		return
	}

	resp := make([]NodeResponse, 0, len(nodes))
	for _, node := range nodes {
		resp = append(resp, c.nodeView(node))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----------------------------------------------------------------------------
// /api/fleet/nodes/{id} and heartbeat
// ----------------------------------------------------------------------------

// HeartbeatRequest is the request body for POST /api/fleet/nodes/{id}/heartbeat.
type HeartbeatRequest struct {
	// CPULoadPct is current CPU utilization (0-100).
	CPULoadPct float64 `json:"cpu_load_pct"`

	// MemoryPct is current memory utilization (0-100).
	MemoryPct float64 `json:"memory_pct"`

	// DiskPct is current disk utilization (0-100).
	DiskPct float64 `json:"disk_pct,omitempty"`
}

// DeleteNodeResponse is the response body for DELETE /api/fleet/nodes/{id}.
type DeleteNodeResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func (c *Component) handleNodeSubtree(w http.ResponseWriter, r *http.Request) {
	stores, _ := c.backend()
	if stores == nil {
		http.Error(w, "API not started", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, c.httpPrefix+"nodes/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "Node ID required", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		c.handleNodeByID(w, r, stores, id)
	case parts[1] == "heartbeat":
		c.recordHeartbeat(w, r, stores, id)
	default:
		http.Error(w, "Unknown node resource", http.StatusNotFound)
	}
}

func (c *Component) handleNodeByID(w http.ResponseWriter, r *http.Request, stores *storage.Stores, id string) {
	switch r.Method {
	case http.MethodGet:
		node, err := stores.Nodes.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Node not found", http.StatusNotFound)
			return
		}
		if err != nil {
			c.logger.Error("Failed to load node", "node_id", id, "error", err)
			http.Error(w, "Failed to load node", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, c.nodeView(node))

	case http.MethodDelete:
		c.deleteNode(w, r, stores, id)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// deleteNode removes a node record. Auto-provisioned nodes stay under the
// lifecycle sweeper's control, and nodes hosting active workspaces keep
// their record until the workspaces are gone.
func (c *Component) deleteNode(w http.ResponseWriter, r *http.Request, stores *storage.Stores, id string) {
	node, err := stores.Nodes.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}
	if err != nil {
		c.logger.Error("Failed to load node", "node_id", id, "error", err)
		http.Error(w, "Failed to delete node", http.StatusInternalServerError)
		return
	}
	if node.AutoProvisioned && node.Status == fleet.NodeRunning {
		http.Error(w, "Auto-provisioned nodes are torn down by the lifecycle sweeper", http.StatusConflict)
		return
	}

	spaces, err := stores.Workspaces.List(r.Context(), fleet.WorkspaceFilter{NodeID: id})
	if err != nil {
		c.logger.Error("Failed to list node workspaces", "node_id", id, "error", err)
		http.Error(w, "Failed to delete node", http.StatusInternalServerError)
		return
	}
	for _, ws := range spaces {
		if ws.Status.Active() {
			http.Error(w, "Node has active workspaces", http.StatusConflict)
			return
		}
	}

	if err := stores.Nodes.Delete(r.Context(), id); err != nil {
		c.logger.Error("Failed to delete node", "node_id", id, "error", err)
		http.Error(w, "Failed to delete node", http.StatusInternalServerError)
		return
	}

	c.logger.Info("Node deleted", "node_id", id, "user_id", node.UserID)
	writeJSON(w, http.StatusOK, DeleteNodeResponse{ID: id, Deleted: true})
}

// recordHeartbeat stores agent-reported utilization and liveness. The first
// heartbeat moves a creating node to running.
func (c *Component) recordHeartbeat(w http.ResponseWriter, r *http.Request, stores *storage.Stores, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !validPct(req.CPULoadPct) || !validPct(req.MemoryPct) || !validPct(req.DiskPct) {
		http.Error(w, "utilization values must be between 0 and 100", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	node, err := stores.Nodes.Mutate(r.Context(), id, func(n *fleet.Node) error {
		if n.Status == fleet.NodeStopped || n.Status == fleet.NodeError {
			return fleet.Errorf(fleet.ReasonInvalidStatus, "node %s is %s and cannot report heartbeats", id, n.Status)
		}
		n.Metrics = &fleet.NodeMetrics{
			CPULoadPct: req.CPULoadPct,
			MemoryPct:  req.MemoryPct,
			DiskPct:    req.DiskPct,
		}
		n.LastHeartbeatAt = &now
		if n.Status == fleet.NodeCreating {
			n.Status = fleet.NodeRunning
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "Node not found", http.StatusNotFound)
		case fleet.ReasonOf(err) == fleet.ReasonInvalidStatus:
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			c.logger.Error("Failed to record heartbeat", "node_id", id, "error", err)
			http.Error(w, "Failed to record heartbeat", http.StatusInternalServerError)
		}
		return
	}

	c.metrics.observeHeartbeat()
	writeJSON(w, http.StatusOK, c.nodeView(node))
}

// ----------------------------------------------------------------------------
// GET /api/fleet/workspaces
// ----------------------------------------------------------------------------

func (c *Component) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	stores, _ := c.backend()
	if stores == nil {
		http.Error(w, "API not started", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := fleet.WorkspaceFilter{
		NodeID: q.Get("node_id"),
		TaskID: q.Get("task_id"),
	}
	if s := q.Get("status"); s != "" {
		status := fleet.WorkspaceStatus(s)
		if !status.IsValid() {
			http.Error(w, fmt.Sprintf("unknown status %q", s), http.StatusBadRequest)
			return
		}
		filter.Status = status
	}

	spaces, err := stores.Workspaces.List(r.Context(), filter)
	if err != nil {
		c.logger.Error("Failed to list workspaces", "error", err)
		http.Error(w, "Failed to list workspaces", http.StatusInternalServerError)
		return
	}
	if spaces == nil {
		spaces = []*fleet.Workspace{}
	}
	writeJSON(w, http.StatusOK, spaces)
}

func (c *Component) handleWorkspaceSubtree(w http.ResponseWriter, r *http.Request) {
	stores, _ := c.backend()
	if stores == nil {
		http.Error(w, "API not started", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, c.httpPrefix+"workspaces/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "Workspace ID required", http.StatusBadRequest)
		return
	}

	ws, err := stores.Workspaces.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Workspace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		c.logger.Error("Failed to load workspace", "workspace_id", id, "error", err)
		http.Error(w, "Failed to load workspace", http.StatusInternalServerError)
		return
	}

	switch {
	case len(parts) == 1:
		writeJSON(w, http.StatusOK, ws)
	case parts[1] == "sessions":
		sessions, serr := stores.Sessions.ListForWorkspace(r.Context(), id)
		if serr != nil {
			c.logger.Error("Failed to list sessions", "workspace_id", id, "error", serr)
			http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
			return
		}
		if sessions == nil {
			sessions = []*fleet.AgentSession{}
		}
		writeJSON(w, http.StatusOK, sessions)
	default:
		http.Error(w, "Unknown workspace resource", http.StatusNotFound)
	}
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func (c *Component) nodeView(node *fleet.Node) NodeResponse {
	return NodeResponse{
		Node:   node,
		Health: node.Health(time.Now().UTC(), c.config.HealthStaleAfter, c.config.HealthUnhealthyAfter),
	}
}

func validPct(v float64) bool {
	return v >= 0 && v <= 100
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing to report to the client.
		_ = err
	}
}
