package taskorchestrator

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/runner"
	"github.com/c360studio/agentfleet/storage"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// RegisterHTTPHandlers registers the run endpoints under the given prefix.
// The prefix should be the path segment without a trailing slash (e.g. "api/fleet").
// Handlers are registered as:
//
//	POST <prefix>/runs/{taskID}         start a run
//	POST <prefix>/runs/{taskID}/cancel  cancel a run and tear down its resources
//	GET  <prefix>/runs/{taskID}/status  current execution record
func (c *Component) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	// Normalise: ensure leading slash and trailing slash.
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	c.httpPrefix = prefix

	mux.HandleFunc(prefix+"runs/", c.handleRuns)
}

// handleRuns dispatches /runs/{taskID}[/action] requests.
func (c *Component) handleRuns(w http.ResponseWriter, r *http.Request) {
	prefix := c.httpPrefix + "runs/"
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	remaining := path[len(prefix):]
	parts := strings.SplitN(remaining, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		http.Error(w, "Task ID required", http.StatusBadRequest)
		return
	}

	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		c.handleStartRun(w, r, taskID)
	case "cancel":
		c.handleCancelRun(w, r, taskID)
	case "status":
		c.handleRunStatus(w, r, taskID)
	default:
		http.Error(w, "Unknown run action", http.StatusNotFound)
	}
}

// StartRunRequest is the optional request body for POST /runs/{taskID}.
type StartRunRequest struct {
	// NodeID pins the run to a specific node instead of automatic selection.
	NodeID string `json:"node_id,omitempty"`
}

// handleStartRun claims the task and accepts the run. The response carries the
// task in its claimed state; workspace setup continues in the background.
func (c *Component) handleStartRun(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run := c.run()
	if run == nil {
		http.Error(w, "Orchestrator not started", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		// Body is optional; anything present must parse.
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	c.updateLastActivity()

	task, err := run.InitiateRun(r.Context(), taskID, runner.RunOptions{NodeID: req.NodeID, Source: "http"})
	if err != nil {
		reason := fleet.ReasonOf(err)
		if reason == "" {
			c.logger.Error("Run initiation errored", "task_id", taskID, "error", err)
			http.Error(w, "Run initiation failed", http.StatusInternalServerError)
			return
		}
		c.runsFailed.Add(1)
		http.Error(w, err.Error(), reasonStatus(reason))
		return
	}

	c.runsInitiated.Add(1)
	writeJSON(w, http.StatusAccepted, task)
}

// CancelRunRequest is the optional request body for POST /runs/{taskID}/cancel.
type CancelRunRequest struct {
	// Reason is recorded on the task and in the audit trail.
	Reason string `json:"reason,omitempty"`
}

// handleCancelRun cancels the task and tears down its run resources.
func (c *Component) handleCancelRun(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run := c.run()
	if run == nil {
		http.Error(w, "Orchestrator not started", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req CancelRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	c.updateLastActivity()

	task, err := run.CancelRun(r.Context(), taskID, req.Reason)
	if err != nil {
		reason := fleet.ReasonOf(err)
		if reason == "" {
			c.logger.Error("Run cancellation errored", "task_id", taskID, "error", err)
			http.Error(w, "Run cancellation failed", http.StatusInternalServerError)
			return
		}
		http.Error(w, err.Error(), reasonStatus(reason))
		return
	}

	c.cleanups.Add(1)
	writeJSON(w, http.StatusOK, task)
}

// handleRunStatus returns the execution record for a task's current or most
// recent run.
func (c *Component) handleRunStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run := c.run()
	if run == nil {
		http.Error(w, "Orchestrator not started", http.StatusServiceUnavailable)
		return
	}

	record, err := run.Records().ExecutionStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "No execution record for task", http.StatusNotFound)
			return
		}
		c.logger.Error("Failed to read execution record", "task_id", taskID, "error", err)
		http.Error(w, "Failed to read execution record", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// run returns the pipeline, or nil before Start has wired it.
func (c *Component) run() *runner.Runner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runner
}

// reasonStatus maps an orchestration failure reason to an HTTP status code.
func reasonStatus(reason fleet.Reason) int {
	switch reason {
	case fleet.ReasonNotFound:
		return http.StatusNotFound
	case fleet.ReasonInvalidStatus, fleet.ReasonNodeUnavailable:
		return http.StatusConflict
	case fleet.ReasonLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing useful to do.
		_ = err
	}
}
