package fleet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
)

func init() {
	// Register orchestrator input payload types
	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "fleet",
		Category:    "task-run",
		Version:     "v1",
		Description: "Task run request consumed by the orchestrator",
		Factory:     func() any { return &TaskRunRequest{} },
	})

	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "fleet",
		Category:    "exec-step",
		Version:     "v1",
		Description: "Execution step progress report from a node agent",
		Factory:     func() any { return &ExecStepReport{} },
	})

	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "fleet",
		Category:    "exec-result",
		Version:     "v1",
		Description: "Execution result from a node agent",
		Factory:     func() any { return &ExecResult{} },
	})
}

// ValidationError describes a payload field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// TaskRunRequest asks the orchestrator to run a task. NodeID optionally
// pins the run to a specific node owned by the requesting user.
type TaskRunRequest struct {
	// TaskID is the task to run
	TaskID string `json:"task_id"`

	// UserID is the requesting user, checked against task and node ownership
	UserID string `json:"user_id"`

	// NodeID optionally pins the run to one node
	NodeID string `json:"node_id,omitempty"`

	// Source names the surface the request came from (api, schedule, retry)
	Source string `json:"source,omitempty"`
}

// TaskRunType is the message type for task run requests.
var TaskRunType = message.Type{
	Domain:   "fleet",
	Category: "task-run",
	Version:  "v1",
}

// Schema implements message.Payload.
func (p *TaskRunRequest) Schema() message.Type {
	return TaskRunType
}

// Validate implements message.Payload.
func (p *TaskRunRequest) Validate() error {
	if p.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if p.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "user_id is required"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *TaskRunRequest) MarshalJSON() ([]byte, error) {
	type Alias TaskRunRequest
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *TaskRunRequest) UnmarshalJSON(data []byte) error {
	type Alias TaskRunRequest
	return json.Unmarshal(data, (*Alias)(p))
}

// ExecStepReport is a progress callback from a node agent. Reports are
// delivered at least once and possibly out of order; RunStore.Advance
// filters them through CanProgress.
type ExecStepReport struct {
	// TaskID is the task the report is about
	TaskID string `json:"task_id"`

	// Step is the execution step reached
	Step ExecStep `json:"step"`

	// At is when the agent observed the step
	At time.Time `json:"at,omitempty"`
}

// ExecStepType is the message type for execution step reports.
var ExecStepType = message.Type{
	Domain:   "fleet",
	Category: "exec-step",
	Version:  "v1",
}

// Schema implements message.Payload.
func (p *ExecStepReport) Schema() message.Type {
	return ExecStepType
}

// Validate implements message.Payload.
func (p *ExecStepReport) Validate() error {
	if p.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if !p.Step.IsValid() {
		return &ValidationError{Field: "step", Message: "step is not a valid execution step"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ExecStepReport) MarshalJSON() ([]byte, error) {
	type Alias ExecStepReport
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ExecStepReport) UnmarshalJSON(data []byte) error {
	type Alias ExecStepReport
	return json.Unmarshal(data, (*Alias)(p))
}

// ExecResult is the agent's completion report for a task run.
type ExecResult struct {
	// TaskID is the task the result is for
	TaskID string `json:"task_id"`

	// Success indicates whether the agent finished the task
	Success bool `json:"success"`

	// Output lists artifacts the agent produced
	Output []OutputRef `json:"output,omitempty"`

	// Error describes the failure when Success is false
	Error string `json:"error,omitempty"`
}

// ExecResultType is the message type for execution results.
var ExecResultType = message.Type{
	Domain:   "fleet",
	Category: "exec-result",
	Version:  "v1",
}

// Schema implements message.Payload.
func (p *ExecResult) Schema() message.Type {
	return ExecResultType
}

// Validate implements message.Payload.
func (p *ExecResult) Validate() error {
	if p.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if !p.Success && p.Error == "" {
		return &ValidationError{Field: "error", Message: "error is required for a failed result"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *ExecResult) MarshalJSON() ([]byte, error) {
	type Alias ExecResult
	return json.Marshal((*Alias)(p))
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ExecResult) UnmarshalJSON(data []byte) error {
	type Alias ExecResult
	return json.Unmarshal(data, (*Alias)(p))
}

// ParsePayload unwraps a BaseMessage envelope into a typed payload. Use on
// the consumer side of the typed subjects above.
func ParsePayload[T any](data []byte) (*T, error) {
	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse message envelope: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return nil, fmt.Errorf("message has no payload")
	}

	var payload T
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return &payload, nil
}
