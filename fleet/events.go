package fleet

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
)

func init() {
	// Register event payload types for message deserialization
	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "fleet",
		Category:    "task-status",
		Version:     "v1",
		Description: "Task status transition audit event",
		Factory:     func() any { return &TaskStatusChangedEvent{} },
	})

	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "fleet",
		Category:    "task-run-failed",
		Version:     "v1",
		Description: "Task run failure event with reason code",
		Factory:     func() any { return &TaskRunFailedEvent{} },
	})

	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "fleet",
		Category:    "recovery-action",
		Version:     "v1",
		Description: "Recovery and lifecycle sweeper action event",
		Factory:     func() any { return &RecoveryActionEvent{} },
	})

	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "fleet",
		Category:    "node-provision",
		Version:     "v1",
		Description: "Node provisioning command for the VM backend",
		Factory:     func() any { return &NodeProvisionRequest{} },
	})

	_ = component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "fleet",
		Category:    "node-destroy",
		Version:     "v1",
		Description: "Node teardown command for the VM backend",
		Factory:     func() any { return &NodeDestroyRequest{} },
	})
}

// TaskStatusChangedEvent is the audit record published after every task
// status transition.
type TaskStatusChangedEvent struct {
	TaskID    string    `json:"task_id"`
	ProjectID string    `json:"project_id,omitempty"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Source    string    `json:"source,omitempty"`
	At        time.Time `json:"at"`
}

// TaskStatusChangedType is the message type for status transition events.
var TaskStatusChangedType = message.Type{
	Domain:   "fleet",
	Category: "task-status",
	Version:  "v1",
}

// Schema implements message.Payload.
func (e *TaskStatusChangedEvent) Schema() message.Type {
	return TaskStatusChangedType
}

// Validate implements message.Payload.
func (e *TaskStatusChangedEvent) Validate() error {
	if e.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if !e.To.IsValid() {
		return &ValidationError{Field: "to", Message: "to is not a valid status"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *TaskStatusChangedEvent) MarshalJSON() ([]byte, error) {
	type Alias TaskStatusChangedEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *TaskStatusChangedEvent) UnmarshalJSON(data []byte) error {
	type Alias TaskStatusChangedEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// TaskRunFailedEvent is published when a run fails after acceptance. The
// original caller is long gone by then; this event and the task row are
// where the failure is recorded.
type TaskRunFailedEvent struct {
	TaskID  string    `json:"task_id"`
	Reason  Reason    `json:"reason"`
	Step    ExecStep  `json:"step,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// TaskRunFailedType is the message type for run failure events.
var TaskRunFailedType = message.Type{
	Domain:   "fleet",
	Category: "task-run-failed",
	Version:  "v1",
}

// Schema implements message.Payload.
func (e *TaskRunFailedEvent) Schema() message.Type {
	return TaskRunFailedType
}

// Validate implements message.Payload.
func (e *TaskRunFailedEvent) Validate() error {
	if e.TaskID == "" {
		return &ValidationError{Field: "task_id", Message: "task_id is required"}
	}
	if e.Reason == "" {
		return &ValidationError{Field: "reason", Message: "reason is required"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *TaskRunFailedEvent) MarshalJSON() ([]byte, error) {
	type Alias TaskRunFailedEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *TaskRunFailedEvent) UnmarshalJSON(data []byte) error {
	type Alias TaskRunFailedEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// RecoveryKind identifies which defense layer acted.
type RecoveryKind string

const (
	// RecoveryStuckTaskForced marks a stuck task forced to failed.
	RecoveryStuckTaskForced RecoveryKind = "stuck_task_forced"
	// RecoveryExecStatusMismatch marks an execution record that reports
	// completed while the task row is still executable.
	RecoveryExecStatusMismatch RecoveryKind = "execution_status_mismatch"
	// RecoveryWarmNodeDestroyed marks a stale warm node that was torn down.
	RecoveryWarmNodeDestroyed RecoveryKind = "warm_node_destroyed"
	// RecoveryMaxLifetimeDestroyed marks a node torn down at its lifetime cap.
	RecoveryMaxLifetimeDestroyed RecoveryKind = "max_lifetime_destroyed"
	// RecoveryOrphanWorkspace flags an active workspace no executable task references.
	RecoveryOrphanWorkspace RecoveryKind = "orphan_workspace"
	// RecoveryOrphanNode flags a running node with no active workspaces.
	RecoveryOrphanNode RecoveryKind = "orphan_node"
	// RecoveryWorkspaceProvisionTimeout marks a workspace stuck in creating
	// that was moved to error.
	RecoveryWorkspaceProvisionTimeout RecoveryKind = "workspace_provision_timeout"
)

// Recovery event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// RecoveryActionEvent is published whenever a sweeper acts on or flags an
// entity. It is the observability trail for automated recovery.
type RecoveryActionEvent struct {
	Kind        RecoveryKind `json:"kind"`
	Severity    string       `json:"severity,omitempty"`
	TaskID      string       `json:"task_id,omitempty"`
	NodeID      string       `json:"node_id,omitempty"`
	WorkspaceID string       `json:"workspace_id,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	At          time.Time    `json:"at"`
}

// RecoveryActionType is the message type for recovery action events.
var RecoveryActionType = message.Type{
	Domain:   "fleet",
	Category: "recovery-action",
	Version:  "v1",
}

// Schema implements message.Payload.
func (e *RecoveryActionEvent) Schema() message.Type {
	return RecoveryActionType
}

// Validate implements message.Payload.
func (e *RecoveryActionEvent) Validate() error {
	if e.Kind == "" {
		return &ValidationError{Field: "kind", Message: "kind is required"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *RecoveryActionEvent) MarshalJSON() ([]byte, error) {
	type Alias RecoveryActionEvent
	return json.Marshal((*Alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *RecoveryActionEvent) UnmarshalJSON(data []byte) error {
	type Alias RecoveryActionEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// NodeProvisionRequest asks the VM backend to create the machine for an
// already-written node record.
type NodeProvisionRequest struct {
	NodeID   string `json:"node_id"`
	UserID   string `json:"user_id"`
	Size     string `json:"size,omitempty"`
	Location string `json:"location,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
}

// NodeProvisionType is the message type for provision commands.
var NodeProvisionType = message.Type{
	Domain:   "fleet",
	Category: "node-provision",
	Version:  "v1",
}

// Schema implements message.Payload.
func (r *NodeProvisionRequest) Schema() message.Type {
	return NodeProvisionType
}

// Validate implements message.Payload.
func (r *NodeProvisionRequest) Validate() error {
	if r.NodeID == "" {
		return &ValidationError{Field: "node_id", Message: "node_id is required"}
	}
	if r.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "user_id is required"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r *NodeProvisionRequest) MarshalJSON() ([]byte, error) {
	type Alias NodeProvisionRequest
	return json.Marshal((*Alias)(r))
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *NodeProvisionRequest) UnmarshalJSON(data []byte) error {
	type Alias NodeProvisionRequest
	return json.Unmarshal(data, (*Alias)(r))
}

// NodeDestroyRequest asks the VM backend to tear a machine down.
type NodeDestroyRequest struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

// NodeDestroyType is the message type for destroy commands.
var NodeDestroyType = message.Type{
	Domain:   "fleet",
	Category: "node-destroy",
	Version:  "v1",
}

// Schema implements message.Payload.
func (r *NodeDestroyRequest) Schema() message.Type {
	return NodeDestroyType
}

// Validate implements message.Payload.
func (r *NodeDestroyRequest) Validate() error {
	if r.NodeID == "" {
		return &ValidationError{Field: "node_id", Message: "node_id is required"}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r *NodeDestroyRequest) MarshalJSON() ([]byte, error) {
	type Alias NodeDestroyRequest
	return json.Marshal((*Alias)(r))
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *NodeDestroyRequest) UnmarshalJSON(data []byte) error {
	type Alias NodeDestroyRequest
	return json.Unmarshal(data, (*Alias)(r))
}

// Typed subject definitions for fleet domain traffic.
// These provide compile-time type safety for NATS publish/subscribe operations.
var (
	// Orchestrator inputs
	TaskRunRequested = natsclient.NewSubject[TaskRunRequest](
		"fleet.task.run.request")
	ExecStepReported = natsclient.NewSubject[ExecStepReport](
		"fleet.task.exec.step")
	ExecResultReported = natsclient.NewSubject[ExecResult](
		"fleet.task.exec.result")

	// Audit and observability events
	TaskStatusChanged = natsclient.NewSubject[TaskStatusChangedEvent](
		"fleet.events.task.status_changed")
	TaskRunFailed = natsclient.NewSubject[TaskRunFailedEvent](
		"fleet.events.task.run_failed")
	RecoveryActed = natsclient.NewSubject[RecoveryActionEvent](
		"fleet.events.recovery.action")

	// VM backend commands
	NodeProvisionRequested = natsclient.NewSubject[NodeProvisionRequest](
		"fleet.node.provision.request")
	NodeDestroyRequested = natsclient.NewSubject[NodeDestroyRequest](
		"fleet.node.destroy.request")
)

// StreamPublisher is the slice of the NATS client used for event publishing.
type StreamPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Events publishes fleet events as BaseMessage envelopes on their typed
// subjects. Delivery is fire-and-forget: failures are logged at Warn and
// never propagated, so a down event stream cannot fail an orchestration
// path. A nil Events drops everything, which keeps tests quiet.
type Events struct {
	pub    StreamPublisher
	source string
	logger *slog.Logger
}

// NewEvents creates an event publisher attributed to the given source
// component.
func NewEvents(pub StreamPublisher, source string, logger *slog.Logger) *Events {
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{pub: pub, source: source, logger: logger}
}

// PublishTaskStatusChanged publishes a status transition audit event.
func (e *Events) PublishTaskStatusChanged(ctx context.Context, ev TaskStatusChangedEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Source == "" && e != nil {
		ev.Source = e.source
	}
	e.publish(ctx, TaskStatusChanged.Pattern, &ev)
}

// PublishTaskRunFailed publishes a run failure event.
func (e *Events) PublishTaskRunFailed(ctx context.Context, ev TaskRunFailedEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.publish(ctx, TaskRunFailed.Pattern, &ev)
}

// PublishRecoveryAction publishes a sweeper action event.
func (e *Events) PublishRecoveryAction(ctx context.Context, ev RecoveryActionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.publish(ctx, RecoveryActed.Pattern, &ev)
}

// PublishNodeProvision publishes a provisioning command.
func (e *Events) PublishNodeProvision(ctx context.Context, req NodeProvisionRequest) {
	e.publish(ctx, NodeProvisionRequested.Pattern, &req)
}

// PublishNodeDestroy publishes a teardown command.
func (e *Events) PublishNodeDestroy(ctx context.Context, req NodeDestroyRequest) {
	e.publish(ctx, NodeDestroyRequested.Pattern, &req)
}

func (e *Events) publish(ctx context.Context, subject string, payload message.Payload) {
	if e == nil || e.pub == nil {
		return
	}
	msg := message.NewBaseMessage(payload.Schema(), payload, e.source)
	data, err := json.Marshal(msg)
	if err != nil {
		e.logger.Warn("Failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := e.pub.PublishToStream(ctx, subject, data); err != nil {
		e.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}
