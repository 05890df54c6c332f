package fleet

import (
	"errors"
	"fmt"
)

// Reason classifies an orchestration failure with a stable machine-readable
// code. The set is closed: API responses and failure events carry only these.
type Reason string

const (
	// ReasonNotFound indicates the referenced task, node, or workspace does not exist.
	ReasonNotFound Reason = "NOT_FOUND"
	// ReasonInvalidStatus indicates the operation is not legal from the entity's current status.
	ReasonInvalidStatus Reason = "INVALID_STATUS"
	// ReasonNodeUnavailable indicates the requested or selected node cannot take the run.
	ReasonNodeUnavailable Reason = "NODE_UNAVAILABLE"
	// ReasonLimitExceeded indicates a per-user or per-project cap was hit.
	ReasonLimitExceeded Reason = "LIMIT_EXCEEDED"
	// ReasonProvisionFailed indicates node provisioning did not produce a usable node.
	ReasonProvisionFailed Reason = "PROVISION_FAILED"
	// ReasonWorkspaceCreationFailed indicates the node agent could not create the workspace.
	ReasonWorkspaceCreationFailed Reason = "WORKSPACE_CREATION_FAILED"
	// ReasonWorkspaceLost indicates the workspace disappeared while the task was executing.
	ReasonWorkspaceLost Reason = "WORKSPACE_LOST"
	// ReasonWorkspaceStopped indicates the workspace stopped while the task was executing.
	ReasonWorkspaceStopped Reason = "WORKSPACE_STOPPED"
	// ReasonWorkspaceTimeout indicates the workspace did not become ready in time.
	ReasonWorkspaceTimeout Reason = "WORKSPACE_TIMEOUT"
	// ReasonExecutionFailed indicates the agent reported a failed execution.
	ReasonExecutionFailed Reason = "EXECUTION_FAILED"
)

// String returns the string representation of the reason code.
func (r Reason) String() string {
	return string(r)
}

// Error is an orchestration failure carrying a closed reason code alongside
// a human-readable message and an optional wrapped cause.
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error with a formatted message.
func Errorf(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error around an underlying cause.
func WrapError(reason Reason, err error, message string) *Error {
	return &Error{Reason: reason, Message: message, Err: err}
}

// ReasonOf extracts the orchestration reason from an error chain, or returns
// the empty reason if the chain carries none.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}
