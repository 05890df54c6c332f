package fleet

// ExecStep identifies a stage in the task execution sequence, reported by
// the node agent as the run progresses.
type ExecStep string

const (
	// StepNodeSelection indicates a node is being chosen or validated for the run.
	StepNodeSelection ExecStep = "node_selection"
	// StepNodeProvisioning indicates a new node is being provisioned.
	StepNodeProvisioning ExecStep = "node_provisioning"
	// StepNodeAgentReady indicates the node's agent daemon is reachable.
	StepNodeAgentReady ExecStep = "node_agent_ready"
	// StepWorkspaceCreation indicates the workspace is being created on the node.
	StepWorkspaceCreation ExecStep = "workspace_creation"
	// StepWorkspaceReady indicates the workspace reported ready.
	StepWorkspaceReady ExecStep = "workspace_ready"
	// StepAgentSession indicates the coding agent session is being started.
	StepAgentSession ExecStep = "agent_session"
	// StepRunning indicates the agent is executing the task.
	StepRunning ExecStep = "running"
	// StepAwaitingFollowup indicates the agent finished and is waiting for
	// follow-up input.
	StepAwaitingFollowup ExecStep = "awaiting_followup"
)

// execStepOrder defines the canonical progression of execution steps.
var execStepOrder = []ExecStep{
	StepNodeSelection,
	StepNodeProvisioning,
	StepNodeAgentReady,
	StepWorkspaceCreation,
	StepWorkspaceReady,
	StepAgentSession,
	StepRunning,
	StepAwaitingFollowup,
}

// String returns the string representation of the step.
func (e ExecStep) String() string {
	return string(e)
}

// IsValid returns true if the step is part of the execution sequence.
func (e ExecStep) IsValid() bool {
	return StepIndex(e) >= 0
}

// StepIndex returns the position of the step in the execution sequence,
// or -1 for an unknown step.
func StepIndex(step ExecStep) int {
	for i, s := range execStepOrder {
		if s == step {
			return i
		}
	}
	return -1
}

// CanProgress reports whether a step report moving from one step to another
// is a valid progression. Progress is monotonic: repeats of the current step
// and forward skips are valid, strictly backward reports are not. An empty
// from step (no progress recorded yet) accepts anything. Step callbacks are
// delivered at least once and possibly reordered, so this is the filter that
// keeps late duplicates from rewinding recorded progress.
func CanProgress(from, to ExecStep) bool {
	if from == "" {
		return true
	}
	return StepIndex(to) >= StepIndex(from)
}
