package fleet

import "context"

// TaskFilter narrows a task listing. Zero-valued fields match everything.
type TaskFilter struct {
	ProjectID string
	UserID    string
	Status    Status
	Statuses  []Status
}

// Matches reports whether a task passes the filter.
func (f TaskFilter) Matches(t *Task) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// NodeFilter narrows a node listing.
type NodeFilter struct {
	UserID          string
	Status          NodeStatus
	AutoProvisioned *bool
}

// Matches reports whether a node passes the filter.
func (f NodeFilter) Matches(n *Node) bool {
	if f.UserID != "" && n.UserID != f.UserID {
		return false
	}
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.AutoProvisioned != nil && n.AutoProvisioned != *f.AutoProvisioned {
		return false
	}
	return true
}

// WorkspaceFilter narrows a workspace listing.
type WorkspaceFilter struct {
	NodeID string
	TaskID string
	Status WorkspaceStatus
}

// Matches reports whether a workspace passes the filter.
func (f WorkspaceFilter) Matches(w *Workspace) bool {
	if f.NodeID != "" && w.NodeID != f.NodeID {
		return false
	}
	if f.TaskID != "" && w.TaskID != f.TaskID {
		return false
	}
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	return true
}

// TaskStore persists tasks. Implementations map missing ids to the storage
// layer's not-found sentinel and concurrent-write losses to its conflict
// sentinel.
type TaskStore interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, task *Task) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Transition atomically moves a task from an expected status to a new
	// one: fresh read, expected-from check, transition-table check,
	// ApplyStatus, optional extra mutation, conditional write. A current
	// status other than from, or a move outside the transition table,
	// fails with INVALID_STATUS. This is the single-writer gate: of two
	// racing callers, exactly one sees its expected status.
	Transition(ctx context.Context, id string, from, to Status, mutate func(*Task)) (*Task, error)
}

// DependencyStore persists the dependency edge set. Cycle prevention is the
// caller's job (WouldCreateCycle before Add); the store only keeps edges.
type DependencyStore interface {
	Add(ctx context.Context, dep TaskDependency) error
	Remove(ctx context.Context, taskID, dependsOnID string) error
	ListForTask(ctx context.Context, taskID string) ([]TaskDependency, error)
	ListForTasks(ctx context.Context, taskIDs []string) ([]TaskDependency, error)
}

// NodeStore persists nodes.
type NodeStore interface {
	Create(ctx context.Context, node *Node) error
	Get(ctx context.Context, id string) (*Node, error)
	Update(ctx context.Context, node *Node) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter NodeFilter) ([]*Node, error)

	// Mutate re-reads the node, applies fn, and conditionally writes the
	// result. fn returning an error aborts the write; the storage layer's
	// unchanged sentinel turns the call into a silent no-op, which is how
	// callers express "only if the precondition still holds".
	Mutate(ctx context.Context, id string, fn func(*Node) error) (*Node, error)
}

// WorkspaceStore persists workspaces. Rows are never deleted; terminal
// workspaces keep their final status for history.
type WorkspaceStore interface {
	Create(ctx context.Context, ws *Workspace) error
	Get(ctx context.Context, id string) (*Workspace, error)
	Update(ctx context.Context, ws *Workspace) error
	List(ctx context.Context, filter WorkspaceFilter) ([]*Workspace, error)
	Mutate(ctx context.Context, id string, fn func(*Workspace) error) (*Workspace, error)
}

// SessionStore persists agent sessions.
type SessionStore interface {
	Create(ctx context.Context, sess *AgentSession) error
	Get(ctx context.Context, id string) (*AgentSession, error)
	Update(ctx context.Context, sess *AgentSession) error
	ListForWorkspace(ctx context.Context, workspaceID string) ([]*AgentSession, error)
}

// RunStore persists execution records, keyed by task id.
type RunStore interface {
	Put(ctx context.Context, rec *ExecutionRecord) error
	Get(ctx context.Context, taskID string) (*ExecutionRecord, error)
	Delete(ctx context.Context, taskID string) error

	// Advance moves the record's step forward, enforcing CanProgress.
	// A strictly backward report is dropped with the storage layer's
	// unchanged sentinel so late duplicates never rewind progress.
	Advance(ctx context.Context, taskID string, step ExecStep, mutate func(*ExecutionRecord)) (*ExecutionRecord, error)
}
