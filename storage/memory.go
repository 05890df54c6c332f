package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/c360studio/agentfleet/fleet"
)

// clone deep-copies a record through its JSON form, the same shape records
// take in the KV buckets. Copies on the way in and out keep callers from
// mutating store state behind the lock.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

// MemoryTaskStore is the in-memory implementation of fleet.TaskStore.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*fleet.Task
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*fleet.Task)}
}

// Create stores a new task.
func (s *MemoryTaskStore) Create(_ context.Context, task *fleet.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return ErrAlreadyExists
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
		task.UpdatedAt = task.CreatedAt
	}
	s.tasks[task.ID] = clone(task)
	return nil
}

// Get retrieves a task by ID.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (*fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(task), nil
}

// Update overwrites a task.
func (s *MemoryTaskStore) Update(_ context.Context, task *fleet.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = clone(task)
	return nil
}

// Delete removes a task.
func (s *MemoryTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

// List returns all tasks passing the filter.
func (s *MemoryTaskStore) List(_ context.Context, filter fleet.TaskFilter) ([]*fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*fleet.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Matches(task) {
			tasks = append(tasks, clone(task))
		}
	}
	return tasks, nil
}

// Transition atomically moves a task from an expected status to a new one,
// with the same semantics as the KV implementation.
func (s *MemoryTaskStore) Transition(_ context.Context, id string, from, to fleet.Status, mutate func(*fleet.Task)) (*fleet.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Status != from {
		return nil, fleet.Errorf(fleet.ReasonInvalidStatus,
			"task %s is %s, expected %s", id, stored.Status, from)
	}
	if !from.CanTransitionTo(to) {
		return nil, fleet.Errorf(fleet.ReasonInvalidStatus,
			"task %s cannot transition from %s to %s", id, from, to)
	}

	task := clone(stored)
	task.ApplyStatus(to, time.Now().UTC())
	if mutate != nil {
		mutate(task)
	}
	s.tasks[id] = clone(task)
	return task, nil
}

// MemoryDependencyStore is the in-memory implementation of
// fleet.DependencyStore.
type MemoryDependencyStore struct {
	mu    sync.Mutex
	edges map[string][]fleet.TaskDependency
}

// NewMemoryDependencyStore creates an empty in-memory dependency store.
func NewMemoryDependencyStore() *MemoryDependencyStore {
	return &MemoryDependencyStore{edges: make(map[string][]fleet.TaskDependency)}
}

// Add inserts an edge.
func (s *MemoryDependencyStore) Add(_ context.Context, dep fleet.TaskDependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.edges[dep.TaskID] {
		if e.DependsOnID == dep.DependsOnID {
			return ErrAlreadyExists
		}
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}
	s.edges[dep.TaskID] = append(s.edges[dep.TaskID], dep)
	return nil
}

// Remove deletes an edge.
func (s *MemoryDependencyStore) Remove(_ context.Context, taskID, dependsOnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	edges := s.edges[taskID]
	kept := make([]fleet.TaskDependency, 0, len(edges))
	removed := false
	for _, e := range edges {
		if e.DependsOnID == dependsOnID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return ErrNotFound
	}
	s.edges[taskID] = kept
	return nil
}

// ListForTask returns the outgoing edges of one task.
func (s *MemoryDependencyStore) ListForTask(_ context.Context, taskID string) ([]fleet.TaskDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]fleet.TaskDependency(nil), s.edges[taskID]...), nil
}

// ListForTasks returns the combined outgoing edges of the given tasks.
func (s *MemoryDependencyStore) ListForTasks(_ context.Context, taskIDs []string) ([]fleet.TaskDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]fleet.TaskDependency, 0)
	for _, id := range taskIDs {
		all = append(all, s.edges[id]...)
	}
	return all, nil
}

// MemoryNodeStore is the in-memory implementation of fleet.NodeStore.
type MemoryNodeStore struct {
	mu    sync.Mutex
	nodes map[string]*fleet.Node
}

// NewMemoryNodeStore creates an empty in-memory node store.
func NewMemoryNodeStore() *MemoryNodeStore {
	return &MemoryNodeStore{nodes: make(map[string]*fleet.Node)}
}

// Create stores a new node.
func (s *MemoryNodeStore) Create(_ context.Context, node *fleet.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[node.ID]; ok {
		return ErrAlreadyExists
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
		node.UpdatedAt = node.CreatedAt
	}
	s.nodes[node.ID] = clone(node)
	return nil
}

// Get retrieves a node by ID.
func (s *MemoryNodeStore) Get(_ context.Context, id string) (*fleet.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(node), nil
}

// Update overwrites a node.
func (s *MemoryNodeStore) Update(_ context.Context, node *fleet.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node.UpdatedAt = time.Now().UTC()
	s.nodes[node.ID] = clone(node)
	return nil
}

// Delete removes a node.
func (s *MemoryNodeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(s.nodes, id)
	return nil
}

// List returns all nodes passing the filter.
func (s *MemoryNodeStore) List(_ context.Context, filter fleet.NodeFilter) ([]*fleet.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]*fleet.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		if filter.Matches(node) {
			nodes = append(nodes, clone(node))
		}
	}
	return nodes, nil
}

// Mutate applies fn to the node and writes the result, with the same
// contract as the KV implementation.
func (s *MemoryNodeStore) Mutate(_ context.Context, id string, fn func(*fleet.Node) error) (*fleet.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}

	node := clone(stored)
	if err := fn(node); err != nil {
		return nil, err
	}
	node.UpdatedAt = time.Now().UTC()
	s.nodes[id] = clone(node)
	return node, nil
}

// MemoryWorkspaceStore is the in-memory implementation of
// fleet.WorkspaceStore.
type MemoryWorkspaceStore struct {
	mu         sync.Mutex
	workspaces map[string]*fleet.Workspace
}

// NewMemoryWorkspaceStore creates an empty in-memory workspace store.
func NewMemoryWorkspaceStore() *MemoryWorkspaceStore {
	return &MemoryWorkspaceStore{workspaces: make(map[string]*fleet.Workspace)}
}

// Create stores a new workspace.
func (s *MemoryWorkspaceStore) Create(_ context.Context, ws *fleet.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[ws.ID]; ok {
		return ErrAlreadyExists
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
		ws.UpdatedAt = ws.CreatedAt
	}
	s.workspaces[ws.ID] = clone(ws)
	return nil
}

// Get retrieves a workspace by ID.
func (s *MemoryWorkspaceStore) Get(_ context.Context, id string) (*fleet.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ws), nil
}

// Update overwrites a workspace.
func (s *MemoryWorkspaceStore) Update(_ context.Context, ws *fleet.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws.UpdatedAt = time.Now().UTC()
	s.workspaces[ws.ID] = clone(ws)
	return nil
}

// List returns all workspaces passing the filter.
func (s *MemoryWorkspaceStore) List(_ context.Context, filter fleet.WorkspaceFilter) ([]*fleet.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workspaces := make([]*fleet.Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		if filter.Matches(ws) {
			workspaces = append(workspaces, clone(ws))
		}
	}
	return workspaces, nil
}

// Mutate applies fn to the workspace and writes the result.
func (s *MemoryWorkspaceStore) Mutate(_ context.Context, id string, fn func(*fleet.Workspace) error) (*fleet.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}

	ws := clone(stored)
	if err := fn(ws); err != nil {
		return nil, err
	}
	ws.UpdatedAt = time.Now().UTC()
	s.workspaces[id] = clone(ws)
	return ws, nil
}

// MemorySessionStore is the in-memory implementation of fleet.SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*fleet.AgentSession
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*fleet.AgentSession)}
}

// Create stores a new session.
func (s *MemorySessionStore) Create(_ context.Context, sess *fleet.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return ErrAlreadyExists
	}
	s.sessions[sess.ID] = clone(sess)
	return nil
}

// Get retrieves a session by ID.
func (s *MemorySessionStore) Get(_ context.Context, id string) (*fleet.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

// Update overwrites a session.
func (s *MemorySessionStore) Update(_ context.Context, sess *fleet.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = clone(sess)
	return nil
}

// ListForWorkspace returns all sessions attached to a workspace.
func (s *MemorySessionStore) ListForWorkspace(_ context.Context, workspaceID string) ([]*fleet.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]*fleet.AgentSession, 0)
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID {
			sessions = append(sessions, clone(sess))
		}
	}
	return sessions, nil
}

// MemoryRunStore is the in-memory implementation of fleet.RunStore.
type MemoryRunStore struct {
	mu      sync.Mutex
	records map[string]*fleet.ExecutionRecord
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{records: make(map[string]*fleet.ExecutionRecord)}
}

// Put stores an execution record.
func (s *MemoryRunStore) Put(_ context.Context, rec *fleet.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.UpdatedAt = time.Now().UTC()
	s.records[rec.TaskID] = clone(rec)
	return nil
}

// Get retrieves the execution record for a task.
func (s *MemoryRunStore) Get(_ context.Context, taskID string) (*fleet.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

// Delete removes the execution record for a task.
func (s *MemoryRunStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[taskID]; !ok {
		return ErrNotFound
	}
	delete(s.records, taskID)
	return nil
}

// Advance moves the record's step forward under the CanProgress rule.
func (s *MemoryRunStore) Advance(_ context.Context, taskID string, step fleet.ExecStep, mutate func(*fleet.ExecutionRecord)) (*fleet.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.records[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Completed {
		return nil, ErrUnchanged
	}
	if !fleet.CanProgress(stored.Step, step) {
		return nil, ErrUnchanged
	}

	rec := clone(stored)
	rec.Step = step
	rec.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(rec)
	}
	s.records[taskID] = clone(rec)
	return rec, nil
}
