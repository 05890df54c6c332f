package taskrecovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/runner"
	"github.com/c360studio/agentfleet/storage"
)

// fakeProbe scripts execution-record lookups per task.
type fakeProbe struct {
	records map[string]*fleet.ExecutionRecord
}

func (f *fakeProbe) ExecutionStatus(_ context.Context, taskID string) (*fleet.ExecutionRecord, error) {
	if rec, ok := f.records[taskID]; ok {
		return rec, nil
	}
	return nil, storage.ErrNotFound
}

// fakeCleaner records cleanup calls.
type fakeCleaner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCleaner) Cleanup(_ context.Context, taskID string) (*runner.CleanupReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, taskID)
	if f.err != nil {
		return nil, f.err
	}
	return &runner.CleanupReport{TaskID: taskID}, nil
}

func (f *fakeCleaner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// capturePublisher collects event subjects and recovery kinds.
type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	kinds    []fleet.RecoveryKind
}

func (c *capturePublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	if subject == fleet.RecoveryActed.Pattern {
		if ev, err := fleet.ParsePayload[fleet.RecoveryActionEvent](data); err == nil {
			c.kinds = append(c.kinds, ev.Kind)
		}
	}
	return nil
}

func (c *capturePublisher) count(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

func (c *capturePublisher) kindCount(kind fleet.RecoveryKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range c.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type sweepRig struct {
	stores  *storage.Stores
	probe   *fakeProbe
	cleaner *fakeCleaner
	pub     *capturePublisher
	sweeper *Sweeper
}

func newSweepRig(t *testing.T) *sweepRig {
	t.Helper()

	stores := storage.NewMemoryStores()
	probe := &fakeProbe{records: map[string]*fleet.ExecutionRecord{}}
	cleaner := &fakeCleaner{}
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := DefaultConfig()
	cfg.StuckAfter = 30 * time.Minute

	sweeper := NewSweeper(stores, probe, cleaner, fleet.NewEvents(pub, "test", logger), cfg, logger)
	return &sweepRig{stores: stores, probe: probe, cleaner: cleaner, pub: pub, sweeper: sweeper}
}

// seedExecTask creates a task in an executable status whose progress stamp
// is the given time.
func (rig *sweepRig) seedExecTask(t *testing.T, id string, status fleet.Status, since time.Time) *fleet.Task {
	t.Helper()
	task := fleet.NewTask("p-1", "u-1", "Long running refactor")
	task.ID = id
	task.Status = status
	switch status {
	case fleet.StatusQueued, fleet.StatusDelegated:
		task.QueuedAt = &since
	case fleet.StatusInProgress:
		task.StartedAt = &since
	}
	if err := rig.stores.Tasks.Create(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func TestSweepForcesStuckTask(t *testing.T) {
	ctx := context.Background()
	rig := newSweepRig(t)

	started := time.Now().Add(-2 * time.Hour)
	task := rig.seedExecTask(t, "t-stuck", fleet.StatusInProgress, started)

	// Bind a workspace and node so diagnostics have something to report.
	ws := &fleet.Workspace{ID: "ws-1", NodeID: "n-1", TaskID: "t-stuck", Status: fleet.WorkspaceRunning}
	if err := rig.stores.Workspaces.Create(ctx, ws); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	task.WorkspaceID = "ws-1"
	if err := rig.stores.Tasks.Update(ctx, task); err != nil {
		t.Fatalf("bind workspace: %v", err)
	}
	node := fleet.NewNode("u-1", "devbox")
	node.ID = "n-1"
	node.Status = fleet.NodeRunning
	if err := rig.stores.Nodes.Create(ctx, node); err != nil {
		t.Fatalf("seed node: %v", err)
	}

	rig.probe.records["t-stuck"] = &fleet.ExecutionRecord{
		TaskID: "t-stuck",
		Step:   fleet.StepRunning,
	}

	result := rig.sweeper.Sweep(ctx)

	if result.Checked != 1 {
		t.Errorf("Checked = %d, want 1", result.Checked)
	}
	if result.Forced != 1 {
		t.Errorf("Forced = %d, want 1", result.Forced)
	}
	if result.CleanupRuns != 1 {
		t.Errorf("CleanupRuns = %d, want 1", result.CleanupRuns)
	}
	if result.Errors != 0 {
		t.Errorf("Errors = %d, want 0", result.Errors)
	}

	forced, err := rig.stores.Tasks.Get(ctx, "t-stuck")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if forced.Status != fleet.StatusFailed {
		t.Errorf("task status = %s, want %s", forced.Status, fleet.StatusFailed)
	}
	if !strings.Contains(forced.ErrorMessage, "forced to failed") {
		t.Errorf("error message should describe the forcing, got %q", forced.ErrorMessage)
	}
	if !strings.Contains(forced.ErrorMessage, "task status in_progress") {
		t.Errorf("error message should carry diagnostics, got %q", forced.ErrorMessage)
	}
	if !strings.Contains(forced.ErrorMessage, "workspace running") {
		t.Errorf("error message should include workspace status, got %q", forced.ErrorMessage)
	}

	if got := rig.cleaner.callCount(); got != 1 {
		t.Errorf("cleanup calls = %d, want 1", got)
	}
	if got := rig.pub.kindCount(fleet.RecoveryStuckTaskForced); got != 1 {
		t.Errorf("stuck_task_forced events = %d, want 1", got)
	}
	if got := rig.pub.count(fleet.TaskStatusChanged.Pattern); got != 1 {
		t.Errorf("status change events = %d, want 1", got)
	}
}

func TestSweepWarnsOnStatusMismatch(t *testing.T) {
	ctx := context.Background()
	rig := newSweepRig(t)

	// Past half the window, not past the full window.
	started := time.Now().Add(-20 * time.Minute)
	rig.seedExecTask(t, "t-warn", fleet.StatusInProgress, started)

	rig.probe.records["t-warn"] = &fleet.ExecutionRecord{
		TaskID:    "t-warn",
		Step:      fleet.StepRunning,
		Completed: true,
	}

	result := rig.sweeper.Sweep(ctx)

	if result.Warned != 1 {
		t.Errorf("Warned = %d, want 1", result.Warned)
	}
	if result.Forced != 0 {
		t.Errorf("Forced = %d, want 0", result.Forced)
	}

	// The mismatch is flagged, never forced.
	task, err := rig.stores.Tasks.Get(ctx, "t-warn")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != fleet.StatusInProgress {
		t.Errorf("task status = %s, want %s", task.Status, fleet.StatusInProgress)
	}
	if got := rig.pub.kindCount(fleet.RecoveryExecStatusMismatch); got != 1 {
		t.Errorf("execution_status_mismatch events = %d, want 1", got)
	}
	if got := rig.cleaner.callCount(); got != 0 {
		t.Errorf("cleanup calls = %d, want 0", got)
	}
}

func TestSweepWarnsWithoutRecord(t *testing.T) {
	ctx := context.Background()
	rig := newSweepRig(t)

	rig.seedExecTask(t, "t-quiet", fleet.StatusDelegated, time.Now().Add(-20*time.Minute))

	result := rig.sweeper.Sweep(ctx)

	if result.Warned != 1 {
		t.Errorf("Warned = %d, want 1", result.Warned)
	}
	if got := rig.pub.kindCount(fleet.RecoveryExecStatusMismatch); got != 0 {
		t.Errorf("mismatch events = %d, want 0", got)
	}
}

func TestSweepLeavesFreshTasks(t *testing.T) {
	ctx := context.Background()
	rig := newSweepRig(t)

	rig.seedExecTask(t, "t-fresh", fleet.StatusInProgress, time.Now().Add(-time.Minute))
	rig.seedExecTask(t, "t-queued", fleet.StatusQueued, time.Now().Add(-time.Minute))

	result := rig.sweeper.Sweep(ctx)

	if result.Checked != 2 {
		t.Errorf("Checked = %d, want 2", result.Checked)
	}
	if result.Warned != 0 || result.Forced != 0 || result.CleanupRuns != 0 {
		t.Errorf("fresh tasks should be untouched, got %+v", result)
	}
}

func TestSweepUsesQueuedAtForQueuedTasks(t *testing.T) {
	ctx := context.Background()
	rig := newSweepRig(t)

	// QueuedAt is ancient even though the row was just written.
	rig.seedExecTask(t, "t-old-queue", fleet.StatusQueued, time.Now().Add(-2*time.Hour))

	result := rig.sweeper.Sweep(ctx)

	if result.Forced != 1 {
		t.Errorf("Forced = %d, want 1", result.Forced)
	}
	task, err := rig.stores.Tasks.Get(ctx, "t-old-queue")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != fleet.StatusFailed {
		t.Errorf("task status = %s, want %s", task.Status, fleet.StatusFailed)
	}
}

func TestSweepContinuesPastCleanupErrors(t *testing.T) {
	ctx := context.Background()
	rig := newSweepRig(t)
	rig.cleaner.err = errors.New("agent unreachable")

	old := time.Now().Add(-2 * time.Hour)
	rig.seedExecTask(t, "t-a", fleet.StatusInProgress, old)
	rig.seedExecTask(t, "t-b", fleet.StatusInProgress, old)

	result := rig.sweeper.Sweep(ctx)

	if result.Forced != 2 {
		t.Errorf("Forced = %d, want 2", result.Forced)
	}
	if result.CleanupRuns != 2 {
		t.Errorf("CleanupRuns = %d, want 2", result.CleanupRuns)
	}
	if result.Errors != 2 {
		t.Errorf("Errors = %d, want 2", result.Errors)
	}
	if got := rig.cleaner.callCount(); got != 2 {
		t.Errorf("cleanup calls = %d, want 2", got)
	}
}

func TestStuckSince(t *testing.T) {
	queuedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	startedAt := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	updatedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		task fleet.Task
		want time.Time
	}{
		{
			name: "queued uses queued_at",
			task: fleet.Task{Status: fleet.StatusQueued, QueuedAt: &queuedAt, UpdatedAt: updatedAt},
			want: queuedAt,
		},
		{
			name: "delegated uses queued_at",
			task: fleet.Task{Status: fleet.StatusDelegated, QueuedAt: &queuedAt, UpdatedAt: updatedAt},
			want: queuedAt,
		},
		{
			name: "in_progress uses started_at",
			task: fleet.Task{Status: fleet.StatusInProgress, StartedAt: &startedAt, UpdatedAt: updatedAt},
			want: startedAt,
		},
		{
			name: "missing stamp falls back to updated_at",
			task: fleet.Task{Status: fleet.StatusQueued, UpdatedAt: updatedAt},
			want: updatedAt,
		},
		{
			name: "in_progress without started_at falls back",
			task: fleet.Task{Status: fleet.StatusInProgress, UpdatedAt: updatedAt},
			want: updatedAt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stuckSince(&tt.task)
			if !got.Equal(tt.want) {
				t.Errorf("stuckSince() = %v, want %v", got, tt.want)
			}
		})
	}
}
