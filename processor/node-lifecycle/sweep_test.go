package nodelifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/agentfleet/fleet"
	"github.com/c360studio/agentfleet/provision"
	"github.com/c360studio/agentfleet/storage"
)

// capturePublisher collects decoded recovery action events.
type capturePublisher struct {
	mu     sync.Mutex
	events []fleet.RecoveryActionEvent
}

func (c *capturePublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subject == fleet.RecoveryActed.Pattern {
		if ev, err := fleet.ParsePayload[fleet.RecoveryActionEvent](data); err == nil {
			c.events = append(c.events, *ev)
		}
	}
	return nil
}

func (c *capturePublisher) kindCount(kind fleet.RecoveryKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (c *capturePublisher) firstOfKind(kind fleet.RecoveryKind) (fleet.RecoveryActionEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return fleet.RecoveryActionEvent{}, false
}

type lifecycleRig struct {
	stores  *storage.Stores
	fake    *provision.Fake
	pub     *capturePublisher
	sweeper *Sweeper
}

func newLifecycleRig(t *testing.T) *lifecycleRig {
	t.Helper()

	stores := storage.NewMemoryStores()
	fake := provision.NewFake(stores.Nodes)
	pub := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sweeper := NewSweeper(stores, fake, fleet.NewEvents(pub, "test", logger), DefaultConfig(), logger)
	return &lifecycleRig{stores: stores, fake: fake, pub: pub, sweeper: sweeper}
}

// seedNode creates a running node, applying fn before the write so tests
// can back-date timestamps.
func (rig *lifecycleRig) seedNode(t *testing.T, id string, fn func(*fleet.Node)) *fleet.Node {
	t.Helper()
	node := fleet.NewNode("u-1", "node-"+id)
	node.ID = id
	node.Status = fleet.NodeRunning
	if fn != nil {
		fn(node)
	}
	if err := rig.stores.Nodes.Create(context.Background(), node); err != nil {
		t.Fatalf("seed node: %v", err)
	}
	return node
}

func TestSweepDestroysStaleWarmNode(t *testing.T) {
	ctx := context.Background()
	rig := newLifecycleRig(t)

	warm := time.Now().UTC().Add(-45 * time.Minute)
	rig.seedNode(t, "n-warm", func(n *fleet.Node) {
		n.AutoProvisioned = true
		n.WarmSince = &warm
	})

	result := rig.sweeper.Sweep(ctx)

	if result.Checked != 1 {
		t.Errorf("Checked = %d, want 1", result.Checked)
	}
	if result.WarmDestroyed != 1 {
		t.Errorf("WarmDestroyed = %d, want 1", result.WarmDestroyed)
	}
	if result.LifetimeDestroyed != 0 || result.Errors != 0 {
		t.Errorf("unexpected counters: %+v", result)
	}

	destroyed := rig.fake.DestroyedIDs()
	if len(destroyed) != 1 || destroyed[0] != "n-warm" {
		t.Errorf("DestroyedIDs = %v, want [n-warm]", destroyed)
	}

	node, err := rig.stores.Nodes.Get(ctx, "n-warm")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.Status != fleet.NodeStopped {
		t.Errorf("node status = %s, want stopped", node.Status)
	}
	if node.WarmSince != nil {
		t.Error("WarmSince should be cleared after destroy")
	}

	ev, ok := rig.pub.firstOfKind(fleet.RecoveryWarmNodeDestroyed)
	if !ok {
		t.Fatal("expected a warm_node_destroyed event")
	}
	if ev.NodeID != "n-warm" {
		t.Errorf("event node = %q, want n-warm", ev.NodeID)
	}
	if ev.Severity != fleet.SeverityInfo {
		t.Errorf("event severity = %q, want info", ev.Severity)
	}
}

func TestSweepDestroysNodePastMaxLifetime(t *testing.T) {
	ctx := context.Background()
	rig := newLifecycleRig(t)

	// Warm-stale and over the lifetime cap at once: the cap must win.
	now := time.Now().UTC()
	warm := now.Add(-45 * time.Minute)
	rig.seedNode(t, "n-old", func(n *fleet.Node) {
		n.AutoProvisioned = true
		n.CreatedAt = now.Add(-9 * time.Hour)
		n.UpdatedAt = now
		n.WarmSince = &warm
	})

	result := rig.sweeper.Sweep(ctx)

	if result.LifetimeDestroyed != 1 {
		t.Errorf("LifetimeDestroyed = %d, want 1", result.LifetimeDestroyed)
	}
	if result.WarmDestroyed != 0 {
		t.Errorf("WarmDestroyed = %d, want 0", result.WarmDestroyed)
	}
	if got := rig.pub.kindCount(fleet.RecoveryMaxLifetimeDestroyed); got != 1 {
		t.Errorf("max_lifetime_destroyed events = %d, want 1", got)
	}
	if got := rig.pub.kindCount(fleet.RecoveryWarmNodeDestroyed); got != 0 {
		t.Errorf("warm_node_destroyed events = %d, want 0", got)
	}

	ev, _ := rig.pub.firstOfKind(fleet.RecoveryMaxLifetimeDestroyed)
	if ev.Severity != fleet.SeverityWarning {
		t.Errorf("event severity = %q, want warning", ev.Severity)
	}
}

func TestSweepLifetimeCapSkipsRegisteredNodes(t *testing.T) {
	ctx := context.Background()
	rig := newLifecycleRig(t)

	// User-registered nodes live as long as their owners want.
	now := time.Now().UTC()
	rig.seedNode(t, "n-user", func(n *fleet.Node) {
		n.AutoProvisioned = false
		n.CreatedAt = now.Add(-9 * time.Hour)
		n.UpdatedAt = now
	})

	result := rig.sweeper.Sweep(ctx)

	if result.Checked != 1 {
		t.Errorf("Checked = %d, want 1", result.Checked)
	}
	if result.LifetimeDestroyed != 0 || result.WarmDestroyed != 0 || result.OrphanNodes != 0 {
		t.Errorf("unexpected counters: %+v", result)
	}
	if got := rig.fake.DestroyedIDs(); len(got) != 0 {
		t.Errorf("DestroyedIDs = %v, want none", got)
	}
}

func TestSweepContinuesPastDestroyErrors(t *testing.T) {
	ctx := context.Background()
	rig := newLifecycleRig(t)
	rig.fake.DestroyErr = errors.New("backend unavailable")

	warm := time.Now().UTC().Add(-2 * time.Hour)
	rig.seedNode(t, "n-warm-1", func(n *fleet.Node) { n.WarmSince = &warm })
	rig.seedNode(t, "n-warm-2", func(n *fleet.Node) { n.WarmSince = &warm })

	result := rig.sweeper.Sweep(ctx)

	if result.Checked != 2 {
		t.Errorf("Checked = %d, want 2", result.Checked)
	}
	if result.Errors != 2 {
		t.Errorf("Errors = %d, want 2", result.Errors)
	}
	if result.WarmDestroyed != 0 {
		t.Errorf("WarmDestroyed = %d, want 0", result.WarmDestroyed)
	}

	// No success events without a successful destroy.
	if got := rig.pub.kindCount(fleet.RecoveryWarmNodeDestroyed); got != 0 {
		t.Errorf("warm_node_destroyed events = %d, want 0", got)
	}

	node, err := rig.stores.Nodes.Get(ctx, "n-warm-1")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.Status != fleet.NodeRunning {
		t.Errorf("node status = %s, want running after failed destroy", node.Status)
	}
}

func TestDestroyNodeRechecksBeforeActing(t *testing.T) {
	ctx := context.Background()

	always := func(*fleet.Node) bool { return true }
	never := func(*fleet.Node) bool { return false }

	tests := []struct {
		name  string
		setup func(t *testing.T, rig *lifecycleRig)
		still func(*fleet.Node) bool
	}{
		{
			name: "node stopped since listing",
			setup: func(t *testing.T, rig *lifecycleRig) {
				rig.seedNode(t, "n-1", func(n *fleet.Node) { n.Status = fleet.NodeStopped })
			},
			still: always,
		},
		{
			name: "condition no longer holds",
			setup: func(t *testing.T, rig *lifecycleRig) {
				rig.seedNode(t, "n-1", nil)
			},
			still: never,
		},
		{
			name:  "node record gone",
			setup: func(t *testing.T, rig *lifecycleRig) {},
			still: always,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newLifecycleRig(t)
			tt.setup(t, rig)

			ok, err := rig.sweeper.destroyNode(ctx, "n-1", tt.still, fleet.RecoveryWarmNodeDestroyed, fleet.SeverityInfo, "test")
			if err != nil {
				t.Fatalf("destroyNode: %v", err)
			}
			if ok {
				t.Error("destroyNode = true, want skip")
			}
			if got := rig.fake.DestroyedIDs(); len(got) != 0 {
				t.Errorf("DestroyedIDs = %v, want none", got)
			}
			if got := rig.pub.kindCount(fleet.RecoveryWarmNodeDestroyed); got != 0 {
				t.Errorf("events published = %d, want 0", got)
			}
		})
	}
}

func TestSweepFlagsOrphanNode(t *testing.T) {
	ctx := context.Background()
	rig := newLifecycleRig(t)

	now := time.Now().UTC()
	rig.seedNode(t, "n-idle", func(n *fleet.Node) {
		n.AutoProvisioned = true
		n.CreatedAt = now.Add(-1 * time.Hour)
		n.UpdatedAt = now.Add(-45 * time.Minute)
	})

	result := rig.sweeper.Sweep(ctx)

	if result.OrphanNodes != 1 {
		t.Errorf("OrphanNodes = %d, want 1", result.OrphanNodes)
	}
	if got := rig.fake.DestroyedIDs(); len(got) != 0 {
		t.Errorf("orphan flagging must not destroy, DestroyedIDs = %v", got)
	}

	ev, ok := rig.pub.firstOfKind(fleet.RecoveryOrphanNode)
	if !ok {
		t.Fatal("expected an orphan_node event")
	}
	if ev.NodeID != "n-idle" {
		t.Errorf("event node = %q, want n-idle", ev.NodeID)
	}
	if ev.Severity != fleet.SeverityWarning {
		t.Errorf("event severity = %q, want warning", ev.Severity)
	}
}

func TestSweepSkipsNodeWithActiveWorkspace(t *testing.T) {
	ctx := context.Background()
	rig := newLifecycleRig(t)

	now := time.Now().UTC()
	rig.seedNode(t, "n-busy", func(n *fleet.Node) {
		n.AutoProvisioned = true
		n.CreatedAt = now.Add(-1 * time.Hour)
		n.UpdatedAt = now.Add(-45 * time.Minute)
	})
	ws := &fleet.Workspace{ID: "ws-1", NodeID: "n-busy", Status: fleet.WorkspaceRunning}
	if err := rig.stores.Workspaces.Create(ctx, ws); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}

	result := rig.sweeper.Sweep(ctx)

	if result.OrphanNodes != 0 {
		t.Errorf("OrphanNodes = %d, want 0", result.OrphanNodes)
	}
	if result.OrphanWorkspaces != 0 {
		t.Errorf("OrphanWorkspaces = %d, want 0 for a fresh workspace", result.OrphanWorkspaces)
	}
}

func TestSweepOrphanWorkspaceConditions(t *testing.T) {
	now := time.Now().UTC()
	quiet := now.Add(-45 * time.Minute)

	tests := []struct {
		name       string
		taskID     string
		taskStatus fleet.Status
		seedTask   bool
		updatedAt  time.Time
		want       int
	}{
		{
			name:       "task completed",
			taskID:     "t-1",
			taskStatus: fleet.StatusCompleted,
			seedTask:   true,
			updatedAt:  quiet,
			want:       1,
		},
		{
			name:      "task record missing",
			taskID:    "t-gone",
			updatedAt: quiet,
			want:      1,
		},
		{
			name:      "no task reference",
			updatedAt: quiet,
			want:      1,
		},
		{
			name:       "task still executable",
			taskID:     "t-1",
			taskStatus: fleet.StatusInProgress,
			seedTask:   true,
			updatedAt:  quiet,
			want:       0,
		},
		{
			name:       "recently updated",
			taskID:     "t-1",
			taskStatus: fleet.StatusCompleted,
			seedTask:   true,
			updatedAt:  now,
			want:       0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			rig := newLifecycleRig(t)

			if tt.seedTask {
				task := fleet.NewTask("p-1", "u-1", "Ship the feature")
				task.ID = tt.taskID
				task.Status = tt.taskStatus
				if err := rig.stores.Tasks.Create(ctx, task); err != nil {
					t.Fatalf("seed task: %v", err)
				}
			}

			ws := &fleet.Workspace{
				ID:        "ws-1",
				NodeID:    "n-1",
				TaskID:    tt.taskID,
				Status:    fleet.WorkspaceRunning,
				CreatedAt: now.Add(-1 * time.Hour),
				UpdatedAt: tt.updatedAt,
			}
			if err := rig.stores.Workspaces.Create(ctx, ws); err != nil {
				t.Fatalf("seed workspace: %v", err)
			}

			result := rig.sweeper.Sweep(ctx)

			if result.OrphanWorkspaces != tt.want {
				t.Errorf("OrphanWorkspaces = %d, want %d", result.OrphanWorkspaces, tt.want)
			}
			if got := rig.pub.kindCount(fleet.RecoveryOrphanWorkspace); got != tt.want {
				t.Errorf("orphan_workspace events = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSweepLeavesHealthyFleetAlone(t *testing.T) {
	ctx := context.Background()
	rig := newLifecycleRig(t)

	now := time.Now().UTC()
	fresh := now.Add(-10 * time.Minute)
	rig.seedNode(t, "n-warm", func(n *fleet.Node) {
		n.AutoProvisioned = true
		n.WarmSince = &fresh
	})
	rig.seedNode(t, "n-young", func(n *fleet.Node) {
		n.AutoProvisioned = true
		n.CreatedAt = now.Add(-1 * time.Hour)
		n.UpdatedAt = now
	})
	rig.seedNode(t, "n-stopped", func(n *fleet.Node) {
		n.Status = fleet.NodeStopped
		n.UpdatedAt = now.Add(-2 * time.Hour)
	})

	result := rig.sweeper.Sweep(ctx)

	// Stopped nodes are not examined at all.
	if result.Checked != 2 {
		t.Errorf("Checked = %d, want 2", result.Checked)
	}
	if result.WarmDestroyed != 0 || result.LifetimeDestroyed != 0 ||
		result.OrphanNodes != 0 || result.OrphanWorkspaces != 0 || result.Errors != 0 {
		t.Errorf("unexpected counters: %+v", result)
	}
	if len(rig.pub.events) != 0 {
		t.Errorf("events published = %d, want 0", len(rig.pub.events))
	}
}
