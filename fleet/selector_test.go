package fleet

import (
	"testing"
	"time"
)

func TestScoreNodeLoad(t *testing.T) {
	tests := []struct {
		name    string
		metrics *NodeMetrics
		want    *float64
	}{
		{
			name:    "nil metrics yield nil score",
			metrics: nil,
			want:    nil,
		},
		{
			name:    "cpu heavy",
			metrics: &NodeMetrics{CPULoadPct: 80, MemoryPct: 20},
			want:    ptr(44.0),
		},
		{
			name:    "memory heavy",
			metrics: &NodeMetrics{CPULoadPct: 20, MemoryPct: 80},
			want:    ptr(56.0),
		},
		{
			name:    "zero-valued fields contribute nothing",
			metrics: &NodeMetrics{CPULoadPct: 50},
			want:    ptr(20.0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreNodeLoad(tt.metrics)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("score = %v, want nil", *got)
			case tt.want != nil && got == nil:
				t.Errorf("score = nil, want %v", *tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Errorf("score = %v, want %v", *got, *tt.want)
			}
		})
	}
}

func TestNodeHasCapacity(t *testing.T) {
	tests := []struct {
		name    string
		metrics *NodeMetrics
		active  int
		max     int
		want    bool
	}{
		{name: "room on all axes", metrics: &NodeMetrics{CPULoadPct: 50, MemoryPct: 50}, active: 1, max: 4, want: true},
		{name: "workspace count at max", metrics: &NodeMetrics{CPULoadPct: 10, MemoryPct: 10}, active: 4, max: 4, want: false},
		{name: "cpu exactly at threshold is over", metrics: &NodeMetrics{CPULoadPct: 80, MemoryPct: 10}, active: 0, max: 4, want: false},
		{name: "cpu just under threshold is within", metrics: &NodeMetrics{CPULoadPct: 79.9, MemoryPct: 10}, active: 0, max: 4, want: true},
		{name: "memory exactly at threshold is over", metrics: &NodeMetrics{CPULoadPct: 10, MemoryPct: 85}, active: 0, max: 4, want: false},
		{name: "memory just under threshold is within", metrics: &NodeMetrics{CPULoadPct: 10, MemoryPct: 84.9}, active: 0, max: 4, want: true},
		{name: "absent metrics do not disqualify", metrics: nil, active: 0, max: 4, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NodeHasCapacity(tt.metrics, tt.active, tt.max, 80, 85)
			if got != tt.want {
				t.Errorf("NodeHasCapacity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRankCandidates(t *testing.T) {
	node := func(id, location, size string, cpu, mem float64) *Node {
		return &Node{ID: id, Location: location, Size: size, Metrics: &NodeMetrics{CPULoadPct: cpu, MemoryPct: mem}}
	}

	t.Run("location match beats lower load", func(t *testing.T) {
		nodes := []*Node{
			node("busy-here", "fra", "small", 70, 70),
			node("idle-there", "nyc", "small", 5, 5),
		}
		ranked := RankCandidates(nodes, "fra", "")
		if ranked[0].ID != "busy-here" {
			t.Errorf("first = %s, want busy-here", ranked[0].ID)
		}
	})

	t.Run("size match breaks location ties", func(t *testing.T) {
		nodes := []*Node{
			node("wrong-size", "fra", "large", 5, 5),
			node("right-size", "fra", "small", 70, 70),
		}
		ranked := RankCandidates(nodes, "fra", "small")
		if ranked[0].ID != "right-size" {
			t.Errorf("first = %s, want right-size", ranked[0].ID)
		}
	})

	t.Run("load orders otherwise equal nodes", func(t *testing.T) {
		nodes := []*Node{
			node("loaded", "fra", "small", 60, 60),
			node("idle", "fra", "small", 10, 10),
		}
		ranked := RankCandidates(nodes, "", "")
		if ranked[0].ID != "idle" {
			t.Errorf("first = %s, want idle", ranked[0].ID)
		}
	})

	t.Run("scoreless nodes rank last", func(t *testing.T) {
		unscored := &Node{ID: "silent", Location: "fra", Size: "small"}
		nodes := []*Node{unscored, node("reporting", "fra", "small", 75, 75)}
		ranked := RankCandidates(nodes, "", "")
		if ranked[0].ID != "reporting" {
			t.Errorf("first = %s, want reporting", ranked[0].ID)
		}
	})

	t.Run("input order preserved for equal ranks", func(t *testing.T) {
		nodes := []*Node{
			node("first", "fra", "small", 30, 30),
			node("second", "fra", "small", 30, 30),
		}
		ranked := RankCandidates(nodes, "", "")
		if ranked[0].ID != "first" || ranked[1].ID != "second" {
			t.Errorf("order = %s, %s; want first, second", ranked[0].ID, ranked[1].ID)
		}
	})

	t.Run("input slice is not reordered", func(t *testing.T) {
		nodes := []*Node{
			node("loaded", "fra", "small", 60, 60),
			node("idle", "fra", "small", 10, 10),
		}
		_ = RankCandidates(nodes, "", "")
		if nodes[0].ID != "loaded" {
			t.Error("expected RankCandidates to leave its input untouched")
		}
	})
}

func TestHealthOf(t *testing.T) {
	now := time.Now().UTC()
	staleAfter := 2 * time.Minute
	unhealthyAfter := 10 * time.Minute

	tests := []struct {
		name string
		last *time.Time
		want NodeHealth
	}{
		{name: "never heartbeated is unhealthy", last: nil, want: HealthUnhealthy},
		{name: "recent heartbeat is healthy", last: ptr(now.Add(-30 * time.Second)), want: HealthHealthy},
		{name: "exactly at stale cutoff", last: ptr(now.Add(-staleAfter)), want: HealthStale},
		{name: "between cutoffs is stale", last: ptr(now.Add(-5 * time.Minute)), want: HealthStale},
		{name: "exactly at unhealthy cutoff", last: ptr(now.Add(-unhealthyAfter)), want: HealthUnhealthy},
		{name: "long silent is unhealthy", last: ptr(now.Add(-time.Hour)), want: HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HealthOf(tt.last, now, staleAfter, unhealthyAfter); got != tt.want {
				t.Errorf("HealthOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}
