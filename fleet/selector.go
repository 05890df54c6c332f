package fleet

import "sort"

// Load score weights. Memory pressure degrades agent workloads faster than
// CPU contention, so it carries the larger weight.
const (
	cpuWeight = 0.4
	memWeight = 0.6
)

// ScoreNodeLoad computes a node's composite load score from its latest
// heartbeat metrics. Lower means more available. Nil metrics yield a nil
// score: a node that has never reported cannot be compared on load.
func ScoreNodeLoad(m *NodeMetrics) *float64 {
	if m == nil {
		return nil
	}
	score := cpuWeight*m.CPULoadPct + memWeight*m.MemoryPct
	return &score
}

// NodeHasCapacity reports whether a node can take one more workspace.
// Thresholds are boundary-inclusive: a node sitting exactly at a threshold
// is over capacity. Absent metrics do not disqualify a node here; health
// checks cover unresponsive agents separately.
func NodeHasCapacity(m *NodeMetrics, activeWorkspaces, maxWorkspaces int, cpuThresholdPct, memThresholdPct float64) bool {
	if activeWorkspaces >= maxWorkspaces {
		return false
	}
	if m != nil && (m.CPULoadPct >= cpuThresholdPct || m.MemoryPct >= memThresholdPct) {
		return false
	}
	return true
}

// RankCandidates orders candidate nodes for selection: nodes matching the
// wanted location first, then nodes matching the wanted size, then by
// ascending load score. Nodes without a score rank after scored ones. The
// sort is stable, so equally ranked nodes keep their input order. An empty
// want matches nothing and expresses no preference.
func RankCandidates(nodes []*Node, wantLocation, wantSize string) []*Node {
	ranked := make([]*Node, len(nodes))
	copy(ranked, nodes)

	matches := func(have, want string) bool {
		return want != "" && have == want
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if am, bm := matches(a.Location, wantLocation), matches(b.Location, wantLocation); am != bm {
			return am
		}
		if am, bm := matches(a.Size, wantSize), matches(b.Size, wantSize); am != bm {
			return am
		}
		as, bs := ScoreNodeLoad(a.Metrics), ScoreNodeLoad(b.Metrics)
		switch {
		case as == nil:
			return false
		case bs == nil:
			return true
		default:
			return *as < *bs
		}
	})
	return ranked
}
