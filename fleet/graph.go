package fleet

// WouldCreateCycle reports whether adding the edge taskID → dependsOnID to
// the existing edge set would create a dependency cycle. A self-edge is
// always a cycle. Otherwise the new edge cycles exactly when taskID is
// already reachable from dependsOnID along existing depends-on edges.
func WouldCreateCycle(taskID, dependsOnID string, edges []TaskDependency) bool {
	if taskID == dependsOnID {
		return true
	}

	dependsOn := make(map[string][]string, len(edges))
	for _, e := range edges {
		dependsOn[e.TaskID] = append(dependsOn[e.TaskID], e.DependsOnID)
	}

	seen := make(map[string]bool)
	stack := []string{dependsOnID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == taskID {
			return true
		}
		if seen[current] {
			continue
		}
		seen[current] = true
		stack = append(stack, dependsOn[current]...)
	}
	return false
}

// IsBlocked reports whether the task has any direct dependency that has not
// completed. A dependency whose status is unknown blocks: a missing row is
// treated as not done, never as done.
func IsBlocked(taskID string, edges []TaskDependency, statusByID map[string]Status) bool {
	for _, e := range edges {
		if e.TaskID != taskID {
			continue
		}
		if statusByID[e.DependsOnID] != StatusCompleted {
			return true
		}
	}
	return false
}

// BlockedIDs computes the blocked set for a whole edge list in one pass,
// with the same unknown-blocks rule as IsBlocked.
func BlockedIDs(edges []TaskDependency, statusByID map[string]Status) map[string]bool {
	blocked := make(map[string]bool)
	for _, e := range edges {
		if statusByID[e.DependsOnID] != StatusCompleted {
			blocked[e.TaskID] = true
		}
	}
	return blocked
}
