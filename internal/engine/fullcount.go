package engine

// CheckFullCountInvariant verifies invariant P3 (spec.md §3/§4.6,
// testable property #6): at most one Limit node may have FullCount set;
// that node must not lie inside a subquery; and no other Limit (besides a
// ConstrainedSort-marked heap-limit Sort) may sit between it and the plan
// root. InstantiateSingleServer and BuildEngines run this check on every
// plan and reject a plan that violates it; there is no separate
// maintainer-mode switch.
func CheckFullCountInvariant(plan *Plan) error {
	fullCountNodeID := -1
	for id, n := range plan.Nodes {
		if n.Kind != Limit || !n.FullCount {
			continue
		}
		if fullCountNodeID != -1 {
			return ErrFullCountViolation
		}
		if n.InSubquery {
			return ErrFullCountViolation
		}
		fullCountNodeID = id
	}
	if fullCountNodeID == -1 {
		return nil
	}

	// Walk from root down; any path that reaches the fullCount node after
	// already having passed through another (non-constrained-sort) Limit
	// violates P3.
	violated := false
	visited := map[int]bool{}
	var walk func(id int, seenOtherLimit bool)
	walk = func(id int, seenOtherLimit bool) {
		if violated || visited[id] {
			return
		}
		visited[id] = true
		n, err := plan.node(id)
		if err != nil {
			return
		}
		if id == fullCountNodeID && seenOtherLimit {
			violated = true
			return
		}
		nextSeen := seenOtherLimit
		if n.Kind == Limit && !n.FullCount && !n.ConstrainedSort {
			nextSeen = true
		}
		for _, dep := range n.Dependencies {
			walk(dep, nextSeen)
		}
	}
	walk(plan.RootID, false)
	if violated {
		return ErrFullCountViolation
	}
	return nil
}
