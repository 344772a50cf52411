package engine

// ConditionOp is the operator of one condition-tree node. The normalizer
// only cares about the boolean structure; leaf comparisons are opaque.
type ConditionOp string

const (
	OpAnd   ConditionOp = "and"
	OpOr    ConditionOp = "or"
	OpNoOpt ConditionOp = "noopt"
	OpLeaf  ConditionOp = "cmp"
)

// Condition is a boolean filter-condition tree as handed over by the
// planner. Index selection consumes it in disjunctive normal form:
// OR(AND(leaf...)...).
type Condition struct {
	Op       ConditionOp
	Children []*Condition

	// Leaf payload, opaque to the normalizer.
	Attribute string
	Value     interface{}
}

// NoOpt wraps c in a marker that excludes the subtree from index
// selection; the wrapped condition is still evaluated as a post-filter.
func NoOpt(c *Condition) *Condition {
	return &Condition{Op: OpNoOpt, Children: []*Condition{c}}
}

// dnfMembers estimates how many AND-groups a full distribution of c would
// produce, saturating at limit+1 so huge trees do not overflow.
func dnfMembers(c *Condition, limit int) int {
	switch c.Op {
	case OpOr:
		sum := 0
		for _, child := range c.Children {
			sum += dnfMembers(child, limit)
			if sum > limit {
				return limit + 1
			}
		}
		return sum
	case OpAnd:
		product := 1
		for _, child := range c.Children {
			product *= dnfMembers(child, limit)
			if product > limit {
				return limit + 1
			}
		}
		return product
	default:
		return 1
	}
}

// NormalizeDNF converts c into disjunctive normal form for index
// consumption. If full distribution would exceed maxMembers AND-groups
// (QueryOptions' maxDNFConditionMembers), the tree is instead replaced by
// the simplification OR(AND(NOOPT(c))) — semantically equivalent but
// invisible to index selection — and ErrDNFComplexity is returned alongside
// it so the caller can surface a warning.
func NormalizeDNF(c *Condition, maxMembers int) (*Condition, error) {
	if c == nil {
		return nil, nil
	}
	if maxMembers > 0 && dnfMembers(c, maxMembers) > maxMembers {
		fallback := &Condition{Op: OpOr, Children: []*Condition{
			{Op: OpAnd, Children: []*Condition{NoOpt(c)}},
		}}
		return fallback, ErrDNFComplexity
	}
	groups := distribute(c)
	out := &Condition{Op: OpOr}
	for _, g := range groups {
		out.Children = append(out.Children, &Condition{Op: OpAnd, Children: g})
	}
	return out, nil
}

// distribute returns c as a list of AND-groups, each a list of leaves (or
// NOOPT-wrapped subtrees, which distribute as opaque units).
func distribute(c *Condition) [][]*Condition {
	switch c.Op {
	case OpOr:
		var groups [][]*Condition
		for _, child := range c.Children {
			groups = append(groups, distribute(child)...)
		}
		return groups
	case OpAnd:
		groups := [][]*Condition{{}}
		for _, child := range c.Children {
			childGroups := distribute(child)
			var next [][]*Condition
			for _, g := range groups {
				for _, cg := range childGroups {
					merged := make([]*Condition, 0, len(g)+len(cg))
					merged = append(merged, g...)
					merged = append(merged, cg...)
					next = append(next, merged)
				}
			}
			groups = next
		}
		return groups
	default:
		return [][]*Condition{{c}}
	}
}
