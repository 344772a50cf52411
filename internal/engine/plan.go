// Package engine implements the Distributed AQL Execution-Engine
// Instantiator (spec.md §4.6): it takes a planned query's node DAG and
// partitions it into a coordinator snippet plus one DB-server snippet per
// Remote boundary, builds the resulting engines, and wires reboot trackers
// so an in-flight query is killed when a participating server restarts.
package engine

import "errors"

// Errors surfaced by this package (spec.md §7).
var (
	ErrFullCountViolation = errors.New("engine: more than one fullCount limit, or fullCount inside a subquery, or another limit between it and the root")
	ErrKilled             = errors.New("engine: query killed")
	ErrUnknownNode        = errors.New("engine: reference to unknown node id")
	ErrDNFComplexity      = errors.New("engine: condition too complex for DNF normalization")
)

// NodeKind enumerates the ExecutionNode kinds relevant to instantiation
// (spec.md §3, "Query plan graph").
type NodeKind string

const (
	Singleton          NodeKind = "Singleton"
	EnumerateCollection NodeKind = "EnumerateCollection"
	EnumerateList       NodeKind = "EnumerateList"
	Calculation         NodeKind = "Calculation"
	Filter              NodeKind = "Filter"
	Limit               NodeKind = "Limit"
	Sort                NodeKind = "Sort"
	SubqueryStart       NodeKind = "SubqueryStart"
	SubqueryEnd         NodeKind = "SubqueryEnd"
	Remote              NodeKind = "Remote"
	Scatter             NodeKind = "Scatter"
	Distribute          NodeKind = "Distribute"
	Gather              NodeKind = "Gather"
	Async               NodeKind = "Async"
	Mutex               NodeKind = "Mutex"
	Return              NodeKind = "Return"
	Traversal           NodeKind = "Traversal"
	ShortestPath        NodeKind = "ShortestPath"
	EnumeratePaths      NodeKind = "EnumeratePaths"
)

// Node is one vertex of the plan DAG. Dependencies point from a node toward
// its children (the direction data flows from, i.e. leaf→root per
// spec.md §3), so walking "top-down" from the root visits Dependencies
// recursively.
type Node struct {
	ID           int
	Kind         NodeKind
	Dependencies []int
	Collection   string // set on EnumerateCollection/Traversal/ShortestPath/EnumeratePaths
	FullCount    bool   // set on Limit
	InSubquery   bool   // true for nodes that lie between a SubqueryStart and its SubqueryEnd
	ConstrainedSort bool // a Sort node acting as a heap-limit optimization, exempted from P3
}

// Plan is the arena-indexed node DAG for one query (DESIGN NOTES: nodes are
// stored in a flat arena keyed by id so Subquery* back-references do not
// require owned pointers).
type Plan struct {
	Nodes  map[int]Node
	RootID int
}

// NewPlan builds a Plan from a flat node list.
func NewPlan(rootID int, nodes []Node) *Plan {
	p := &Plan{Nodes: make(map[int]Node, len(nodes)), RootID: rootID}
	for _, n := range nodes {
		p.Nodes[n.ID] = n
	}
	return p
}

func (p *Plan) node(id int) (Node, error) {
	n, ok := p.Nodes[id]
	if !ok {
		return Node{}, ErrUnknownNode
	}
	return n, nil
}

// Walk visits every node reachable from root, root included, calling pre
// in pre-order (parent before children) and post in post-order (children
// before parent returns), matching the structural walk spec.md §4.6
// describes for coordinator partitioning.
func (p *Plan) Walk(rootID int, pre func(Node), post func(Node)) error {
	n, err := p.node(rootID)
	if err != nil {
		return err
	}
	if pre != nil {
		pre(n)
	}
	for _, dep := range n.Dependencies {
		if err := p.Walk(dep, pre, post); err != nil {
			return err
		}
	}
	if post != nil {
		post(n)
	}
	return nil
}
