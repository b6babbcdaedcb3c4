// Package dag validates and resolves the directed acyclic graph a run
// declares (spec section 4.2): acyclicity, unique node labels, unique
// outgoing route labels on gates, at least one source and one sink, and
// reachability of every sink from some source. Validation errors are
// fatal and reported before the scheduler starts.
//
// Deterministic reachability checks use a container/heap min-heap
// traversal instead of relying on Go's randomized map iteration order,
// grounded on the downstreamReachable traversal in the pack's script-weaver
// DAG executor reference.
package dag

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
)

// NodeType is one of the six node kinds spec section 3 enumerates.
type NodeType string

const (
	NodeSource      NodeType = "source"
	NodeTransform   NodeType = "transform"
	NodeGate        NodeType = "gate"
	NodeAggregation NodeType = "aggregation"
	NodeCoalesce    NodeType = "coalesce"
	NodeSink        NodeType = "sink"
)

// NodeSpec is a declared node before validation/resolution.
type NodeSpec struct {
	Label         string
	Type          NodeType
	PluginName    string
	PluginVersion string
	ConfigHash    string
	Deterministic bool
}

// EdgeSpec is a declared edge before validation/resolution.
type EdgeSpec struct {
	From       string
	To         string
	RouteLabel string // non-empty only for edges leaving a gate
}

// Graph is a validated, resolved DAG ready for execution.
type Graph struct {
	Nodes map[string]NodeSpec
	// outEdges maps (fromLabel, routeLabel) -> toLabel for gate routing,
	// and fromLabel alone (routeLabel "") -> single toLabel for
	// unconditional edges.
	outEdges   map[string]map[string]string
	allOutputs map[string][]EdgeSpec
	order      []string // node labels in declaration order, for determinism
}

// Build validates nodes/edges and returns a resolved Graph.
func Build(nodes []NodeSpec, edges []EdgeSpec) (*Graph, error) {
	byLabel := make(map[string]NodeSpec, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := byLabel[n.Label]; dup {
			return nil, elspetherrors.ConfigError(fmt.Sprintf("dag: duplicate node label %q", n.Label), nil)
		}
		byLabel[n.Label] = n
		order = append(order, n.Label)
	}

	outEdges := make(map[string]map[string]string)
	allOutputs := make(map[string][]EdgeSpec)
	for _, e := range edges {
		if _, ok := byLabel[e.From]; !ok {
			return nil, elspetherrors.ConfigError(fmt.Sprintf("dag: edge references unknown source node %q", e.From), nil)
		}
		if _, ok := byLabel[e.To]; !ok {
			return nil, elspetherrors.ConfigError(fmt.Sprintf("dag: edge references unknown destination node %q", e.To), nil)
		}
		if outEdges[e.From] == nil {
			outEdges[e.From] = make(map[string]string)
		}
		if _, dup := outEdges[e.From][e.RouteLabel]; dup {
			return nil, elspetherrors.ConfigError(
				fmt.Sprintf("dag: node %q has duplicate outgoing route label %q", e.From, e.RouteLabel), nil)
		}
		outEdges[e.From][e.RouteLabel] = e.To
		allOutputs[e.From] = append(allOutputs[e.From], e)
	}

	g := &Graph{Nodes: byLabel, outEdges: outEdges, allOutputs: allOutputs, order: order}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	if err := g.checkSourcesAndSinks(); err != nil {
		return nil, err
	}
	if err := g.checkReachability(); err != nil {
		return nil, err
	}
	return g, nil
}

// RouteTarget resolves the node a token should move to, leaving `from` on
// `routeLabel` ("" for an unconditional/transform/aggregation/coalesce
// continuation).
func (g *Graph) RouteTarget(from, routeLabel string) (string, bool) {
	targets, ok := g.outEdges[from]
	if !ok {
		return "", false
	}
	to, ok := targets[routeLabel]
	return to, ok
}

// Outputs returns every declared outgoing edge of a node, in declaration
// order.
func (g *Graph) Outputs(label string) []EdgeSpec {
	return g.allOutputs[label]
}

// Order returns every node label in declaration order, used by callers
// (internal/orchestrator's graph registration) that need a deterministic
// traversal for writing audit Node/Edge rows once at run start.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.order))
	var visit func(label string) error
	visit = func(label string) error {
		color[label] = gray
		targets := g.allOutputs[label]
		sortedTargets := append([]EdgeSpec(nil), targets...)
		sort.Slice(sortedTargets, func(i, j int) bool { return sortedTargets[i].To < sortedTargets[j].To })
		for _, e := range sortedTargets {
			switch color[e.To] {
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			case gray:
				return elspetherrors.ConfigError(fmt.Sprintf("dag: cycle detected through node %q", e.To), nil)
			}
		}
		color[label] = black
		return nil
	}
	for _, label := range g.order {
		if color[label] == white {
			if err := visit(label); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) checkSourcesAndSinks() error {
	var sources, sinks int
	for _, label := range g.order {
		n := g.Nodes[label]
		if n.Type == NodeSource {
			sources++
		}
		if n.Type == NodeSink {
			sinks++
		}
	}
	if sources == 0 {
		return elspetherrors.ConfigError("dag: graph must declare at least one source node", nil)
	}
	if sinks == 0 {
		return elspetherrors.ConfigError("dag: graph must declare at least one sink node", nil)
	}
	return nil
}

// labelHeap, a priority queue of node labels, gives the reachability BFS a
// deterministic visitation order independent of Go's map iteration order,
// matching the min-heap traversal idiom used by the pack's DAG executor
// reference for the same purpose.
type labelHeap []string

func (h labelHeap) Len() int            { return len(h) }
func (h labelHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h labelHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *labelHeap) Push(x interface{}) { *h = append(*h, x.(string)) }
func (h *labelHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (g *Graph) checkReachability() error {
	reachable := make(map[string]bool)
	queue := &labelHeap{}
	heap.Init(queue)
	for _, label := range g.order {
		if g.Nodes[label].Type == NodeSource {
			heap.Push(queue, label)
			reachable[label] = true
		}
	}
	for queue.Len() > 0 {
		current := heap.Pop(queue).(string)
		next := append([]EdgeSpec(nil), g.allOutputs[current]...)
		sort.Slice(next, func(i, j int) bool { return next[i].To < next[j].To })
		for _, e := range next {
			if !reachable[e.To] {
				reachable[e.To] = true
				heap.Push(queue, e.To)
			}
		}
	}
	for _, label := range g.order {
		n := g.Nodes[label]
		if n.Type == NodeSource {
			continue
		}
		if !reachable[label] {
			return elspetherrors.ConfigError(fmt.Sprintf("dag: node %q is not reachable from any source", label), nil)
		}
	}
	for _, label := range g.order {
		n := g.Nodes[label]
		if n.Type == NodeSink && !reachable[label] {
			return elspetherrors.ConfigError(fmt.Sprintf("dag: sink %q is not reachable from any source", label), nil)
		}
	}
	return nil
}
