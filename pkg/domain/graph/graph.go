// Package graph turns workflow nodes and edges into an immutable, validated
// DAG. Validation happens once in Build; a Graph that exists is acyclic, has
// no dangling edges and exactly one entry node.
package graph

import (
	"iter"
	"slices"
	"sort"
	"strings"

	"github.com/aescanero/dagflow/pkg/domain"
)

// KindChecker reports whether a node kind can be executed
type KindChecker interface {
	Supports(kind domain.NodeKind) bool
}

// Graph is an immutable DAG of workflow nodes
type Graph struct {
	nodes    []domain.Node
	index    map[string]int
	edges    []domain.Edge
	preds    map[string][]string
	succs    map[string][]string
	incoming map[string][]domain.Edge
	outgoing map[string][]domain.Edge
	entry    string
}

// Build validates nodes and edges and returns the graph. Failures are
// *domain.GraphValidationError values.
func Build(nodes []domain.Node, edges []domain.Edge, kinds KindChecker) (*Graph, error) {
	g := &Graph{
		nodes:    make([]domain.Node, 0, len(nodes)),
		index:    make(map[string]int, len(nodes)),
		edges:    make([]domain.Edge, 0, len(edges)),
		preds:    make(map[string][]string, len(nodes)),
		succs:    make(map[string][]string, len(nodes)),
		incoming: make(map[string][]domain.Edge, len(nodes)),
		outgoing: make(map[string][]domain.Edge, len(nodes)),
	}

	for _, n := range nodes {
		if n.ID == "" {
			return nil, domain.NewGraphValidationError(domain.ErrInvalidNodeConfig, "node %q has no id", n.Name)
		}
		if _, exists := g.index[n.ID]; exists {
			err := domain.NewGraphValidationError(domain.ErrDuplicateID, "node %s", n.ID)
			err.NodeID = n.ID
			return nil, err
		}
		if kinds != nil && !kinds.Supports(n.Kind) {
			err := domain.NewGraphValidationError(domain.ErrUnknownNodeKind, "node %s has kind %q", n.ID, n.Kind)
			err.NodeID = n.ID
			return nil, err
		}
		g.index[n.ID] = len(g.nodes)
		g.nodes = append(g.nodes, n)
	}

	edgeIDs := make(map[string]struct{}, len(edges))
	for _, e := range edges {
		if e.ID != "" {
			if _, exists := edgeIDs[e.ID]; exists {
				err := domain.NewGraphValidationError(domain.ErrDuplicateID, "edge %s", e.ID)
				err.EdgeID = e.ID
				return nil, err
			}
			edgeIDs[e.ID] = struct{}{}
		}
		if _, ok := g.index[e.Source]; !ok {
			err := domain.NewGraphValidationError(domain.ErrDanglingEdge, "edge %s references non-existent source node: %s", e.ID, e.Source)
			err.EdgeID = e.ID
			return nil, err
		}
		if _, ok := g.index[e.Target]; !ok {
			err := domain.NewGraphValidationError(domain.ErrDanglingEdge, "edge %s references non-existent target node: %s", e.ID, e.Target)
			err.EdgeID = e.ID
			return nil, err
		}
		if e.Source == e.Target {
			err := domain.NewGraphValidationError(domain.ErrCycle, "cycle: %s -> %s", e.Source, e.Target)
			err.NodeID = e.Source
			return nil, err
		}

		g.edges = append(g.edges, e)
		g.incoming[e.Target] = append(g.incoming[e.Target], e)
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		if !slices.Contains(g.preds[e.Target], e.Source) {
			g.preds[e.Target] = append(g.preds[e.Target], e.Source)
			g.succs[e.Source] = append(g.succs[e.Source], e.Target)
		}
	}

	if path := g.findCycle(); path != nil {
		err := domain.NewGraphValidationError(domain.ErrCycle, "cycle: %s", strings.Join(path, " -> "))
		err.NodeID = path[0]
		return nil, err
	}

	var entries []string
	for _, n := range g.nodes {
		if len(g.preds[n.ID]) == 0 {
			entries = append(entries, n.ID)
		}
	}
	if len(entries) != 1 {
		if len(entries) == 0 {
			return nil, domain.NewGraphValidationError(domain.ErrMultipleEntryPoints, "no entry node")
		}
		return nil, domain.NewGraphValidationError(domain.ErrMultipleEntryPoints, "found %d entry nodes: %s",
			len(entries), strings.Join(entries, ", "))
	}
	g.entry = entries[0]

	return g, nil
}

// findCycle returns the node ids of one cycle, or nil for an acyclic graph.
// Nodes are visited in definition order so the reported cycle is stable.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		inStack
		done
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = inStack
		stack = append(stack, id)
		for _, next := range g.succs[id] {
			switch color[next] {
			case inStack:
				start := slices.Index(stack, next)
				cycle := append([]string{}, stack[start:]...)
				return append(cycle, next)
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = done
		return nil
	}

	for _, n := range g.nodes {
		if color[n.ID] == unvisited {
			if c := visit(n.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

// TopologicalLayers yields sets of node ids using Kahn's algorithm. Every
// node appears after all of its predecessors, and the nodes of one layer are
// independent of each other. Layers are computed as the sequence is pulled.
func (g *Graph) TopologicalLayers() iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		indegree := make(map[string]int, len(g.nodes))
		var layer []string
		for _, n := range g.nodes {
			indegree[n.ID] = len(g.preds[n.ID])
			if indegree[n.ID] == 0 {
				layer = append(layer, n.ID)
			}
		}

		for len(layer) > 0 {
			if !yield(slices.Clone(layer)) {
				return
			}
			var next []string
			for _, id := range layer {
				for _, succ := range g.succs[id] {
					indegree[succ]--
					if indegree[succ] == 0 {
						next = append(next, succ)
					}
				}
			}
			sort.Slice(next, func(i, j int) bool {
				return g.index[next[i]] < g.index[next[j]]
			})
			layer = next
		}
	}
}

// Layers collects TopologicalLayers
func (g *Graph) Layers() [][]string {
	return slices.Collect(g.TopologicalLayers())
}

// Entry returns the id of the single entry node
func (g *Graph) Entry() string {
	return g.entry
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns the nodes in definition order
func (g *Graph) Nodes() []domain.Node {
	return slices.Clone(g.nodes)
}

// Node looks up a node by id
func (g *Graph) Node(id string) (domain.Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return domain.Node{}, false
	}
	return g.nodes[i], true
}

// Predecessors returns the distinct direct predecessors of id
func (g *Graph) Predecessors(id string) []string {
	return slices.Clone(g.preds[id])
}

// Successors returns the distinct direct successors of id
func (g *Graph) Successors(id string) []string {
	return slices.Clone(g.succs[id])
}

// Incoming returns the edges ending at id
func (g *Graph) Incoming(id string) []domain.Edge {
	return slices.Clone(g.incoming[id])
}

// Outgoing returns the edges starting at id
func (g *Graph) Outgoing(id string) []domain.Edge {
	return slices.Clone(g.outgoing[id])
}
