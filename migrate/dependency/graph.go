// Package dependency discovers which schema objects depend on a migration
// target: views, foreign keys, triggers, stored procedures and indexes. It
// also analyzes foreign-key cascades and table or column renames.
package dependency

import (
	"encoding/json"
	"sort"

	"github.com/satishbabariya/schemaguard/migrate"
)

// NodeID indexes a node in a Graph arena.
type NodeID int

// EdgeKind describes why one object depends on another.
type EdgeKind string

const (
	EdgeViewReference      EdgeKind = "view_reference"
	EdgeForeignKey         EdgeKind = "foreign_key"
	EdgeTrigger            EdgeKind = "trigger"
	EdgeProcedureReference EdgeKind = "procedure_reference"
	EdgeIndex              EdgeKind = "index"
)

// Edge says that To depends on From.
type Edge struct {
	From    NodeID   `json:"from"`
	To      NodeID   `json:"to"`
	Kind    EdgeKind `json:"kind"`
	Cascade bool     `json:"cascade"`
}

// Graph is a directed, possibly cyclic dependency graph. Nodes live in an
// arena and are addressed by index; each object appears once.
type Graph struct {
	nodes []migrate.SchemaObject
	index map[string]NodeID
	edges []Edge
	out   map[NodeID][]int
	seen  map[edgeKey]struct{}
}

type edgeKey struct {
	from, to NodeID
	kind     EdgeKind
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		index: make(map[string]NodeID),
		out:   make(map[NodeID][]int),
		seen:  make(map[edgeKey]struct{}),
	}
}

// AddNode returns the ID of obj, adding it when absent.
func (g *Graph) AddNode(obj migrate.SchemaObject) NodeID {
	if id, ok := g.index[obj.Key()]; ok {
		return id
	}
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, obj)
	g.index[obj.Key()] = id
	return id
}

// Lookup returns the ID of obj if present.
func (g *Graph) Lookup(obj migrate.SchemaObject) (NodeID, bool) {
	id, ok := g.index[obj.Key()]
	return id, ok
}

// AddEdge records that to depends on from. Duplicate edges are ignored; a
// repeated edge marked as cascading upgrades the stored one.
func (g *Graph) AddEdge(from, to NodeID, kind EdgeKind, cascade bool) {
	k := edgeKey{from: from, to: to, kind: kind}
	if _, dup := g.seen[k]; dup {
		if cascade {
			for _, i := range g.out[from] {
				if g.edges[i].To == to && g.edges[i].Kind == kind {
					g.edges[i].Cascade = true
				}
			}
		}
		return
	}
	g.seen[k] = struct{}{}
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: kind, Cascade: cascade})
	g.out[from] = append(g.out[from], len(g.edges)-1)
}

// Node returns the object stored at id.
func (g *Graph) Node(id NodeID) migrate.SchemaObject {
	return g.nodes[id]
}

// Nodes returns all objects in insertion order.
func (g *Graph) Nodes() []migrate.SchemaObject {
	out := make([]migrate.SchemaObject, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Dependents returns the outgoing edges of id.
func (g *Graph) Dependents(id NodeID) []Edge {
	idx := g.out[id]
	out := make([]Edge, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.edges[i])
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// DetectCycles returns every elementary cycle found by a depth-first walk,
// each as the list of node IDs along it. Self loops are one-node cycles.
// The walk is iterative so deep graphs cannot exhaust the stack.
func (g *Graph) DetectCycles() [][]NodeID {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.nodes))
	var cycles [][]NodeID

	type frame struct {
		node NodeID
		next int
	}

	for start := range g.nodes {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: NodeID(start)}}
		path := []NodeID{NodeID(start)}
		color[start] = grey

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.out[top.node]
			if top.next >= len(edges) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
				continue
			}
			e := g.edges[edges[top.next]]
			top.next++

			switch color[e.To] {
			case white:
				color[e.To] = grey
				stack = append(stack, frame{node: e.To})
				path = append(path, e.To)
			case grey:
				// back edge closes a cycle from e.To to the top of the path
				for i := len(path) - 1; i >= 0; i-- {
					if path[i] == e.To {
						cycle := make([]NodeID, len(path)-i)
						copy(cycle, path[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
	}
	return cycles
}

// CycleNames renders cycles as qualified object names.
func (g *Graph) CycleNames(cycles [][]NodeID) [][]string {
	out := make([][]string, 0, len(cycles))
	for _, c := range cycles {
		names := make([]string, len(c))
		for i, id := range c {
			names[i] = g.nodes[id].QualifiedName()
		}
		out = append(out, names)
	}
	return out
}

type graphJSON struct {
	Nodes []migrate.SchemaObject `json:"nodes"`
	Edges []Edge                 `json:"edges"`
}

// MarshalJSON encodes nodes and edges; edges refer to node positions.
func (g *Graph) MarshalJSON() ([]byte, error) {
	edges := g.Edges()
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return json.Marshal(graphJSON{Nodes: g.nodes, Edges: edges})
}
