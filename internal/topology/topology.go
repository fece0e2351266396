package topology

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownVertex = errors.New("unknown vertex")
	ErrEdgeExists    = errors.New("edge already exists")
	ErrNoSuchEdge    = errors.New("no such edge")
)

// Edge is an unordered pair of vertex names. A and B are kept in lexical
// order so {a,b} and {b,a} compare equal.
type Edge struct {
	A, B string
}

// NewEdge normalizes an endpoint pair into an Edge.
func NewEdge(a, b string) Edge {
	if b < a {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

// Other returns the endpoint opposite to name.
func (e Edge) Other(name string) string {
	if e.A == name {
		return e.B
	}
	return e.A
}

// Graph is an undirected graph over identity names representing simulated
// network reachability. Not safe for concurrent use; the orchestrator runs
// one command at a time.
type Graph struct {
	adj map[string]map[string]bool
}

func New() *Graph {
	return &Graph{adj: map[string]map[string]bool{}}
}

// AddVertex registers a vertex with no edges. Adding an existing vertex is a
// no-op.
func (g *Graph) AddVertex(name string) {
	if _, ok := g.adj[name]; !ok {
		g.adj[name] = map[string]bool{}
	}
}

// HasVertex reports whether name is registered.
func (g *Graph) HasVertex(name string) bool {
	_, ok := g.adj[name]
	return ok
}

// Connect adds edge {a,b}.
func (g *Graph) Connect(a, b string) error {
	if a == b {
		return fmt.Errorf("cannot connect %q to itself", a)
	}
	for _, name := range []string{a, b} {
		if !g.HasVertex(name) {
			return fmt.Errorf("%w: %s", ErrUnknownVertex, name)
		}
	}
	if g.adj[a][b] {
		return fmt.Errorf("%w: {%s, %s}", ErrEdgeExists, a, b)
	}
	g.adj[a][b] = true
	g.adj[b][a] = true
	return nil
}

// Disconnect removes edge {a,b}.
func (g *Graph) Disconnect(a, b string) error {
	for _, name := range []string{a, b} {
		if !g.HasVertex(name) {
			return fmt.Errorf("%w: %s", ErrUnknownVertex, name)
		}
	}
	if !g.adj[a][b] {
		return fmt.Errorf("%w: {%s, %s}", ErrNoSuchEdge, a, b)
	}
	delete(g.adj[a], b)
	delete(g.adj[b], a)
	return nil
}

// Connected reports whether edge {a,b} exists.
func (g *Graph) Connected(a, b string) bool {
	return g.adj[a][b]
}

// Peers returns a fresh sorted slice of the vertices connected to name.
func (g *Graph) Peers(name string) []string {
	peers := make([]string, 0, len(g.adj[name]))
	for peer := range g.adj[name] {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// RemoveVertex drops name and every edge touching it, returning the removed
// edges so the caller can release the backing network resources.
func (g *Graph) RemoveVertex(name string) []Edge {
	removed := make([]Edge, 0, len(g.adj[name]))
	for _, peer := range g.Peers(name) {
		delete(g.adj[peer], name)
		removed = append(removed, NewEdge(name, peer))
	}
	delete(g.adj, name)
	return removed
}

// Edges returns every edge in the graph, sorted.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for a, peers := range g.adj {
		for b := range peers {
			if a < b {
				edges = append(edges, Edge{A: a, B: b})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	return edges
}
