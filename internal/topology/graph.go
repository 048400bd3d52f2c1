package topology

import (
	"slices"
	"sort"
	"sync"

	"github.com/mossy-p/webrtc-mesh/internal/peerid"
)

// DefaultMaxPathLength bounds the chains produced by DecomposeIntoPaths.
const DefaultMaxPathLength = 8

// Node is one entry of the degree ordering.
type Node struct {
	ID     string `json:"id"`
	Degree int    `json:"degree"`
}

// Graph is the server-side adjacency graph of mesh identities in a room.
// Edges are always stored in both directions.
type Graph struct {
	mu            sync.RWMutex
	adjacency     map[string][]string
	order         []Node
	maxPathLength int
}

// NewGraph creates an empty graph. A maxPathLength <= 0 leaves paths unbounded.
func NewGraph(maxPathLength int) *Graph {
	return &Graph{
		adjacency:     make(map[string][]string),
		maxPathLength: maxPathLength,
	}
}

// UpdateNodeConnections merges neighbors into node's adjacency set and adds
// node to every neighbor's set.
func (g *Graph) UpdateNodeConnections(node string, neighbors []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.adjacency[node]; !ok {
		g.adjacency[node] = []string{}
	}
	for _, n := range neighbors {
		if n == node {
			continue
		}
		if !slices.Contains(g.adjacency[node], n) {
			g.adjacency[node] = append(g.adjacency[node], n)
		}
		if !slices.Contains(g.adjacency[n], node) {
			g.adjacency[n] = append(g.adjacency[n], node)
		}
	}
	g.reorder()
}

// RemoveNode drops every node owned by the same client as id and returns the
// removed ids in ascending order.
func (g *Graph) RemoveNode(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	owner := peerid.OwnerOf(id)
	var removed []string
	for node := range g.adjacency {
		if peerid.OwnerOf(node) == owner {
			removed = append(removed, node)
		}
	}
	sort.Strings(removed)

	for _, node := range removed {
		delete(g.adjacency, node)
	}
	for node, neighbors := range g.adjacency {
		g.adjacency[node] = slices.DeleteFunc(neighbors, func(n string) bool {
			return slices.Contains(removed, n)
		})
	}
	g.reorder()
	return removed
}

func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.adjacency[id]
	return ok
}

// Neighbors returns a sorted copy of id's adjacency set.
func (g *Graph) Neighbors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := slices.Clone(g.adjacency[id])
	sort.Strings(out)
	return out
}

// Order returns the nodes sorted by descending degree, then ascending id.
func (g *Graph) Order() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// IDs returns the node ids in degree order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, len(g.order))
	for i, n := range g.order {
		ids[i] = n.ID
	}
	return ids
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adjacency)
}

// DecomposeIntoPaths covers the graph with disjoint paths. Roots are taken in
// degree order; each path is extended with the first unassigned node adjacent
// to its tail until none is left or the length bound is reached.
func (g *Graph) DecomposeIntoPaths() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	unassigned := make([]string, len(g.order))
	for i, n := range g.order {
		unassigned[i] = n.ID
	}

	paths := [][]string{}
	for len(unassigned) > 0 {
		tail := unassigned[0]
		unassigned = unassigned[1:]
		path := []string{tail}

		for g.maxPathLength <= 0 || len(path) < g.maxPathLength {
			next := -1
			for i, candidate := range unassigned {
				if slices.Contains(g.adjacency[candidate], tail) {
					next = i
					break
				}
			}
			if next < 0 {
				break
			}
			tail = unassigned[next]
			unassigned = slices.Delete(unassigned, next, next+1)
			path = append(path, tail)
		}
		paths = append(paths, path)
	}
	return paths
}

// PathOf returns the path containing id, or nil.
func PathOf(paths [][]string, id string) []string {
	for _, p := range paths {
		if slices.Contains(p, id) {
			return p
		}
	}
	return nil
}

func (g *Graph) reorder() {
	order := make([]Node, 0, len(g.adjacency))
	for id, neighbors := range g.adjacency {
		order = append(order, Node{ID: id, Degree: len(neighbors)})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].Degree != order[j].Degree {
			return order[i].Degree > order[j].Degree
		}
		return order[i].ID < order[j].ID
	})
	g.order = order
}
