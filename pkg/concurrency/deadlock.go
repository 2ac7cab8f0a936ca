package concurrency

import "sync"

// WaitsForGraph is a precedence graph used to keep track of whether
// there are deadlocks between transactions. Nodes are transaction numbers.
type WaitsForGraph struct {
	edges []Edge       // A slice of all the Edges that we have in our graph
	mtx   sync.RWMutex // Mutex for synchronizing access to the edges slice.
}

// An Edge between transactions in a ("waits-for") Graph
// if Txn1 is waiting for a resource held by Txn2,
// then there is an Edge from Txn1 to Txn2
type Edge struct {
	from int64
	to   int64
}

func NewGraph() *WaitsForGraph {
	return &WaitsForGraph{edges: make([]Edge, 0)}
}

// Add an edge from `from` to `to`. Logically, `from` waits for `to`.
func (g *WaitsForGraph) AddEdge(from int64, to int64) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.edges = append(g.edges, Edge{from: from, to: to})
}

// RemoveOutgoing removes every edge starting at `from`, i.e. `from` no
// longer waits for anybody.
func (g *WaitsForGraph) RemoveOutgoing(from int64) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.from != from {
			kept = append(kept, e)
		}
	}
	g.edges = kept
}

// DetectCycleFrom reports whether a cycle passes through `from`. Cycles
// that `from` only waits on, without being part of, do not count.
func (g *WaitsForGraph) DetectCycleFrom(from int64) bool {
	g.mtx.RLock()
	defer g.mtx.RUnlock()
	adj := g.adjacency()
	seen := map[int64]bool{}
	stack := append([]int64(nil), adj[from]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if next == from {
			return true
		}
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, adj[next]...)
	}
	return false
}

func (g *WaitsForGraph) adjacency() map[int64][]int64 {
	adj := make(map[int64][]int64)
	for _, e := range g.edges {
		adj[e.from] = append(adj[e.from], e.to)
	}
	return adj
}
