package linking

import (
	"maps"
	"slices"
)

type link struct {
	strength  float64
	lastFired int64
}

type pair struct{ a, b string }

func newPair(x, y string) pair {
	if y < x {
		return pair{y, x}
	}
	return pair{x, y}
}

// graph is an immutable adjacency snapshot. Every edge is stored in both
// directions. Writers build a new graph with a graphWriter and publish it.
type graph struct {
	adj   map[string]map[string]link
	edges int
}

func emptyGraph() *graph {
	return &graph{adj: map[string]map[string]link{}}
}

func (g *graph) strength(x, y string) (float64, bool) {
	l, ok := g.adj[x][y]
	return l.strength, ok
}

// neighbors returns the neighbors of c in ascending order.
func (g *graph) neighbors(c string) []string {
	return slices.Sorted(maps.Keys(g.adj[c]))
}

func (g *graph) nodes() []string {
	return slices.Sorted(maps.Keys(g.adj))
}

// graphWriter copies a graph lazily: the outer map is cloned once and each
// inner map is cloned the first time it is touched.
type graphWriter struct {
	g      *graph
	cloned map[string]bool
}

func newWriter(base *graph) *graphWriter {
	return &graphWriter{
		g:      &graph{adj: maps.Clone(base.adj), edges: base.edges},
		cloned: map[string]bool{},
	}
}

func (w *graphWriter) row(c string) map[string]link {
	if !w.cloned[c] {
		w.g.adj[c] = maps.Clone(w.g.adj[c])
		w.cloned[c] = true
	}
	if w.g.adj[c] == nil {
		w.g.adj[c] = map[string]link{}
	}
	return w.g.adj[c]
}

func (w *graphWriter) set(p pair, l link) {
	if _, ok := w.g.adj[p.a][p.b]; !ok {
		w.g.edges++
	}
	w.row(p.a)[p.b] = l
	w.row(p.b)[p.a] = l
}

func (w *graphWriter) remove(p pair) {
	if _, ok := w.g.adj[p.a][p.b]; !ok {
		return
	}
	w.g.edges--
	delete(w.row(p.a), p.b)
	delete(w.row(p.b), p.a)
	if len(w.g.adj[p.a]) == 0 {
		delete(w.g.adj, p.a)
	}
	if len(w.g.adj[p.b]) == 0 {
		delete(w.g.adj, p.b)
	}
}
