// Package linking is the relevance engine: an undirected concept graph with
// spreading activation, Hebbian strengthening and multiplicative decay.
//
// Readers work on an immutable snapshot loaded from an atomic pointer and never
// block. Writers serialize on a mutex, build a copy-on-write successor and
// publish it with a single pointer swap, so no reader can see a half-applied
// update.
package linking

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/logging"
	"github.com/lazypower/companion/internal/store"
)

// EdgeStore persists concept edges.
type EdgeStore interface {
	LoadEdges(ctx context.Context) ([]store.Edge, error)
	SaveEdges(ctx context.Context, edges []store.Edge) error
	DeleteEdges(ctx context.Context, pairs [][2]string) error
}

// Engine owns the concept graph.
type Engine struct {
	cfg   config.RelevanceConfig
	store EdgeStore
	log   *zap.Logger
	now   func() time.Time

	snap atomic.Pointer[graph]

	mu     sync.Mutex // serializes writers; guards dirty and pruned
	dirty  map[pair]bool
	pruned map[pair]bool
}

// New creates an engine with an empty graph. es may be nil for a purely
// in-memory engine.
func New(cfg config.RelevanceConfig, es EdgeStore, log *zap.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		store:  es,
		log:    logging.OrNop(log),
		now:    time.Now,
		dirty:  map[pair]bool{},
		pruned: map[pair]bool{},
	}
	e.snap.Store(emptyGraph())
	return e
}

// Activation is a concept with its activation value.
type Activation struct {
	Concept string  `json:"concept"`
	Value   float64 `json:"activation"`
}

// Spread runs spreading activation from seeds for at most hops hops
// (hops <= 0 uses the configured limit). Seeds start at 1.0. Each hop
// propagates the activation gained in the previous hop, scaled by edge
// strength and the per-hop decay; contributions from several paths sum and
// are capped at 1.0. Propagation stops early once no node gains more than
// epsilon. Concepts that are never reached are absent from the result.
func (e *Engine) Spread(seeds []string, hops int) map[string]float64 {
	if hops <= 0 {
		hops = e.cfg.MaxHops
	}
	g := e.snap.Load()

	act := make(map[string]float64, len(seeds))
	gained := make(map[string]float64, len(seeds))
	for _, s := range seeds {
		act[s] = 1
		gained[s] = 1
	}

	for hop := 0; hop < hops && len(gained) > 0; hop++ {
		incoming := map[string]float64{}
		for _, cur := range slices.Sorted(maps.Keys(gained)) {
			for _, nb := range g.neighbors(cur) {
				s, _ := g.strength(cur, nb)
				incoming[nb] += gained[cur] * s * e.cfg.HopDecay
			}
		}

		gained = map[string]float64{}
		for _, nb := range slices.Sorted(maps.Keys(incoming)) {
			old := act[nb]
			next := min(1, old+incoming[nb])
			if next-old > e.cfg.Epsilon {
				act[nb] = next
				gained[nb] = next - old
			}
		}
	}
	return act
}

// Rank orders activations descending, ties broken alphabetically.
func Rank(act map[string]float64) []Activation {
	out := make([]Activation, 0, len(act))
	for c, v := range act {
		out = append(out, Activation{Concept: c, Value: v})
	}
	slices.SortFunc(out, func(x, y Activation) int {
		if c := cmp.Compare(y.Value, x.Value); c != 0 {
			return c
		}
		return cmp.Compare(x.Concept, y.Concept)
	})
	return out
}

// Activate extracts seed concepts from query and returns the ranked
// activation. It returns nil when the query yields no concepts.
func (e *Engine) Activate(query string, hops int) []Activation {
	seeds := ExtractConcepts(query)
	if len(seeds) == 0 {
		return nil
	}
	return Rank(e.Spread(seeds, hops))
}

// Learn records a co-occurrence of every pair in concepts. A new edge starts
// at the learning rate; an existing edge grows by it, capped at 1.0. It
// returns the number of pairs touched.
func (e *Engine) Learn(concepts []string) int {
	cs := slices.Compact(slices.Sorted(slices.Values(concepts)))
	if len(cs) < 2 {
		return 0
	}
	now := e.now().UnixMilli()
	rate := e.cfg.LearningRate

	e.mu.Lock()
	defer e.mu.Unlock()

	w := newWriter(e.snap.Load())
	n := 0
	for i := 0; i < len(cs); i++ {
		for j := i + 1; j < len(cs); j++ {
			p := pair{cs[i], cs[j]}
			s, ok := w.g.strength(p.a, p.b)
			if ok {
				s = min(1, s+rate)
			} else {
				s = rate
			}
			w.set(p, link{strength: s, lastFired: now})
			e.dirty[p] = true
			delete(e.pruned, p)
			n++
		}
	}
	e.snap.Store(w.g)
	return n
}

// DecayResult summarizes one decay tick.
type DecayResult struct {
	Decayed int `json:"decayed"`
	Pruned  int `json:"pruned"`
}

// Decay multiplies every edge strength by factor and prunes edges that fall
// below floor.
func (e *Engine) Decay(factor, floor float64) (DecayResult, error) {
	if factor <= 0 || factor >= 1 {
		return DecayResult{}, fmt.Errorf("decay factor %v must be in (0, 1)", factor)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.snap.Load()
	w := newWriter(base)
	var res DecayResult
	for _, a := range base.nodes() {
		for _, b := range base.neighbors(a) {
			if b < a {
				continue
			}
			p := pair{a, b}
			l := base.adj[a][b]
			l.strength *= factor
			if l.strength < floor {
				w.remove(p)
				delete(e.dirty, p)
				e.pruned[p] = true
				res.Pruned++
				continue
			}
			w.set(p, l)
			e.dirty[p] = true
			res.Decayed++
		}
	}
	e.snap.Store(w.g)
	return res, nil
}

// Strength returns the strength of the edge between a and b, or 0.
func (e *Engine) Strength(a, b string) float64 {
	s, _ := e.snap.Load().strength(a, b)
	return s
}

// Associations returns up to n neighbors of c by strength descending, ties
// alphabetical.
func (e *Engine) Associations(c string, n int) []Activation {
	g := e.snap.Load()
	act := make(map[string]float64, len(g.adj[c]))
	for nb, l := range g.adj[c] {
		act[nb] = l.strength
	}
	out := Rank(act)
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Degree returns the number of edges touching c.
func (e *Engine) Degree(c string) int {
	return len(e.snap.Load().adj[c])
}

// Load replaces the graph with the edges held in the store.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	edges, err := e.store.LoadEdges(ctx)
	if err != nil {
		return err
	}

	w := newWriter(emptyGraph())
	for _, ed := range edges {
		if ed.A == ed.B {
			continue
		}
		w.set(newPair(ed.A, ed.B), link{strength: ed.Strength, lastFired: ed.LastFired})
	}

	e.mu.Lock()
	e.snap.Store(w.g)
	e.dirty = map[pair]bool{}
	e.pruned = map[pair]bool{}
	e.mu.Unlock()

	e.log.Debug("concept graph loaded", zap.Int("edges", w.g.edges))
	return nil
}

// FlushResult summarizes one Flush.
type FlushResult struct {
	Saved   int `json:"saved"`
	Deleted int `json:"deleted"`
}

// Flush writes edges changed since the last flush and deletes pruned ones.
// On failure the pending changes are kept for the next flush.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	if e.store == nil {
		return FlushResult{}, nil
	}

	e.mu.Lock()
	g := e.snap.Load()
	dirty, pruned := e.dirty, e.pruned
	e.dirty, e.pruned = map[pair]bool{}, map[pair]bool{}
	e.mu.Unlock()

	var edges []store.Edge
	for _, p := range sortedPairs(dirty) {
		if l, ok := g.adj[p.a][p.b]; ok {
			edges = append(edges, store.Edge{A: p.a, B: p.b, Strength: l.strength, LastFired: l.lastFired})
		}
	}
	var gone [][2]string
	for _, p := range sortedPairs(pruned) {
		gone = append(gone, [2]string{p.a, p.b})
	}

	if err := e.store.DeleteEdges(ctx, gone); err != nil {
		e.requeue(dirty, pruned)
		return FlushResult{}, err
	}
	if err := e.store.SaveEdges(ctx, edges); err != nil {
		e.requeue(dirty, nil)
		return FlushResult{Deleted: len(gone)}, err
	}
	return FlushResult{Saved: len(edges), Deleted: len(gone)}, nil
}

// requeue merges unflushed changes back, yielding to anything newer.
func (e *Engine) requeue(dirty, pruned map[pair]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for p := range dirty {
		if !e.pruned[p] {
			e.dirty[p] = true
		}
	}
	for p := range pruned {
		if !e.dirty[p] {
			e.pruned[p] = true
		}
	}
}

func sortedPairs(m map[pair]bool) []pair {
	out := slices.Collect(maps.Keys(m))
	slices.SortFunc(out, func(x, y pair) int {
		if c := cmp.Compare(x.a, y.a); c != 0 {
			return c
		}
		return cmp.Compare(x.b, y.b)
	})
	return out
}

// EdgeView is an exported copy of one edge.
type EdgeView struct {
	A         string  `json:"a"`
	B         string  `json:"b"`
	Strength  float64 `json:"strength"`
	LastFired int64   `json:"last_fired"`
}

// Strongest returns up to n edges by strength descending, ties by (a, b).
func (e *Engine) Strongest(n int) []EdgeView {
	all := e.edges()
	slices.SortFunc(all, func(x, y EdgeView) int {
		if c := cmp.Compare(y.Strength, x.Strength); c != 0 {
			return c
		}
		if c := cmp.Compare(x.A, y.A); c != 0 {
			return c
		}
		return cmp.Compare(x.B, y.B)
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

func (e *Engine) edges() []EdgeView {
	g := e.snap.Load()
	out := make([]EdgeView, 0, g.edges)
	for _, a := range g.nodes() {
		for _, b := range g.neighbors(a) {
			if b < a {
				continue
			}
			l := g.adj[a][b]
			out = append(out, EdgeView{A: a, B: b, Strength: l.strength, LastFired: l.lastFired})
		}
	}
	return out
}

// Stats describes the graph.
type Stats struct {
	Nodes        int        `json:"nodes"`
	Edges        int        `json:"edges"`
	MeanStrength float64    `json:"mean_strength"`
	Pending      int        `json:"pending"`
	Strongest    []EdgeView `json:"strongest"`
}

// Stats returns graph statistics with the top strongest edges.
func (e *Engine) Stats(top int) Stats {
	g := e.snap.Load()
	st := Stats{Nodes: len(g.adj), Edges: g.edges}

	all := e.edges()
	if len(all) > 0 {
		var sum float64
		for _, ed := range all {
			sum += ed.Strength
		}
		st.MeanStrength = sum / float64(len(all))
	}
	st.Strongest = e.Strongest(top)

	e.mu.Lock()
	st.Pending = len(e.dirty) + len(e.pruned)
	e.mu.Unlock()
	return st
}
