package threads

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/linking"
)

// linkLimits is how many associations the linking thread surfaces per level.
var linkLimits = map[Level]int{Brief: 3, Standard: 8, Detailed: 20}

// Linking surfaces the concept graph. With a query it reports the concepts
// the query activates; without one it reports the strongest associations. It
// is read-only.
type Linking struct {
	budget config.Budget
	eng    *linking.Engine
}

func NewLinking(b config.Budget, eng *linking.Engine) *Linking {
	return &Linking{budget: b, eng: eng}
}

func (t *Linking) Name() string           { return config.ThreadLinking }
func (t *Linking) Budget() config.Budget { return t.budget }

func (t *Linking) Health(ctx context.Context) Health {
	st := t.eng.Stats(0)
	if st.Edges == 0 {
		return Health{Status: StatusUnknown, Message: "graph empty"}
	}
	return Health{Status: StatusOK, Message: fmt.Sprintf("%d concepts, %d edges", st.Nodes, st.Edges)}
}

func (t *Linking) Introspect(ctx context.Context, req Request) (Result, error) {
	limit, ok := linkLimits[req.Level]
	if !ok {
		return Result{}, &faults.AdapterError{Thread: t.Name(), Op: "introspect", Err: fmt.Errorf("invalid level %d", req.Level)}
	}

	seeds := linking.ExtractConcepts(req.Query)
	if len(seeds) == 0 {
		return t.strongest(limit, req.Level), nil
	}
	return t.activated(seeds, limit, req), nil
}

func (t *Linking) strongest(limit int, level Level) Result {
	res := Result{Facts: []FactView{}, Health: Health{Status: StatusOK}}
	used := map[string]bool{}
	for _, e := range t.eng.Strongest(limit) {
		text := e.A + " ~ " + e.B
		if level > Brief {
			text = fmt.Sprintf("%s (%.2f)", text, e.Strength)
		}
		res.Facts = append(res.Facts, FactView{
			Key:       "edge." + e.A + "." + e.B,
			Text:      text,
			Weight:    e.Strength,
			UpdatedAt: e.LastFired,
			Concepts:  []string{e.A, e.B},
		})
		used[e.A], used[e.B] = true, true
	}
	res.ConceptsUsed = sortedSet(used)
	return res
}

func (t *Linking) activated(seeds []string, limit int, req Request) Result {
	res := Result{Facts: []FactView{}, Health: Health{Status: StatusOK}}
	used := map[string]bool{}
	for _, a := range linking.Rank(t.eng.Spread(seeds, 0)) {
		if len(res.Facts) == limit {
			break
		}
		if slices.Contains(seeds, a.Concept) || a.Value < req.Threshold {
			continue
		}
		text := a.Concept
		switch req.Level {
		case Standard:
			text = fmt.Sprintf("%s (%.2f)", a.Concept, a.Value)
		case Detailed:
			var nbs []string
			for _, nb := range t.eng.Associations(a.Concept, 3) {
				nbs = append(nbs, nb.Concept)
			}
			text = fmt.Sprintf("%s (%.2f): %s", a.Concept, a.Value, strings.Join(nbs, ", "))
		}
		res.Facts = append(res.Facts, FactView{
			Key:      "concept." + a.Concept,
			Text:     text,
			Weight:   a.Value,
			Concepts: []string{a.Concept},
		})
		used[a.Concept] = true
	}
	res.ConceptsUsed = sortedSet(used)
	return res
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
