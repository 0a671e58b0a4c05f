package threads

import (
	"context"
	"fmt"
	"strings"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/linking"
	"github.com/lazypower/companion/internal/store"
)

// FactStore is the slice of the store the fact-backed threads use.
type FactStore interface {
	GetFact(ctx context.Context, scope, key string) (*store.Fact, error)
	ListFacts(ctx context.Context, scope string) ([]store.Fact, error)
	UpsertFact(ctx context.Context, f *store.Fact) error
	TouchFact(ctx context.Context, scope, key string) error
}

// factThread is a thread whose facts live in one store scope named after it.
type factThread struct {
	name   string
	budget config.Budget
	facts  FactStore
}

func (t *factThread) Name() string           { return t.name }
func (t *factThread) Budget() config.Budget { return t.budget }

func (t *factThread) list(ctx context.Context, op string) ([]store.Fact, error) {
	facts, err := t.facts.ListFacts(ctx, t.name)
	if err != nil {
		return nil, &faults.AdapterError{Thread: t.name, Op: op, Err: err}
	}
	return facts, nil
}

func (t *factThread) Introspect(ctx context.Context, req Request) (Result, error) {
	if !req.Level.Valid() {
		return Result{}, &faults.AdapterError{Thread: t.name, Op: "introspect", Err: fmt.Errorf("invalid level %d", req.Level)}
	}
	facts, err := t.list(ctx, "introspect")
	if err != nil {
		return Result{}, err
	}
	return render(facts, req.Level, Health{Status: StatusOK}), nil
}

func (t *factThread) Health(ctx context.Context) Health {
	facts, err := t.list(ctx, "health")
	if err != nil {
		return Health{Status: StatusError, Message: err.Error()}
	}
	return Health{Status: StatusOK, Message: fmt.Sprintf("%d facts", len(facts))}
}

// Write stores f in this thread's scope.
func (t *factThread) Write(ctx context.Context, f store.Fact) error {
	f.Scope = t.name
	f.Key = strings.TrimSpace(f.Key)
	if f.Key == "" {
		return &faults.StorageError{Op: "write", Scope: t.name, Err: fmt.Errorf("empty key")}
	}
	if err := t.facts.UpsertFact(ctx, &f); err != nil {
		return &faults.StorageError{Op: "write", Scope: t.name, Key: f.Key, Err: err}
	}
	return nil
}

// render converts stored facts into views at level. Facts with no text at
// that level are skipped. Concepts come from the key and every rendering so a
// fact matches the same query at every level.
func render(facts []store.Fact, level Level, h Health) Result {
	res := Result{Facts: []FactView{}, Health: h}
	used := map[string]bool{}
	for i := range facts {
		f := &facts[i]
		text := f.Text(int(level))
		if text == "" {
			continue
		}
		concepts := FactConcepts(f)
		for _, c := range concepts {
			used[c] = true
		}
		res.Facts = append(res.Facts, FactView{
			Key:       f.Key,
			Text:      text,
			Weight:    f.Weight,
			UpdatedAt: f.UpdatedAt,
			Concepts:  concepts,
		})
	}
	res.ConceptsUsed = sortedSet(used)
	return res
}

// FactConcepts returns the concepts a fact is associated with.
func FactConcepts(f *store.Fact) []string {
	return linking.ExtractConcepts(strings.Join([]string{f.Key, f.Brief, f.Standard, f.Detailed}, " "))
}
