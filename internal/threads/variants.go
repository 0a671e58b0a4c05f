package threads

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/store"
)

// Identity holds who the user and the assistant are. Keys under "core." are
// written protected.
type Identity struct{ factThread }

func NewIdentity(b config.Budget, fs FactStore) *Identity {
	return &Identity{factThread{name: config.ThreadIdentity, budget: b, facts: fs}}
}

func (t *Identity) Write(ctx context.Context, f store.Fact) error {
	if strings.HasPrefix(strings.TrimSpace(f.Key), "core.") {
		f.Protected = true
	}
	return t.factThread.Write(ctx, f)
}

// Health is degraded while the thread knows nothing.
func (t *Identity) Health(ctx context.Context) Health {
	facts, err := t.list(ctx, "health")
	if err != nil {
		return Health{Status: StatusError, Message: err.Error()}
	}
	if len(facts) == 0 {
		return Health{Status: StatusDegraded, Message: "no identity facts"}
	}
	return Health{Status: StatusOK, Message: fmt.Sprintf("%d facts", len(facts))}
}

// Philosophy holds values and principles.
type Philosophy struct{ factThread }

func NewPhilosophy(b config.Budget, fs FactStore) *Philosophy {
	return &Philosophy{factThread{name: config.ThreadPhilosophy, budget: b, facts: fs}}
}

// Form holds the assistant's self-model: embodiment and capabilities.
type Form struct{ factThread }

func NewForm(b config.Budget, fs FactStore) *Form {
	return &Form{factThread{name: config.ThreadForm, budget: b, facts: fs}}
}

// Reflex holds trigger → response patterns keyed by trigger.
type Reflex struct{ factThread }

func NewReflex(b config.Budget, fs FactStore) *Reflex {
	return &Reflex{factThread{name: config.ThreadReflex, budget: b, facts: fs}}
}

// Fire looks up the response for trigger and records the access.
func (t *Reflex) Fire(ctx context.Context, trigger string) (*store.Fact, error) {
	f, err := t.facts.GetFact(ctx, t.name, trigger)
	if err != nil {
		return nil, &faults.AdapterError{Thread: t.name, Op: "fire", Err: err}
	}
	if f == nil {
		return nil, fmt.Errorf("reflex %q: %w", trigger, store.ErrNotFound)
	}
	if err := t.facts.TouchFact(ctx, t.name, trigger); err != nil {
		return nil, &faults.AdapterError{Thread: t.name, Op: "fire", Err: err}
	}
	return f, nil
}

// logWindow is how many recent events the log thread introspects.
const logWindow = 50

const briefRunes = 80

// Log holds episodic events keyed by ULID so keys sort chronologically.
type Log struct{ factThread }

func NewLog(b config.Budget, fs FactStore) *Log {
	return &Log{factThread{name: config.ThreadLog, budget: b, facts: fs}}
}

// Append records an event and returns the stored fact.
func (t *Log) Append(ctx context.Context, text string, weight float64, source string) (store.Fact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Fact{}, &faults.StorageError{Op: "append", Scope: t.name, Err: fmt.Errorf("empty event")}
	}
	f := store.Fact{
		Key:      "ev." + strings.ToLower(ulid.Make().String()),
		Brief:    truncate(text, briefRunes),
		Standard: text,
		Detailed: text,
		Weight:   weight,
		Source:   source,
	}
	if err := t.Write(ctx, f); err != nil {
		return store.Fact{}, err
	}
	f.Scope = t.name
	return f, nil
}

// Introspect returns only the most recent events.
func (t *Log) Introspect(ctx context.Context, req Request) (Result, error) {
	if !req.Level.Valid() {
		return Result{}, &faults.AdapterError{Thread: t.name, Op: "introspect", Err: fmt.Errorf("invalid level %d", req.Level)}
	}
	facts, err := t.list(ctx, "introspect")
	if err != nil {
		return Result{}, err
	}
	slices.SortFunc(facts, func(a, b store.Fact) int { return cmp.Compare(b.Key, a.Key) })
	if len(facts) > logWindow {
		facts = facts[:logWindow]
	}
	return render(facts, req.Level, Health{Status: StatusOK}), nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
