package threads

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/linking"
	"github.com/lazypower/companion/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testBudget = config.Budget{Brief: 50, Standard: 100, Detailed: 200}

type stubThread struct {
	name string
}

func (s stubThread) Name() string           { return s.name }
func (s stubThread) Budget() config.Budget { return testBudget }
func (s stubThread) Health(context.Context) Health {
	return Health{Status: StatusOK}
}
func (s stubThread) Introspect(context.Context, Request) (Result, error) {
	return Result{}, nil
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"1": Brief, "standard": Standard, "3": Detailed} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("4"); err == nil {
		t.Error("ParseLevel(4) accepted")
	}
	if Level(0).Valid() || !Detailed.Valid() {
		t.Error("Valid wrong")
	}
}

func TestRegistryOrderIndependentOfRegistration(t *testing.T) {
	a := NewRegistry()
	a.Register(stubThread{"log"}, 50)
	a.Register(stubThread{"identity"}, 10)
	a.Register(stubThread{"beta"}, 20)
	a.Register(stubThread{"alpha"}, 20)

	b := NewRegistry()
	b.Register(stubThread{"alpha"}, 20)
	b.Register(stubThread{"beta"}, 20)
	b.Register(stubThread{"identity"}, 10)
	b.Register(stubThread{"log"}, 50)

	names := func(r *Registry) []string {
		var out []string
		for _, e := range r.Entries() {
			out = append(out, e.Name())
		}
		return out
	}
	want := []string{"identity", "alpha", "beta", "log"}
	if diff := cmp.Diff(want, names(a)); diff != "" {
		t.Errorf("order a (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(names(a), names(b)); diff != "" {
		t.Errorf("order depends on registration (-a +b):\n%s", diff)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubThread{"x"}, 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(stubThread{"x"}, 2); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := r.Register(stubThread{""}, 2); err == nil {
		t.Error("empty name accepted")
	}
}

func TestRegistryHealthCache(t *testing.T) {
	r := NewRegistry()
	r.Register(stubThread{"a"}, 1)
	r.Register(stubThread{"b"}, 2)

	now := time.Unix(1000, 0)
	r.SetHealth("b", Health{Status: StatusDegraded, Message: "slow"}, now)

	hs := r.Health()
	if len(hs) != 2 {
		t.Fatalf("got %d rows", len(hs))
	}
	if hs[0].Name != "a" || hs[0].Status != StatusUnknown {
		t.Errorf("unchecked thread = %+v", hs[0])
	}
	if hs[1].Status != StatusDegraded || !hs[1].CheckedAt.Equal(now) {
		t.Errorf("cached thread = %+v", hs[1])
	}
}

func TestRegistryWriter(t *testing.T) {
	db := testDB(t)
	r := NewRegistry()
	r.Register(NewIdentity(testBudget, db), 10)
	r.Register(NewLinking(testBudget, linking.New(config.Default().Relevance, nil, nil)), 60)

	if _, ok := r.Writer("identity"); !ok {
		t.Error("identity should be writable")
	}
	if _, ok := r.Writer("linking"); ok {
		t.Error("linking should not be writable")
	}
	if _, ok := r.Writer("missing"); ok {
		t.Error("missing thread returned a writer")
	}
}

func TestIntrospectLevels(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := NewIdentity(testBudget, db)

	err := id.Write(ctx, store.Fact{
		Key:      "user.learning",
		Standard: "User is learning Rust",
		Detailed: "User is learning Rust",
		Weight:   0.67,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	detailed, err := id.Introspect(ctx, Request{Level: Detailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(detailed.Facts) != 1 || detailed.Facts[0].Text != "User is learning Rust" {
		t.Errorf("detailed = %+v", detailed.Facts)
	}
	if diff := cmp.Diff([]string{"learning", "rust", "user"}, detailed.Facts[0].Concepts); diff != "" {
		t.Errorf("concepts (-want +got):\n%s", diff)
	}

	brief, err := id.Introspect(ctx, Request{Level: Brief})
	if err != nil {
		t.Fatal(err)
	}
	if len(brief.Facts) != 0 {
		t.Errorf("brief should hide fact with empty brief text, got %+v", brief.Facts)
	}

	if _, err := id.Introspect(ctx, Request{Level: 7}); err == nil {
		t.Error("invalid level accepted")
	}
}

func TestIdentityCoreKeysProtected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := NewIdentity(testBudget, db)

	if h := id.Health(ctx); h.Status != StatusDegraded {
		t.Errorf("empty identity health = %+v, want degraded", h)
	}

	id.Write(ctx, store.Fact{Key: "core.name", Brief: "Sam", Weight: 1})
	id.Write(ctx, store.Fact{Key: "user.likes", Brief: "tea", Weight: 0.3})

	core, _ := db.GetFact(ctx, "identity", "core.name")
	other, _ := db.GetFact(ctx, "identity", "user.likes")
	if !core.Protected {
		t.Error("core.* fact not protected")
	}
	if other.Protected {
		t.Error("non-core fact protected")
	}
	if h := id.Health(ctx); h.Status != StatusOK {
		t.Errorf("health = %+v, want ok", h)
	}
}

func TestWriteErrorsAreStorageErrors(t *testing.T) {
	db := testDB(t)
	ph := NewPhilosophy(testBudget, db)

	err := ph.Write(context.Background(), store.Fact{Key: "honesty", Weight: 2})
	var se *faults.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StorageError", err)
	}
	if se.Scope != "philosophy" || se.Key != "honesty" {
		t.Errorf("StorageError = %+v", se)
	}
	if !errors.Is(err, store.ErrWeightRange) {
		t.Error("cause not preserved")
	}

	if err := ph.Write(context.Background(), store.Fact{Key: "  "}); !errors.As(err, &se) {
		t.Errorf("empty key err = %v", err)
	}
}

func TestLogAppendNewestFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	lg := NewLog(testBudget, db)

	var keys []string
	for _, ev := range []string{"went hiking", "cooked dinner", "read a book about " + strings.Repeat("history ", 20)} {
		f, err := lg.Append(ctx, ev, 0.4, "conversation")
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, f.Key)
	}

	res, err := lg.Introspect(ctx, Request{Level: Brief})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Facts) != 3 {
		t.Fatalf("got %d events", len(res.Facts))
	}
	if res.Facts[0].Key != keys[2] || res.Facts[2].Key != keys[0] {
		t.Errorf("not newest first: %v vs %v", res.Facts, keys)
	}
	if !strings.HasSuffix(res.Facts[0].Text, "…") {
		t.Errorf("long brief not truncated: %q", res.Facts[0].Text)
	}

	if _, err := lg.Append(ctx, "  ", 0.4, ""); err == nil {
		t.Error("empty event accepted")
	}
}

func TestReflexFire(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rx := NewReflex(testBudget, db)

	rx.Write(ctx, store.Fact{Key: "good morning", Standard: "greet warmly and ask about sleep", Weight: 0.5})

	f, err := rx.Fire(ctx, "good morning")
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if f.Standard != "greet warmly and ask about sleep" {
		t.Errorf("response = %q", f.Standard)
	}
	got, _ := db.GetFact(ctx, "reflex", "good morning")
	if got.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", got.AccessCount)
	}

	if _, err := rx.Fire(ctx, "unknown"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Fire unknown = %v, want ErrNotFound", err)
	}
}

func TestLinkingThread(t *testing.T) {
	eng := linking.New(config.Default().Relevance, nil, nil)
	lk := NewLinking(testBudget, eng)
	ctx := context.Background()

	if h := lk.Health(ctx); h.Status != StatusUnknown {
		t.Errorf("empty graph health = %+v", h)
	}

	for i := 0; i < 8; i++ {
		eng.Learn([]string{"dad", "family"})
	}
	eng.Learn([]string{"coworker", "family"})

	res, err := lk.Introspect(ctx, Request{Level: Standard})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Facts) != 2 || res.Facts[0].Key != "edge.dad.family" || res.Facts[0].Text != "dad ~ family (0.80)" {
		t.Errorf("strongest = %+v", res.Facts)
	}

	res, err = lk.Introspect(ctx, Request{Level: Detailed, Query: "how is dad", Threshold: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Facts) != 2 {
		t.Fatalf("activated = %+v", res.Facts)
	}
	if res.Facts[0].Key != "concept.family" || res.Facts[1].Key != "concept.coworker" {
		t.Errorf("activation order = %+v", res.Facts)
	}
	if res.Facts[0].Text != "family (0.40): dad, coworker" {
		t.Errorf("detailed text = %q", res.Facts[0].Text)
	}

	res, _ = lk.Introspect(ctx, Request{Level: Brief, Query: "dad", Threshold: 0.1})
	if len(res.Facts) != 1 || res.Facts[0].Text != "family" {
		t.Errorf("thresholded = %+v", res.Facts)
	}
}

func TestBuild(t *testing.T) {
	cfg := config.Default()
	db := testDB(t)
	reg, err := Build(&cfg, db, linking.New(cfg.Relevance, nil, nil))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var names []string
	for _, e := range reg.Entries() {
		names = append(names, e.Name())
	}
	if diff := cmp.Diff(config.KnownThreads, names); diff != "" {
		t.Errorf("registered (-want +got):\n%s", diff)
	}

	cfg.Threads["dreams"] = config.ThreadConfig{Priority: 1, Budget: testBudget}
	_, err = Build(&cfg, db, nil)
	var ce *faults.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("unknown thread err = %v, want ConfigError", err)
	}
}

func TestClaimBeats(t *testing.T) {
	tests := []struct {
		name string
		c, o Claim
		want bool
	}{
		{"higher weight", Claim{Weight: 0.9, UpdatedAt: 1, Order: 5}, Claim{Weight: 0.5, UpdatedAt: 9, Order: 0}, true},
		{"more recent", Claim{Weight: 0.5, UpdatedAt: 9, Order: 5}, Claim{Weight: 0.5, UpdatedAt: 1, Order: 0}, true},
		{"earlier thread", Claim{Weight: 0.5, UpdatedAt: 1, Order: 0}, Claim{Weight: 0.5, UpdatedAt: 1, Order: 1}, true},
		{"identical", Claim{Weight: 0.5, UpdatedAt: 1, Order: 1}, Claim{Weight: 0.5, UpdatedAt: 1, Order: 1}, false},
	}
	for _, tt := range tests {
		if got := tt.c.Beats(tt.o); got != tt.want {
			t.Errorf("%s: Beats = %v, want %v", tt.name, got, tt.want)
		}
		if tt.want && tt.o.Beats(tt.c) {
			t.Errorf("%s: rule is not antisymmetric", tt.name)
		}
	}
}
