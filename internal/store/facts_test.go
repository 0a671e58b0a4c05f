package store

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSameText(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"hello world", "hello world", true},
		{"", "hello", false},
		{"", "", true},
		{"  hello world  ", "hello world", true},
		{"Phone is 555-0142.", "Phone is 555-0199.", false},
		{"clean code style", "clean code styles", false},
	}
	for _, tt := range tests {
		if got := sameText(tt.a, tt.b); got != tt.want {
			t.Errorf("sameText(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestUpsertFactCreate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	f := &Fact{
		Scope:    "identity",
		Key:      "user.name",
		Brief:    "Sam",
		Standard: "The user's name is Sam",
		Detailed: "The user's name is Sam; they prefer to be addressed informally",
		Weight:   0.9,
	}
	if err := db.UpsertFact(ctx, f); err != nil {
		t.Fatalf("UpsertFact: %v", err)
	}
	if f.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if f.CreatedAt == 0 || f.UpdatedAt == 0 {
		t.Error("expected timestamps to be set")
	}

	got, err := db.GetFact(ctx, "identity", "user.name")
	if err != nil {
		t.Fatalf("GetFact: %v", err)
	}
	if got == nil {
		t.Fatal("expected fact, got nil")
	}
	if got.Standard != "The user's name is Sam" {
		t.Errorf("standard = %q", got.Standard)
	}
	if got.Text(1) != "Sam" || got.Text(3) != f.Detailed || got.Text(4) != "" {
		t.Errorf("Text levels wrong: %q %q %q", got.Text(1), got.Text(3), got.Text(4))
	}
}

func TestUpsertFactRejectsWeightOutOfRange(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, w := range []float64{-0.1, 1.01} {
		err := db.UpsertFact(ctx, &Fact{Scope: "identity", Key: "k", Weight: w})
		if !errors.Is(err, ErrWeightRange) {
			t.Errorf("weight %v: err = %v, want ErrWeightRange", w, err)
		}
	}
}

func TestUpsertFactUpdatesInPlace(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	f := &Fact{Scope: "philosophy", Key: "honesty", Standard: "Be direct", Weight: 0.5}
	if err := db.UpsertFact(ctx, f); err != nil {
		t.Fatal(err)
	}
	firstID := f.ID

	f2 := &Fact{Scope: "philosophy", Key: "honesty", Standard: "Be direct but kind, and say when unsure", Weight: 0.7}
	if err := db.UpsertFact(ctx, f2); err != nil {
		t.Fatal(err)
	}
	if f2.ID != firstID {
		t.Errorf("ID changed on update: %d → %d", firstID, f2.ID)
	}

	facts, err := db.ListFacts(ctx, "philosophy")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 {
		t.Fatalf("got %d facts, want 1", len(facts))
	}
	if facts[0].Weight != 0.7 {
		t.Errorf("weight = %v, want 0.7", facts[0].Weight)
	}
}

func TestUpsertFactSkipsWhitespaceOnlyChange(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	f := &Fact{Scope: "form", Key: "voice", Standard: "Speaks in short, warm sentences with occasional humor", Weight: 0.4}
	if err := db.UpsertFact(ctx, f); err != nil {
		t.Fatal(err)
	}
	before := f.UpdatedAt

	same := &Fact{Scope: "form", Key: "voice", Standard: "Speaks in short, warm sentences with occasional humor ", Weight: 0.4}
	if err := db.UpsertFact(ctx, same); err != nil {
		t.Fatal(err)
	}
	if same.UpdatedAt != before {
		t.Errorf("updated_at changed on whitespace-only write: %d → %d", before, same.UpdatedAt)
	}
}

func TestUpsertFactKeepsSmallEdits(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	long := "The user lives in Portland, works as a backend engineer on payment systems, " +
		"has two cats named Miso and Tofu, and the best number to reach them on weekdays is 555-0142."
	f := &Fact{Scope: "identity", Key: "user.contact", Detailed: long, Weight: 0.8}
	if err := db.UpsertFact(ctx, f); err != nil {
		t.Fatal(err)
	}

	edited := strings.Replace(long, "555-0142", "555-0199", 1)
	if err := db.UpsertFact(ctx, &Fact{Scope: "identity", Key: "user.contact", Detailed: edited, Weight: 0.8}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetFact(ctx, "identity", "user.contact")
	if err != nil {
		t.Fatal(err)
	}
	if got.Detailed != edited {
		t.Errorf("detailed = %q, want the edited text", got.Detailed)
	}
}

func TestProtectedIsStickyAndUndeletable(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertFact(ctx, &Fact{Scope: "identity", Key: "core.name", Brief: "Sam", Weight: 1, Protected: true}); err != nil {
		t.Fatal(err)
	}
	// A later write without the flag must not clear it.
	f := &Fact{Scope: "identity", Key: "core.name", Brief: "Samantha", Weight: 1}
	if err := db.UpsertFact(ctx, f); err != nil {
		t.Fatal(err)
	}
	if !f.Protected {
		t.Error("protected flag was cleared by upsert")
	}

	err := db.DeleteFact(ctx, "identity", "core.name")
	if !errors.Is(err, ErrProtected) {
		t.Errorf("DeleteFact = %v, want ErrProtected", err)
	}
	if got, _ := db.GetFact(ctx, "identity", "core.name"); got == nil {
		t.Error("protected fact was deleted")
	}
}

func TestDeleteFact(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	db.UpsertFact(ctx, &Fact{Scope: "log", Key: "e1", Detailed: "went hiking", Weight: 0.3})
	if err := db.DeleteFact(ctx, "log", "e1"); err != nil {
		t.Fatalf("DeleteFact: %v", err)
	}
	if err := db.DeleteFact(ctx, "log", "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteFact = %v, want ErrNotFound", err)
	}
}

func TestListFactsOrdering(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, f := range []Fact{
		{Scope: "reflex", Key: "b", Standard: "b", Weight: 0.5},
		{Scope: "reflex", Key: "a", Standard: "a", Weight: 0.5},
		{Scope: "reflex", Key: "c", Standard: "c", Weight: 0.9},
		{Scope: "other", Key: "z", Standard: "z", Weight: 1},
	} {
		f := f
		if err := db.UpsertFact(ctx, &f); err != nil {
			t.Fatal(err)
		}
	}
	// Pin timestamps so ordering falls through to the key.
	db.Exec(`UPDATE facts SET updated_at = 1000`)

	facts, err := db.ListFacts(ctx, "reflex")
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, f := range facts {
		keys = append(keys, f.Key)
	}
	want := []string{"c", "a", "b"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestTouchFact(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	db.UpsertFact(ctx, &Fact{Scope: "reflex", Key: "greet", Standard: "wave", Weight: 0.5})
	if err := db.TouchFact(ctx, "reflex", "greet"); err != nil {
		t.Fatalf("TouchFact: %v", err)
	}
	got, _ := db.GetFact(ctx, "reflex", "greet")
	if got.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", got.AccessCount)
	}
	if got.LastAccess == nil {
		t.Error("expected last_access to be set")
	}

	if err := db.TouchFact(ctx, "reflex", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("TouchFact missing = %v, want ErrNotFound", err)
	}
}

func TestListFactsUpdatedSince(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	db.UpsertFact(ctx, &Fact{Scope: "identity", Key: "old", Standard: "old", Weight: 0.5})
	db.UpsertFact(ctx, &Fact{Scope: "log", Key: "new", Standard: "new", Weight: 0.5})
	db.Exec(`UPDATE facts SET updated_at = 100 WHERE key = 'old'`)
	db.Exec(`UPDATE facts SET updated_at = 200 WHERE key = 'new'`)

	facts, err := db.ListFactsUpdatedSince(ctx, 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[0].Key != "new" {
		t.Errorf("got %+v, want only 'new'", facts)
	}
	if at, _ := db.ListFactsUpdatedSince(ctx, 200); len(at) != 1 {
		t.Errorf("watermark bound is exclusive: got %d facts", len(at))
	}

	counts, err := db.CountFacts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["identity"] != 1 || counts["log"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
