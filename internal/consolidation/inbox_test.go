package consolidation

import (
	"context"
	"strings"
	"testing"

	"github.com/lazypower/companion/internal/store"
)

func TestParseHint(t *testing.T) {
	tests := []struct {
		hint, thread, key string
		wantErr           bool
	}{
		{"identity:user.name", "identity", "user.name", false},
		{"user.name", "", "user.name", false},
		{" reflex : good-morning ", "reflex", "good-morning", false},
		{"linking:dad", "", "", true},
		{"dreams:x", "", "", true},
		{"identity:", "", "", true},
		{"identity:two words", "", "", true},
	}
	for _, tt := range tests {
		thread, key, err := ParseHint(tt.hint)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHint(%q) err = %v, wantErr %v", tt.hint, err, tt.wantErr)
			continue
		}
		if thread != tt.thread || key != tt.key {
			t.Errorf("ParseHint(%q) = (%q, %q), want (%q, %q)", tt.hint, thread, key, tt.thread, tt.key)
		}
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"User is learning Rust":    "user-is-learning-rust",
		"  Likes: tea, coffee!! ":  "likes-tea-coffee",
		"???":                      "",
		strings.Repeat("abc ", 30): strings.TrimRight(strings.Repeat("abc-", 12), "-"),
	}
	for in, want := range tests {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	in := NewInbox(testDB(t), nil)
	ctx := context.Background()

	if _, err := in.Submit(ctx, "   ", "conversation", ""); err == nil {
		t.Error("empty text accepted")
	}
	if _, err := in.Submit(ctx, strings.Repeat("x", maxTextLen+1), "", ""); err == nil {
		t.Error("oversized text accepted")
	}
	if _, err := in.Submit(ctx, "valid", "", "linking:x"); err == nil {
		t.Error("linking hint accepted")
	}

	tf, err := in.Submit(ctx, " User has a dog ", " conversation ", "identity:user.pet")
	if err != nil {
		t.Fatal(err)
	}
	if tf.Text != "User has a dog" || tf.Source != "conversation" || tf.Status != store.StatusPending {
		t.Errorf("submitted = %+v", tf)
	}
}

func TestGrouped(t *testing.T) {
	db := testDB(t)
	in := NewInbox(db, nil)
	ctx := context.Background()

	a, _ := in.Submit(ctx, "first", "", "")
	in.Submit(ctx, "second", "", "")
	db.TransitionTempFact(ctx, a.ID, store.StatusPending, store.StatusRejected, store.Scores{}, "no")

	groups, err := in.Grouped(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != len(store.AllStatuses) {
		t.Errorf("groups = %d, want every status", len(groups))
	}
	if len(groups[store.StatusPending]) != 1 || len(groups[store.StatusRejected]) != 1 {
		t.Errorf("groups = %+v", groups)
	}
	if groups[store.StatusConsolidated] == nil {
		t.Error("empty group is nil")
	}
}
