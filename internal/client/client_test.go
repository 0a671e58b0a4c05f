package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/consolidation"
	"github.com/lazypower/companion/internal/engine"
	"github.com/lazypower/companion/internal/server"
	"github.com/lazypower/companion/internal/store"
)

func testClient(t *testing.T, scores store.Scores) *Client {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	eng, err := engine.New(context.Background(), &cfg, db, nil,
		engine.WithScorer(consolidation.ScorerFunc(func(context.Context, store.TempFact) (store.Scores, error) {
			return scores, nil
		})))
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(server.New(eng, nil, "test", nil))
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestRoundTrip(t *testing.T) {
	c := testClient(t, store.Scores{Permanence: 5, Relevance: 5, Identity: 5})
	ctx := context.Background()

	if !c.Healthy(ctx) {
		t.Fatal("server not healthy")
	}
	tf, err := c.Submit(ctx, "User speaks Norwegian", "conversation", "identity:user.language")
	if err != nil {
		t.Fatal(err)
	}
	if tf.Status != store.StatusPending || tf.ID == "" {
		t.Errorf("submitted = %+v", tf)
	}

	rep, err := c.Consolidate(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Consolidated != 1 || rep.Decisions[0].Key != "user.language" {
		t.Errorf("report = %+v", rep)
	}

	out, err := c.Context(ctx, "detailed", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Text, "User speaks Norwegian") {
		t.Errorf("context = %q", out.Text)
	}
}

func TestReviewActions(t *testing.T) {
	c := testClient(t, store.Scores{Permanence: 2, Relevance: 2, Identity: 2})
	ctx := context.Background()

	a, _ := c.Submit(ctx, "User might like opera", "", "")
	b, _ := c.Submit(ctx, "User might like ballet", "", "")
	if _, err := c.Consolidate(ctx, false); err != nil {
		t.Fatal(err)
	}

	got, err := c.Approve(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusApproved {
		t.Errorf("approved status = %s", got.Status)
	}
	got, err = c.Reject(ctx, b.ID, "not enough evidence")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusRejected || got.Reason != "not enough evidence" {
		t.Errorf("rejected = %+v", got)
	}
}

func TestStatusError(t *testing.T) {
	c := testClient(t, store.Scores{})
	_, err := c.Submit(context.Background(), "", "", "")

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if se.Code != http.StatusBadRequest || !strings.Contains(se.Msg, "text is required") {
		t.Errorf("status error = %+v", se)
	}
}

func TestUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	if c.Healthy(context.Background()) {
		t.Error("unreachable server reported healthy")
	}
}
