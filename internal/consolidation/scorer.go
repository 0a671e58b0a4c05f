package consolidation

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/linking"
	"github.com/lazypower/companion/internal/store"
	"github.com/lazypower/companion/internal/threads"
)

var (
	durableMarkers = map[string]bool{
		"always": true, "never": true, "prefer": true, "prefers": true, "favorite": true,
		"favourite": true, "name": true, "named": true, "born": true, "lives": true,
		"live": true, "works": true, "allergic": true, "learning": true, "studying": true,
		"married": true, "hates": true, "loves": true, "believes": true, "values": true,
		"usually": true, "every": true,
	}
	transientMarkers = map[string]bool{
		"today": true, "tonight": true, "tomorrow": true, "yesterday": true, "now": true,
		"currently": true, "moment": true, "morning": true, "afternoon": true, "evening": true,
		"minute": true, "hour": true, "just": true,
	}
	selfMarkers = map[string]bool{
		"user": true, "i": true, "i'm": true, "my": true, "me": true, "mine": true, "myself": true,
	}
)

// ErrNothingToScore is returned for text with no concepts.
var ErrNothingToScore = errors.New("no scorable content")

// IdentitySource lists the identity facts the scorer compares against.
type IdentitySource interface {
	ListFacts(ctx context.Context, scope string) ([]store.Fact, error)
}

// HeuristicScorer scores temp facts without a language model:
//   - permanence from durable versus transient wording,
//   - relevance from how many of the fact's concepts the graph already knows,
//   - identity-centrality from self reference and overlap with identity facts.
//
// The temp fact's source is never consulted.
type HeuristicScorer struct {
	Identity IdentitySource
	Engine   *linking.Engine
	MaxScore float64
}

func (h *HeuristicScorer) Score(ctx context.Context, tf store.TempFact) (store.Scores, error) {
	concepts := linking.ExtractConcepts(tf.Text)
	if len(concepts) == 0 {
		return store.Scores{}, ErrNothingToScore
	}
	words := strings.FieldsFunc(strings.ToLower(tf.Text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	identity, err := h.identity(ctx, concepts, words)
	if err != nil {
		return store.Scores{}, err
	}
	return store.Scores{
		Permanence: h.permanence(words),
		Relevance:  h.relevance(concepts),
		Identity:   identity,
	}, nil
}

func (h *HeuristicScorer) permanence(words []string) float64 {
	score := 0.5
	for _, w := range words {
		switch {
		case durableMarkers[w]:
			score += 0.15
		case transientMarkers[w]:
			score -= 0.3
		}
	}
	return h.scale(score)
}

func (h *HeuristicScorer) relevance(concepts []string) float64 {
	if h.Engine == nil {
		return h.scale(0.5)
	}
	known := 0
	for _, c := range concepts {
		if h.Engine.Degree(c) > 0 {
			known++
		}
	}
	return h.scale(0.3 + 0.7*float64(known)/float64(len(concepts)))
}

func (h *HeuristicScorer) identity(ctx context.Context, concepts, words []string) (float64, error) {
	self := 0
	for _, w := range words {
		if selfMarkers[w] {
			self++
		}
	}

	overlap := 0
	if h.Identity != nil {
		facts, err := h.Identity.ListFacts(ctx, config.ThreadIdentity)
		if err != nil {
			return 0, &faults.StorageError{Op: "list identity facts", Scope: config.ThreadIdentity, Err: err}
		}
		known := map[string]bool{}
		for i := range facts {
			for _, c := range threads.FactConcepts(&facts[i]) {
				known[c] = true
			}
		}
		for _, c := range concepts {
			if known[c] {
				overlap++
			}
		}
	}
	return h.scale(0.4*float64(min(self, 2)) + 0.2*float64(overlap)), nil
}

// scale maps a unit score to 0..MaxScore.
func (h *HeuristicScorer) scale(unit float64) float64 {
	unit = min(1, max(0, unit))
	return unit * h.MaxScore
}
