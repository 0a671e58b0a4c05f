package engine

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/store"
	"github.com/lazypower/companion/internal/threads"
)

type holder struct {
	thread string
	writer threads.Writer
	fact   store.Fact
	claim  threads.Claim
}

// reconcile settles keys held by more than one writable thread. The winner
// under the conflict rule keeps its fact; each loser is rewritten through its
// own Writer with the winner's text, keeping its own weight and protection.
// A loser whose text already matches is left alone, so a settled key causes
// no writes. It returns the number of facts rewritten.
func (e *Engine) reconcile(ctx context.Context) (int, error) {
	byKey := map[string][]holder{}
	for order, entry := range e.Registry.Entries() {
		w, ok := entry.Thread.(threads.Writer)
		if !ok {
			continue
		}
		facts, err := e.DB.ListFacts(ctx, entry.Name())
		if err != nil {
			return 0, &faults.StorageError{Op: "list facts", Scope: entry.Name(), Err: err}
		}
		for _, f := range facts {
			byKey[f.Key] = append(byKey[f.Key], holder{
				thread: entry.Name(),
				writer: w,
				fact:   f,
				claim:  threads.Claim{Weight: f.Weight, UpdatedAt: f.UpdatedAt, Order: order},
			})
		}
	}

	var (
		rewritten int
		errs      []error
	)
	for _, key := range slices.Sorted(maps.Keys(byKey)) {
		hs := byKey[key]
		if len(hs) < 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rewritten, err
		}

		win := 0
		for i := 1; i < len(hs); i++ {
			if hs[i].claim.Beats(hs[win].claim) {
				win = i
			}
		}
		w := hs[win].fact
		for i, h := range hs {
			if i == win || sameContent(&h.fact, &w) {
				continue
			}
			err := h.writer.Write(ctx, store.Fact{
				Key:       key,
				Brief:     w.Brief,
				Standard:  w.Standard,
				Detailed:  w.Detailed,
				Weight:    h.fact.Weight,
				Protected: h.fact.Protected,
				Source:    h.fact.Source,
			})
			if err != nil {
				e.log.Warn("reconcile write failed",
					zap.String("key", key),
					zap.String("thread", h.thread),
					zap.String("winner", hs[win].thread),
					zap.Error(err))
				errs = append(errs, err)
				continue
			}
			rewritten++
			e.log.Debug("reconciled",
				zap.String("key", key),
				zap.String("thread", h.thread),
				zap.String("winner", hs[win].thread))
		}
	}
	return rewritten, errors.Join(errs...)
}

func sameContent(a, b *store.Fact) bool {
	same := func(x, y string) bool { return strings.TrimSpace(x) == strings.TrimSpace(y) }
	return same(a.Brief, b.Brief) && same(a.Standard, b.Standard) && same(a.Detailed, b.Detailed)
}
