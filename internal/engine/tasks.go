package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/store"
	"github.com/lazypower/companion/internal/threads"
)

// SyncResult summarizes one sync run.
type SyncResult struct {
	Reconciled int `json:"reconciled"` // loser facts rewritten to the winner's text
	Learned    int `json:"learned"`    // facts fed into Hebbian learning
	Decayed    int `json:"decayed"`
	Pruned     int `json:"pruned"`
	Saved      int `json:"saved"`
	Deleted    int `json:"deleted"`
}

// Sync is the periodic cross-thread task:
//  1. keys held by several threads are settled to the conflict winner,
//  2. facts written since the last run co-activate their concepts,
//  3. every edge decays by relevance.decay_factor and weak ones are pruned,
//  4. dirty and pruned edges are flushed to the store.
//
// The cursor only advances once the facts are learned, so a failed listing
// is retried on the next run. A failed reconcile write is logged and does not
// stop the graph work.
func (e *Engine) Sync(ctx context.Context) error {
	_, err := e.RunSync(ctx)
	return err
}

// RunSync is Sync returning its counts.
func (e *Engine) RunSync(ctx context.Context) (SyncResult, error) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	var res SyncResult
	n, reconcileErr := e.reconcile(ctx)
	res.Reconciled = n
	if err := ctx.Err(); err != nil {
		return res, err
	}

	facts, err := e.DB.ListFactsUpdatedSince(ctx, e.watermark)
	if err != nil {
		return res, &faults.StorageError{Op: "list facts since", Err: err}
	}
	for i := range facts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		f := &facts[i]
		if f.UpdatedAt == e.watermark && e.boundary[f.ID] {
			continue
		}
		e.Links.Learn(threads.FactConcepts(f))
		e.advance(f)
		res.Learned++
	}

	cfg := e.Config.Relevance
	dr, err := e.Links.Decay(cfg.DecayFactor, cfg.PruneFloor)
	if err != nil {
		return res, err
	}
	res.Decayed, res.Pruned = dr.Decayed, dr.Pruned

	fr, err := e.Links.Flush(ctx)
	res.Saved, res.Deleted = fr.Saved, fr.Deleted
	e.Metrics.SetEdges(e.Links.Stats(0).Edges)
	if err != nil {
		return res, err
	}

	e.log.Debug("sync done",
		zap.Int("reconciled", res.Reconciled),
		zap.Int("learned", res.Learned),
		zap.Int("decayed", res.Decayed),
		zap.Int("pruned", res.Pruned),
		zap.Int("saved", res.Saved),
		zap.Int("deleted", res.Deleted))
	return res, reconcileErr
}

// advance moves the learning cursor past f. Facts sharing the cursor's
// millisecond are remembered by id so an inclusive listing skips them.
func (e *Engine) advance(f *store.Fact) {
	switch {
	case f.UpdatedAt > e.watermark:
		e.watermark = f.UpdatedAt
		e.boundary = map[int64]bool{f.ID: true}
	case f.UpdatedAt == e.watermark:
		e.boundary[f.ID] = true
	}
}

// healthFanout bounds how many threads are probed at once.
const healthFanout = 4

// CheckHealth asks every thread for its health and caches the answers in the
// registry. A thread that does not answer within the assembly thread timeout
// is recorded as degraded. Cancellation is checked before each probe; probes
// already running finish.
func (e *Engine) CheckHealth(ctx context.Context) error {
	timeout := e.Config.Assembly.ThreadTimeout
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthFanout)
	for _, entry := range e.Registry.Entries() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			h := probe(gctx, entry.Thread, timeout)
			e.Registry.SetHealth(entry.Name(), h, time.Now())
			if h.Status != threads.StatusOK {
				e.log.Debug("thread not ok",
					zap.String("thread", entry.Name()),
					zap.String("status", string(h.Status)),
					zap.String("message", h.Message))
			}
			return nil
		})
	}
	return g.Wait()
}

// probe calls t.Health with a timeout and turns panics into an error status.
func probe(ctx context.Context, t threads.Thread, timeout time.Duration) threads.Health {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ch := make(chan threads.Health, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- threads.Health{Status: threads.StatusError, Message: fmt.Sprintf("panic: %v", r)}
			}
		}()
		ch <- t.Health(ctx)
	}()

	select {
	case h := <-ch:
		return h
	case <-ctx.Done():
		return threads.Health{Status: threads.StatusDegraded, Message: "health check timed out"}
	}
}
