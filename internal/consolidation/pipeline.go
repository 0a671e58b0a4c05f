// Package consolidation promotes temp facts into permanent storage.
//
// Each run rescores every open temp fact, moves it through the status table
// and writes approved facts through the owning thread's Writer. Write failures
// leave the temp fact approved for the next run; they are logged and counted,
// never returned.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/linking"
	"github.com/lazypower/companion/internal/logging"
	"github.com/lazypower/companion/internal/metrics"
	"github.com/lazypower/companion/internal/store"
	"github.com/lazypower/companion/internal/threads"
)

// Scorer produces the three sub-scores for a temp fact on a 0..max_score
// scale. Total is computed by the pipeline and ignored if set.
type Scorer interface {
	Score(ctx context.Context, tf store.TempFact) (store.Scores, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, tf store.TempFact) (store.Scores, error)

func (f ScorerFunc) Score(ctx context.Context, tf store.TempFact) (store.Scores, error) {
	return f(ctx, tf)
}

// Pipeline runs consolidation passes. Passes are serialized.
type Pipeline struct {
	db      *store.DB
	reg     *threads.Registry
	eng     *linking.Engine
	scorer  Scorer
	cfg     config.ConsolidationConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

// New creates a pipeline. eng and m may be nil.
func New(db *store.DB, reg *threads.Registry, eng *linking.Engine, scorer Scorer,
	cfg config.ConsolidationConfig, log *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		db:      db,
		reg:     reg,
		eng:     eng,
		scorer:  scorer,
		cfg:     cfg,
		log:     logging.OrNop(log),
		metrics: m,
	}
}

// Decision records what happened to one temp fact in a pass.
type Decision struct {
	ID     string           `json:"id"`
	Text   string           `json:"text"`
	From   store.TempStatus `json:"from"`
	To     store.TempStatus `json:"to"`
	Scores store.Scores     `json:"scores"`
	Reason string           `json:"reason,omitempty"`
	Thread string           `json:"thread,omitempty"`
	Key    string           `json:"key,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Report summarizes one pass. In a dry run the counts and decisions describe
// what would have happened.
type Report struct {
	DryRun       bool       `json:"dry_run"`
	Scanned      int        `json:"scanned"`
	Review       int        `json:"pending_review"`
	Approved     int        `json:"approved"`
	Rejected     int        `json:"rejected"`
	Consolidated int        `json:"consolidated"`
	Failed       int        `json:"failed"`
	Decisions    []Decision `json:"decisions"`
}

// Run performs one pass over every open temp fact. It stops between temp
// facts when ctx is done. Only failing to list the inbox or cancellation is
// returned as an error.
func (p *Pipeline) Run(ctx context.Context, dryRun bool) (*Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	open, err := p.db.ListOpenTempFacts(ctx)
	if err != nil {
		return nil, &faults.StorageError{Op: "list temp facts", Err: err}
	}

	rep := &Report{DryRun: dryRun, Decisions: []Decision{}}
	for _, tf := range open {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		d := p.process(ctx, tf, dryRun, rep)
		rep.Decisions = append(rep.Decisions, d)
	}

	if rep.Scanned > 0 {
		p.log.Info("consolidation pass",
			zap.Bool("dry_run", dryRun),
			zap.Int("scanned", rep.Scanned),
			zap.Int("consolidated", rep.Consolidated),
			zap.Int("review", rep.Review),
			zap.Int("rejected", rep.Rejected),
			zap.Int("failed", rep.Failed))
	}
	return rep, nil
}

func (p *Pipeline) process(ctx context.Context, tf store.TempFact, dryRun bool, rep *Report) Decision {
	d := Decision{ID: tf.ID, Text: tf.Text, From: tf.Status, To: tf.Status, Scores: tf.Scores}
	status := tf.Status

	if status == store.StatusPending || status == store.StatusPendingReview {
		scores, err := p.score(ctx, tf)
		if retryable(ctx, err) {
			p.log.Warn("temp fact not scored, will retry", zap.String("id", tf.ID), zap.Error(err))
			d.Error = err.Error()
			rep.Failed++
			p.metrics.Decision("failed")
			return d
		}
		if err != nil {
			serr := &faults.ScoringError{TempFactID: tf.ID, Err: err}
			p.log.Warn("temp fact rejected", zap.Error(serr))
			d.To, d.Reason = store.StatusRejected, serr.Error()
			if !p.move(ctx, &d, status, dryRun) {
				rep.Failed++
				return d
			}
			rep.Rejected++
			p.metrics.Decision(string(store.StatusRejected))
			return d
		}

		d.Scores = scores
		d.To, d.Reason = p.decide(scores.Total)
		if !p.move(ctx, &d, status, dryRun) {
			rep.Failed++
			return d
		}
		p.metrics.Decision(string(d.To))
		switch d.To {
		case store.StatusRejected:
			rep.Rejected++
			return d
		case store.StatusPendingReview:
			rep.Review++
			return d
		}
		rep.Approved++
		status = store.StatusApproved
	}

	if status != store.StatusApproved {
		return d
	}
	p.promote(ctx, tf, &d, dryRun, rep)
	return d
}

// retryable reports whether a scoring failure says nothing about the temp
// fact itself: a storage read failed or the pass is being cancelled. Such a
// fact keeps its status and is scored again on the next pass.
func retryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	var se *faults.StorageError
	return errors.As(err, &se) || ctx.Err() != nil
}

// move applies the transition recorded in d unless dryRun. It reports
// whether the temp fact is now in d.To.
func (p *Pipeline) move(ctx context.Context, d *Decision, from store.TempStatus, dryRun bool) bool {
	if dryRun {
		return true
	}
	err := p.db.TransitionTempFact(ctx, d.ID, from, d.To, d.Scores, d.Reason)
	if err != nil {
		p.log.Warn("temp fact transition failed",
			zap.String("id", d.ID),
			zap.String("from", string(from)),
			zap.String("to", string(d.To)),
			zap.Error(err))
		d.Error = err.Error()
		d.To = from
		return false
	}
	return true
}

// promote writes an approved temp fact through its owning thread.
func (p *Pipeline) promote(ctx context.Context, tf store.TempFact, d *Decision, dryRun bool, rep *Report) {
	thread, key := p.route(tf)
	d.Thread, d.Key = thread, key
	fact := p.fact(tf, key, d.Scores)

	if dryRun {
		d.To = store.StatusConsolidated
		rep.Consolidated++
		return
	}

	err := p.write(ctx, thread, fact)
	if err != nil {
		p.log.Error("promotion failed, will retry",
			zap.String("id", tf.ID),
			zap.String("thread", thread),
			zap.String("key", key),
			zap.Error(err))
		d.To = store.StatusApproved
		d.Error = err.Error()
		rep.Failed++
		p.metrics.Decision("failed")
		return
	}

	d.To = store.StatusConsolidated
	if !p.move(ctx, d, store.StatusApproved, false) {
		rep.Failed++
		return
	}
	rep.Consolidated++
	p.metrics.Decision(string(store.StatusConsolidated))

	if p.eng != nil {
		p.eng.Learn(threads.FactConcepts(&fact))
	}
	p.log.Debug("temp fact consolidated",
		zap.String("id", tf.ID),
		zap.String("thread", thread),
		zap.String("key", key))
}

func (p *Pipeline) write(ctx context.Context, thread string, f store.Fact) error {
	w, ok := p.reg.Writer(thread)
	if !ok {
		return &faults.StorageError{Op: "route", Scope: thread, Key: f.Key, Err: fmt.Errorf("no writable thread %q", thread)}
	}
	if err := w.Write(ctx, f); err != nil {
		var se *faults.StorageError
		if errors.As(err, &se) {
			return err
		}
		return &faults.StorageError{Op: "write", Scope: thread, Key: f.Key, Err: err}
	}
	return nil
}

// score runs the scorer, validates the sub-scores and fills in the total.
func (p *Pipeline) score(ctx context.Context, tf store.TempFact) (s store.Scores, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panic: %v", r)
		}
	}()

	s, err = p.scorer.Score(ctx, tf)
	if err != nil {
		return store.Scores{}, err
	}
	subs := []struct {
		name string
		v    float64
	}{{"permanence", s.Permanence}, {"relevance", s.Relevance}, {"identity", s.Identity}}
	for _, sub := range subs {
		if sub.v < 0 || sub.v > p.cfg.MaxScore {
			return store.Scores{}, fmt.Errorf("%s score %.2f outside [0, %.2f]", sub.name, sub.v, p.cfg.MaxScore)
		}
	}
	s.Total = p.total(s)
	return s, nil
}

// total is the weighted mean of the sub-scores.
func (p *Pipeline) total(s store.Scores) float64 {
	w := p.cfg.Weights
	sum := w.Permanence + w.Relevance + w.Identity
	return (w.Permanence*s.Permanence + w.Relevance*s.Relevance + w.Identity*s.Identity) / sum
}

func (p *Pipeline) decide(total float64) (store.TempStatus, string) {
	switch {
	case total >= p.cfg.Upper:
		return store.StatusApproved, fmt.Sprintf("score %.2f >= %.2f", total, p.cfg.Upper)
	case total < p.cfg.Lower:
		return store.StatusRejected, fmt.Sprintf("score %.2f < %.2f", total, p.cfg.Lower)
	}
	return store.StatusPendingReview, fmt.Sprintf("score %.2f needs review", total)
}

const idSuffixLen = 8

// route picks the owning thread and fact key for a temp fact.
func (p *Pipeline) route(tf store.TempFact) (thread, key string) {
	if tf.HintKey != "" {
		if t, k, err := ParseHint(tf.HintKey); err == nil {
			thread, key = t, k
		}
	}
	if thread == "" {
		thread = p.cfg.DefaultThread
	}
	if key == "" {
		key = generatedKey(tf)
	}
	return thread, key
}

// generatedKey derives a key for an unhinted temp fact. The slug is
// suffixed with the tail of the ULID so texts sharing an opening never
// collide.
func generatedKey(tf store.TempFact) string {
	id := strings.ToLower(tf.ID)
	s := slug(tf.Text)
	if s == "" {
		return "fact-" + id
	}
	return s + "-" + id[max(0, len(id)-idSuffixLen):]
}

func (p *Pipeline) fact(tf store.TempFact, key string, s store.Scores) store.Fact {
	weight := s.Total / p.cfg.MaxScore
	weight = min(1, max(0, weight))
	return store.Fact{
		Key:      key,
		Standard: tf.Text,
		Detailed: tf.Text,
		Weight:   weight,
		Source:   tf.Source,
	}
}

// Approve moves a temp fact awaiting review to approved. It is promoted on
// the next pass.
func (p *Pipeline) Approve(ctx context.Context, id string) (*store.TempFact, error) {
	tf, err := p.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tf.Status != store.StatusPendingReview {
		return nil, fmt.Errorf("approve %s (%s): %w", id, tf.Status, store.ErrIllegalTransition)
	}
	if err := p.db.TransitionTempFact(ctx, id, tf.Status, store.StatusApproved, tf.Scores, "approved manually"); err != nil {
		return nil, err
	}
	p.metrics.Decision(string(store.StatusApproved))
	return p.get(ctx, id)
}

// Reject moves any non-terminal temp fact to rejected.
func (p *Pipeline) Reject(ctx context.Context, id, reason string) (*store.TempFact, error) {
	tf, err := p.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tf.Status.Terminal() {
		return nil, fmt.Errorf("reject %s (%s): %w", id, tf.Status, store.ErrIllegalTransition)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected manually"
	}
	if err := p.db.TransitionTempFact(ctx, id, tf.Status, store.StatusRejected, tf.Scores, reason); err != nil {
		return nil, err
	}
	p.metrics.Decision(string(store.StatusRejected))
	return p.get(ctx, id)
}

func (p *Pipeline) get(ctx context.Context, id string) (*store.TempFact, error) {
	tf, err := p.db.GetTempFact(ctx, id)
	if err != nil {
		return nil, err
	}
	if tf == nil {
		return nil, fmt.Errorf("temp fact %s: %w", id, store.ErrNotFound)
	}
	return tf, nil
}
