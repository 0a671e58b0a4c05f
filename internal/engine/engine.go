// Package engine wires the cognition core together: fact store, concept
// graph, thread registry, assembler, consolidation pipeline and the
// background scheduler that drives them.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lazypower/companion/internal/assembler"
	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/consolidation"
	"github.com/lazypower/companion/internal/linking"
	"github.com/lazypower/companion/internal/logging"
	"github.com/lazypower/companion/internal/metrics"
	"github.com/lazypower/companion/internal/scheduler"
	"github.com/lazypower/companion/internal/store"
	"github.com/lazypower/companion/internal/threads"
)

// Scheduler task names.
const (
	TaskConsolidation = "consolidation"
	TaskSync          = "sync"
	TaskHealth        = "health"
)

// Engine owns every long-lived component.
type Engine struct {
	Config    *config.Config
	DB        *store.DB
	Links     *linking.Engine
	Registry  *threads.Registry
	Assembler *assembler.Assembler
	Pipeline  *consolidation.Pipeline
	Inbox     *consolidation.Inbox
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics

	log *zap.Logger

	syncMu    sync.Mutex
	watermark int64          // unix ms of the newest fact already learned
	boundary  map[int64]bool // ids learned at exactly watermark
}

// Option customizes New.
type Option func(*options)

type options struct {
	scorer consolidation.Scorer
	reg    prometheus.Registerer
}

// WithScorer replaces the heuristic scorer.
func WithScorer(s consolidation.Scorer) Option {
	return func(o *options) { o.scorer = s }
}

// WithRegisterer registers metrics with reg. Without it metrics are not
// collected.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// New builds the engine over an open database. The concept graph is loaded
// from the store before New returns. Facts stored before the current
// millisecond are treated as learned.
func New(ctx context.Context, cfg *config.Config, db *store.DB, log *zap.Logger, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log = logging.OrNop(log)

	e := &Engine{
		Config:    cfg,
		DB:        db,
		log:       log,
		watermark: time.Now().UnixMilli(),
		boundary:  map[int64]bool{},
	}
	if o.reg != nil {
		e.Metrics = metrics.New(o.reg)
	}

	e.Links = linking.New(cfg.Relevance, db, log.Named("linking"))
	if err := e.Links.Load(ctx); err != nil {
		return nil, fmt.Errorf("load concept graph: %w", err)
	}
	e.Metrics.SetEdges(e.Links.Stats(0).Edges)

	reg, err := threads.Build(cfg, db, e.Links)
	if err != nil {
		return nil, err
	}
	e.Registry = reg
	e.Assembler = assembler.New(cfg, reg, e.Links, log.Named("assembler"), e.Metrics)

	scorer := o.scorer
	if scorer == nil {
		scorer = &consolidation.HeuristicScorer{
			Identity: db,
			Engine:   e.Links,
			MaxScore: cfg.Consolidation.MaxScore,
		}
	}
	e.Pipeline = consolidation.New(db, reg, e.Links, scorer, cfg.Consolidation, log.Named("consolidation"), e.Metrics)
	e.Inbox = consolidation.NewInbox(db, log.Named("inbox"))

	sc := cfg.Scheduler
	e.Scheduler = scheduler.New(log, e.Metrics,
		scheduler.Task{Name: TaskConsolidation, Interval: sc.Consolidation, Timeout: sc.TickTimeout, Run: e.consolidate},
		scheduler.Task{Name: TaskSync, Interval: sc.Sync, Timeout: sc.TickTimeout, Run: e.Sync},
		scheduler.Task{Name: TaskHealth, Interval: sc.Health, Timeout: sc.TickTimeout, Run: e.CheckHealth},
	)
	return e, nil
}

// Start runs one health sweep so the registry reports real status, then
// starts the background tasks.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.CheckHealth(ctx); err != nil {
		e.log.Warn("initial health sweep", zap.Error(err))
	}
	return e.Scheduler.Start(ctx)
}

// Stop halts the background tasks and flushes pending edge changes.
func (e *Engine) Stop(ctx context.Context) {
	e.Scheduler.Stop()
	res, err := e.Links.Flush(ctx)
	if err != nil {
		e.log.Error("final edge flush failed", zap.Error(err))
		return
	}
	if res.Saved > 0 || res.Deleted > 0 {
		e.log.Info("edges flushed", zap.Int("saved", res.Saved), zap.Int("deleted", res.Deleted))
	}
}

// Consolidate runs a pass now. It waits for a scheduled pass in flight.
func (e *Engine) Consolidate(ctx context.Context, dryRun bool) (*consolidation.Report, error) {
	return e.Pipeline.Run(ctx, dryRun)
}

func (e *Engine) consolidate(ctx context.Context) error {
	_, err := e.Pipeline.Run(ctx, false)
	return err
}
