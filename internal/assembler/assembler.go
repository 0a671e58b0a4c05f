// Package assembler merges every registered thread into one context block for
// a conversational turn.
//
// Threads are called concurrently, each under its own timeout. A thread that
// fails is replaced by a degraded slot; one that times out falls back to its
// last good result when there is one. With a query, facts are filtered by the
// activation of their concepts. Budgets are enforced by dropping whole facts,
// lowest weight first. The output is a pure function of the thread results,
// the concept graph and the inputs.
package assembler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/linking"
	"github.com/lazypower/companion/internal/logging"
	"github.com/lazypower/companion/internal/metrics"
	"github.com/lazypower/companion/internal/threads"
)

const maxStale = 512

// Assembler builds context from a thread registry.
type Assembler struct {
	cfg     *config.Config
	reg     *threads.Registry
	eng     *linking.Engine
	log     *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	stale map[staleKey]threads.Result
}

type staleKey struct {
	thread string
	level  threads.Level
	query  string
}

// New creates an assembler. m may be nil.
func New(cfg *config.Config, reg *threads.Registry, eng *linking.Engine, log *zap.Logger, m *metrics.Metrics) *Assembler {
	return &Assembler{
		cfg:     cfg,
		reg:     reg,
		eng:     eng,
		log:     logging.OrNop(log),
		metrics: m,
		stale:   map[staleKey]threads.Result{},
	}
}

// ThreadReport describes one thread's contribution.
type ThreadReport struct {
	Name     string         `json:"name"`
	Health   threads.Health `json:"health"`
	Facts    int            `json:"facts"`
	Tokens   int            `json:"tokens"`
	Filtered int            `json:"filtered"`
	Shadowed int            `json:"shadowed"`
	Dropped  int            `json:"dropped"`
}

// Section is one thread's surviving facts in output order.
type Section struct {
	Thread string             `json:"thread"`
	Facts  []threads.FactView `json:"facts"`
}

// Context is an assembled context block.
type Context struct {
	Level    threads.Level  `json:"level"`
	Query    string         `json:"query,omitempty"`
	Text     string         `json:"text"`
	Tokens   int            `json:"tokens"`
	Sections []Section      `json:"sections"`
	Threads  []ThreadReport `json:"threads"`
}

type slot struct {
	order  int
	budget int
	report ThreadReport
	facts  []threads.FactView
}

// Assemble builds the context for level and query. It fails only on an
// invalid level; thread failures degrade their slot.
func (a *Assembler) Assemble(ctx context.Context, level threads.Level, query string) (*Context, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("assemble: invalid level %d", level)
	}
	start := time.Now()
	query = strings.TrimSpace(query)

	slots := a.collect(ctx, level, query)

	if act := a.activation(query); act != nil {
		for i := range slots {
			filter(&slots[i], act, a.cfg.ThreadThreshold(slots[i].report.Name))
		}
	}
	shadow(slots)
	for i := range slots {
		s := &slots[i]
		slices.SortFunc(s.facts, outputOrder)
		s.report.Dropped += trim(s, s.budget)
	}
	trimGlobal(slots, a.cfg.Assembly.Budget.ForLevel(int(level)))

	out := render(slots, level, query)
	a.metrics.ObserveAssembly(strconv.Itoa(int(level)), time.Since(start), out.Tokens)
	a.log.Debug("context assembled",
		zap.Int("level", int(level)),
		zap.Int("tokens", out.Tokens),
		zap.Duration("took", time.Since(start)))
	return out, nil
}

// collect calls every thread concurrently. Slots come back in merge order.
func (a *Assembler) collect(ctx context.Context, level threads.Level, query string) []slot {
	entries := a.reg.Entries()
	slots := make([]slot, len(entries))
	req := threads.Request{Level: level, Query: query, Threshold: a.cfg.Relevance.DefaultThreshold}

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := req
			r.Threshold = a.cfg.ThreadThreshold(e.Name())
			slots[i] = a.introspect(ctx, e, r)
			slots[i].order = i
		}()
	}
	wg.Wait()
	return slots
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

type outcome struct {
	res threads.Result
	err error
}

func (a *Assembler) introspect(ctx context.Context, e threads.Entry, req threads.Request) slot {
	name := e.Name()
	s := slot{
		budget: e.Thread.Budget().ForLevel(int(req.Level)),
		report: ThreadReport{Name: name},
	}

	tctx, cancel := context.WithTimeout(ctx, a.cfg.Assembly.ThreadTimeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &panicError{value: r}}
			}
		}()
		res, err := e.Thread.Introspect(tctx, req)
		ch <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-ch:
	case <-tctx.Done():
		out.err = tctx.Err()
	}

	key := staleKey{thread: name, level: req.Level, query: req.Query}
	if out.err == nil {
		a.remember(key, out.res)
		s.facts = slices.Clone(out.res.Facts)
		s.report.Health = out.res.Health
		if s.report.Health.Status == "" {
			s.report.Health.Status = threads.StatusOK
		}
		return s
	}

	reason := "error"
	var pe *panicError
	switch {
	case errors.As(out.err, &pe):
		reason = "panic"
	case errors.Is(out.err, context.DeadlineExceeded):
		reason = "timeout"
	}
	aerr := &faults.AdapterError{Thread: name, Op: "introspect", Err: out.err}

	if reason == "timeout" {
		if prev, ok := a.recall(key); ok {
			a.log.Warn("serving stale thread result", zap.String("thread", name), zap.Error(aerr))
			a.metrics.ThreadDegraded(name, "stale")
			s.facts = slices.Clone(prev.Facts)
			s.report.Health = threads.Health{Status: threads.StatusDegraded, Message: "stale"}
			return s
		}
	}

	a.log.Warn("thread degraded", zap.String("thread", name), zap.String("reason", reason), zap.Error(aerr))
	a.metrics.ThreadDegraded(name, reason)
	s.report.Health = threads.Health{Status: threads.StatusDegraded, Message: aerr.Error()}
	return s
}

func (a *Assembler) remember(k staleKey, res threads.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.stale) >= maxStale {
		clear(a.stale)
	}
	a.stale[k] = res
}

func (a *Assembler) recall(k staleKey) (threads.Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.stale[k]
	return res, ok
}

// activation runs spreading activation for the query, or returns nil when
// there is nothing to filter by.
func (a *Assembler) activation(query string) map[string]float64 {
	if a.eng == nil {
		return nil
	}
	seeds := linking.ExtractConcepts(query)
	if len(seeds) == 0 {
		return nil
	}
	return a.eng.Spread(seeds, a.cfg.Relevance.MaxHops)
}

// filter keeps facts whose strongest concept activation is positive and at
// least threshold.
func filter(s *slot, act map[string]float64, threshold float64) {
	kept := s.facts[:0]
	for _, f := range s.facts {
		best := 0.0
		for _, c := range f.Concepts {
			best = max(best, act[c])
		}
		if best > 0 && best >= threshold {
			kept = append(kept, f)
		} else {
			s.report.Filtered++
		}
	}
	s.facts = kept
}

// shadow resolves facts that share a key across threads: the higher weight
// wins, then the more recent update, then the earlier thread.
func shadow(slots []slot) {
	type owner struct{ slot, idx int }
	winners := map[string]owner{}
	for si := range slots {
		for fi, f := range slots[si].facts {
			cur, ok := winners[f.Key]
			if !ok || beats(f, si, slots[cur.slot].facts[cur.idx], cur.slot) {
				winners[f.Key] = owner{si, fi}
			}
		}
	}
	for si := range slots {
		s := &slots[si]
		kept := make([]threads.FactView, 0, len(s.facts))
		for fi, f := range s.facts {
			if w := winners[f.Key]; w.slot == si && w.idx == fi {
				kept = append(kept, f)
			} else {
				s.report.Shadowed++
			}
		}
		s.facts = kept
	}
}

func beats(f threads.FactView, order int, g threads.FactView, gOrder int) bool {
	return threads.Claim{Weight: f.Weight, UpdatedAt: f.UpdatedAt, Order: order}.
		Beats(threads.Claim{Weight: g.Weight, UpdatedAt: g.UpdatedAt, Order: gOrder})
}

// outputOrder is weight descending, then key ascending.
func outputOrder(x, y threads.FactView) int {
	if c := cmp.Compare(y.Weight, x.Weight); c != 0 {
		return c
	}
	return cmp.Compare(x.Key, y.Key)
}

// dropOrder is the order facts are sacrificed in: weight ascending, then
// older first, then key descending.
func dropOrder(x, y threads.FactView) int {
	if c := cmp.Compare(x.Weight, y.Weight); c != 0 {
		return c
	}
	if c := cmp.Compare(x.UpdatedAt, y.UpdatedAt); c != 0 {
		return c
	}
	return cmp.Compare(y.Key, x.Key)
}

func factLine(f threads.FactView) string { return "- " + f.Text }

func headerLine(name string) string { return "[" + name + "]" }

func factTokens(facts []threads.FactView) int {
	n := 0
	for _, f := range facts {
		n += EstimateTokens(factLine(f))
	}
	return n
}

// trim drops whole facts from one slot until it fits budget and returns the
// number dropped.
func trim(s *slot, budget int) int {
	total := factTokens(s.facts)
	if total <= budget {
		return 0
	}
	victims := slices.Clone(s.facts)
	slices.SortFunc(victims, dropOrder)

	gone := map[string]bool{}
	for _, v := range victims {
		if total <= budget {
			break
		}
		gone[v.Key] = true
		total -= EstimateTokens(factLine(v))
	}
	s.facts = slices.DeleteFunc(s.facts, func(f threads.FactView) bool { return gone[f.Key] })
	return len(gone)
}

// trimGlobal enforces the per-level budget across all slots, counting section
// headers. Ties across threads drop the later thread first.
func trimGlobal(slots []slot, budget int) {
	total := 0
	for i := range slots {
		if len(slots[i].facts) > 0 {
			total += EstimateTokens(headerLine(slots[i].report.Name)) + factTokens(slots[i].facts)
		}
	}
	if total <= budget {
		return
	}

	type victim struct {
		slot int
		f    threads.FactView
	}
	var victims []victim
	for si := range slots {
		for _, f := range slots[si].facts {
			victims = append(victims, victim{si, f})
		}
	}
	slices.SortFunc(victims, func(x, y victim) int {
		if c := dropOrder(x.f, y.f); c != 0 {
			return c
		}
		return cmp.Compare(y.slot, x.slot)
	})

	gone := make([]map[string]bool, len(slots))
	left := make([]int, len(slots))
	for si := range slots {
		gone[si] = map[string]bool{}
		left[si] = len(slots[si].facts)
	}
	for _, v := range victims {
		if total <= budget {
			break
		}
		gone[v.slot][v.f.Key] = true
		total -= EstimateTokens(factLine(v.f))
		left[v.slot]--
		if left[v.slot] == 0 {
			total -= EstimateTokens(headerLine(slots[v.slot].report.Name))
		}
	}
	for si := range slots {
		s := &slots[si]
		before := len(s.facts)
		s.facts = slices.DeleteFunc(s.facts, func(f threads.FactView) bool { return gone[si][f.Key] })
		s.report.Dropped += before - len(s.facts)
	}
}

func render(slots []slot, level threads.Level, query string) *Context {
	out := &Context{Level: level, Query: query, Sections: []Section{}}
	var b strings.Builder
	for i := range slots {
		s := &slots[i]
		s.report.Facts = len(s.facts)
		s.report.Tokens = factTokens(s.facts)
		out.Threads = append(out.Threads, s.report)
		if len(s.facts) == 0 {
			continue
		}

		if b.Len() > 0 {
			b.WriteString("\n")
		}
		header := headerLine(s.report.Name)
		b.WriteString(header + "\n")
		out.Tokens += EstimateTokens(header) + s.report.Tokens
		for _, f := range s.facts {
			b.WriteString(factLine(f) + "\n")
		}
		out.Sections = append(out.Sections, Section{Thread: s.report.Name, Facts: s.facts})
	}
	out.Text = b.String()
	return out
}
