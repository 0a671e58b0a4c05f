package config

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/companion/internal/faults"
)

// Load reads a YAML config file and validates it. Unlike Default, nothing is
// filled in: a file that omits a threshold or budget is rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every value the core depends on. It returns the first
// problem as a *faults.ConfigError.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port", "must be within 0..65535")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return invalid("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}

	r := c.Relevance
	if r.MaxHops < 1 {
		return invalid("relevance.max_hops", "must be at least 1")
	}
	if !openUnit(r.HopDecay) {
		return invalid("relevance.hop_decay", "must be in (0, 1]")
	}
	if r.Epsilon <= 0 || r.Epsilon >= 1 {
		return invalid("relevance.epsilon", "must be in (0, 1)")
	}
	if !openUnit(r.LearningRate) {
		return invalid("relevance.learning_rate", "must be in (0, 1]")
	}
	if r.DecayFactor <= 0 || r.DecayFactor >= 1 {
		return invalid("relevance.decay_factor", "must be in (0, 1)")
	}
	if r.PruneFloor <= 0 || r.PruneFloor >= 1 {
		return invalid("relevance.prune_floor", "must be in (0, 1)")
	}
	if r.LearningRate*r.DecayFactor < r.PruneFloor {
		return invalid("relevance.learning_rate", "a new edge must survive its first decay tick (learning_rate * decay_factor >= prune_floor)")
	}
	if r.DefaultThreshold < 0 || r.DefaultThreshold > 1 {
		return invalid("relevance.default_threshold", "must be in [0, 1]")
	}

	if err := validBudget("assembly.budget", c.Assembly.Budget); err != nil {
		return err
	}
	if c.Assembly.ThreadTimeout <= 0 {
		return invalid("assembly.thread_timeout", "must be positive")
	}

	if len(c.Threads) == 0 {
		return invalid("threads", "at least one thread must be configured")
	}
	for name, tc := range c.Threads {
		if !slices.Contains(KnownThreads, name) {
			return invalid("threads."+name, "unknown thread")
		}
		if err := validBudget("threads."+name+".budget", tc.Budget); err != nil {
			return err
		}
		if tc.Threshold != nil && (*tc.Threshold < 0 || *tc.Threshold > 1) {
			return invalid("threads."+name+".threshold", "must be in [0, 1]")
		}
	}

	cc := c.Consolidation
	if cc.MaxScore <= 0 {
		return invalid("consolidation.max_score", "must be positive")
	}
	if cc.Lower <= 0 || cc.Lower > cc.MaxScore {
		return invalid("consolidation.lower", "must be in (0, max_score]")
	}
	if cc.Upper <= cc.Lower || cc.Upper > cc.MaxScore {
		return invalid("consolidation.upper", "must be in (lower, max_score]")
	}
	w := cc.Weights
	if w.Permanence < 0 || w.Relevance < 0 || w.Identity < 0 {
		return invalid("consolidation.weights", "weights must not be negative")
	}
	if w.Permanence+w.Relevance+w.Identity == 0 {
		return invalid("consolidation.weights", "at least one weight must be positive")
	}
	if _, ok := c.Threads[cc.DefaultThread]; !ok {
		return invalid("consolidation.default_thread", fmt.Sprintf("thread %q is not configured", cc.DefaultThread))
	}
	if cc.DefaultThread == ThreadLinking {
		return invalid("consolidation.default_thread", "linking thread is read-only")
	}

	s := c.Scheduler
	if s.Consolidation <= 0 {
		return invalid("scheduler.consolidation", "must be positive")
	}
	if s.Sync <= 0 {
		return invalid("scheduler.sync", "must be positive")
	}
	if s.Health <= 0 {
		return invalid("scheduler.health", "must be positive")
	}
	if s.TickTimeout <= 0 {
		return invalid("scheduler.tick_timeout", "must be positive")
	}
	return nil
}

func validBudget(field string, b Budget) error {
	if b.Brief <= 0 || b.Standard <= 0 || b.Detailed <= 0 {
		return invalid(field, "brief, standard and detailed must all be positive")
	}
	if b.Brief > b.Standard || b.Standard > b.Detailed {
		return invalid(field, "budgets must not shrink as detail grows")
	}
	return nil
}

func openUnit(v float64) bool {
	return v > 0 && v <= 1
}

func invalid(field, reason string) error {
	return &faults.ConfigError{Field: field, Reason: reason}
}
