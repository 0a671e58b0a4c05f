package config

import (
	"fmt"
	"time"
)

// Thread names understood by the registry builder.
const (
	ThreadIdentity   = "identity"
	ThreadLog        = "log"
	ThreadForm       = "form"
	ThreadPhilosophy = "philosophy"
	ThreadReflex     = "reflex"
	ThreadLinking    = "linking"
)

// KnownThreads lists every thread variant in default priority order.
var KnownThreads = []string{
	ThreadIdentity, ThreadPhilosophy, ThreadForm, ThreadReflex, ThreadLog, ThreadLinking,
}

// Config holds all companion configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Database      DatabaseConfig          `yaml:"database"`
	Log           LogConfig               `yaml:"log"`
	Relevance     RelevanceConfig         `yaml:"relevance"`
	Assembly      AssemblyConfig          `yaml:"assembly"`
	Threads       map[string]ThreadConfig `yaml:"threads"`
	Consolidation ConsolidationConfig     `yaml:"consolidation"`
	Scheduler     SchedulerConfig         `yaml:"scheduler"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty: resolved via store.DefaultDBPath()
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// RelevanceConfig tunes the linking engine.
type RelevanceConfig struct {
	MaxHops          int     `yaml:"max_hops"`
	HopDecay         float64 `yaml:"hop_decay"`
	Epsilon          float64 `yaml:"epsilon"`
	LearningRate     float64 `yaml:"learning_rate"`
	DecayFactor      float64 `yaml:"decay_factor"`
	PruneFloor       float64 `yaml:"prune_floor"`
	DefaultThreshold float64 `yaml:"default_threshold"`
}

// Budget is a token budget per detail level.
type Budget struct {
	Brief    int `yaml:"brief"`
	Standard int `yaml:"standard"`
	Detailed int `yaml:"detailed"`
}

// ForLevel returns the budget for level 1, 2 or 3. Unknown levels get 0.
func (b Budget) ForLevel(level int) int {
	switch level {
	case 1:
		return b.Brief
	case 2:
		return b.Standard
	case 3:
		return b.Detailed
	}
	return 0
}

type AssemblyConfig struct {
	Budget        Budget        `yaml:"budget"`
	ThreadTimeout time.Duration `yaml:"thread_timeout"`
}

// ThreadConfig registers one thread. Threshold is the minimum concept
// activation a fact needs to survive query filtering; nil means
// relevance.default_threshold.
type ThreadConfig struct {
	Priority  int      `yaml:"priority"`
	Budget    Budget   `yaml:"budget"`
	Threshold *float64 `yaml:"threshold"`
}

type ScoreWeights struct {
	Permanence float64 `yaml:"permanence"`
	Relevance  float64 `yaml:"relevance"`
	Identity   float64 `yaml:"identity"`
}

type ConsolidationConfig struct {
	Upper         float64      `yaml:"upper"`     // total >= upper: approved
	Lower         float64      `yaml:"lower"`     // total < lower: rejected
	MaxScore      float64      `yaml:"max_score"` // sub-score scale
	Weights       ScoreWeights `yaml:"weights"`
	DefaultThread string       `yaml:"default_thread"`
}

type SchedulerConfig struct {
	Consolidation time.Duration `yaml:"consolidation"`
	Sync          time.Duration `yaml:"sync"`
	Health        time.Duration `yaml:"health"`
	TickTimeout   time.Duration `yaml:"tick_timeout"`
}

// Default returns a complete, valid Config.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Relevance: RelevanceConfig{
			MaxHops:          2,
			HopDecay:         0.5,
			Epsilon:          0.001,
			LearningRate:     0.1,
			DecayFactor:      0.95,
			PruneFloor:       0.01,
			DefaultThreshold: 0.1,
		},
		Assembly: AssemblyConfig{
			Budget:        Budget{Brief: 150, Standard: 600, Detailed: 2400},
			ThreadTimeout: 250 * time.Millisecond,
		},
		Threads: map[string]ThreadConfig{
			ThreadIdentity:   {Priority: 10, Budget: Budget{Brief: 40, Standard: 150, Detailed: 600}},
			ThreadPhilosophy: {Priority: 20, Budget: Budget{Brief: 15, Standard: 60, Detailed: 250}},
			ThreadForm:       {Priority: 30, Budget: Budget{Brief: 15, Standard: 60, Detailed: 250}},
			ThreadReflex:     {Priority: 40, Budget: Budget{Brief: 15, Standard: 80, Detailed: 300}},
			ThreadLog:        {Priority: 50, Budget: Budget{Brief: 20, Standard: 120, Detailed: 500}},
			ThreadLinking:    {Priority: 60, Budget: Budget{Brief: 10, Standard: 50, Detailed: 200}},
		},
		Consolidation: ConsolidationConfig{
			Upper:         3.0,
			Lower:         1.5,
			MaxScore:      5.0,
			Weights:       ScoreWeights{Permanence: 1, Relevance: 1, Identity: 1},
			DefaultThread: ThreadIdentity,
		},
		Scheduler: SchedulerConfig{
			Consolidation: 300 * time.Second,
			Sync:          600 * time.Second,
			Health:        60 * time.Second,
			TickTimeout:   30 * time.Second,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// ThreadThreshold returns the activation threshold for a thread.
func (c *Config) ThreadThreshold(name string) float64 {
	if tc, ok := c.Threads[name]; ok && tc.Threshold != nil {
		return *tc.Threshold
	}
	return c.Relevance.DefaultThreshold
}
