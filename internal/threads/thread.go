// Package threads defines the introspection contract shared by every memory
// source and the ordered registry the assembler reads from.
package threads

import (
	"context"
	"fmt"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/store"
)

// Level is a detail level: 1 brief, 2 standard, 3 detailed.
type Level int

const (
	Brief    Level = 1
	Standard Level = 2
	Detailed Level = 3
)

// ParseLevel accepts 1, 2, 3 or the level names.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "1", "brief":
		return Brief, nil
	case "2", "standard":
		return Standard, nil
	case "3", "detailed":
		return Detailed, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

func (l Level) Valid() bool { return l >= Brief && l <= Detailed }

func (l Level) String() string {
	switch l {
	case Brief:
		return "brief"
	case Standard:
		return "standard"
	case Detailed:
		return "detailed"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Status is a thread health state.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
	StatusUnknown  Status = "unknown"
)

// Health is a thread's self-reported condition.
type Health struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Request asks a thread for its facts at one level. Threshold is the minimum
// activation the caller will accept; threads that rank by activation use it,
// fact threads ignore it and let the assembler filter.
type Request struct {
	Level     Level
	Query     string
	Threshold float64
}

// FactView is one fact rendered at the requested level.
type FactView struct {
	Key       string   `json:"key"`
	Text      string   `json:"text"`
	Weight    float64  `json:"weight"`
	UpdatedAt int64    `json:"updated_at"`
	Concepts  []string `json:"concepts,omitempty"`
}

// Result is the output of one introspection.
type Result struct {
	Facts        []FactView `json:"facts"`
	ConceptsUsed []string   `json:"concepts_used,omitempty"`
	Health       Health     `json:"health"`
}

// Thread is a named memory source.
type Thread interface {
	Name() string
	Budget() config.Budget
	Health(ctx context.Context) Health
	Introspect(ctx context.Context, req Request) (Result, error)
}

// Writer is implemented by threads that accept fact writes. It is the only
// path by which consolidation stores facts.
type Writer interface {
	Write(ctx context.Context, f store.Fact) error
}
