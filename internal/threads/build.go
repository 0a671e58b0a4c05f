package threads

import (
	"maps"
	"slices"

	"github.com/lazypower/companion/internal/config"
	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/linking"
)

// Build registers every thread configured in cfg.Threads.
func Build(cfg *config.Config, fs FactStore, eng *linking.Engine) (*Registry, error) {
	reg := NewRegistry()
	for _, name := range slices.Sorted(maps.Keys(cfg.Threads)) {
		tc := cfg.Threads[name]
		var t Thread
		switch name {
		case config.ThreadIdentity:
			t = NewIdentity(tc.Budget, fs)
		case config.ThreadPhilosophy:
			t = NewPhilosophy(tc.Budget, fs)
		case config.ThreadForm:
			t = NewForm(tc.Budget, fs)
		case config.ThreadReflex:
			t = NewReflex(tc.Budget, fs)
		case config.ThreadLog:
			t = NewLog(tc.Budget, fs)
		case config.ThreadLinking:
			t = NewLinking(tc.Budget, eng)
		default:
			return nil, &faults.ConfigError{Field: "threads." + name, Reason: "unknown thread"}
		}
		if err := reg.Register(t, tc.Priority); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
