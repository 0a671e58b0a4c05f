// Package faults defines the error taxonomy shared by the cognition core.
//
// Request-path errors (AdapterError) degrade a single thread's slot. Background
// errors (ScoringError, StorageError, SchedulerError) are logged, counted and
// retried. ConfigError stops startup.
package faults

import "fmt"

// AdapterError reports a thread that failed to introspect or report health.
type AdapterError struct {
	Thread string
	Op     string
	Err    error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("thread %s: %s: %v", e.Thread, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ScoringError reports a temp fact that could not be scored.
type ScoringError struct {
	TempFactID string
	Err        error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("score temp fact %s: %v", e.TempFactID, e.Err)
}

func (e *ScoringError) Unwrap() error { return e.Err }

// StorageError reports a failed write to the fact store.
type StorageError struct {
	Op    string
	Scope string
	Key   string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s/%s: %v", e.Op, e.Scope, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SchedulerError reports a background tick that failed or panicked.
type SchedulerError struct {
	Task string
	Err  error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}
