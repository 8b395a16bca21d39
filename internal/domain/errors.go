package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the orchestration core.
var (
	// ErrBudgetExceeded is a global stop: no further worker invocations
	// anywhere in the run once it is returned.
	ErrBudgetExceeded = errors.New("budget limit exceeded")

	// ErrWorkerTimeout is a worker call exceeding its deadline. Treated as a
	// verification failure by the retry loop.
	ErrWorkerTimeout = errors.New("worker invocation timed out")

	// ErrEscalationPending marks a run held on an open escalation. Not a
	// failure; the run resumes once a human decision arrives.
	ErrEscalationPending = errors.New("escalation pending human decision")

	// ErrRunTerminal is returned for operations on completed/failed/cancelled runs.
	ErrRunTerminal = errors.New("run is in a terminal state")
)

// ValidationError reports unmet gate blockers. The gate state is unchanged
// when it is returned.
type ValidationError struct {
	Gate     int
	GateName string
	Blockers []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gate %d (%s) blocked: %s", e.Gate, e.GateName, strings.Join(e.Blockers, "; "))
}

// CyclicDependencyError reports a dependency cycle found during routing.
type CyclicDependencyError struct {
	Domains []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle involving domains: %s", strings.Join(e.Domains, ", "))
}

// UnroutableTaskError reports a task that touches no domains.
type UnroutableTaskError struct {
	Task string
}

func (e *UnroutableTaskError) Error() string {
	return fmt.Sprintf("task %q touches no domains", e.Task)
}

// WorkerError is a non-timeout failure reported by the worker capability.
type WorkerError struct {
	Domain string
	Cause  error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker failed for domain %s: %v", e.Domain, e.Cause)
}

func (e *WorkerError) Unwrap() error { return e.Cause }

// SafetyViolation short-circuits the retry loop: unsafe output is never
// iterated on automatically.
type SafetyViolation struct {
	Domain     string
	Score      float64
	Violations []string
}

func (e *SafetyViolation) Error() string {
	return fmt.Sprintf("safety violation in domain %s (score %.2f): %s",
		e.Domain, e.Score, strings.Join(e.Violations, "; "))
}
