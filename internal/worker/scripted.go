package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Boomerang-Apps/storyline/internal/domain"
)

// Outcome scripts one invocation result for a domain.
type Outcome struct {
	Output  string
	Tokens  int64
	CostUSD float64
	Err     error
	Delay   time.Duration
}

// Scripted is a deterministic in-process worker used by the CLI demo mode and
// tests. Outcomes are consumed per domain in order; when a domain's script is
// exhausted the last outcome repeats.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string][]Outcome
	calls   map[string]int

	// Default applies to domains with no script.
	Default Outcome
}

func NewScripted() *Scripted {
	return &Scripted{
		scripts: make(map[string][]Outcome),
		calls:   make(map[string]int),
		Default: Outcome{Output: "ok", Tokens: 100, CostUSD: 0.01},
	}
}

// Script sets the outcome sequence for a domain.
func (s *Scripted) Script(domainName string, outcomes ...Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[domainName] = outcomes
}

// Calls reports how many times a domain was invoked.
func (s *Scripted) Calls(domainName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[domainName]
}

func (s *Scripted) Invoke(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	n := s.calls[req.Domain]
	s.calls[req.Domain] = n + 1
	outcomes := s.scripts[req.Domain]
	out := s.Default
	if len(outcomes) > 0 {
		if n >= len(outcomes) {
			n = len(outcomes) - 1
		}
		out = outcomes[n]
	}
	s.mu.Unlock()

	if out.Delay > 0 {
		select {
		case <-time.After(out.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if out.Err != nil {
		return Result{}, out.Err
	}
	return Result{Output: out.Output, TokensUsed: out.Tokens, CostUSD: out.CostUSD}, nil
}

// Fail builds a scripted worker error for a domain.
func Fail(domainName, msg string) error {
	return &domain.WorkerError{Domain: domainName, Cause: fmt.Errorf("%s", msg)}
}
