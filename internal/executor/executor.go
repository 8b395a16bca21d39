// Package executor fans a run's domains out layer by layer. Each layer is a
// synchronization barrier: every domain in it reaches a terminal per-domain
// state before the next layer is released.
package executor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/router"
)

// DomainResult is one domain's terminal state for this execution pass.
type DomainResult struct {
	Name       string
	Status     string // complete | failed | escalated | blocked
	Output     string
	Err        string
	Reason     string
	Violations []string
	Retry      domain.RetryState
}

// RunResult aggregates a full pass over the layers.
type RunResult struct {
	OverallStatus string // completed | failed
	Domains       map[string]DomainResult
}

// AnyEscalated reports whether any domain suspended awaiting a human.
func (r RunResult) AnyEscalated() bool {
	for _, d := range r.Domains {
		if d.Status == domain.DomainEscalated {
			return true
		}
	}
	return false
}

// ExecuteFunc runs one domain to a terminal state. It must not panic and
// must honor ctx cancellation.
type ExecuteFunc func(ctx context.Context, domainName string) DomainResult

// Executor schedules all domains of a layer concurrently.
type Executor struct {
	MaxConcurrent int
	Logger        *zap.Logger
}

// RunLayers executes the plan. A failed or escalated domain does not abort
// its siblings: they run to completion and report independently. Downstream
// domains whose prerequisites did not complete are blocked without running;
// independent downstream domains still proceed.
func (e *Executor) RunLayers(ctx context.Context, plan router.Plan, execute ExecuteFunc) RunResult {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	results := make(map[string]DomainResult, len(plan.Domains))
	var mu sync.Mutex

	for i, layer := range plan.Layers {
		if err := ctx.Err(); err != nil {
			for _, name := range layer {
				results[name] = DomainResult{Name: name, Status: domain.DomainBlocked, Err: err.Error()}
			}
			continue
		}

		// Decide blocking before launching anything: earlier layers are
		// settled at this point, so no result is being written concurrently.
		var runnable []string
		for _, name := range layer {
			if blocker := unresolvedPrereq(plan.Deps[name], results); blocker != "" {
				logger.Info("domain blocked by prerequisite",
					zap.String("domain", name), zap.String("prerequisite", blocker))
				results[name] = DomainResult{
					Name:   name,
					Status: domain.DomainBlocked,
					Err:    fmt.Sprintf("prerequisite %s did not complete", blocker),
				}
				continue
			}
			runnable = append(runnable, name)
		}

		g, gctx := errgroup.WithContext(ctx)
		if e.MaxConcurrent > 0 {
			g.SetLimit(e.MaxConcurrent)
		}
		for _, name := range runnable {
			g.Go(func() error {
				res := execute(gctx, name)
				res.Name = name
				mu.Lock()
				results[name] = res
				mu.Unlock()
				logger.Info("domain finished",
					zap.Int("layer", i), zap.String("domain", name), zap.String("status", res.Status))
				return nil
			})
		}
		// Barrier: later layers may depend on artifacts produced here.
		_ = g.Wait()
	}

	overall := domain.RunCompleted
	for _, res := range results {
		if res.Status != domain.DomainComplete {
			overall = domain.RunFailed
			break
		}
	}
	return RunResult{OverallStatus: overall, Domains: results}
}

// unresolvedPrereq returns the first direct prerequisite that did not reach
// complete. Escalated prerequisites count as unresolved: they block dependent
// domains until the human decision lands.
func unresolvedPrereq(prereqs []string, results map[string]DomainResult) string {
	for _, p := range prereqs {
		if res, ok := results[p]; !ok || res.Status != domain.DomainComplete {
			return p
		}
	}
	return ""
}
