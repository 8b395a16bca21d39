package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Boomerang-Apps/storyline/internal/budget"
	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/events"
	"github.com/Boomerang-Apps/storyline/internal/executor"
	"github.com/Boomerang-Apps/storyline/internal/retry"
	"github.com/Boomerang-Apps/storyline/internal/router"
	"github.com/Boomerang-Apps/storyline/internal/worker"
)

// runDevelopment is the development gate's payload: route the run's domains
// into layers, execute them with the retry loop wrapped around each domain's
// verification, and aggregate. A nil, nil return means the run held or
// failed inside the phase and the gate must not advance.
func (e *Engine) runDevelopment(ctx context.Context, run domain.Run) (map[string]any, error) {
	states, err := e.Repo.ListDomains(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(states))
	deps := make(map[string][]string, len(states))
	for _, d := range states {
		names = append(names, d.Name)
		deps[d.Name] = d.DependsOn
	}
	plan, err := router.Route(run.Task, names, deps)
	if err != nil {
		// Routing errors are fatal to the run and surfaced immediately.
		if ferr := e.failRun(ctx, run.ID, err.Error()); ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	tracker := e.tracker(run)
	exec := &executor.Executor{Logger: e.Logger}
	if e.Config != nil {
		exec.MaxConcurrent = e.Config.Worker.MaxConcurrent
	}

	result := exec.RunLayers(ctx, plan, func(ctx context.Context, name string) executor.DomainResult {
		return e.executeDomain(ctx, run, name, tracker)
	})

	if err := e.checkpointUsage(ctx, run.ID, tracker); err != nil {
		return nil, err
	}
	for _, res := range result.Domains {
		if res.Status == domain.DomainBlocked {
			if err := e.persistDomainResult(ctx, run.ID, res); err != nil {
				return nil, err
			}
		}
	}

	if tracker.Exceeded() {
		if err := e.emitBudgetExceeded(ctx, run.ID); err != nil {
			return nil, err
		}
		if err := e.failRun(ctx, run.ID, "budget limit exceeded"); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if result.AnyEscalated() {
		// Escalations were persisted per domain; the run is already held.
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil
	}
	if result.OverallStatus != domain.RunCompleted {
		if err := e.failRun(ctx, run.ID, "one or more domains failed"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	outputs := make(map[string]any, len(result.Domains))
	for name, res := range result.Domains {
		outputs[name] = res.Output
	}
	return map[string]any{
		"overall_status": domain.RunCompleted,
		"outputs":        outputs,
	}, nil
}

// executeDomain drives one domain to a terminal per-domain state, persisting
// and emitting every transition before the next step.
func (e *Engine) executeDomain(ctx context.Context, run domain.Run, name string, tracker *budget.Tracker) executor.DomainResult {
	state, err := e.Repo.GetDomain(ctx, run.ID, name)
	if err != nil {
		return executor.DomainResult{Status: domain.DomainFailed, Err: err.Error()}
	}
	if state.Status == domain.DomainComplete {
		// Resume path: already verified in an earlier pass or by a human.
		return executor.DomainResult{Status: domain.DomainComplete, Output: state.LastResult, Retry: state.Retry}
	}

	if err := e.transitionDomain(ctx, run.ID, name, domain.DomainRunning, domain.EventDomainStarted, nil); err != nil {
		return executor.DomainResult{Status: domain.DomainFailed, Err: err.Error()}
	}

	loop := retry.New(e.retryPolicy(), e.scorer())
	loop.OnRetry = func(domainName string, count int, backoff time.Duration, lastErr string) {
		e.appendEvent(ctx, run.ID, domain.EventDomainProgress, domainName, events.EventPayload{
			"retry": count, "backoff_seconds": backoff.Seconds(), "last_error": lastErr,
		})
	}

	verify := func(ctx context.Context) (string, error) {
		return e.invokeWorker(ctx, tracker, worker.Request{
			RunID:   run.ID,
			Domain:  name,
			Prompt:  fmt.Sprintf("Implement and verify the %s slice of the story.", name),
			Context: run.Task,
		})
	}
	fix := func(ctx context.Context, lastErr string) (string, error) {
		return e.invokeWorker(ctx, tracker, worker.Request{
			RunID:   run.ID,
			Domain:  name,
			Prompt:  fmt.Sprintf("Fix the %s slice; verification failed with: %s", name, lastErr),
			Context: run.Task,
		})
	}

	outcome, err := loop.VerifyWithRetry(ctx, name, verify, fix)
	switch {
	case err != nil:
		res := executor.DomainResult{Status: domain.DomainFailed, Err: err.Error(), Retry: outcome.Retry}
		if perr := e.persistDomainResult(ctx, run.ID, withName(res, name)); perr != nil {
			e.Logger.Error("persist domain failure", zap.String("domain", name), zap.Error(perr))
		}
		return res
	case outcome.Status == retry.StatusDone:
		res := executor.DomainResult{Status: domain.DomainComplete, Output: outcome.Result, Retry: outcome.Retry}
		if perr := e.persistDomainResult(ctx, run.ID, withName(res, name)); perr != nil {
			return executor.DomainResult{Status: domain.DomainFailed, Err: perr.Error(), Retry: outcome.Retry}
		}
		return res
	default: // escalated
		res := executor.DomainResult{
			Status:     domain.DomainEscalated,
			Reason:     retry.EscalationReason(outcome),
			Violations: outcome.Violations,
			Retry:      outcome.Retry,
		}
		if perr := e.escalate(ctx, run.ID, name, res); perr != nil {
			return executor.DomainResult{Status: domain.DomainFailed, Err: perr.Error(), Retry: outcome.Retry}
		}
		return res
	}
}

// invokeWorker guards one worker call with the budget tracker. The global
// stop condition is checked before the call and consumption is charged after
// it, so no domain can keep invoking once the run crosses its limit.
func (e *Engine) invokeWorker(ctx context.Context, tracker *budget.Tracker, req worker.Request) (string, error) {
	if !tracker.Allow() {
		return "", domain.ErrBudgetExceeded
	}
	w := worker.Timeout{Worker: e.Worker}
	if e.Config != nil {
		w.Per = e.Config.WorkerTimeout()
	}
	res, err := w.Invoke(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrWorkerTimeout) {
			return "", err
		}
		var werr *domain.WorkerError
		if errors.As(err, &werr) {
			return "", err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &domain.WorkerError{Domain: req.Domain, Cause: err}
	}
	if err := tracker.Charge(res.TokensUsed, res.CostUSD); err != nil {
		return res.Output, err
	}
	return res.Output, nil
}

func (e *Engine) retryPolicy() retry.Policy {
	p := retry.Policy{
		MaxRetries:        3,
		BackoffBase:       time.Second,
		BackoffCap:        5 * time.Minute,
		BlockThreshold:    0.6,
		EscalateThreshold: 0.3,
	}
	if e.Config != nil {
		p.MaxRetries = e.Config.Retry.MaxRetries
		p.BackoffBase = time.Duration(e.Config.Retry.BackoffBaseSec * float64(time.Second))
		p.BackoffCap = time.Duration(e.Config.Retry.BackoffCapSec * float64(time.Second))
		p.BlockThreshold = e.Config.Safety.BlockThreshold
		p.EscalateThreshold = e.Config.Safety.EscalateThreshold
	}
	return p
}

func withName(res executor.DomainResult, name string) executor.DomainResult {
	res.Name = name
	return res
}

// transitionDomain commits a domain status change and its event atomically.
func (e *Engine) transitionDomain(ctx context.Context, runID, name, status, eventType string, payload events.EventPayload) error {
	e.Locks.Lock(runID)
	defer e.Locks.Unlock(runID)
	state, err := e.Repo.GetDomain(ctx, runID, name)
	if err != nil {
		return err
	}
	state.Status = status
	state.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDomainTx(ctx, tx, state); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, eventType, runID, name, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) persistDomainResult(ctx context.Context, runID string, res executor.DomainResult) error {
	e.Locks.Lock(runID)
	defer e.Locks.Unlock(runID)
	state, err := e.Repo.GetDomain(ctx, runID, res.Name)
	if err != nil {
		return err
	}
	state.Status = res.Status
	state.Retry.Count = res.Retry.Count
	state.Retry.BackoffSeconds = res.Retry.BackoffSeconds
	if res.Retry.MaxRetries > 0 {
		state.Retry.MaxRetries = res.Retry.MaxRetries
	}
	state.LastResult = res.Output
	state.LastError = firstNonEmpty(res.Err, res.Retry.LastError)
	state.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	eventType := domain.EventDomainComplete
	payload := events.EventPayload{"retries": state.Retry.Count}
	if res.Status != domain.DomainComplete {
		eventType = domain.EventDomainFailed
		payload["error"] = state.LastError
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDomainTx(ctx, tx, state); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, eventType, runID, res.Name, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// escalate commits the escalated domain, the escalation request, the held run
// status, and the event in one transaction: the suspension must be durable
// and restart-safe, never an in-memory wait.
func (e *Engine) escalate(ctx context.Context, runID, name string, res executor.DomainResult) error {
	e.Locks.Lock(runID)
	defer e.Locks.Unlock(runID)

	now := e.now().UTC().Format(time.RFC3339)
	state, err := e.Repo.GetDomain(ctx, runID, name)
	if err != nil {
		return err
	}
	state.Status = domain.DomainEscalated
	state.Retry.Count = res.Retry.Count
	state.Retry.BackoffSeconds = res.Retry.BackoffSeconds
	state.LastError = res.Retry.LastError
	state.UpdatedAt = now

	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !terminal(run.Status) {
		run.Status = domain.RunHeld
		run.UpdatedAt = now
	}

	esc := domain.EscalationRequest{
		ID:        uuid.NewString(),
		RunID:     runID,
		Domain:    name,
		Reason:    res.Reason,
		Status:    domain.EscalationOpen,
		CreatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateDomainTx(ctx, tx, state); err != nil {
		return err
	}
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return err
	}
	if err := e.Repo.InsertEscalationTx(ctx, tx, esc); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.EventEscalationCreated, runID, name, events.EventPayload{
		"escalation_id": esc.ID, "reason": esc.Reason, "violations": res.Violations,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// checkpointUsage persists the budget tracker snapshot onto the run row.
func (e *Engine) checkpointUsage(ctx context.Context, runID string, tracker *budget.Tracker) error {
	e.Locks.Lock(runID)
	defer e.Locks.Unlock(runID)
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	run.TokensUsed, run.CostUsedUSD = tracker.Snapshot()
	run.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) emitBudgetExceeded(ctx context.Context, runID string) error {
	return e.appendEvent(ctx, runID, domain.EventBudgetExceeded, "", nil)
}

// appendEvent commits a standalone event outside any state transaction.
func (e *Engine) appendEvent(ctx context.Context, runID, eventType, domainName string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, eventType, runID, domainName, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
