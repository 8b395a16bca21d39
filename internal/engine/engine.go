// Package engine is the run controller: it owns one workflow instance per
// run, drives the gate state machine, and composes routing, parallel
// execution, retry, consensus, budget, and safety into the development and
// review gate payloads. Every state transition is checkpointed and emitted
// as an event before the next step proceeds.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Boomerang-Apps/storyline/internal/budget"
	"github.com/Boomerang-Apps/storyline/internal/config"
	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/events"
	"github.com/Boomerang-Apps/storyline/internal/gates"
	"github.com/Boomerang-Apps/storyline/internal/lock"
	"github.com/Boomerang-Apps/storyline/internal/repo"
	"github.com/Boomerang-Apps/storyline/internal/router"
	"github.com/Boomerang-Apps/storyline/internal/safety"
	"github.com/Boomerang-Apps/storyline/internal/worker"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Worker worker.Worker
	Scorer safety.Scorer
	Gates  *gates.Machine
	Locks  *lock.MutexMap
	Logger *zap.Logger
	Now    func() time.Time

	// AutoApproveDispatch lets Drive supply the dispatch decision itself.
	// With it off, the decision must arrive through Advance or the API.
	AutoApproveDispatch bool

	mu       sync.Mutex
	trackers map[string]*budget.Tracker
	cancels  map[string]context.CancelFunc
}

func New(db *sql.DB, cfg *config.Config, w worker.Worker, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	locks := lock.NewMutexMap()
	machine := gates.NewMachine(db, locks)
	if cfg != nil && cfg.Safety.GateMinScore > 0 {
		machine.MinSafetyScore = cfg.Safety.GateMinScore
	}
	return &Engine{
		DB:                  db,
		Repo:                repo.Repo{DB: db},
		Events:              events.Writer{DB: db},
		Config:              cfg,
		Worker:              w,
		Scorer:              safety.Score,
		Gates:               machine,
		Locks:               locks,
		Logger:              logger,
		Now:                 time.Now,
		AutoApproveDispatch: true,
		trackers:            make(map[string]*budget.Tracker),
		cancels:             make(map[string]context.CancelFunc),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartOptions are parameters for creating a run.
type StartOptions struct {
	ID                 string
	Name               string
	Task               string
	Domains            []string
	Dependencies       map[string][]string
	AcceptanceCriteria []string
	TokenLimit         int64
	CostLimitUSD       float64
}

// Start creates a run and routes its domains. Routing errors (cycles,
// unroutable tasks) are fatal and surface here, before any state exists.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (domain.Run, error) {
	if e.Config == nil {
		return domain.Run{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Run{}, errors.New("name is required")
	}
	if opts.Task == "" {
		return domain.Run{}, errors.New("task is required")
	}

	plan, err := router.Route(opts.Task, opts.Domains, opts.Dependencies)
	if err != nil {
		return domain.Run{}, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	tokenLimit := opts.TokenLimit
	if tokenLimit == 0 {
		tokenLimit = e.Config.Budget.TokenLimit
	}
	costLimit := opts.CostLimitUSD
	if costLimit == 0 {
		costLimit = e.Config.Budget.CostLimitUSD
	}
	run := domain.Run{
		ID:           id,
		Name:         opts.Name,
		Task:         opts.Task,
		Domains:      plan.Domains,
		Status:       domain.RunPending,
		TokenLimit:   tokenLimit,
		CostLimitUSD: costLimit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	for _, name := range plan.Domains {
		d := domain.DomainState{
			RunID:     id,
			Name:      name,
			Layer:     plan.Layer(name),
			DependsOn: plan.Deps[name],
			Status:    domain.DomainPending,
			Retry:     domain.RetryState{MaxRetries: e.Config.Retry.MaxRetries},
			UpdatedAt: now,
		}
		if err := e.Repo.InsertDomainTx(ctx, tx, d); err != nil {
			return domain.Run{}, fmt.Errorf("insert domain %s: %w", name, err)
		}
	}
	if err := e.Events.Append(ctx, tx, domain.EventRunStarted, id, "", events.EventPayload{
		"name": opts.Name, "domains": plan.Domains, "layers": plan.Layers,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}

	// Intake and plan gates pass immediately when their data was supplied
	// at start; later gates need computed or human-supplied payloads.
	if _, err := e.Advance(ctx, id, map[string]any{
		"name": opts.Name, "description": opts.Task,
	}); err != nil {
		return run, err
	}
	if len(opts.AcceptanceCriteria) > 0 {
		if _, err := e.Advance(ctx, id, map[string]any{
			"acceptance_criteria": opts.AcceptanceCriteria,
		}); err != nil {
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				return run, err
			}
		}
	}
	return e.Repo.GetRun(ctx, id)
}

// Advance moves a run one gate forward with the supplied gate data.
func (e *Engine) Advance(ctx context.Context, runID string, gateData map[string]any) (int, error) {
	return e.Gates.Advance(ctx, runID, gateData)
}

// Drive advances a run through all gates it can pass without human input,
// executing the development and review payloads when their gates come up.
// It stops when the run completes, fails, holds, or a gate needs data only
// a human can supply.
func (e *Engine) Drive(ctx context.Context, runID string) (View, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.registerCancel(runID, cancel)
	defer e.unregisterCancel(runID, cancel)

	for {
		run, err := e.Repo.GetRun(ctx, runID)
		if err != nil {
			return View{}, err
		}
		if run.Status == domain.RunHeld || terminal(run.Status) {
			return e.Status(ctx, runID)
		}
		if run.Status == domain.RunPending {
			if err := e.markRunning(ctx, runID); err != nil {
				return View{}, err
			}
		}
		if run.CurrentGate >= len(gates.Table) {
			return e.Status(ctx, runID)
		}

		gate := gates.Table[run.CurrentGate]
		var data map[string]any
		switch gate.Name {
		case "intake":
			data = map[string]any{"name": run.Name, "description": run.Task}
		case "plan":
			// Plan data only comes from Start or a caller's Advance.
			return e.Status(ctx, runID)
		case "safety":
			score := e.scorer()(run.Task)
			data = map[string]any{"safety_score": score.Score, "violations": score.Violations}
		case "dispatch":
			if !e.AutoApproveDispatch {
				return e.Status(ctx, runID)
			}
			data = map[string]any{"decision": "approve"}
		case "development":
			data, err = e.runDevelopment(ctx, run)
			if err != nil {
				return View{}, err
			}
			if data == nil {
				// Held or failed inside the phase; state already committed.
				return e.Status(ctx, runID)
			}
		case "review":
			data, err = e.runReview(ctx, run)
			if err != nil {
				return View{}, err
			}
			if data == nil {
				return e.Status(ctx, runID)
			}
		}

		if _, err := e.Advance(ctx, runID, data); err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				// Blockers are state, not an engine failure.
				e.Logger.Info("gate blocked", zap.String("run", runID),
					zap.String("gate", gate.Name), zap.Strings("blockers", verr.Blockers))
				if gate.Name == "safety" || gate.Name == "review" {
					if err := e.failRun(ctx, runID, verr.Error()); err != nil {
						return View{}, err
					}
				}
				return e.Status(ctx, runID)
			}
			if errors.Is(err, domain.ErrEscalationPending) {
				return e.Status(ctx, runID)
			}
			return View{}, err
		}
	}
}

// Decision is a human's answer to an escalation.
type Decision struct {
	Approved bool
	Feedback string
}

// ResumeEscalation applies a human decision to the run's open escalation.
// Approval treats the human's feedback as the basis for the domain's success;
// rejection moves the domain to terminal failed and fails the run. Calling it
// again after resolution is a no-op returning current state.
func (e *Engine) ResumeEscalation(ctx context.Context, runID string, d Decision) (View, error) {
	e.Locks.Lock(runID)
	unlocked := false
	unlock := func() {
		if !unlocked {
			unlocked = true
			e.Locks.Unlock(runID)
		}
	}
	defer unlock()

	esc, err := e.Repo.OpenEscalation(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		// Idempotence: already resumed (or never escalated).
		return e.Status(ctx, runID)
	}
	if err != nil {
		return View{}, err
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return View{}, err
	}
	if terminal(run.Status) {
		// A late decision cannot resurrect a completed, failed, or
		// cancelled run.
		return View{}, domain.ErrRunTerminal
	}
	dom, err := e.Repo.GetDomain(ctx, runID, esc.Domain)
	if err != nil {
		return View{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	esc.Feedback = d.Feedback
	esc.ResolvedAt = &now
	if d.Approved {
		esc.Status = domain.EscalationApproved
		dom.Status = domain.DomainComplete
		if d.Feedback != "" {
			dom.LastResult = d.Feedback
		}
		dom.LastError = ""
		run.Status = domain.RunRunning
	} else {
		esc.Status = domain.EscalationRejected
		dom.Status = domain.DomainFailed
		run.Status = domain.RunFailed
	}
	dom.UpdatedAt = now
	run.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return View{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEscalationTx(ctx, tx, esc); err != nil {
		return View{}, err
	}
	if err := e.Repo.UpdateDomainTx(ctx, tx, dom); err != nil {
		return View{}, err
	}
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return View{}, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventEscalationResumed, runID, esc.Domain, events.EventPayload{
		"escalation_id": esc.ID, "approved": d.Approved, "feedback": d.Feedback,
	}); err != nil {
		return View{}, err
	}
	if !d.Approved {
		if err := e.Events.Append(ctx, tx, domain.EventRunFailed, runID, esc.Domain, events.EventPayload{
			"reason": "escalation rejected",
		}); err != nil {
			return View{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return View{}, err
	}
	unlock()
	return e.Status(ctx, runID)
}

// Cancel marks a run cancelled and propagates cancellation to any in-flight
// domain executions. External worker state is never force-terminated; workers
// observe the context cooperatively.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
	}
	e.mu.Unlock()

	e.Locks.Lock(runID)
	defer e.Locks.Unlock(runID)
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if terminal(run.Status) {
		return domain.ErrRunTerminal
	}
	now := e.now().UTC().Format(time.RFC3339)
	run.Status = domain.RunCancelled
	run.UpdatedAt = now
	run.CompletedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return err
	}
	if err := e.closeOpenEscalation(ctx, tx, runID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.EventRunCancelled, runID, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// View is the full externally visible state of a run. It always reflects the
// last committed transition.
type View struct {
	Run         domain.Run                 `json:"run"`
	Gates       gates.View                 `json:"gates"`
	Domains     []domain.DomainState       `json:"domains,omitempty"`
	Escalations []domain.EscalationRequest `json:"escalations,omitempty"`
	Reviews     []domain.ConsensusReview   `json:"reviews,omitempty"`
}

// Status assembles the run view from committed state only.
func (e *Engine) Status(ctx context.Context, runID string) (View, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return View{}, err
	}
	gv, err := e.Gates.Status(ctx, runID)
	if err != nil {
		return View{}, err
	}
	domains, err := e.Repo.ListDomains(ctx, runID)
	if err != nil {
		return View{}, err
	}
	escalations, err := e.Repo.ListEscalations(ctx, runID)
	if err != nil {
		return View{}, err
	}
	reviews, err := e.Repo.ListReviews(ctx, runID)
	if err != nil {
		return View{}, err
	}
	return View{Run: run, Gates: gv, Domains: domains, Escalations: escalations, Reviews: reviews}, nil
}

func (e *Engine) markRunning(ctx context.Context, runID string) error {
	e.Locks.Lock(runID)
	defer e.Locks.Unlock(runID)
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunPending {
		return nil
	}
	run.Status = domain.RunRunning
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

func (e *Engine) failRun(ctx context.Context, runID, reason string) error {
	e.Locks.Lock(runID)
	defer e.Locks.Unlock(runID)
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if terminal(run.Status) {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	run.Status = domain.RunFailed
	run.UpdatedAt = now
	run.CompletedAt = &now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return err
	}
	if err := e.closeOpenEscalation(ctx, tx, runID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.EventRunFailed, runID, "", events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// closeOpenEscalation moots a pending escalation once its run goes terminal,
// so no open escalation can outlive the run. Runs inside the caller's
// transaction, under the run lock.
func (e *Engine) closeOpenEscalation(ctx context.Context, tx *sql.Tx, runID, now string) error {
	esc, err := e.Repo.OpenEscalation(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	esc.Status = domain.EscalationClosed
	esc.ResolvedAt = &now
	return e.Repo.UpdateEscalationTx(ctx, tx, esc)
}

func (e *Engine) scorer() safety.Scorer {
	if e.Scorer != nil {
		return e.Scorer
	}
	return safety.Score
}

func (e *Engine) tracker(run domain.Run) *budget.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.trackers[run.ID]; ok {
		return t
	}
	t := budget.New(run.TokenLimit, run.CostLimitUSD)
	t.Resume(run.TokensUsed, run.CostUsedUSD)
	e.trackers[run.ID] = t
	return t
}

func (e *Engine) registerCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	if existing, ok := e.cancels[runID]; ok && sameCancel(existing, cancel) {
		delete(e.cancels, runID)
	}
	e.mu.Unlock()
	cancel()
}

// sameCancel guards against a later Drive overwriting the registration.
func sameCancel(a, b context.CancelFunc) bool {
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}

func terminal(status string) bool {
	switch status {
	case domain.RunCompleted, domain.RunFailed, domain.RunCancelled:
		return true
	}
	return false
}
