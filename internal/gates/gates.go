// Package gates implements the per-run ordered checkpoint progression. Gates
// are statically defined and strictly sequential: no two gates are ever
// current at the same time for one run, and a gate can only be passed once
// every predecessor is completed.
package gates

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/events"
	"github.com/Boomerang-Apps/storyline/internal/lock"
	"github.com/Boomerang-Apps/storyline/internal/repo"
)

// Gate is one statically defined checkpoint.
type Gate struct {
	Num      int
	Name     string
	Label    string
	Requires []string
}

// Predicate identifiers referenced by the gate table.
const (
	ReqStoryNamed      = "story.named"
	ReqStoryDescribed  = "story.described"
	ReqPlanCriteria    = "plan.acceptance_criteria"
	ReqSafetyScore     = "safety.score"
	ReqDecisionApprove = "decision.approve"
	ReqDomainsComplete = "domains.complete"
)

// MinAcceptanceCriteria is the plan gate's floor.
const MinAcceptanceCriteria = 5

// Table is the fixed gate sequence every run moves through.
var Table = []Gate{
	{0, "intake", "Story intake", []string{ReqStoryNamed, ReqStoryDescribed}},
	{1, "plan", "Planning", []string{ReqPlanCriteria}},
	{2, "safety", "Safety review", []string{ReqSafetyScore}},
	{3, "dispatch", "Dispatch approval", []string{ReqDecisionApprove}},
	{4, "development", "Development", []string{ReqDomainsComplete}},
	{5, "review", "Consensus review", []string{ReqDecisionApprove}},
	{6, "ship", "Ship", nil},
}

// ByName returns a gate from the table, or ok=false.
func ByName(name string) (Gate, bool) {
	for _, g := range Table {
		if g.Name == name {
			return g, true
		}
	}
	return Gate{}, false
}

// View is the gate-level status of one run.
type View struct {
	RunID          string              `json:"run_id"`
	Status         string              `json:"status"`
	CurrentGate    int                 `json:"current_gate"`
	CurrentName    string              `json:"current_name,omitempty"`
	CurrentLabel   string              `json:"current_label,omitempty"`
	GatesCompleted []domain.GateRecord `json:"gates_completed,omitempty"`
}

// Machine advances runs through the gate table with atomic
// check-then-commit semantics.
type Machine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Locks  *lock.MutexMap
	Now    func() time.Time

	// MinSafetyScore is the safety gate floor, 0.85 by default.
	MinSafetyScore float64
}

func NewMachine(db *sql.DB, locks *lock.MutexMap) *Machine {
	return &Machine{
		DB:             db,
		Repo:           repo.Repo{DB: db},
		Events:         events.Writer{DB: db},
		Locks:          locks,
		Now:            time.Now,
		MinSafetyScore: 0.85,
	}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Status returns the gate view for a run.
func (m *Machine) Status(ctx context.Context, runID string) (View, error) {
	run, err := m.Repo.GetRun(ctx, runID)
	if err != nil {
		return View{}, err
	}
	completed, err := m.Repo.ListGates(ctx, runID)
	if err != nil {
		return View{}, err
	}
	v := View{
		RunID:          run.ID,
		Status:         run.Status,
		CurrentGate:    run.CurrentGate,
		GatesCompleted: completed,
	}
	if run.CurrentGate < len(Table) {
		v.CurrentName = Table[run.CurrentGate].Name
		v.CurrentLabel = Table[run.CurrentGate].Label
	}
	return v, nil
}

// Advance validates the current gate's predicates against gateData and run
// history. On any unmet blocker it returns a ValidationError and mutates
// nothing. On success it records the gate, stores gateData, and increments
// the current gate; passing the final gate completes the run.
func (m *Machine) Advance(ctx context.Context, runID string, gateData map[string]any) (int, error) {
	m.Locks.Lock(runID)
	defer m.Locks.Unlock(runID)

	run, err := m.Repo.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if terminal(run.Status) {
		return run.CurrentGate, domain.ErrRunTerminal
	}
	if run.Status == domain.RunHeld {
		return run.CurrentGate, domain.ErrEscalationPending
	}
	if run.CurrentGate >= len(Table) {
		return run.CurrentGate, domain.ErrRunTerminal
	}
	gate := Table[run.CurrentGate]

	completed, err := m.Repo.ListGates(ctx, runID)
	if err != nil {
		return run.CurrentGate, err
	}
	// History invariant: every predecessor must already be recorded.
	if len(completed) != gate.Num {
		return run.CurrentGate, fmt.Errorf("gate history inconsistent: %d records for gate %d", len(completed), gate.Num)
	}

	if blockers := m.evaluate(gate, run, gateData); len(blockers) > 0 {
		return run.CurrentGate, &domain.ValidationError{Gate: gate.Num, GateName: gate.Name, Blockers: blockers}
	}

	dataJSON := ""
	if len(gateData) > 0 {
		b, err := json.Marshal(gateData)
		if err != nil {
			return run.CurrentGate, fmt.Errorf("marshal gate data: %w", err)
		}
		dataJSON = string(b)
	}

	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return run.CurrentGate, err
	}
	defer tx.Rollback()

	if err := m.Repo.InsertGateTx(ctx, tx, domain.GateRecord{
		RunID:       runID,
		Gate:        gate.Num,
		Name:        gate.Name,
		DataJSON:    dataJSON,
		CompletedAt: now,
	}); err != nil {
		return run.CurrentGate, fmt.Errorf("record gate: %w", err)
	}

	run.CurrentGate++
	run.UpdatedAt = now
	if run.CurrentGate >= len(Table) {
		run.Status = domain.RunCompleted
		run.CompletedAt = &now
	}
	if err := m.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return run.CurrentGate, err
	}

	if err := m.Events.Append(ctx, tx, domain.EventGateAdvanced, runID, "", events.EventPayload{
		"gate": gate.Num, "name": gate.Name, "new_gate": run.CurrentGate,
	}); err != nil {
		return run.CurrentGate, err
	}
	if run.Status == domain.RunCompleted {
		if err := m.Events.Append(ctx, tx, domain.EventRunCompleted, runID, "", nil); err != nil {
			return run.CurrentGate, err
		}
	}
	if err := tx.Commit(); err != nil {
		return run.CurrentGate, err
	}
	return run.CurrentGate, nil
}

// Reset clears gate progress for a run. Requires explicit confirmation.
func (m *Machine) Reset(ctx context.Context, runID string, confirm bool) error {
	if !confirm {
		return fmt.Errorf("reset requires confirmation")
	}
	m.Locks.Lock(runID)
	defer m.Locks.Unlock(runID)

	run, err := m.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.Repo.DeleteGatesTx(ctx, tx, runID); err != nil {
		return err
	}
	run.CurrentGate = 0
	run.Status = domain.RunPending
	run.CompletedAt = nil
	run.UpdatedAt = now
	if err := m.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return err
	}
	if err := m.Events.Append(ctx, tx, domain.EventGateReset, runID, "", nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Machine) evaluate(gate Gate, run domain.Run, gateData map[string]any) []string {
	var blockers []string
	for _, req := range gate.Requires {
		switch req {
		case ReqStoryNamed:
			if stringField(gateData, "name") == "" && run.Name == "" {
				blockers = append(blockers, "story name is required")
			}
		case ReqStoryDescribed:
			if stringField(gateData, "description") == "" && run.Task == "" {
				blockers = append(blockers, "story description is required")
			}
		case ReqPlanCriteria:
			if n := listLen(gateData, "acceptance_criteria"); n < MinAcceptanceCriteria {
				blockers = append(blockers, fmt.Sprintf("at least %d acceptance criteria required, got %d", MinAcceptanceCriteria, n))
			}
		case ReqSafetyScore:
			min := m.MinSafetyScore
			if min <= 0 {
				min = 0.85
			}
			score, ok := floatField(gateData, "safety_score")
			if !ok {
				blockers = append(blockers, "safety_score is required")
			} else if score < min {
				blockers = append(blockers, fmt.Sprintf("safety_score %.2f below required %.2f", score, min))
			}
		case ReqDecisionApprove:
			if stringField(gateData, "decision") != "approve" {
				blockers = append(blockers, "prior decision must be approve")
			}
		case ReqDomainsComplete:
			if stringField(gateData, "overall_status") != domain.RunCompleted {
				blockers = append(blockers, "all domains must complete")
			}
		default:
			blockers = append(blockers, fmt.Sprintf("unknown requirement %s", req))
		}
	}
	return blockers
}

func terminal(status string) bool {
	switch status {
	case domain.RunCompleted, domain.RunFailed, domain.RunCancelled:
		return true
	}
	return false
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func floatField(data map[string]any, key string) (float64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func listLen(data map[string]any, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case []any:
		return len(v)
	case []string:
		return len(v)
	}
	return 0
}
