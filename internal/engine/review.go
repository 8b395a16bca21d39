package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Boomerang-Apps/storyline/internal/budget"
	"github.com/Boomerang-Apps/storyline/internal/consensus"
	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/events"
	"github.com/Boomerang-Apps/storyline/internal/executor"
	"github.com/Boomerang-Apps/storyline/internal/worker"
)

// runReview is the review gate's payload: each completed domain's output goes
// through multi-reviewer consensus. A single human_review verdict holds the
// whole run; otherwise the run-level decision is the conjunction of per-domain
// approvals with the mean of the per-domain averages.
func (e *Engine) runReview(ctx context.Context, run domain.Run) (map[string]any, error) {
	states, err := e.Repo.ListDomains(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	tracker := e.tracker(run)
	eng := &consensus.Engine{Reviewers: e.reviewers(run, tracker)}
	if e.Config != nil {
		eng.ApproveThreshold = e.Config.Consensus.ApproveThreshold
		eng.LowScoreCutoff = e.Config.Consensus.LowScoreCutoff
	}

	overrides, err := e.approvedOverrides(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	allApproved := true
	var sum float64
	var counted int
	for _, d := range states {
		if d.Status != domain.DomainComplete {
			continue
		}
		if overrides[d.Name] {
			// The human already judged this domain's output; re-running
			// consensus over it would just re-raise the same escalation.
			sum++
			counted++
			continue
		}
		review, err := eng.Review(ctx, d.Name, d.LastResult)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, nil
			}
			if ferr := e.failRun(ctx, run.ID, fmt.Sprintf("review of %s: %v", d.Name, err)); ferr != nil {
				return nil, ferr
			}
			return nil, nil
		}
		review.ID = uuid.NewString()
		review.RunID = run.ID
		review.CreatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.recordReview(ctx, review); err != nil {
			return nil, err
		}

		if review.Decision == domain.DecisionHumanReview {
			res := executor.DomainResult{
				Status: domain.DomainEscalated,
				Reason: fmt.Sprintf("review consensus requires human judgment (average %.2f)", review.AverageScore),
			}
			if err := e.escalate(ctx, run.ID, d.Name, res); err != nil {
				return nil, err
			}
			e.Logger.Info("review held for human judgment",
				zap.String("run", run.ID), zap.String("domain", d.Name))
			return nil, nil
		}
		if review.Decision != domain.DecisionApproved {
			allApproved = false
		}
		sum += review.AverageScore
		counted++
	}

	if err := e.checkpointUsage(ctx, run.ID, tracker); err != nil {
		return nil, err
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

	decision := "approve"
	if !allApproved || counted == 0 {
		decision = "reject"
	}
	avg := 0.0
	if counted > 0 {
		avg = sum / float64(counted)
	}
	return map[string]any{"decision": decision, "average_score": avg}, nil
}

// approvedOverrides reports domains whose most recent escalation a human
// approved. Their output counts as an approved review with a full score.
func (e *Engine) approvedOverrides(ctx context.Context, runID string) (map[string]bool, error) {
	escs, err := e.Repo.ListEscalations(ctx, runID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]string, len(escs))
	for _, esc := range escs {
		latest[esc.Domain] = esc.Status
	}
	out := make(map[string]bool, len(latest))
	for name, status := range latest {
		if status == domain.EscalationApproved {
			out[name] = true
		}
	}
	return out, nil
}

func (e *Engine) recordReview(ctx context.Context, review domain.ConsensusReview) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReviewTx(ctx, tx, review); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.EventReviewRecorded, review.RunID, review.Domain, events.EventPayload{
		"review_id": review.ID, "decision": review.Decision, "average_score": review.AverageScore,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// reviewers builds one worker-backed reviewer per configured reviewer id.
func (e *Engine) reviewers(run domain.Run, tracker *budget.Tracker) []consensus.Reviewer {
	ids := []string{"reviewer-1", "reviewer-2", "reviewer-3"}
	if e.Config != nil && len(e.Config.Consensus.Reviewers) > 0 {
		ids = e.Config.Consensus.Reviewers
	}
	out := make([]consensus.Reviewer, 0, len(ids))
	for _, id := range ids {
		out = append(out, &workerReviewer{engine: e, tracker: tracker, run: run, name: id})
	}
	return out
}

// workerReviewer asks the worker capability for a structured verdict. A
// malformed verdict falls back to the safety scorer over the raw output, so a
// misbehaving reviewer degrades to a conservative vote instead of an error.
type workerReviewer struct {
	engine  *Engine
	tracker *budget.Tracker
	run     domain.Run
	name    string
}

func (r *workerReviewer) ID() string { return r.name }

func (r *workerReviewer) Review(ctx context.Context, domainName, output string) (domain.ReviewerVote, error) {
	prompt := fmt.Sprintf(
		"As %s, review the %s slice output below. Respond with JSON {\"approved\":bool,\"score\":0..1,\"notes\":string}.\n%s",
		r.name, domainName, output)
	raw, err := r.engine.invokeWorker(ctx, r.tracker, worker.Request{
		RunID:   r.run.ID,
		Domain:  domainName,
		Prompt:  prompt,
		Context: r.run.Task,
	})
	if err != nil {
		return domain.ReviewerVote{}, err
	}
	return parseVote(r.engine, raw), nil
}

func parseVote(e *Engine, raw string) domain.ReviewerVote {
	var vote domain.ReviewerVote
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	if err := dec.Decode(&vote); err == nil && (vote.Approved || vote.Score > 0) && vote.Score <= 1 {
		return vote
	}
	res := e.scorer()(raw)
	return domain.ReviewerVote{
		Approved: res.Score >= 0.8,
		Score:    res.Score,
		Notes:    "unstructured verdict; scored heuristically",
	}
}
