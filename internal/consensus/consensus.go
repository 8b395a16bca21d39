// Package consensus runs independent reviewers over a completed domain's
// output and aggregates their votes into a single decision.
package consensus

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Boomerang-Apps/storyline/internal/domain"
)

// Reviewer produces one independent judgment. Implementations typically call
// the worker capability with a review prompt.
type Reviewer interface {
	ID() string
	Review(ctx context.Context, domainName, output string) (domain.ReviewerVote, error)
}

// Engine aggregates reviewer votes. Thresholds come from config; the
// aggregation order is fixed.
type Engine struct {
	Reviewers        []Reviewer
	ApproveThreshold float64
	LowScoreCutoff   float64
}

// Review fans the reviewers out concurrently and aggregates. Reviewers have
// no ordering dependency between each other; a reviewer error fails the whole
// review rather than silently dropping a vote.
func (e *Engine) Review(ctx context.Context, domainName, output string) (domain.ConsensusReview, error) {
	if len(e.Reviewers) == 0 {
		return domain.ConsensusReview{}, fmt.Errorf("consensus requires at least one reviewer")
	}

	votes := make([]domain.ReviewerVote, len(e.Reviewers))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range e.Reviewers {
		g.Go(func() error {
			vote, err := r.Review(gctx, domainName, output)
			if err != nil {
				return fmt.Errorf("reviewer %s: %w", r.ID(), err)
			}
			vote.ReviewerID = r.ID()
			votes[i] = vote
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.ConsensusReview{}, err
	}

	review := domain.ConsensusReview{
		Domain: domainName,
		Votes:  votes,
	}
	review.Decision, review.AverageScore = e.Aggregate(votes)
	return review, nil
}

// Aggregate applies the decision rules in order, first match wins:
//
//  1. any vote scoring under the low-score cutoff forces human review — a
//     single severe concern is never averaged away;
//  2. unanimous approval with average >= the approve threshold approves;
//  3. anything else rejects.
func (e *Engine) Aggregate(votes []domain.ReviewerVote) (decision string, average float64) {
	if len(votes) == 0 {
		return domain.DecisionRejected, 0
	}
	var sum float64
	allApproved := true
	anyLow := false
	for _, v := range votes {
		sum += v.Score
		if !v.Approved {
			allApproved = false
		}
		if v.Score < e.lowCutoff() {
			anyLow = true
		}
	}
	average = sum / float64(len(votes))

	switch {
	case anyLow:
		return domain.DecisionHumanReview, average
	case allApproved && average >= e.approveThreshold():
		return domain.DecisionApproved, average
	default:
		return domain.DecisionRejected, average
	}
}

func (e *Engine) lowCutoff() float64 {
	if e.LowScoreCutoff == 0 {
		return 0.5
	}
	return e.LowScoreCutoff
}

func (e *Engine) approveThreshold() float64 {
	if e.ApproveThreshold == 0 {
		return 0.8
	}
	return e.ApproveThreshold
}

// VoteFunc adapts a plain function into a Reviewer.
type VoteFunc struct {
	Name string
	Fn   func(ctx context.Context, domainName, output string) (domain.ReviewerVote, error)
}

func (v VoteFunc) ID() string { return v.Name }

func (v VoteFunc) Review(ctx context.Context, domainName, output string) (domain.ReviewerVote, error) {
	return v.Fn(ctx, domainName, output)
}
