// Package retry wraps a single domain's verification step in a bounded
// fix-and-recheck cycle with exponential backoff, safety gating, and human
// escalation on exhaustion.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/safety"
)

// Terminal states of one VerifyWithRetry pass.
const (
	StatusDone      = "done"
	StatusEscalated = "escalated"
)

// Escalation reasons.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonSafetyViolation  = "safety_violation"
)

// VerifyFunc checks a domain's current output. A nil error is a pass; the
// returned string is the verified result.
type VerifyFunc func(ctx context.Context) (string, error)

// FixFunc attempts to repair a failed verification. Its output is safety
// scored before being accepted as a valid retry.
type FixFunc func(ctx context.Context, lastErr string) (string, error)

// Policy bounds the cycle. BlockThreshold gates fix output; EscalateThreshold
// is a lower hard floor applied even to output that verification accepted.
type Policy struct {
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BlockThreshold    float64
	EscalateThreshold float64
}

// Outcome is the terminal state of the loop for one domain.
type Outcome struct {
	Status     string
	Result     string
	Reason     string
	Violations []string
	Retry      domain.RetryState
}

// Loop drives the per-domain verify/fix state machine.
type Loop struct {
	Policy Policy
	Scorer safety.Scorer

	// Sleep is injectable so tests do not wait out real backoff.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry observes each accepted fix attempt before re-verification.
	OnRetry func(domainName string, count int, backoff time.Duration, lastErr string)
}

func New(policy Policy, scorer safety.Scorer) *Loop {
	return &Loop{Policy: policy, Scorer: scorer, Sleep: sleepCtx}
}

// Backoff returns the wait before fix attempt count+1:
// min(2^count * base, cap). Non-decreasing in count by construction.
func (l *Loop) Backoff(count int) time.Duration {
	base := l.Policy.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	cap := l.Policy.BackoffCap
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	d := time.Duration(math.Pow(2, float64(count))) * base
	if d > cap || d <= 0 {
		return cap
	}
	return d
}

// VerifyWithRetry runs verification, retrying through fix with backoff until
// it passes, the retry budget is exhausted, or safety blocks the cycle.
//
// Worker timeouts and errors are verification failures and feed the retry
// policy. Budget exhaustion and context cancellation are returned to the
// caller directly: neither is recoverable inside the loop.
//
// A fix attempt scoring below the block threshold escalates immediately,
// regardless of remaining retry budget. Unsafe output is never iterated on
// automatically. Output that passes verification is still held to the
// escalate threshold: a clearly unsafe result never completes a domain.
func (l *Loop) VerifyWithRetry(ctx context.Context, domainName string, verify VerifyFunc, fix FixFunc) (Outcome, error) {
	state := domain.RetryState{MaxRetries: l.Policy.MaxRetries}

	for {
		result, err := verify(ctx)
		if err == nil {
			if l.Scorer != nil && l.Policy.EscalateThreshold > 0 {
				if score := l.Scorer(result); score.Score < l.Policy.EscalateThreshold {
					return Outcome{
						Status:     StatusEscalated,
						Reason:     ReasonSafetyViolation,
						Violations: score.Violations,
						Retry:      state,
					}, nil
				}
			}
			return Outcome{Status: StatusDone, Result: result, Retry: state}, nil
		}
		if fatal(err) {
			return Outcome{Retry: state}, err
		}
		state.LastError = err.Error()

		if state.Count >= state.MaxRetries {
			return Outcome{
				Status: StatusEscalated,
				Reason: ReasonRetriesExhausted,
				Retry:  state,
			}, nil
		}

		backoff := l.Backoff(state.Count)
		state.BackoffSeconds = backoff.Seconds()
		if err := l.sleep(ctx, backoff); err != nil {
			return Outcome{Retry: state}, err
		}

		fixOut, err := fix(ctx, state.LastError)
		if err != nil {
			if fatal(err) {
				return Outcome{Retry: state}, err
			}
			// A failed fix consumes a retry like a failed verification.
			state.Count++
			state.LastError = err.Error()
			continue
		}

		if l.Scorer != nil {
			score := l.Scorer(fixOut)
			if score.Score < l.Policy.BlockThreshold {
				return Outcome{
					Status:     StatusEscalated,
					Reason:     ReasonSafetyViolation,
					Violations: score.Violations,
					Retry:      state,
				}, nil
			}
		}

		state.Count++
		if l.OnRetry != nil {
			l.OnRetry(domainName, state.Count, backoff, state.LastError)
		}
	}
}

// fatal distinguishes errors that must stop the whole run from per-attempt
// verification failures. Worker timeouts arrive as domain.ErrWorkerTimeout,
// so a raw DeadlineExceeded here is the run-level deadline.
func fatal(err error) bool {
	return errors.Is(err, domain.ErrBudgetExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) error {
	if l.Sleep != nil {
		return l.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EscalationReason renders a human-readable escalation reason.
func EscalationReason(o Outcome) string {
	switch o.Reason {
	case ReasonSafetyViolation:
		return fmt.Sprintf("fix attempt blocked by safety scorer: %v", o.Violations)
	default:
		return fmt.Sprintf("verification failed after %d retries: %s", o.Retry.Count, o.Retry.LastError)
	}
}
