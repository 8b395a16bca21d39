// Package worker defines the capability that performs a unit of work. The
// orchestration core never depends on which provider services it.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/Boomerang-Apps/storyline/internal/domain"
)

// Request is one unit of work dispatched to the capability.
type Request struct {
	RunID   string
	Domain  string
	Prompt  string
	Context string
}

// Result is the capability's output plus its resource consumption.
type Result struct {
	Output     string
	TokensUsed int64
	CostUSD    float64
}

// Worker performs a unit of work. The context carries the per-call deadline;
// implementations must honor cooperative cancellation.
type Worker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Timeout wraps a worker so every invocation carries a deadline. Exceeding it
// surfaces as domain.ErrWorkerTimeout, which the retry loop treats like any
// verification failure.
type Timeout struct {
	Worker Worker
	Per    time.Duration
}

func (t Timeout) Invoke(ctx context.Context, req Request) (Result, error) {
	per := t.Per
	if per <= 0 {
		per = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, per)
	defer cancel()
	res, err := t.Worker.Invoke(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, domain.ErrWorkerTimeout
		}
		return Result{}, err
	}
	return res, nil
}
