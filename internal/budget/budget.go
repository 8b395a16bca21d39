// Package budget tracks worker token and cost consumption for one run.
// The tracker is shared by every concurrently executing domain, so all
// accounting is lock-free compare-and-swap.
package budget

import (
	"sync/atomic"

	"github.com/Boomerang-Apps/storyline/internal/domain"
)

// Tracker enforces run-wide token and cost limits. Crossing either limit is a
// global stop: every subsequent Charge and Allow fails for all domains.
type Tracker struct {
	tokenLimit     int64
	costLimitMicro int64

	tokensUsed    atomic.Int64
	costUsedMicro atomic.Int64
	halted        atomic.Bool
}

const microPerUSD = 1_000_000

// New creates a tracker. A zero or negative limit means unlimited for that
// dimension.
func New(tokenLimit int64, costLimitUSD float64) *Tracker {
	return &Tracker{
		tokenLimit:     tokenLimit,
		costLimitMicro: int64(costLimitUSD * microPerUSD),
	}
}

// Resume restores previously checkpointed usage, e.g. after process restart.
func (t *Tracker) Resume(tokensUsed int64, costUsedUSD float64) {
	t.tokensUsed.Store(tokensUsed)
	t.costUsedMicro.Store(int64(costUsedUSD * microPerUSD))
	if t.overLimit() {
		t.halted.Store(true)
	}
}

// Charge records one worker call's consumption. The add only succeeds while
// the counter is still under the limit, so concurrent domains can overshoot
// by at most a single call's consumption.
func (t *Tracker) Charge(tokens int64, costUSD float64) error {
	if t.halted.Load() {
		return domain.ErrBudgetExceeded
	}
	if !casAdd(&t.tokensUsed, tokens, t.tokenLimit) {
		t.halted.Store(true)
		return domain.ErrBudgetExceeded
	}
	if !casAdd(&t.costUsedMicro, int64(costUSD*microPerUSD), t.costLimitMicro) {
		t.halted.Store(true)
		return domain.ErrBudgetExceeded
	}
	if t.overLimit() {
		t.halted.Store(true)
	}
	return nil
}

// casAdd adds n to counter unless it already reached limit.
func casAdd(counter *atomic.Int64, n, limit int64) bool {
	for {
		cur := counter.Load()
		if limit > 0 && cur >= limit {
			return false
		}
		if counter.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Allow reports whether another worker invocation may start.
func (t *Tracker) Allow() bool {
	return !t.halted.Load()
}

// Exceeded reports whether the global stop condition has triggered.
func (t *Tracker) Exceeded() bool {
	return t.halted.Load()
}

// Snapshot returns current usage for checkpointing.
func (t *Tracker) Snapshot() (tokens int64, costUSD float64) {
	return t.tokensUsed.Load(), float64(t.costUsedMicro.Load()) / microPerUSD
}

func (t *Tracker) overLimit() bool {
	if t.tokenLimit > 0 && t.tokensUsed.Load() >= t.tokenLimit {
		return true
	}
	if t.costLimitMicro > 0 && t.costUsedMicro.Load() >= t.costLimitMicro {
		return true
	}
	return false
}
