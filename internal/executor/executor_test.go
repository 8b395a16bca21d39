package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/router"
)

func mustRoute(t *testing.T, domains []string, deps map[string][]string) router.Plan {
	t.Helper()
	plan, err := router.Route("test task", domains, deps)
	require.NoError(t, err)
	return plan
}

// recorder tracks execution order with start/finish timestamps per domain.
type recorder struct {
	mu     sync.Mutex
	starts map[string]time.Time
	ends   map[string]time.Time
}

func newRecorder() *recorder {
	return &recorder{starts: make(map[string]time.Time), ends: make(map[string]time.Time)}
}

func (r *recorder) start(name string) {
	r.mu.Lock()
	r.starts[name] = time.Now()
	r.mu.Unlock()
}

func (r *recorder) end(name string) {
	r.mu.Lock()
	r.ends[name] = time.Now()
	r.mu.Unlock()
}

func TestLayerBarrier(t *testing.T) {
	plan := mustRoute(t, []string{"a", "b", "c"}, map[string][]string{"c": {"a", "b"}})
	rec := newRecorder()

	res := (&Executor{}).RunLayers(context.Background(), plan, func(ctx context.Context, name string) DomainResult {
		rec.start(name)
		time.Sleep(10 * time.Millisecond)
		rec.end(name)
		return DomainResult{Status: domain.DomainComplete, Output: "ok"}
	})

	assert.Equal(t, domain.RunCompleted, res.OverallStatus)
	// c must start only after both a and b finished.
	require.Contains(t, rec.starts, "c")
	assert.False(t, rec.starts["c"].Before(rec.ends["a"]), "c started before a finished")
	assert.False(t, rec.starts["c"].Before(rec.ends["b"]), "c started before b finished")
}

func TestSameLayerRunsConcurrently(t *testing.T) {
	plan := mustRoute(t, []string{"a", "b"}, nil)

	var mu sync.Mutex
	running := 0
	peak := 0
	res := (&Executor{}).RunLayers(context.Background(), plan, func(ctx context.Context, name string) DomainResult {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return DomainResult{Status: domain.DomainComplete}
	})

	assert.Equal(t, domain.RunCompleted, res.OverallStatus)
	assert.Equal(t, 2, peak, "independent domains should overlap")
}

func TestFailedSiblingDoesNotAbortLayer(t *testing.T) {
	plan := mustRoute(t, []string{"a", "b"}, nil)

	res := (&Executor{}).RunLayers(context.Background(), plan, func(ctx context.Context, name string) DomainResult {
		if name == "a" {
			return DomainResult{Status: domain.DomainFailed, Err: "verification failed"}
		}
		time.Sleep(5 * time.Millisecond)
		return DomainResult{Status: domain.DomainComplete}
	})

	assert.Equal(t, domain.RunFailed, res.OverallStatus)
	assert.Equal(t, domain.DomainFailed, res.Domains["a"].Status)
	assert.Equal(t, domain.DomainComplete, res.Domains["b"].Status, "sibling must run to completion")
}

func TestBlockedDownstreamSkippedIndependentProceeds(t *testing.T) {
	// b depends on a (which escalates); c is independent and downstream.
	plan := mustRoute(t, []string{"a", "b", "c"}, map[string][]string{
		"b": {"a"},
		"c": {},
	})
	executed := make(map[string]bool)
	var mu sync.Mutex

	res := (&Executor{}).RunLayers(context.Background(), plan, func(ctx context.Context, name string) DomainResult {
		mu.Lock()
		executed[name] = true
		mu.Unlock()
		if name == "a" {
			return DomainResult{Status: domain.DomainEscalated, Reason: "retries exhausted"}
		}
		return DomainResult{Status: domain.DomainComplete}
	})

	assert.True(t, res.AnyEscalated())
	assert.Equal(t, domain.DomainBlocked, res.Domains["b"].Status)
	assert.False(t, executed["b"], "blocked domain must not execute")
	assert.True(t, executed["c"], "independent domain must still run")
	assert.Equal(t, domain.DomainComplete, res.Domains["c"].Status)
}

func TestTransitivelyBlocked(t *testing.T) {
	plan := mustRoute(t, []string{"a", "b", "c"}, map[string][]string{
		"b": {"a"},
		"c": {"b"},
	})
	res := (&Executor{}).RunLayers(context.Background(), plan, func(ctx context.Context, name string) DomainResult {
		if name == "a" {
			return DomainResult{Status: domain.DomainFailed, Err: "broken"}
		}
		return DomainResult{Status: domain.DomainComplete}
	})

	assert.Equal(t, domain.DomainBlocked, res.Domains["b"].Status)
	assert.Equal(t, domain.DomainBlocked, res.Domains["c"].Status)
	assert.Equal(t, domain.RunFailed, res.OverallStatus)
}

func TestMaxConcurrentLimitsParallelism(t *testing.T) {
	plan := mustRoute(t, []string{"a", "b", "c", "d"}, nil)

	var mu sync.Mutex
	running := 0
	peak := 0
	(&Executor{MaxConcurrent: 2}).RunLayers(context.Background(), plan, func(ctx context.Context, name string) DomainResult {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return DomainResult{Status: domain.DomainComplete}
	})

	assert.LessOrEqual(t, peak, 2)
}

func TestCancelledContextBlocksRemainingLayers(t *testing.T) {
	plan := mustRoute(t, []string{"a", "b"}, map[string][]string{"b": {"a"}})

	ctx, cancel := context.WithCancel(context.Background())
	res := (&Executor{}).RunLayers(ctx, plan, func(ctx context.Context, name string) DomainResult {
		cancel()
		return DomainResult{Status: domain.DomainComplete}
	})

	assert.Equal(t, domain.DomainComplete, res.Domains["a"].Status)
	assert.Equal(t, domain.DomainBlocked, res.Domains["b"].Status)
	assert.Equal(t, domain.RunFailed, res.OverallStatus)
}
