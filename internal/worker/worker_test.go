package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Boomerang-Apps/storyline/internal/domain"
)

func TestScriptedConsumesOutcomesInOrder(t *testing.T) {
	w := NewScripted()
	w.Script("backend",
		Outcome{Err: Fail("backend", "first")},
		Outcome{Output: "second"},
	)
	ctx := context.Background()

	if _, err := w.Invoke(ctx, Request{Domain: "backend"}); err == nil {
		t.Fatal("first call should fail")
	}
	res, err := w.Invoke(ctx, Request{Domain: "backend"})
	if err != nil || res.Output != "second" {
		t.Fatalf("second call = %q, %v", res.Output, err)
	}
	// Exhausted scripts repeat their last outcome.
	res, err = w.Invoke(ctx, Request{Domain: "backend"})
	if err != nil || res.Output != "second" {
		t.Fatalf("third call = %q, %v", res.Output, err)
	}
	if w.Calls("backend") != 3 {
		t.Fatalf("calls = %d", w.Calls("backend"))
	}
}

func TestScriptedDefaultForUnscriptedDomain(t *testing.T) {
	w := NewScripted()
	res, err := w.Invoke(context.Background(), Request{Domain: "anything"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Output != "ok" || res.TokensUsed != 100 {
		t.Fatalf("result = %+v", res)
	}
}

func TestTimeoutSurfacesWorkerTimeout(t *testing.T) {
	w := NewScripted()
	w.Script("slow", Outcome{Output: "late", Delay: time.Second})
	tw := Timeout{Worker: w, Per: 10 * time.Millisecond}

	_, err := tw.Invoke(context.Background(), Request{Domain: "slow"})
	if !errors.Is(err, domain.ErrWorkerTimeout) {
		t.Fatalf("err = %v, want ErrWorkerTimeout", err)
	}
}

func TestTimeoutPreservesCallerCancellation(t *testing.T) {
	w := NewScripted()
	w.Script("slow", Outcome{Output: "late", Delay: time.Second})
	tw := Timeout{Worker: w, Per: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := tw.Invoke(ctx, Request{Domain: "slow"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTimeoutPassesResultsThrough(t *testing.T) {
	w := NewScripted()
	tw := Timeout{Worker: w, Per: time.Minute}
	res, err := tw.Invoke(context.Background(), Request{Domain: "fast"})
	if err != nil || res.TokensUsed != 100 {
		t.Fatalf("result = %+v, %v", res, err)
	}
}
