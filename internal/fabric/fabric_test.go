package fabric

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glancehq/glance/internal/types"
)

func TestWithTimeoutSuccess(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, "fast", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWithTimeoutPropagatesError(t *testing.T) {
	opErr := errors.New("boom")
	err := WithTimeout(context.Background(), time.Second, "failing", func(ctx context.Context) error {
		return opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("expected operation error, got %v", err)
	}
}

func TestWithTimeoutExpiry(t *testing.T) {
	err := WithTimeout(context.Background(), 20*time.Millisecond, "slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, types.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	var te *types.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %T", err)
	}
	if te.Label != "slow" {
		t.Errorf("expected label %q, got %q", "slow", te.Label)
	}
}

func TestWithTimeoutParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithTimeout(ctx, time.Second, "canceled", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithRetryFirstAttemptImmediate(t *testing.T) {
	start := time.Now()
	calls := 0
	err := WithRetry(context.Background(), RetryOptions{
		Retries: 3,
		Backoff: time.Second,
		Timeout: time.Second,
		Label:   "immediate",
	}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first attempt should not be delayed, took %v", elapsed)
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), RetryOptions{
		Retries: 3,
		Backoff: time.Millisecond,
		Timeout: time.Second,
		Label:   "flaky",
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryExhaustion(t *testing.T) {
	lastErr := errors.New("persistent")
	calls := 0
	err := WithRetry(context.Background(), RetryOptions{
		Retries: 3,
		Backoff: time.Millisecond,
		Timeout: time.Second,
		Label:   "doomed",
	}, func(ctx context.Context) error {
		calls++
		return lastErr
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, types.ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}

	var re *types.RetryError
	if !errors.As(err, &re) {
		t.Fatalf("expected RetryError, got %T", err)
	}
	if re.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", re.Attempts)
	}
	if !errors.Is(re.LastErr, lastErr) {
		t.Errorf("expected last error preserved, got %v", re.LastErr)
	}
}

func TestWithRetryDelaysNeverShrink(t *testing.T) {
	var attemptTimes []time.Time
	_ = WithRetry(context.Background(), RetryOptions{
		Retries: 4,
		Backoff: 10 * time.Millisecond,
		Timeout: time.Second,
		Label:   "backoff",
	}, func(ctx context.Context) error {
		attemptTimes = append(attemptTimes, time.Now())
		return errors.New("always")
	})

	if len(attemptTimes) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(attemptTimes))
	}
	var prevGap time.Duration
	for i := 1; i < len(attemptTimes); i++ {
		gap := attemptTimes[i].Sub(attemptTimes[i-1])
		if gap < prevGap {
			t.Errorf("delay shrank: gap %d was %v, previous %v", i, gap, prevGap)
		}
		prevGap = gap
	}
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := WithRetry(ctx, RetryOptions{
		Retries: 5,
		Backoff: time.Hour,
		Timeout: time.Second,
		Label:   "canceled",
	}, func(opCtx context.Context) error {
		calls++
		cancel()
		return errors.New("fail then cancel")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no retries after cancel, got %d calls", calls)
	}
}

func TestSafeReturnsValue(t *testing.T) {
	got := Safe(func() (int, error) { return 42, nil }, -1, nil)
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}

func TestSafeFallbackOnError(t *testing.T) {
	var seen error
	got := Safe(func() (string, error) {
		return "", errors.New("nope")
	}, "fallback", func(err error) { seen = err })
	if got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
	if seen == nil {
		t.Error("expected onError to be invoked")
	}
}

func TestSafeRecoversPanic(t *testing.T) {
	got := Safe(func() (int, error) {
		panic("kaboom")
	}, 7, nil)
	if got != 7 {
		t.Errorf("expected fallback 7 after panic, got %d", got)
	}
}
