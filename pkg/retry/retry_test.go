package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nvalander/yotpo-ingest/pkg/apierror"
)

// fastPolicy keeps test backoffs in the millisecond range.
func fastPolicy(attempts int, base time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   base,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s", p.BaseDelay)
	}
	if p.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", p.MaxDelay)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", p.Multiplier)
	}
}

func TestDo_Success(t *testing.T) {
	callCount := 0
	err := fastPolicy(3, time.Millisecond).Do(context.Background(), "fetch", func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if callCount != 1 {
		t.Errorf("callCount = %d, want 1", callCount)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	start := time.Now()
	err := fastPolicy(3, 20*time.Millisecond).Do(context.Background(), "fetch", func() error {
		callCount++
		if callCount < 3 {
			return &apierror.APIError{Class: apierror.ClassServer, Endpoint: "/customers"}
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if callCount != 3 {
		t.Errorf("callCount = %d, want 3", callCount)
	}
	// Two backoffs of ~20ms and ~40ms, each jittered down to at most -20%.
	if elapsed < 45*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 45ms of backoff", elapsed)
	}
}

func TestDo_AttemptsExhausted(t *testing.T) {
	testErr := errors.New("persistent failure")
	callCount := 0
	err := fastPolicy(3, time.Millisecond).Do(context.Background(), "fetch", func() error {
		callCount++
		return testErr
	})

	if callCount != 3 {
		t.Errorf("callCount = %d, want 3", callCount)
	}
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("Do() error = %v, want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Do() error = %v, want it to wrap the last underlying error", err)
	}
}

func TestDo_FatalErrorNoRetry(t *testing.T) {
	callCount := 0
	err := fastPolicy(3, time.Millisecond).Do(context.Background(), "fetch", func() error {
		callCount++
		return &apierror.APIError{Class: apierror.ClassClient, StatusCode: 404, Endpoint: "/customers"}
	})

	if callCount != 1 {
		t.Errorf("callCount = %d, want 1 (client errors are not retried)", callCount)
	}
	if errors.Is(err, ErrAttemptsExhausted) {
		t.Error("fatal errors must not be reported as exhaustion")
	}
	var apiErr *apierror.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("Do() error = %v, want the original APIError", err)
	}
}

func TestDo_ParseErrorNoRetry(t *testing.T) {
	callCount := 0
	err := fastPolicy(3, time.Millisecond).Do(context.Background(), "fetch", func() error {
		callCount++
		return apierror.Parse("/customers", errors.New("unexpected end of JSON input"))
	})

	if callCount != 1 {
		t.Errorf("callCount = %d, want 1 (parse errors are not retried)", callCount)
	}
	if err == nil {
		t.Error("Do() error = nil, want parse error")
	}
}

func TestDo_RetryAfterHintDominates(t *testing.T) {
	callCount := 0
	start := time.Now()
	err := fastPolicy(3, time.Millisecond).Do(context.Background(), "fetch", func() error {
		callCount++
		if callCount == 1 {
			return &apierror.APIError{
				Class:      apierror.ClassRateLimit,
				StatusCode: 429,
				RetryAfter: 150 * time.Millisecond,
			}
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the 150ms Retry-After hint", elapsed)
	}
}

func TestDo_SmallerHintKeepsBackoff(t *testing.T) {
	callCount := 0
	start := time.Now()
	err := fastPolicy(2, 100*time.Millisecond).Do(context.Background(), "fetch", func() error {
		callCount++
		if callCount == 1 {
			return &apierror.APIError{
				Class:      apierror.ClassRateLimit,
				StatusCode: 429,
				RetryAfter: time.Millisecond,
			}
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	// Backoff jitters down to at most 80ms; the 1ms hint must not shrink it.
	if elapsed < 75*time.Millisecond {
		t.Errorf("elapsed = %v, want at least ~80ms of backoff", elapsed)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	err := fastPolicy(3, 10*time.Second).Do(ctx, "fetch", func() error {
		callCount++
		cancel()
		return errors.New("transient failure")
	})

	if callCount != 1 {
		t.Errorf("callCount = %d, want 1 (cancellation stops retries)", callCount)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestDo_ZeroPolicyRunsOnce(t *testing.T) {
	callCount := 0
	err := Policy{}.Do(context.Background(), "fetch", func() error {
		callCount++
		return errors.New("failure")
	})

	if callCount != 1 {
		t.Errorf("callCount = %d, want 1", callCount)
	}
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("Do() error = %v, want ErrAttemptsExhausted", err)
	}
}

func TestDo_ExponentialBackoffWithCap(t *testing.T) {
	p := Policy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		Multiplier:  10.0,
	}

	var timestamps []time.Time
	_ = p.Do(context.Background(), "fetch", func() error {
		timestamps = append(timestamps, time.Now())
		return errors.New("failure")
	})

	if len(timestamps) != 4 {
		t.Fatalf("attempts = %d, want 4", len(timestamps))
	}

	// First delay ~10ms jittered; later delays capped at ~20ms jittered.
	first := timestamps[1].Sub(timestamps[0])
	if first < 7*time.Millisecond {
		t.Errorf("first delay = %v, want at least ~8ms", first)
	}
	for i := 2; i < len(timestamps); i++ {
		d := timestamps[i].Sub(timestamps[i-1])
		if d < 15*time.Millisecond {
			t.Errorf("delay #%d = %v, want at least ~16ms (capped backoff)", i-1, d)
		}
		if d > 500*time.Millisecond {
			t.Errorf("delay #%d = %v, want the 20ms cap to hold", i-1, d)
		}
	}
}

func TestDo_UnknownErrorsAreRetried(t *testing.T) {
	callCount := 0
	_ = fastPolicy(3, time.Millisecond).Do(context.Background(), "upload", func() error {
		callCount++
		return errors.New("connection reset by peer")
	})

	if callCount != 3 {
		t.Errorf("callCount = %d, want 3 (unclassified errors default to retryable)", callCount)
	}
}
