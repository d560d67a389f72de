package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Success(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false, // Disable for predictable tests
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_SingleAttemptReturnsErrorUnwrapped(t *testing.T) {
	sentinel := errors.New("boom")
	err := Do(context.Background(), Config{MaxAttempts: 1}, func() error { return sentinel })
	assert.Same(t, sentinel, err)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_BackoffTiming(t *testing.T) {
	cfg := Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
	}

	start := time.Now()
	attempts := 0
	_ = Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("error")
	})
	elapsed := time.Since(start)

	// 10ms + 20ms + 40ms
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, 4, attempts)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		attempts++
		return NonRetryable(errors.New("bad request"))
	})

	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestRetry_RetryablePredicate(t *testing.T) {
	fatal := errors.New("fatal")
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, fatal) },
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts == 2 {
			return fatal
		}
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, attempts)
}

func TestRetry_OnRetryReportsDelays(t *testing.T) {
	var delays []time.Duration
	cfg := Exponential(3, 10*time.Millisecond, 15*time.Millisecond).Config()
	cfg.OnRetry = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }

	_ = Do(context.Background(), cfg, func() error { return errors.New("x") })

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 15 * time.Millisecond, 15 * time.Millisecond}, delays)
}

func TestRetry_WithResult(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}

	attempts := 0
	result, err := DoWithResult(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not ready")
		}
		return "success", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "success", result)
}

func TestRetry_ZeroAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestPolicy_Retries(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		retries  int
		swallows bool
	}{
		{"fail fast", FailFast(), 0, false},
		{"best effort", BestEffort(), 0, true},
		{"exponential", Exponential(3, 10*time.Millisecond, 100*time.Millisecond), 3, false},
		{"linear", Linear(2, 5*time.Millisecond), 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retries, tt.policy.Retries())
			assert.Equal(t, tt.retries+1, tt.policy.Config().MaxAttempts)
			assert.Equal(t, tt.swallows, tt.policy.SwallowsErrors())
			assert.NoError(t, tt.policy.Validate())
		})
	}
}

func TestPolicy_Delay(t *testing.T) {
	exp := Exponential(5, 10*time.Millisecond, 100*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 20*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 40*time.Millisecond, exp.Delay(3))
	assert.Equal(t, 80*time.Millisecond, exp.Delay(4))
	assert.Equal(t, 100*time.Millisecond, exp.Delay(5))

	lin := Linear(3, 7*time.Millisecond)
	assert.Equal(t, 7*time.Millisecond, lin.Delay(1))
	assert.Equal(t, 7*time.Millisecond, lin.Delay(3))

	assert.Zero(t, FailFast().Delay(1))
}

func TestPolicy_Validate(t *testing.T) {
	assert.Error(t, Exponential(3, 0, time.Second).Validate())
	assert.Error(t, Exponential(3, time.Second, time.Millisecond).Validate())
	assert.Error(t, Linear(-1, time.Second).Validate())
	assert.Error(t, Policy{Kind: PolicyKind(42)}.Validate())
}

func TestPolicy_UnmarshalJSON(t *testing.T) {
	var p Policy
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"retry_exponential","max_retries":3,"base_ms":10,"max_ms":100}`), &p))
	assert.Equal(t, Exponential(3, 10*time.Millisecond, 100*time.Millisecond), p)

	require.NoError(t, json.Unmarshal([]byte(`{"kind":"linear","max_retries":2,"base_delay":"250ms"}`), &p))
	assert.Equal(t, Linear(2, 250*time.Millisecond), p)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"sometimes"}`), &p))
}

func ExampleDo() {
	ctx := context.Background()

	err := Do(ctx, Exponential(3, 10*time.Millisecond, 100*time.Millisecond).Config(), func() error {
		return connectToService()
	})

	_ = err
}

func connectToService() error {
	return nil
}
