package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSuccessFirstAttempt(t *testing.T) {
	runner := NewRunner(DefaultConfig())

	calls := 0
	err := runner.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	runner := NewRunner(Config{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	})

	calls := 0
	err := runner.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	runner := NewRunner(Config{
		MaxAttempts:   2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	})

	sentinel := errors.New("permanent")
	calls := 0
	err := runner.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("error should wrap the last failure, got: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	runner := NewRunner(Config{
		MaxAttempts:   5,
		InitialDelay:  time.Hour, // would block without cancellation
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := runner.Do(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestCalculateDelayCapped(t *testing.T) {
	runner := NewRunner(Config{
		MaxAttempts:   10,
		InitialDelay:  time.Second,
		MaxDelay:      4 * time.Second,
		BackoffFactor: 2.0,
	})

	if d := runner.calculateDelay(1); d != time.Second {
		t.Errorf("attempt 1 delay = %v, want 1s", d)
	}
	if d := runner.calculateDelay(2); d != 2*time.Second {
		t.Errorf("attempt 2 delay = %v, want 2s", d)
	}
	if d := runner.calculateDelay(8); d != 4*time.Second {
		t.Errorf("attempt 8 delay = %v, want cap 4s", d)
	}
}
