package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifyOnlyTransientNetworkIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient network", New(KindTransientNetwork, errors.New("dial timeout")), ClassTransient},
		{"validation", New(KindValidation, errors.New("bad field")), ClassTerminal},
		{"pool saturation", New(KindPoolSaturation, nil), ClassTerminal},
		{"auth invalid", New(KindAuthInvalid, nil), ClassTerminal},
		{"programmer", New(KindProgrammer, nil), ClassTerminal},
		{"untyped error", errors.New("boom"), ClassTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDoRetriesOnlyTransientNetwork(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{InitialBackoff: time.Millisecond, Factor: 2, MaxBackoff: time.Millisecond, MaxAttempts: 3}, func(ctx context.Context) error {
		attempts++
		return New(KindTransientNetwork, errors.New("timeout"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoDoesNotRetryTerminal(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context) error {
		attempts++
		return New(KindValidation, errors.New("bad input"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for a terminal error, got %d", attempts)
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{InitialBackoff: time.Millisecond, Factor: 2, MaxBackoff: time.Millisecond, MaxAttempts: 5}, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return New(KindTransientNetwork, errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := Do(ctx, DefaultPolicy(), func(ctx context.Context) error {
		attempts++
		return nil
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if attempts != 0 {
		t.Errorf("expected fn never invoked on a pre-cancelled context, got %d calls", attempts)
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 50*time.Millisecond)
	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker should still allow before threshold, failure %d", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != CircuitOpen {
		t.Fatalf("expected circuit open after %d failures, got %v", 3, b.State())
	}
	if b.Allow() {
		t.Error("open breaker should not allow before timeout elapses")
	}
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected breaker to allow a probe after timeout")
	}
	if b.State() != CircuitHalfOpen {
		t.Errorf("expected half-open after timeout probe, got %v", b.State())
	}
}

func TestBreakerRecordSuccessResets(t *testing.T) {
	b := NewBreaker(2, time.Second)
	b.RecordFailure()
	b.RecordSuccess()
	if b.State() != CircuitClosed {
		t.Errorf("expected closed after success, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != CircuitClosed {
		t.Errorf("single failure after reset should not open the breaker, got %v", b.State())
	}
}
