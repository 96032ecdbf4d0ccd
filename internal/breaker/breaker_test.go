package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	br := New("test", Config{Timeout: time.Second, FailureThreshold: 3, OpenWindow: time.Hour})
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := br.Do(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}
	if br.Available() {
		t.Fatalf("expected circuit open after threshold failures")
	}
	if err := br.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while open, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	br := New("test", Config{Timeout: time.Second, FailureThreshold: 2, OpenWindow: time.Hour})
	ctx := context.Background()
	boom := errors.New("boom")

	_ = br.Do(ctx, func(context.Context) error { return boom })
	if err := br.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("success call: %v", err)
	}
	_ = br.Do(ctx, func(context.Context) error { return boom })
	if !br.Available() {
		t.Fatalf("single failure after success should not open the circuit")
	}
}

func TestProbeAfterOpenWindow(t *testing.T) {
	br := New("test", Config{Timeout: time.Second, FailureThreshold: 1, OpenWindow: 10 * time.Millisecond})
	ctx := context.Background()

	_ = br.Do(ctx, func(context.Context) error { return errors.New("boom") })
	if br.Available() {
		t.Fatalf("expected open circuit")
	}

	time.Sleep(20 * time.Millisecond)
	if err := br.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe call should run after open window: %v", err)
	}
	if !br.Available() {
		t.Fatalf("successful probe should close the circuit")
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	br := New("test", Config{Timeout: 10 * time.Millisecond, FailureThreshold: 1, OpenWindow: time.Hour})
	err := br.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if br.Available() {
		t.Fatalf("timeout should open a threshold-1 circuit")
	}
}
