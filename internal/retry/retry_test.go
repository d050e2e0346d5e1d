package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func instant() Policy {
	return Policy{MaxAttempts: 3, Backoff: func(int) time.Duration { return 0 }}
}

func TestLinear(t *testing.T) {
	b := Linear(2 * time.Second)
	if b(1) != 2*time.Second || b(2) != 4*time.Second || b(3) != 6*time.Second {
		t.Fatalf("unexpected linear schedule %s %s %s", b(1), b(2), b(3))
	}
	if d := Default(); d.MaxAttempts != 3 || d.Backoff(1) != 2*time.Second {
		t.Fatalf("unexpected default policy")
	}
}

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	calls := 0
	var waits []int
	got, err := Do(context.Background(), instant(), func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, func(attempt int, err error, _ time.Duration) {
		waits = append(waits, attempt)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("expected ok after 3 calls, got %q after %d", got, calls)
	}
	if len(waits) != 2 || waits[0] != 1 || waits[1] != 2 {
		t.Fatalf("unexpected notify attempts %v", waits)
	}
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := Do(context.Background(), instant(), func(attempt int) (int, error) {
		calls++
		return 0, boom
	}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, Backoff: func(int) time.Duration { return time.Hour }}
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(int) (int, error) {
			calls++
			return 0, errors.New("fail")
		}, nil)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not honour cancellation")
	}
	if calls > 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}
