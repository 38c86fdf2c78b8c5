package batchoutbox

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestBackoffDelayDoublesUpToMax(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, expected := range want {
		if got := b.Delay(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}
}

func TestBackoffDelayDoesNotOverflow(t *testing.T) {
	b := Backoff{Initial: time.Hour}

	if got := b.Delay(1000); got <= 0 || got > time.Duration(math.MaxInt64) {
		t.Fatalf("expected positive capped delay, got %v", got)
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: true}

	for i := 0; i < 200; i++ {
		got := b.Delay(3)
		if got < 200*time.Millisecond || got > 400*time.Millisecond {
			t.Fatalf("expected delay in [200ms, 400ms], got %v", got)
		}
	}
}

func TestBackoffZeroInitial(t *testing.T) {
	if got := (Backoff{}).Delay(5); got != 0 {
		t.Fatalf("expected zero delay, got %v", got)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if err := sleep(context.Background(), 0); err != nil {
		t.Fatalf("expected nil for zero sleep, got %v", err)
	}
}
