package engine

import (
	"errors"
	"testing"
	"time"
)

func TestRetryDelayDeterministicWithoutJitter(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second}, // Clamped at MaxDelay
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryDelayJitterStaysInRange(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0.5,
	})

	for i := 0; i < 20; i++ {
		got := p.Delay(1)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("Delay(1) = %s, want within ±50%% of 100ms", got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	transient := errors.New("transient")
	if !p.ShouldRetry(1, transient) {
		t.Error("first transient failure should be retried")
	}
	if p.ShouldRetry(3, transient) {
		t.Error("attempt budget exhausted, must not retry")
	}
	if p.ShouldRetry(1, Permanent(transient)) {
		t.Error("permanent errors must never be retried")
	}
}
