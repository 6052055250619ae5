package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelayFixed(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for attempt := 0; attempt < 6; attempt++ {
		got := Delay("fixed", 5*time.Second, 60*time.Second, attempt, rng)
		if got != 5*time.Second {
			t.Fatalf("fixed delay attempt=%d: got %v, want 5s", attempt, got)
		}
	}
}

func TestDelayLinear(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 6 * time.Second},
		{100, 30 * time.Second}, // capped
	}
	for _, tt := range tests {
		got := Delay("linear", 2*time.Second, 30*time.Second, tt.attempt, rng)
		if got != tt.want {
			t.Errorf("linear attempt=%d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayExponentialCapped(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 10 * time.Second}, // capped at max
	}
	for _, tt := range tests {
		got := Delay("exponential", time.Second, 10*time.Second, tt.attempt, rng)
		if got != tt.want {
			t.Errorf("exponential attempt=%d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayFullJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for attempt := 0; attempt < 8; attempt++ {
		ceiling := Delay("exponential", time.Second, 30*time.Second, attempt, rng)
		for i := 0; i < 50; i++ {
			got := Delay("exp_full_jitter", time.Second, 30*time.Second, attempt, rng)
			if got < 0 || got > ceiling {
				t.Fatalf("full jitter attempt=%d: got %v outside [0,%v]", attempt, got, ceiling)
			}
		}
	}
}

func TestDelayEqualJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for attempt := 0; attempt < 8; attempt++ {
		ceiling := Delay("exponential", time.Second, 30*time.Second, attempt, rng)
		for i := 0; i < 50; i++ {
			got := Delay("exp_equal_jitter", time.Second, 30*time.Second, attempt, rng)
			if got < ceiling/2 || got > ceiling {
				t.Fatalf("equal jitter attempt=%d: got %v outside [%v,%v]", attempt, got, ceiling/2, ceiling)
			}
		}
	}
}

func TestDelayDefensiveInputs(t *testing.T) {
	if got := Delay("fixed", 0, 0, -5, nil); got <= 0 {
		t.Fatalf("expected positive delay for degenerate inputs, got %v", got)
	}
}
