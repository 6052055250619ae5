package gpu

import (
	"context"
	"sync"
	"time"

	"github.com/axiomengine/axiom-workers/pkg/domain"
)

// StaticGate serves a fixed snapshot. Selected by explicit configuration for
// environments without a device (CI, development), and used as the test
// double everywhere a Gate is consumed.
type StaticGate struct {
	mu       sync.Mutex
	snap     domain.ResourceSnapshot
	cleanups int
}

func NewStaticGate(snap domain.ResourceSnapshot) *StaticGate {
	return &StaticGate{snap: snap}
}

// SetSnapshot swaps the served snapshot, letting tests model capacity
// becoming free mid-wait.
func (g *StaticGate) SetSnapshot(snap domain.ResourceSnapshot) {
	g.mu.Lock()
	g.snap = snap
	g.mu.Unlock()
}

// Cleanups returns how many times Cleanup ran.
func (g *StaticGate) Cleanups() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cleanups
}

func (g *StaticGate) Snapshot(ctx context.Context) domain.ResourceSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap
}

func (g *StaticGate) HasCapacity(ctx context.Context, requiredGB float64) bool {
	snap := g.Snapshot(ctx)
	return snap.Available && snap.FreeGB() >= requiredGB
}

func (g *StaticGate) WaitForCapacity(ctx context.Context, requiredGB float64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if g.HasCapacity(ctx, requiredGB) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		g.Cleanup(ctx)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (g *StaticGate) Cleanup(ctx context.Context) {
	g.mu.Lock()
	g.cleanups++
	g.mu.Unlock()
}
