package gpu

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/axiomengine/axiom-workers/internal/metrics"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

// Gate is the admission controller for the accelerator device. A missing
// device or probe tool reports as unavailable, never as an error; callers
// treat unavailability as a routing signal.
type Gate interface {
	Snapshot(ctx context.Context) domain.ResourceSnapshot
	HasCapacity(ctx context.Context, requiredGB float64) bool
	WaitForCapacity(ctx context.Context, requiredGB float64, timeout time.Duration) bool
	Cleanup(ctx context.Context)
}

// New selects the probe implementation by name. "static" is the explicit
// test-double configuration; anything else uses the real device probe.
func New(probe string, logger *slog.Logger) Gate {
	if probe == "static" {
		return NewStaticGate(domain.ResourceSnapshot{Available: false})
	}
	return NewSMIGate(logger)
}

// smiGate reads device state through nvidia-smi, which is present wherever
// the NVIDIA driver is. Each snapshot shells out; callers only probe once per
// admission decision so the cost is negligible next to a generation.
type smiGate struct {
	logger *slog.Logger
	query  func(ctx context.Context) ([]byte, error)
}

func NewSMIGate(logger *slog.Logger) Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &smiGate{
		logger: logger,
		query: func(ctx context.Context) ([]byte, error) {
			cmd := exec.CommandContext(ctx, "nvidia-smi",
				"--query-gpu=name,memory.total,memory.free,memory.used",
				"--format=csv,noheader,nounits")
			return cmd.Output()
		},
	}
}

func (g *smiGate) Snapshot(ctx context.Context) domain.ResourceSnapshot {
	out, err := g.query(ctx)
	if err != nil {
		// Probe tool missing or device gone: unavailable, not an error.
		return domain.ResourceSnapshot{Available: false}
	}
	snap, ok := parseSMILine(firstLine(string(out)))
	if !ok {
		g.logger.Warn("unparseable device probe output", "output", strings.TrimSpace(string(out)))
		return domain.ResourceSnapshot{Available: false}
	}

	metrics.GPUMemoryBytes.WithLabelValues(snap.DeviceName, "total").Set(snap.TotalMiB * 1024 * 1024)
	metrics.GPUMemoryBytes.WithLabelValues(snap.DeviceName, "free").Set(snap.FreeMiB * 1024 * 1024)
	metrics.GPUMemoryBytes.WithLabelValues(snap.DeviceName, "used").Set(snap.UsedMiB * 1024 * 1024)
	return snap
}

func (g *smiGate) HasCapacity(ctx context.Context, requiredGB float64) bool {
	snap := g.Snapshot(ctx)
	return snap.Available && snap.FreeGB() >= requiredGB
}

func (g *smiGate) WaitForCapacity(ctx context.Context, requiredGB float64, timeout time.Duration) bool {
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
		case <-time.After(time.Second):
		}
	}
}

// Cleanup is idempotent. The engine process owns the device allocations;
// from this side there is nothing to free beyond refreshing the gauges.
func (g *smiGate) Cleanup(ctx context.Context) {
	g.Snapshot(ctx)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// parseSMILine decodes one "name, total, free, used" CSV row with MiB values.
func parseSMILine(line string) (domain.ResourceSnapshot, bool) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 {
		return domain.ResourceSnapshot{}, false
	}
	name := strings.TrimSpace(parts[0])
	nums := make([]float64, 3)
	for i, p := range parts[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.ResourceSnapshot{}, false
		}
		nums[i] = v
	}
	return domain.ResourceSnapshot{
		Available:  true,
		DeviceName: name,
		TotalMiB:   nums[0],
		FreeMiB:    nums[1],
		UsedMiB:    nums[2],
	}, true
}
