// Package executor runs one generation attempt end to end: build the
// workflow graph for the job, drive it through the engine, and persist the
// produced artifacts. One executor per media type; the from-source variants
// are handled inside the same executor, selected by the job's parameters.
package executor

import (
	"context"
	"time"

	"github.com/axiomengine/axiom-workers/internal/engine"
	"github.com/axiomengine/axiom-workers/internal/workflow"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

// Engine is the slice of the engine client an executor needs. Satisfied by
// *engine.Client.
type Engine interface {
	Submit(ctx context.Context, g workflow.Graph) (string, error)
	CollectOutputs(ctx context.Context, submissionID string, timeout time.Duration, onProgress func(value, max int)) ([]engine.Output, error)
	UploadInput(ctx context.Context, data []byte, name, folder string) (*engine.OutputRef, error)
}

// Executor produces artifacts for one media type. Execute runs a single
// attempt; retry policy and terminal status belong to the caller.
//
// The progress callback receives percentages in [0,100]. Executors reserve
// the 10-90 band for engine progress so setup and artifact persistence get
// their own visible steps.
type Executor interface {
	Type() domain.JobType
	// HardLimit bounds one attempt wall-clock. SoftLimit is the deadline the
	// attempt is actually run under, leaving headroom to report and clean up.
	HardLimit() time.Duration
	SoftLimit() time.Duration
	Execute(ctx context.Context, req *domain.JobRequest, progress func(int)) ([]domain.Artifact, error)
}

// mapEngineProgress folds raw engine progress into the 10-90 band.
func mapEngineProgress(value, max int) int {
	if max <= 0 {
		return 10
	}
	pct := value * 100 / max
	return 10 + pct*80/100
}

func paramInt(p map[string]any, key string, def, min, max int) int {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int64:
		n = int(x)
	case float64:
		n = int(x)
	default:
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func paramFloat(p map[string]any, key string, def, min, max float64) float64 {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	default:
		return def
	}
	if f < min {
		return min
	}
	if f > max {
		return max
	}
	return f
}

func paramString(p map[string]any, key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

func paramBool(p map[string]any, key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// seedParam keeps nil/absent seeds as -1, the engine's "randomize" value.
func seedParam(p map[string]any) int {
	return paramInt(p, "seed", -1, -1, 1<<31-1)
}
