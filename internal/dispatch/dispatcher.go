// Package dispatch is the submission boundary: it validates job requests,
// resolves their executor, and places them on the typed broker queues.
// Everything past this point assumes a well-formed request.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/axiomengine/axiom-workers/internal/executor"
	"github.com/axiomengine/axiom-workers/internal/queue"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

const maxPromptLength = 4000

type Config struct {
	// CallbackURL is the owning system's API root recorded per job for cloud
	// providers to push completion to.
	CallbackURL string
	MaxAttempts int
}

type Dispatcher struct {
	cfg      Config
	queue    queue.Queue
	registry *executor.Registry
	logger   *slog.Logger
}

func NewDispatcher(cfg Config, q queue.Queue, registry *executor.Registry, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, queue: q, registry: registry, logger: logger}
}

// Submit validates and enqueues a job. delay postpones visibility; zero means
// immediately claimable. The returned record carries the generated id when
// the caller supplied none.
func (d *Dispatcher) Submit(ctx context.Context, req *domain.JobRequest, delay time.Duration) (*domain.JobRecord, error) {
	if err := d.validate(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	var visibleAt time.Time
	if delay > 0 {
		visibleAt = time.Now().Add(delay)
	}
	rec, err := d.queue.Enqueue(ctx, req, d.cfg.CallbackURL, d.cfg.MaxAttempts, visibleAt)
	if err != nil {
		return nil, err
	}
	d.logger.Info("job accepted",
		"jobId", rec.Request.ID, "type", req.Type, "variant", req.Variant(),
		"priority", rec.Request.Priority, "delay", delay)
	return rec, nil
}

func (d *Dispatcher) validate(req *domain.JobRequest) error {
	if req == nil {
		return domain.Validationf("empty request")
	}
	// Unknown type must be a hard error before anything is queued.
	if _, err := d.registry.Lookup(req); err != nil {
		return err
	}
	if req.Prompt == "" && !req.HasSourceImage() {
		return domain.Validationf("prompt is required for %s jobs", req.Variant())
	}
	if len(req.Prompt) > maxPromptLength {
		return domain.Validationf("prompt exceeds %d characters", maxPromptLength)
	}
	if req.HasSourceImage() {
		if p, _ := req.Parameters[domain.SourceImageParam].(string); p == "" {
			return domain.Validationf("%s must be a non-empty string", domain.SourceImageParam)
		}
	}
	return nil
}

// Cancel requests cancellation. Queued jobs become terminal immediately;
// running jobs get a cancel marker their worker observes and honors.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	rec, err := d.queue.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	d.logger.Info("cancel requested", "jobId", jobID, "status", rec.Status)
	return rec, nil
}

// Status returns the broker's current view of a job.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return d.queue.Get(ctx, jobID)
}

// QueueDepths reports per-type queue statistics.
func (d *Dispatcher) QueueDepths(ctx context.Context) ([]domain.QueueStats, error) {
	return d.queue.Depths(ctx)
}
