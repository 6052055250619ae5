// Package lifecycle drives one claimed job from running to a terminal state:
// routing between local and cloud execution, in-process retries with jittered
// backoff, soft time limits, cancellation forwarding, and status/artifact
// reporting. The broker record is only ever finalized through the queue so
// workers that die mid-run are recovered by lease expiry, not by this code.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomengine/axiom-workers/internal/backoff"
	"github.com/axiomengine/axiom-workers/internal/callback"
	"github.com/axiomengine/axiom-workers/internal/cloud"
	"github.com/axiomengine/axiom-workers/internal/executor"
	"github.com/axiomengine/axiom-workers/internal/gpu"
	"github.com/axiomengine/axiom-workers/internal/metrics"
	"github.com/axiomengine/axiom-workers/internal/queue"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

const (
	RouteLocal = "local"
	RouteCloud = "cloud"
)

// Interrupter aborts whatever the engine is currently executing. Satisfied by
// *engine.Client.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

type Config struct {
	WorkerID string
	// Mode is local, cloud, or auto. Auto routes to the cloud handler when
	// free accelerator memory drops below MinVRAMGB.
	Mode      string
	MinVRAMGB float64
	// MaxAttempts bounds total tries per job, first attempt included.
	MaxAttempts   int
	BackoffPolicy string
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	// CancelPoll is how often the broker's cancel marker is checked while an
	// attempt runs.
	CancelPoll time.Duration
	// ProgressInterval rate-limits progress re-emission.
	ProgressInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Mode == "" {
		out.Mode = RouteLocal
	}
	if out.MinVRAMGB <= 0 {
		out.MinVRAMGB = 8
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 4
	}
	if out.BackoffPolicy == "" {
		out.BackoffPolicy = "exp_full_jitter"
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 2 * time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 5 * time.Minute
	}
	if out.CancelPoll <= 0 {
		out.CancelPoll = time.Second
	}
	if out.ProgressInterval <= 0 {
		out.ProgressInterval = time.Second
	}
	return out
}

type Runner struct {
	cfg         Config
	queue       queue.Queue
	registry    *executor.Registry
	gate        gpu.Gate
	cloud       *cloud.Handler
	emitter     callback.Emitter
	interrupter Interrupter
	logger      *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRunner wires a lifecycle runner. cloudHandler may be nil when fallback
// is disabled; interrupter may be nil when the engine offers no abort.
func NewRunner(cfg Config, q queue.Queue, registry *executor.Registry, gate gpu.Gate,
	cloudHandler *cloud.Handler, emitter callback.Emitter, interrupter Interrupter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:         cfg.withDefaults(),
		queue:       q,
		registry:    registry,
		gate:        gate,
		cloud:       cloudHandler,
		emitter:     emitter,
		interrupter: interrupter,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes one claimed job to a terminal state and finalizes it in the
// broker. The returned error is the terminal failure cause, nil on success
// or cancellation.
func (r *Runner) Run(ctx context.Context, rec *domain.JobRecord) error {
	req := &rec.Request
	log := r.logger.With("jobId", req.ID, "type", req.Type, "variant", req.Variant())
	start := time.Now()

	// Accelerator memory is released on every exit path. Cleanup is
	// idempotent, so the extra call after a per-retry cleanup is harmless.
	defer r.gate.Cleanup(context.Background())

	ex, err := r.registry.Lookup(req)
	if err != nil {
		return r.finalize(rec, RouteLocal, domain.StatusFailed, err, start, log)
	}

	route := r.chooseRoute(ctx, log)
	zero := 0
	r.emitter.ReportStatus(req.ID, domain.StatusRunning, &zero, "", r.cfg.WorkerID)
	log.Info("job started", "route", route, "softLimit", ex.SoftLimit())

	// The soft limit bounds the whole run, retries included, leaving the
	// hard-limit headroom for finalization and reporting.
	runCtx, cancelRun := context.WithTimeout(ctx, ex.SoftLimit())
	defer cancelRun()

	var cancelled atomic.Bool
	watchDone := make(chan struct{})
	go r.watchCancellation(runCtx, req.ID, route, cancelRun, &cancelled, watchDone)
	defer func() {
		cancelRun()
		<-watchDone
	}()

	reporter := r.newProgressReporter(runCtx, req.ID)
	maxAttempts := rec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.MaxAttempts
	}

	var arts []domain.Artifact
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.JobRetriedTotal.WithLabelValues(string(req.Type)).Inc()
			delay := r.retryDelay(attempt - 2)
			log.Warn("attempt failed, retrying", "attempt", attempt, "delay", delay, "err", lastErr)
			if sleepOrDone(runCtx, delay) != nil {
				break
			}
			r.gate.Cleanup(runCtx)
		}

		arts, lastErr = r.runAttempt(runCtx, route, ex, rec, reporter)
		if lastErr == nil {
			break
		}
		if cancelled.Load() || runCtx.Err() != nil || !domain.IsRetryable(lastErr) {
			break
		}
		if attempt == maxAttempts {
			lastErr = fmt.Errorf("%w (last: %v)", domain.ErrMaxRetries, lastErr)
		}
	}

	if lastErr != nil && ctx.Err() == context.Canceled && !cancelled.Load() {
		// Worker shutdown, not a job cancel: hand the job back to the broker
		// so another worker can pick it up.
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, _, err := r.queue.Nack(nctx, req.ID, r.cfg.WorkerID, 0, maxAttempts, "worker shutdown"); err != nil {
			log.Error("requeue on shutdown failed", "err", err)
		} else {
			log.Info("worker shutting down, job returned to broker")
		}
		return ctx.Err()
	}

	status, terminalErr := r.classify(runCtx, lastErr, &cancelled)
	if status == domain.StatusFailed && runCtx.Err() == context.DeadlineExceeded && route == RouteLocal {
		// Ask the engine to stop burning cycles on a run nobody will collect.
		r.forwardInterrupt(log)
	}
	if status == domain.StatusCompleted {
		for _, a := range arts {
			r.emitter.RegisterArtifact(a)
		}
	}
	return r.finalize(rec, route, status, terminalErr, start, log)
}

func (r *Runner) runAttempt(ctx context.Context, route string, ex executor.Executor,
	rec *domain.JobRecord, reporter *progressReporter) ([]domain.Artifact, error) {
	req := &rec.Request
	if route == RouteCloud {
		job := cloud.Job{
			TaskName:    "generate_" + string(req.Type),
			JobID:       req.ID,
			UserID:      req.UserID,
			ProjectID:   req.ProjectID,
			Prompt:      req.Prompt,
			Parameters:  req.Parameters,
			CallbackURL: rec.CallbackURL,
		}
		// Cloud workers register their artifacts through the callback URL;
		// there is nothing to persist locally.
		_, err := r.cloud.Execute(ctx, req.Type, job, ex.SoftLimit())
		return nil, err
	}
	return ex.Execute(ctx, req, reporter.report)
}

func (r *Runner) chooseRoute(ctx context.Context, log *slog.Logger) string {
	switch r.cfg.Mode {
	case RouteCloud:
		if r.cloud == nil {
			log.Warn("cloud mode configured without a provider, running locally")
			return RouteLocal
		}
		return RouteCloud
	case "auto":
		snap := r.gate.Snapshot(ctx)
		log.Info("accelerator snapshot", "available", snap.Available,
			"device", snap.DeviceName, "freeGb", snap.FreeGB())
		if r.cloud != nil && (!snap.Available || snap.FreeGB() < r.cfg.MinVRAMGB) {
			log.Info("insufficient local capacity, routing to cloud",
				"freeGb", snap.FreeGB(), "requiredGb", r.cfg.MinVRAMGB)
			return RouteCloud
		}
		return RouteLocal
	default:
		return RouteLocal
	}
}

// classify maps the last attempt error to the terminal status and the error
// recorded with it.
func (r *Runner) classify(runCtx context.Context, lastErr error, cancelled *atomic.Bool) (domain.JobStatus, error) {
	if lastErr == nil {
		return domain.StatusCompleted, nil
	}
	if cancelled.Load() || errors.Is(lastErr, domain.ErrCancelled) {
		return domain.StatusCancelled, domain.ErrCancelled
	}
	var te *domain.TimeoutError
	if errors.As(lastErr, &te) {
		return domain.StatusFailed, te
	}
	if errors.Is(lastErr, context.DeadlineExceeded) || runCtx.Err() == context.DeadlineExceeded {
		return domain.StatusFailed, &domain.TimeoutError{Op: "generation"}
	}
	if errors.Is(lastErr, context.Canceled) {
		return domain.StatusCancelled, domain.ErrCancelled
	}
	return domain.StatusFailed, lastErr
}

// finalize records the terminal state in the broker, reports it through the
// callback channel, and observes execution metrics. It never uses the run
// context: finalization must survive the deadline that may have ended the run.
func (r *Runner) finalize(rec *domain.JobRecord, route string, status domain.JobStatus,
	terminalErr error, start time.Time, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The broker record is served verbatim by the status API, so only the
	// sanitized form is stored; the raw cause stays in the log line below.
	errMsg := ""
	if terminalErr != nil {
		errMsg = callback.Sanitize(terminalErr.Error())
	}
	if err := r.queue.Complete(ctx, rec.Request.ID, r.cfg.WorkerID, status, errMsg); err != nil {
		log.Error("finalizing job in broker failed", "status", status, "err", err)
	}

	var progress *int
	if status == domain.StatusCompleted {
		full := 100
		progress = &full
	}
	r.emitter.ReportStatus(rec.Request.ID, status, progress, errMsg, r.cfg.WorkerID)

	elapsed := time.Since(start)
	metrics.JobExecutionSeconds.WithLabelValues(string(rec.Request.Type), route, string(status)).Observe(elapsed.Seconds())
	switch status {
	case domain.StatusCompleted:
		log.Info("job completed", "route", route, "elapsed", elapsed)
	case domain.StatusCancelled:
		log.Info("job cancelled", "route", route, "elapsed", elapsed)
	default:
		// The raw cause stays here in the logs; only the sanitized message
		// leaves through the callback emitter.
		log.Error("job failed", "route", route, "elapsed", elapsed, "err", terminalErr)
	}
	if status == domain.StatusFailed {
		return terminalErr
	}
	return nil
}

// watchCancellation polls the broker's cancel marker and aborts the running
// attempt when it appears. For local runs the engine is interrupted as well;
// cloud runs are cancelled by the handler observing context cancellation.
func (r *Runner) watchCancellation(ctx context.Context, jobID, route string,
	cancelRun context.CancelFunc, flag *atomic.Bool, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.queue.Cancelled(ctx, jobID)
			if err != nil || !ok {
				continue
			}
			flag.Store(true)
			r.logger.Info("cancel requested, aborting attempt", "jobId", jobID, "route", route)
			if route == RouteLocal {
				r.forwardInterrupt(r.logger.With("jobId", jobID))
			}
			cancelRun()
			return
		}
	}
}

func (r *Runner) forwardInterrupt(log *slog.Logger) {
	if r.interrupter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.interrupter.Interrupt(ctx); err != nil {
		log.Warn("engine interrupt failed", "err", err)
	}
}

// retryDelay is safe for concurrent runs sharing one Runner.
func (r *Runner) retryDelay(attempt int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return backoff.Delay(r.cfg.BackoffPolicy, r.cfg.BackoffBase, r.cfg.BackoffMax, attempt, r.rng)
}

// progressReporter pushes attempt progress to the broker and the callback
// channel. Values are clamped monotonic and re-emission is rate-limited so a
// chatty engine cannot flood either sink.
type progressReporter struct {
	runner   *Runner
	ctx      context.Context
	jobID    string
	interval time.Duration

	mu       sync.Mutex
	last     int
	lastEmit time.Time
}

func (r *Runner) newProgressReporter(ctx context.Context, jobID string) *progressReporter {
	return &progressReporter{runner: r, ctx: ctx, jobID: jobID, interval: r.cfg.ProgressInterval}
}

func (p *progressReporter) report(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	p.mu.Lock()
	if pct <= p.last {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	if pct < 100 && !p.lastEmit.IsZero() && now.Sub(p.lastEmit) < p.interval {
		p.mu.Unlock()
		return
	}
	p.last = pct
	p.lastEmit = now
	p.mu.Unlock()

	if err := p.runner.queue.UpdateProgress(p.ctx, p.jobID, pct); err != nil {
		p.runner.logger.Debug("progress update failed", "jobId", p.jobID, "err", err)
	}
	p.runner.emitter.ReportStatus(p.jobID, domain.StatusRunning, &pct, "", p.runner.cfg.WorkerID)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
