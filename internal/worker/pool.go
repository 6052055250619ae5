// Package worker hosts the claim loop: a fixed-size pool where each worker
// pulls one job at a time from the broker, keeps its lease alive with
// heartbeats, and hands it to the lifecycle runner.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axiomengine/axiom-workers/internal/queue"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

// JobRunner executes one claimed job to a terminal state. Satisfied by
// *lifecycle.Runner.
type JobRunner interface {
	Run(ctx context.Context, rec *domain.JobRecord) error
}

type Config struct {
	// WorkerID is the process identity used for claims and heartbeats.
	WorkerID string
	Workers  int
	Types    []domain.JobType
	// LeaseSeconds is the claim lease; heartbeats extend it while a job runs.
	LeaseSeconds      int
	HeartbeatInterval time.Duration
	// PollInterval is the idle sleep between empty claim attempts.
	PollInterval int
	InspectLimit int
	MaxAttempts  int

	pollInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if len(out.Types) == 0 {
		out.Types = queue.AllTypes()
	}
	if out.LeaseSeconds <= 0 {
		out.LeaseSeconds = 120
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = time.Duration(out.LeaseSeconds) * time.Second / 3
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 1
	}
	out.pollInterval = time.Duration(out.PollInterval) * time.Second
	if out.InspectLimit <= 0 {
		out.InspectLimit = 16
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 4
	}
	return out
}

type Pool struct {
	cfg    Config
	queue  queue.Queue
	runner JobRunner
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewPool(cfg Config, q queue.Queue, runner JobRunner, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg.withDefaults(), queue: q, runner: runner, logger: logger}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned. In-flight jobs observe the cancellation through their own
// run contexts.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting",
		"workers", p.cfg.Workers, "types", p.cfg.Types, "leaseSeconds", p.cfg.LeaseSeconds)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, idx int) {
	defer p.wg.Done()
	log := p.logger.With("worker", fmt.Sprintf("%s#%d", p.cfg.WorkerID, idx))
	for {
		if ctx.Err() != nil {
			return
		}
		rec, ok, err := p.queue.Claim(ctx, p.cfg.WorkerID, p.cfg.Types,
			p.cfg.LeaseSeconds, p.cfg.InspectLimit, p.cfg.MaxAttempts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", "err", err)
			if sleepOrDone(ctx, p.cfg.pollInterval) != nil {
				return
			}
			continue
		}
		if !ok {
			if sleepOrDone(ctx, p.cfg.pollInterval) != nil {
				return
			}
			continue
		}
		p.runJob(ctx, rec, log)
	}
}

func (p *Pool) runJob(ctx context.Context, rec *domain.JobRecord, log *slog.Logger) {
	hbCtx, stopHB := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go p.heartbeat(hbCtx, rec.Request.ID, hbDone)
	defer func() {
		stopHB()
		<-hbDone
	}()

	if err := p.runner.Run(ctx, rec); err != nil {
		log.Warn("job finished with error", "jobId", rec.Request.ID, "err", err)
	}
}

// heartbeat extends the lease while the job runs. A lost heartbeat is not
// fatal here: if the lease lapses the claim-time repair hands the job to
// another worker and this run's finalization becomes a no-op.
func (p *Pool) heartbeat(ctx context.Context, jobID string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, jobID, p.cfg.WorkerID, p.cfg.LeaseSeconds); err != nil {
				p.logger.Warn("heartbeat failed", "jobId", jobID, "err", err)
			}
		}
	}
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
