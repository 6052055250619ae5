package queue

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically reaps job records past their retention window. It runs
// as a single background goroutine per process; the reap itself is idempotent
// so overlapping deployments are safe.
type Janitor interface {
	Start(ctx context.Context)
}

type janitor struct {
	queue    Queue
	logger   *slog.Logger
	interval time.Duration
	limit    int
}

func NewJanitor(q Queue, logger *slog.Logger, intervalSeconds, limit int) Janitor {
	if intervalSeconds <= 0 {
		intervalSeconds = 300
	}
	if limit <= 0 {
		limit = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &janitor{
		queue:    q,
		logger:   logger,
		interval: time.Duration(intervalSeconds) * time.Second,
		limit:    limit,
	}
}

func (j *janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := j.queue.CleanupExpired(ctx, j.limit, time.Now())
			if err != nil {
				j.logger.Warn("job cleanup failed", "err", err)
				continue
			}
			if removed > 0 {
				j.logger.Info("job cleanup removed expired records", "count", removed)
			}
		}
	}
}
