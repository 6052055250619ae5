package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axiomengine/axiom-workers/pkg/domain"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// queueCollector reads queue depths straight from Redis on every scrape so
// the gauges reflect the broker, not a worker-local view.
type queueCollector struct {
	rdb    *redis.Client
	logger *slog.Logger

	queueDepthDesc *prometheus.Desc
	dlqDepthDesc   *prometheus.Desc
}

func newQueueCollector(rdb *redis.Client, logger *slog.Logger) *queueCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &queueCollector{
		rdb:    rdb,
		logger: logger,
		queueDepthDesc: prometheus.NewDesc(
			"axiom_queue_depth",
			"Current queue depth by media type and queue state.",
			[]string{"type", "queue"},
			nil,
		),
		dlqDepthDesc: prometheus.NewDesc(
			"axiom_dlq_depth",
			"Current dead-letter depth by media type.",
			[]string{"type"},
			nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
	ch <- c.dlqDepthDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	types := []domain.JobType{domain.JobTypeImage, domain.JobTypeVideo, domain.JobTypeMesh}

	pipe := c.rdb.Pipeline()
	readyCmds := make(map[domain.JobType][]*redis.IntCmd, len(types))
	inprogCmds := make(map[domain.JobType]*redis.IntCmd, len(types))
	delayedCmds := make(map[domain.JobType]*redis.IntCmd, len(types))
	dlqCmds := make(map[domain.JobType]*redis.IntCmd, len(types))

	for _, t := range types {
		var llens []*redis.IntCmd
		for p := domain.MinPriority; p <= domain.MaxPriority; p++ {
			llens = append(llens, pipe.LLen(ctx, keyQueuePending(t, p)))
		}
		readyCmds[t] = llens
		inprogCmds[t] = pipe.SCard(ctx, keyQueueInprog(t))
		delayedCmds[t] = pipe.ZCard(ctx, keyQueueDelayed(t))
		dlqCmds[t] = pipe.LLen(ctx, keyQueueDLQ(t))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("prometheus queue collector failed", "err", err)
		return
	}

	for _, t := range types {
		var ready int64
		for _, cmd := range readyCmds[t] {
			ready += cmd.Val()
		}
		emitGauge(ch, c.queueDepthDesc, float64(ready), string(t), "ready")
		emitGauge(ch, c.queueDepthDesc, float64(delayedCmds[t].Val()), string(t), "delayed")
		emitGauge(ch, c.queueDepthDesc, float64(inprogCmds[t].Val()), string(t), "in_progress")
		emitGauge(ch, c.queueDepthDesc, float64(dlqCmds[t].Val()), string(t), "dlq")
		emitGauge(ch, c.dlqDepthDesc, float64(dlqCmds[t].Val()), string(t))
	}
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

// Key layout mirrors internal/queue; duplicated here to keep the collector
// free of a dependency cycle.
func keyQueuePending(t domain.JobType, priority int) string {
	return fmt.Sprintf("axiom:q:%s:pending:%d", t, priority)
}

func keyQueueInprog(t domain.JobType) string {
	return fmt.Sprintf("axiom:q:%s:inprog", t)
}

func keyQueueDelayed(t domain.JobType) string {
	return fmt.Sprintf("axiom:q:%s:delayed", t)
}

func keyQueueDLQ(t domain.JobType) string {
	return fmt.Sprintf("axiom:q:%s:dlq", t)
}

var registerQueueCollectorOnce sync.Once

func RegisterQueueCollector(rdb *redis.Client, logger *slog.Logger) {
	registerQueueCollectorOnce.Do(func() {
		prometheus.MustRegister(newQueueCollector(rdb, logger))
	})
}
