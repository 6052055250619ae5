package cloud

import (
	"context"
	"log/slog"
	"time"

	"github.com/axiomengine/axiom-workers/internal/metrics"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

const defaultPollInterval = 5 * time.Second

// Handler runs one job on the configured remote provider: submit, poll on a
// fixed interval until a terminal provider state, bounded by the job's
// overall timeout.
type Handler struct {
	provider     Provider
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewHandler(provider Provider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		provider:     provider,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

func (h *Handler) ProviderName() string { return h.provider.Name() }

// Execute submits the job and waits for a terminal state. A non-terminal
// status when the timeout lapses is a provider timeout; a terminal failure
// carries the provider's error text.
func (h *Handler) Execute(ctx context.Context, jobType domain.JobType, job Job, timeout time.Duration) (map[string]any, error) {
	handle, err := h.provider.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	h.logger.Info("job submitted to cloud provider",
		"provider", h.provider.Name(), "jobId", job.JobID, "handle", handle)
	metrics.CloudFallbackTotal.WithLabelValues(string(jobType), h.provider.Name()).Inc()

	deadline := time.Now().Add(timeout)
	for {
		st, err := h.provider.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				h.bestEffortCancel(handle)
				return nil, ctx.Err()
			}
			return nil, err
		}
		switch st.State {
		case StateCompleted:
			return st.Output, nil
		case StateFailed:
			return nil, &domain.CloudExecutionError{Provider: h.provider.Name(), Msg: st.Error}
		}

		if time.Now().After(deadline) {
			// Best effort: stop paying for a run nobody will collect.
			h.bestEffortCancel(handle)
			return nil, &domain.CloudExecutionError{Provider: h.provider.Name(), Msg: "execution timed out"}
		}
		select {
		case <-ctx.Done():
			h.bestEffortCancel(handle)
			return nil, ctx.Err()
		case <-time.After(h.pollInterval):
		}
	}
}

// bestEffortCancel runs on its own context: the run context is already
// cancelled or past its deadline whenever a cancel is due, and the provider
// call must still leave the process.
func (h *Handler) bestEffortCancel(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := h.provider.Cancel(ctx, handle); err != nil {
		h.logger.Warn("cloud cancel failed", "provider", h.provider.Name(), "handle", handle, "err", err)
	}
}

// Cancel aborts a submitted run by its provider handle.
func (h *Handler) Cancel(ctx context.Context, handle string) bool {
	ok, err := h.provider.Cancel(ctx, handle)
	if err != nil {
		h.logger.Error("cloud cancel failed", "provider", h.provider.Name(), "handle", handle, "err", err)
		return false
	}
	return ok
}
