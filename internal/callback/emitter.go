package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/axiomengine/axiom-workers/internal/metrics"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

// Emitter delivers status updates and artifact registrations to the owning
// system. Deliveries run on their own queue and workers with their own retry
// policy, so callback latency never throttles generation throughput.
type Emitter interface {
	ReportStatus(jobID string, status domain.JobStatus, progress *int, errMsg, workerID string)
	RegisterArtifact(art domain.Artifact)
	Close()
}

type delivery struct {
	kind   string // "status" or "asset"
	method string
	url    string
	body   []byte
	jobID  string
}

type httpEmitter struct {
	baseURL     string
	workerKey   string
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
	httpc       *http.Client

	queue  chan delivery
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// statusUpdate is the outbound PATCH body. Field names are the owning
// system's contract.
type statusUpdate struct {
	Status       domain.JobStatus `json:"status"`
	Progress     *int             `json:"progress,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	WorkerID     string           `json:"worker_id,omitempty"`
}

type assetRegistration struct {
	JobID       string         `json:"job_id"`
	AssetID     string         `json:"asset_id"`
	AssetType   domain.JobType `json:"asset_type"`
	StoragePath string         `json:"storage_path"`
	Filename    string         `json:"filename"`
	MimeType    string         `json:"mime_type"`
	FileSize    int64          `json:"file_size"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	Duration    float64        `json:"duration,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

// NewEmitter starts the delivery workers. baseURL is the owning system's API
// root; workerKey authenticates every request.
func NewEmitter(baseURL, workerKey string, workers, queueSize, maxAttempts int, retryDelay time.Duration, logger *slog.Logger) Emitter {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &httpEmitter{
		baseURL:     strings.TrimRight(baseURL, "/"),
		workerKey:   workerKey,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
		httpc:       &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan delivery, queueSize),
		cancel:      cancel,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	return e
}

func (e *httpEmitter) ReportStatus(jobID string, status domain.JobStatus, progress *int, errMsg, workerID string) {
	upd := statusUpdate{
		Status:   status,
		Progress: progress,
		WorkerID: workerID,
	}
	if errMsg != "" {
		upd.ErrorMessage = Sanitize(errMsg)
	}
	body, _ := json.Marshal(upd)
	e.enqueue(delivery{
		kind:   "status",
		method: http.MethodPatch,
		url:    fmt.Sprintf("%s/jobs/%s/status", e.baseURL, jobID),
		body:   body,
		jobID:  jobID,
	})
}

func (e *httpEmitter) RegisterArtifact(art domain.Artifact) {
	reg := assetRegistration{
		JobID:       art.JobID,
		AssetID:     art.AssetID,
		AssetType:   art.Type,
		StoragePath: art.StoragePath,
		Filename:    art.Filename,
		MimeType:    art.MimeType,
		FileSize:    art.FileSize,
		Width:       art.Width,
		Height:      art.Height,
		Duration:    art.Duration,
		Metadata:    art.Metadata,
	}
	if reg.Metadata == nil {
		reg.Metadata = map[string]any{}
	}
	body, _ := json.Marshal(reg)
	e.enqueue(delivery{
		kind:   "asset",
		method: http.MethodPost,
		url:    e.baseURL + "/assets",
		body:   body,
		jobID:  art.JobID,
	})
}

// enqueue never blocks the caller. A full queue drops the delivery; the job's
// terminal state in the broker stands regardless.
func (e *httpEmitter) enqueue(d delivery) {
	select {
	case e.queue <- d:
	default:
		metrics.CallbackDeliveriesTotal.WithLabelValues(d.kind, "dropped").Inc()
		e.logger.Warn("callback queue full, dropping delivery", "kind", d.kind, "jobId", d.jobID)
	}
}

// Close drains queued deliveries and stops the workers.
func (e *httpEmitter) Close() {
	close(e.queue)
	e.wg.Wait()
	e.cancel()
}

func (e *httpEmitter) worker(ctx context.Context) {
	defer e.wg.Done()
	for d := range e.queue {
		e.deliver(ctx, d)
	}
}

func (e *httpEmitter) deliver(ctx context.Context, d delivery) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, d.method, d.url, bytes.NewReader(d.body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Worker-Key", e.workerKey)

		resp, err := e.httpc.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			metrics.CallbackDeliveriesTotal.WithLabelValues(d.kind, "success").Inc()
			return
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("callback returned %d", resp.StatusCode)
			_ = resp.Body.Close()
		}
		if attempt < e.maxAttempts {
			if sleepOrDone(ctx, e.retryDelay) != nil {
				break
			}
		}
	}

	metrics.CallbackDeliveriesTotal.WithLabelValues(d.kind, "failure").Inc()
	e.logger.Warn("callback delivery exhausted retries",
		"kind", d.kind, "jobId", d.jobID, "url", d.url,
		"err", &domain.CallbackDeliveryError{URL: d.url, Err: lastErr})
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
