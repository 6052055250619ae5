package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/axiomengine/axiom-workers/internal/callback"
	"github.com/axiomengine/axiom-workers/internal/cloud"
	"github.com/axiomengine/axiom-workers/internal/executor"
	"github.com/axiomengine/axiom-workers/internal/gpu"
	"github.com/axiomengine/axiom-workers/internal/queue"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor is scriptable: fail the first N attempts, optionally block
// until cancelled, optionally emit a progress script with spacing.
type fakeExecutor struct {
	typ           domain.JobType
	soft          time.Duration
	failFirst     int
	failWith      error
	block         bool
	progressSteps []int
	progressDelay time.Duration
	arts          []domain.Artifact

	calls     atomic.Int32
	startOnce sync.Once
	started   chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		typ:     domain.JobTypeImage,
		soft:    10 * time.Second,
		started: make(chan struct{}),
		arts: []domain.Artifact{
			{AssetID: "asset-1", Type: domain.JobTypeImage, Filename: "image_1.png", MimeType: "image/png"},
		},
	}
}

func (f *fakeExecutor) Type() domain.JobType     { return f.typ }
func (f *fakeExecutor) HardLimit() time.Duration { return f.soft + time.Minute }
func (f *fakeExecutor) SoftLimit() time.Duration { return f.soft }

func (f *fakeExecutor) Execute(ctx context.Context, req *domain.JobRequest, progress func(int)) ([]domain.Artifact, error) {
	n := f.calls.Add(1)
	f.startOnce.Do(func() { close(f.started) })
	for _, p := range f.progressSteps {
		if f.progressDelay > 0 {
			time.Sleep(f.progressDelay)
		}
		progress(p)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if int(n) <= f.failFirst {
		if f.failWith != nil {
			return nil, f.failWith
		}
		return nil, &domain.ExecutionError{Msg: "sampler blew up", Node: "5"}
	}
	out := make([]domain.Artifact, len(f.arts))
	copy(out, f.arts)
	for i := range out {
		out[i].JobID = req.ID
	}
	return out, nil
}

type statusCall struct {
	jobID    string
	status   domain.JobStatus
	progress *int
	errMsg   string
}

type recEmitter struct {
	mu       sync.Mutex
	statuses []statusCall
	arts     []domain.Artifact
}

func (e *recEmitter) ReportStatus(jobID string, status domain.JobStatus, progress *int, errMsg, workerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var p *int
	if progress != nil {
		v := *progress
		p = &v
	}
	e.statuses = append(e.statuses, statusCall{jobID: jobID, status: status, progress: p, errMsg: errMsg})
}

func (e *recEmitter) RegisterArtifact(art domain.Artifact) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.arts = append(e.arts, art)
}

func (e *recEmitter) Close() {}

func (e *recEmitter) last() statusCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statuses[len(e.statuses)-1]
}

func (e *recEmitter) runningProgress() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int
	for _, s := range e.statuses {
		if s.status == domain.StatusRunning && s.progress != nil && *s.progress > 0 {
			out = append(out, *s.progress)
		}
	}
	return out
}

type fakeInterrupter struct {
	calls atomic.Int32
}

func (f *fakeInterrupter) Interrupt(ctx context.Context) error {
	f.calls.Add(1)
	return nil
}

var _ callback.Emitter = (*recEmitter)(nil)

func setupQueue(t *testing.T) queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.NewRedisQueue(rdb, "fixed", time.Millisecond, time.Millisecond)
}

func claimJob(t *testing.T, q queue.Queue, maxAttempts int) *domain.JobRecord {
	t.Helper()
	ctx := context.Background()
	req := &domain.JobRequest{
		Type:       domain.JobTypeImage,
		Prompt:     "a red cube",
		Priority:   5,
		Parameters: map[string]any{"width": float64(512)},
	}
	if _, err := q.Enqueue(ctx, req, "", maxAttempts, time.Time{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec, ok, err := q.Claim(ctx, "w1", []domain.JobType{domain.JobTypeImage}, 120, 10, maxAttempts)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	return rec
}

func testConfig() Config {
	return Config{
		WorkerID:         "w1",
		Mode:             RouteLocal,
		MaxAttempts:      4,
		BackoffPolicy:    "fixed",
		BackoffBase:      time.Millisecond,
		BackoffMax:       time.Millisecond,
		CancelPoll:       5 * time.Millisecond,
		ProgressInterval: time.Millisecond,
	}
}

func registryFor(ex executor.Executor) *executor.Registry {
	r := executor.NewRegistry()
	r.Register(domain.JobTypeImage, domain.VariantTextToImage, ex)
	r.Register(domain.JobTypeImage, domain.VariantImageToImage, ex)
	return r
}

func availableGate(freeMiB float64) *gpu.StaticGate {
	return gpu.NewStaticGate(domain.ResourceSnapshot{
		Available: true, DeviceName: "test-gpu", TotalMiB: 24576, FreeMiB: freeMiB, UsedMiB: 24576 - freeMiB,
	})
}

func TestRunRetriesThenCompletes(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	ex := newFakeExecutor()
	ex.failFirst = 3
	em := &recEmitter{}
	gate := availableGate(20000)

	r := NewRunner(testConfig(), q, registryFor(ex), gate, nil, em, nil, discardLogger())
	if err := r.Run(context.Background(), rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := ex.calls.Load(); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
	final, err := q.Get(context.Background(), rec.Request.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != domain.StatusCompleted || final.Progress != 100 {
		t.Fatalf("expected completed@100, got %s@%d", final.Status, final.Progress)
	}
	if len(em.arts) != 1 || em.arts[0].JobID != rec.Request.ID {
		t.Fatalf("expected 1 registered artifact, got %v", em.arts)
	}
	if last := em.last(); last.status != domain.StatusCompleted || last.progress == nil || *last.progress != 100 {
		t.Fatalf("expected completed callback with progress 100, got %+v", last)
	}
	if gate.Cleanups() == 0 {
		t.Fatal("expected accelerator cleanup on exit")
	}
}

func TestRunExhaustedRetriesFails(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 3)
	ex := newFakeExecutor()
	ex.failFirst = 100
	em := &recEmitter{}

	r := NewRunner(testConfig(), q, registryFor(ex), availableGate(20000), nil, em, nil, discardLogger())
	err := r.Run(context.Background(), rec)
	if err == nil || !strings.Contains(err.Error(), "maximum retry attempts exceeded") {
		t.Fatalf("expected max retries error, got %v", err)
	}
	if got := ex.calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	final, _ := q.Get(context.Background(), rec.Request.ID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "maximum retry attempts exceeded") {
		t.Fatalf("expected max retries recorded, got %q", final.Error)
	}
}

func TestRunTerminalErrorSanitizedInBrokerRecord(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 1)
	ex := newFakeExecutor()
	ex.failFirst = 100
	ex.failWith = &domain.ExecutionError{Msg: "open /root/axiom/models/sdxl.safetensors: api_key rejected"}
	em := &recEmitter{}

	r := NewRunner(testConfig(), q, registryFor(ex), availableGate(20000), nil, em, nil, discardLogger())
	if err := r.Run(context.Background(), rec); err == nil {
		t.Fatal("expected terminal failure")
	}

	// The record is served verbatim by the status API, so the stored error
	// must already be redacted.
	final, err := q.Get(context.Background(), rec.Request.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.Contains(final.Error, "/root/") || strings.Contains(final.Error, "api_key") {
		t.Fatalf("raw error leaked into broker record: %q", final.Error)
	}
	if !strings.Contains(final.Error, "/****/") || !strings.Contains(final.Error, "API_KEY") {
		t.Fatalf("expected redacted error in broker record, got %q", final.Error)
	}
	if last := em.last(); strings.Contains(last.errMsg, "/root/") {
		t.Fatalf("raw error leaked through callback: %q", last.errMsg)
	}
}

func TestRunValidationErrorNotRetried(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	ex := newFakeExecutor()
	ex.failFirst = 100
	ex.failWith = domain.Validationf("source_image_path must be a non-empty string")
	em := &recEmitter{}

	r := NewRunner(testConfig(), q, registryFor(ex), availableGate(20000), nil, em, nil, discardLogger())
	if err := r.Run(context.Background(), rec); err == nil {
		t.Fatal("expected terminal error")
	}
	if got := ex.calls.Load(); got != 1 {
		t.Fatalf("expected single attempt for validation failure, got %d", got)
	}
	final, _ := q.Get(context.Background(), rec.Request.ID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}

func TestRunSoftLimitTimeout(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	ex := newFakeExecutor()
	ex.soft = 50 * time.Millisecond
	ex.block = true
	em := &recEmitter{}
	intr := &fakeInterrupter{}

	r := NewRunner(testConfig(), q, registryFor(ex), availableGate(20000), nil, em, intr, discardLogger())
	err := r.Run(context.Background(), rec)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if got := ex.calls.Load(); got != 1 {
		t.Fatalf("timeout must not be retried, got %d attempts", got)
	}
	final, _ := q.Get(context.Background(), rec.Request.ID)
	if final.Status != domain.StatusFailed || !strings.Contains(final.Error, "timed out") {
		t.Fatalf("expected failed with timeout, got %s %q", final.Status, final.Error)
	}
	if intr.calls.Load() == 0 {
		t.Fatal("expected engine interrupt after local timeout")
	}
}

func TestRunCancelMidRun(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	ex := newFakeExecutor()
	ex.block = true
	em := &recEmitter{}
	intr := &fakeInterrupter{}

	r := NewRunner(testConfig(), q, registryFor(ex), availableGate(20000), nil, em, intr, discardLogger())
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), rec) }()

	<-ex.started
	if _, err := q.Cancel(context.Background(), rec.Request.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled run should finalize cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancel marker")
	}

	final, _ := q.Get(context.Background(), rec.Request.ID)
	if final.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	if intr.calls.Load() == 0 {
		t.Fatal("expected cancel forwarded to engine")
	}
	if marked, _ := q.Cancelled(context.Background(), rec.Request.ID); marked {
		t.Fatal("cancel marker should be cleared at finalization")
	}
	if last := em.last(); last.status != domain.StatusCancelled {
		t.Fatalf("expected cancelled callback, got %+v", last)
	}
}

func TestRunAutoModeRoutesToCloud(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ep-1/run", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run-1"})
	})
	mux.HandleFunc("GET /ep-1/status/run-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "COMPLETED",
			"output": map[string]any{"assets": []any{"a.png"}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	ex := newFakeExecutor()
	em := &recEmitter{}
	handler := cloud.NewHandler(cloud.NewRunPod("key-123:ep-1", srv.URL), discardLogger())

	cfg := testConfig()
	cfg.Mode = "auto"
	cfg.MinVRAMGB = 8
	// 2 GiB free: below the threshold, so the job must go to the cloud.
	r := NewRunner(cfg, q, registryFor(ex), availableGate(2048), handler, em, nil, discardLogger())
	if err := r.Run(context.Background(), rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := ex.calls.Load(); got != 0 {
		t.Fatalf("local executor must not run in cloud route, got %d calls", got)
	}
	final, _ := q.Get(context.Background(), rec.Request.ID)
	if final.Status != domain.StatusCompleted {
		t.Fatalf("expected completed via cloud, got %s", final.Status)
	}
}

func TestRunAutoModePrefersLocalWithCapacity(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	ex := newFakeExecutor()
	em := &recEmitter{}
	handler := cloud.NewHandler(cloud.NewRunPod("key-123:ep-1", "http://unreachable.invalid"), discardLogger())

	cfg := testConfig()
	cfg.Mode = "auto"
	cfg.MinVRAMGB = 8
	r := NewRunner(cfg, q, registryFor(ex), availableGate(20480), handler, em, nil, discardLogger())
	if err := r.Run(context.Background(), rec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := ex.calls.Load(); got != 1 {
		t.Fatalf("expected local execution, got %d calls", got)
	}
}

func TestProgressMonotonicAndForwarded(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	ex := newFakeExecutor()
	ex.progressSteps = []int{50, 30, 60}
	ex.progressDelay = 5 * time.Millisecond
	em := &recEmitter{}

	r := NewRunner(testConfig(), q, registryFor(ex), availableGate(20000), nil, em, nil, discardLogger())
	if err := r.Run(context.Background(), rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := em.runningProgress()
	want := []int{50, 60}
	if len(got) < len(want) {
		t.Fatalf("expected at least %v, got %v", want, got)
	}
	last := 0
	for _, p := range got {
		if p <= last {
			t.Fatalf("progress regressed: %v", got)
		}
		last = p
	}
}

func TestProgressRateLimited(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	ex := newFakeExecutor()
	ex.progressSteps = []int{10, 20, 30}
	em := &recEmitter{}

	cfg := testConfig()
	cfg.ProgressInterval = time.Hour
	r := NewRunner(cfg, q, registryFor(ex), availableGate(20000), nil, em, nil, discardLogger())
	if err := r.Run(context.Background(), rec); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := em.runningProgress()
	if len(got) != 1 || got[0] != 10 {
		t.Fatalf("expected single rate-limited emission [10], got %v", got)
	}
}

func TestRunShutdownReturnsJobToBroker(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	ex := newFakeExecutor()
	ex.block = true
	em := &recEmitter{}

	parent, cancel := context.WithCancel(context.Background())
	r := NewRunner(testConfig(), q, registryFor(ex), availableGate(20000), nil, em, nil, discardLogger())
	done := make(chan error, 1)
	go func() { done <- r.Run(parent, rec) }()

	<-ex.started
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe shutdown")
	}

	final, _ := q.Get(context.Background(), rec.Request.ID)
	if final.Status != domain.StatusQueued {
		t.Fatalf("expected job handed back as queued, got %s", final.Status)
	}
}

func TestRunUnknownVariantFailsWithoutExecuting(t *testing.T) {
	q := setupQueue(t)
	rec := claimJob(t, q, 4)
	em := &recEmitter{}

	// Registry without the claimed job's type.
	r := NewRunner(testConfig(), q, executor.NewRegistry(), availableGate(20000), nil, em, nil, discardLogger())
	if err := r.Run(context.Background(), rec); err == nil {
		t.Fatal("expected validation failure")
	}
	final, _ := q.Get(context.Background(), rec.Request.ID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
}
