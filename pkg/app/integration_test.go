package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/axiomengine/axiom-workers/pkg/config"
	"github.com/axiomengine/axiom-workers/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
)

const testWorkerKey = "test-worker-key"

func newTestApplication(t *testing.T) (*Application, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)

	engineSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(engineSrv.Close)

	callbackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(callbackSrv.Close)

	cfg, err := config.LoadConfigOptional("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Env = "test"
	cfg.LogLevel = "error"
	cfg.RedisAddr = mr.Addr()
	cfg.EngineURL = engineSrv.URL
	cfg.CallbackBaseURL = callbackSrv.URL
	cfg.WorkerKey = testWorkerKey
	cfg.GPUProbe = "static"
	cfg.LocalArtifactsDir = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	t.Cleanup(app.Emitter.Close)
	SetupMappings(app)

	server := httptest.NewServer(app.Engine)
	t.Cleanup(server.Close)
	return app, server
}

func TestHTTPJobFlow(t *testing.T) {
	_, server := newTestApplication(t)
	ctx := context.Background()

	// Submit.
	var rec domain.JobRecord
	status, body := doJSON(t, ctx, http.MethodPost, server.URL+"/v1/jobs", testWorkerKey, map[string]any{
		"type":     "image",
		"prompt":   "a lighthouse at dusk",
		"priority": 7,
	}, &rec)
	if status != http.StatusAccepted {
		t.Fatalf("submit status %d body=%s", status, body)
	}
	if rec.Request.ID == "" || rec.Status != domain.StatusQueued {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Status.
	var got domain.JobRecord
	status, body = doJSON(t, ctx, http.MethodGet, server.URL+"/v1/jobs/"+rec.Request.ID, testWorkerKey, nil, &got)
	if status != http.StatusOK {
		t.Fatalf("get status %d body=%s", status, body)
	}
	if got.Request.ID != rec.Request.ID {
		t.Fatalf("id mismatch: %s", got.Request.ID)
	}

	// Queue depths include the queued job.
	var depths struct {
		Queues []domain.QueueStats `json:"queues"`
	}
	status, body = doJSON(t, ctx, http.MethodGet, server.URL+"/v1/queues", testWorkerKey, nil, &depths)
	if status != http.StatusOK {
		t.Fatalf("queues status %d body=%s", status, body)
	}
	var imageReady int64
	for _, s := range depths.Queues {
		if s.Type == domain.JobTypeImage {
			imageReady = s.Ready
		}
	}
	if imageReady != 1 {
		t.Fatalf("expected 1 ready image job, got %d", imageReady)
	}

	// Cancel.
	var cancelled domain.JobRecord
	status, body = doJSON(t, ctx, http.MethodDelete, server.URL+"/v1/jobs/"+rec.Request.ID, testWorkerKey, nil, &cancelled)
	if status != http.StatusOK {
		t.Fatalf("cancel status %d body=%s", status, body)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestHTTPRejectsInvalidSubmissions(t *testing.T) {
	_, server := newTestApplication(t)
	ctx := context.Background()

	status, _ := doJSON(t, ctx, http.MethodPost, server.URL+"/v1/jobs", testWorkerKey, map[string]any{
		"type":   "audio",
		"prompt": "x",
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("unknown type must 400, got %d", status)
	}

	status, _ = doJSON(t, ctx, http.MethodPost, server.URL+"/v1/jobs", testWorkerKey, map[string]any{
		"type": "image",
	}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("missing prompt must 400, got %d", status)
	}
}

func TestHTTPRequiresWorkerKey(t *testing.T) {
	_, server := newTestApplication(t)
	ctx := context.Background()

	status, _ := doJSON(t, ctx, http.MethodGet, server.URL+"/v1/queues", "", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("missing worker key must 401, got %d", status)
	}

	// Health endpoint stays open.
	status, _ = doJSON(t, ctx, http.MethodGet, server.URL+"/healthz", "", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("healthz must be unauthenticated, got %d", status)
	}
}

func TestHTTPUnknownJobIs404(t *testing.T) {
	_, server := newTestApplication(t)
	ctx := context.Background()

	status, _ := doJSON(t, ctx, http.MethodGet, server.URL+"/v1/jobs/nope", testWorkerKey, nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown job must 404, got %d", status)
	}
}

func doJSON(t *testing.T, ctx context.Context, method, url, workerKey string, body any, out any) (int, string) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewBuffer(b)
	}
	req, _ := http.NewRequestWithContext(ctx, method, url, buf)
	if workerKey != "" {
		req.Header.Set("X-Worker-Key", workerKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_ = json.Unmarshal(b, out)
	}
	return resp.StatusCode, string(b)
}
