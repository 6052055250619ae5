package callback

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/axiomengine/axiom-workers/pkg/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedRequest struct {
	method string
	path   string
	key    string
	body   map[string]any
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	failures int // respond 500 this many times before succeeding
}

func (rec *recorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			key:    r.Header.Get("X-Worker-Key"),
			body:   body,
		})
		fail := rec.failures > 0
		if fail {
			rec.failures--
		}
		rec.mu.Unlock()

		if fail {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (rec *recorder) all() []recordedRequest {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]recordedRequest, len(rec.requests))
	copy(out, rec.requests)
	return out
}

func TestReportStatusDelivery(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	e := NewEmitter(srv.URL, "wkey-1", 1, 16, 3, time.Millisecond, discardLogger())
	progress := 40
	e.ReportStatus("job-1", domain.StatusRunning, &progress, "", "worker-1")
	e.Close()

	reqs := rec.all()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(reqs))
	}
	r := reqs[0]
	if r.method != http.MethodPatch || r.path != "/jobs/job-1/status" {
		t.Fatalf("unexpected request %s %s", r.method, r.path)
	}
	if r.key != "wkey-1" {
		t.Fatalf("expected worker key header, got %q", r.key)
	}
	if r.body["status"] != "running" || r.body["progress"] != float64(40) || r.body["worker_id"] != "worker-1" {
		t.Fatalf("unexpected body: %v", r.body)
	}
}

func TestReportStatusSanitizesError(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	e := NewEmitter(srv.URL, "k", 1, 16, 3, time.Millisecond, discardLogger())
	e.ReportStatus("job-1", domain.StatusFailed, nil, "bad api_key in /home/user/cfg", "")
	e.Close()

	reqs := rec.all()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(reqs))
	}
	msg, _ := reqs[0].body["error_message"].(string)
	if strings.Contains(msg, "api_key") || strings.Contains(msg, "/home/") {
		t.Fatalf("error message not sanitized: %q", msg)
	}
	if !strings.Contains(msg, "API_KEY") || !strings.Contains(msg, "/****/") {
		t.Fatalf("expected redaction markers, got %q", msg)
	}
}

func TestRegisterArtifactDelivery(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	e := NewEmitter(srv.URL, "k", 1, 16, 3, time.Millisecond, discardLogger())
	e.RegisterArtifact(domain.Artifact{
		AssetID:     "asset-1",
		JobID:       "job-1",
		Type:        domain.JobTypeImage,
		StoragePath: "jobs/job-1/out.png",
		Filename:    "out.png",
		MimeType:    "image/png",
		FileSize:    1234,
		Width:       512,
		Height:      512,
	})
	e.Close()

	reqs := rec.all()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(reqs))
	}
	r := reqs[0]
	if r.method != http.MethodPost || r.path != "/assets" {
		t.Fatalf("unexpected request %s %s", r.method, r.path)
	}
	if r.body["asset_id"] != "asset-1" || r.body["asset_type"] != "image" || r.body["file_size"] != float64(1234) {
		t.Fatalf("unexpected body: %v", r.body)
	}
	if _, ok := r.body["metadata"]; !ok {
		t.Fatal("expected metadata object present")
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	rec := &recorder{failures: 2}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	e := NewEmitter(srv.URL, "k", 1, 16, 5, time.Millisecond, discardLogger())
	e.ReportStatus("job-1", domain.StatusCompleted, nil, "", "")
	e.Close()

	if got := len(rec.all()); got != 3 {
		t.Fatalf("expected 3 attempts (2 failures + success), got %d", got)
	}
}

func TestDeliveryExhaustsBoundedRetries(t *testing.T) {
	rec := &recorder{failures: 100}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	e := NewEmitter(srv.URL, "k", 1, 16, 3, time.Millisecond, discardLogger())
	e.ReportStatus("job-1", domain.StatusCompleted, nil, "", "")
	e.Close()

	if got := len(rec.all()); got != 3 {
		t.Fatalf("expected exactly maxAttempts=3 attempts, got %d", got)
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	e := NewEmitter(srv.URL, "k", 1, 1, 1, time.Millisecond, discardLogger())

	done := make(chan struct{})
	go func() {
		// First delivery occupies the worker, second fills the buffer,
		// the rest must drop without blocking.
		for i := 0; i < 10; i++ {
			e.ReportStatus("job-x", domain.StatusRunning, nil, "", "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReportStatus blocked on a full queue")
	}
}

func TestSanitizeTruncation(t *testing.T) {
	long := strings.Repeat("x", 2000)
	out := Sanitize(long)
	if len(out) != maxErrorLength+len("... [truncated]") {
		t.Fatalf("unexpected truncated length %d", len(out))
	}
	if !strings.HasSuffix(out, "... [truncated]") {
		t.Fatalf("expected truncation marker, got tail %q", out[len(out)-20:])
	}
}

func TestSanitizeTruncationKeepsValidUTF8(t *testing.T) {
	// Pad so a multi-byte rune straddles the byte cut point.
	long := strings.Repeat("x", maxErrorLength-1) + strings.Repeat("Ж", 200)
	out := Sanitize(long)
	if !utf8.ValidString(out) {
		t.Fatalf("truncation produced invalid UTF-8: %q", out[maxErrorLength-4:maxErrorLength+4])
	}
	if !strings.HasSuffix(out, "... [truncated]") {
		t.Fatalf("expected truncation marker, got tail %q", out[len(out)-20:])
	}
	if len(out) > maxErrorLength+len("... [truncated]") {
		t.Fatalf("truncated message too long: %d", len(out))
	}
}

func TestSanitizeCaseInsensitive(t *testing.T) {
	out := Sanitize("Invalid Token supplied; SeCrEt leaked in /root/worker.log")
	for _, forbidden := range []string{"Token", "SeCrEt", "/root/"} {
		if strings.Contains(out, forbidden) {
			t.Fatalf("expected %q redacted, got %q", forbidden, out)
		}
	}
	for _, marker := range []string{"TOKEN", "SECRET", "/****/"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("expected marker %q, got %q", marker, out)
		}
	}
}
