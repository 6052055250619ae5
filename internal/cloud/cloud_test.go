package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/axiomengine/axiom-workers/pkg/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob() Job {
	return Job{
		TaskName:    "generate_image",
		JobID:       "job-1",
		Prompt:      "a red cube",
		Parameters:  map[string]any{"width": 512},
		CallbackURL: "http://backend.local/v1/internal/cloud-callback",
	}
}

// fakeRunPod serves the serverless dialect with a scripted status sequence.
func fakeRunPod(t *testing.T, statuses []string, cancelled *atomic.Bool) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ep-1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var payload struct {
			Input Job `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if payload.Input.CallbackURL == "" {
			http.Error(w, "missing callback url", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "run-9"})
	})
	mux.HandleFunc("GET /ep-1/status/run-9", func(w http.ResponseWriter, r *http.Request) {
		i := int(polls.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		resp := map[string]any{"status": statuses[i]}
		if statuses[i] == "COMPLETED" {
			resp["output"] = map[string]any{"assets": []any{"a.png"}}
		}
		if statuses[i] == "FAILED" {
			resp["error"] = "worker crashed"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("POST /ep-1/cancel/run-9", func(w http.ResponseWriter, r *http.Request) {
		if cancelled != nil {
			cancelled.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunPodExecuteCompletes(t *testing.T) {
	srv := fakeRunPod(t, []string{"IN_QUEUE", "IN_PROGRESS", "COMPLETED"}, nil)
	h := NewHandler(NewRunPod("key-123:ep-1", srv.URL), discardLogger())
	h.pollInterval = time.Millisecond

	out, err := h.Execute(context.Background(), domain.JobTypeImage, testJob(), time.Minute)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out["assets"] == nil {
		t.Fatalf("expected provider output, got %v", out)
	}
}

func TestRunPodExecuteFailure(t *testing.T) {
	srv := fakeRunPod(t, []string{"IN_PROGRESS", "FAILED"}, nil)
	h := NewHandler(NewRunPod("key-123:ep-1", srv.URL), discardLogger())
	h.pollInterval = time.Millisecond

	_, err := h.Execute(context.Background(), domain.JobTypeImage, testJob(), time.Minute)
	var cloudErr *domain.CloudExecutionError
	if !errors.As(err, &cloudErr) {
		t.Fatalf("expected CloudExecutionError, got %v", err)
	}
	if cloudErr.Msg != "worker crashed" {
		t.Fatalf("expected provider error text, got %q", cloudErr.Msg)
	}
}

func TestRunPodExecuteTimesOutAndCancels(t *testing.T) {
	var cancelled atomic.Bool
	srv := fakeRunPod(t, []string{"IN_PROGRESS"}, &cancelled)
	h := NewHandler(NewRunPod("key-123:ep-1", srv.URL), discardLogger())
	h.pollInterval = time.Millisecond

	_, err := h.Execute(context.Background(), domain.JobTypeImage, testJob(), 20*time.Millisecond)
	var cloudErr *domain.CloudExecutionError
	if !errors.As(err, &cloudErr) {
		t.Fatalf("expected CloudExecutionError, got %v", err)
	}
	if cloudErr.Msg != "execution timed out" {
		t.Fatalf("expected timeout message, got %q", cloudErr.Msg)
	}
	if !cancelled.Load() {
		t.Fatal("expected best-effort cancel after timeout")
	}
}

func TestRunPodExecuteCancelsProviderOnContextCancel(t *testing.T) {
	var cancelled atomic.Bool
	srv := fakeRunPod(t, []string{"IN_PROGRESS"}, &cancelled)
	h := NewHandler(NewRunPod("key-123:ep-1", srv.URL), discardLogger())
	h.pollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := h.Execute(ctx, domain.JobTypeImage, testJob(), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// The cancel request must reach the provider even though the run context
	// is already dead.
	if !cancelled.Load() {
		t.Fatal("provider cancel endpoint was never reached after context cancellation")
	}
}

func TestRunPodMissingEndpointID(t *testing.T) {
	p := NewRunPod("key-without-endpoint", "http://unused")
	if _, err := p.Submit(context.Background(), testJob()); err == nil {
		t.Fatal("expected error without endpoint id")
	}
}

func TestVastSubmitPicksCheapestOffer(t *testing.T) {
	var rentedOffer atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /bundles", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"offers": []map[string]any{
				{"id": 11, "dph_total": 0.80},
				{"id": 22, "dph_total": 0.35},
				{"id": 33, "dph_total": 1.20},
			},
		})
	})
	mux.HandleFunc("PUT /asks/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		rentedOffer.Store(id)
		_ = json.NewEncoder(w).Encode(map[string]any{"new_contract": 777})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := NewVast("vast-key", srv.URL)
	handle, err := p.Submit(context.Background(), testJob())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle != "777" {
		t.Fatalf("expected contract handle 777, got %s", handle)
	}
	if rentedOffer.Load() != 22 {
		t.Fatalf("expected cheapest offer 22 rented, got %d", rentedOffer.Load())
	}
}

func TestVastPollStates(t *testing.T) {
	status := "running"
	mux := http.NewServeMux()
	mux.HandleFunc("GET /instances/777", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"instances": map[string]any{"actual_status": status},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := NewVast("vast-key", srv.URL)
	st, err := p.Poll(context.Background(), "777")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if st.State != StateRunning {
		t.Fatalf("expected running, got %s", st.State)
	}

	status = "exited"
	st, _ = p.Poll(context.Background(), "777")
	if st.State != StateCompleted {
		t.Fatalf("expected completed for exited instance, got %s", st.State)
	}
}

func TestLambdaSubmitAndPoll(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /instance-types", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"cpu_small": map[string]any{"regions_with_capacity_available": []any{}},
				"gpu_1x_a100": map[string]any{
					"regions_with_capacity_available": []map[string]string{{"name": "us-east-1"}},
				},
			},
		})
	})
	mux.HandleFunc("POST /instance-operations/launch", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["instance_type_name"] != "gpu_1x_a100" {
			http.Error(w, "wrong type", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"instance_ids": []string{"inst-5"}},
		})
	})
	mux.HandleFunc("GET /instances/inst-5", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"status": "active"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := NewLambda("lambda-key", srv.URL)
	handle, err := p.Submit(context.Background(), testJob())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle != "inst-5" {
		t.Fatalf("expected inst-5, got %s", handle)
	}
	st, err := p.Poll(context.Background(), handle)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if st.State != StateRunning {
		t.Fatalf("expected running, got %s", st.State)
	}
}

func TestNewProviderSelection(t *testing.T) {
	if _, err := NewProvider("none", "", ""); err == nil {
		t.Fatal("expected error when fallback disabled")
	}
	if _, err := NewProvider("bogus", "k", ""); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	p, err := NewProvider("runpod", "k:e", "")
	if err != nil || p.Name() != "runpod" {
		t.Fatalf("expected runpod provider, got %v err=%v", p, err)
	}
}
