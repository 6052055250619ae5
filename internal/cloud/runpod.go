package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/axiomengine/axiom-workers/pkg/domain"
)

const runpodDefaultBaseURL = "https://api.runpod.io/v2"

// runpod drives a serverless endpoint. The configured key is
// "apiKey:endpointId"; the endpoint id is part of every URL.
type runpod struct {
	apiKey     string
	endpointID string
	baseURL    string
	httpc      *http.Client
}

func NewRunPod(apiKey, baseURL string) Provider {
	endpointID := ""
	if i := strings.IndexByte(apiKey, ':'); i >= 0 {
		endpointID = apiKey[i+1:]
		apiKey = apiKey[:i]
	}
	if baseURL == "" {
		baseURL = runpodDefaultBaseURL
	}
	return &runpod{
		apiKey:     apiKey,
		endpointID: endpointID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpc:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *runpod) Name() string { return "runpod" }

func (r *runpod) do(ctx context.Context, method, url string, body any, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return &domain.CloudExecutionError{Provider: r.Name(), Msg: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.CloudExecutionError{Provider: r.Name(), Msg: fmt.Sprintf("%s returned %d", url, resp.StatusCode)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.CloudExecutionError{Provider: r.Name(), Msg: "decode response: " + err.Error()}
		}
	}
	return nil
}

func (r *runpod) Submit(ctx context.Context, job Job) (string, error) {
	if r.endpointID == "" {
		return "", &domain.CloudExecutionError{Provider: r.Name(), Msg: "endpoint id not configured"}
	}
	var out struct {
		ID string `json:"id"`
	}
	url := fmt.Sprintf("%s/%s/run", r.baseURL, r.endpointID)
	if err := r.do(ctx, http.MethodPost, url, map[string]any{"input": job}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &domain.CloudExecutionError{Provider: r.Name(), Msg: "submit returned no run id"}
	}
	return out.ID, nil
}

func (r *runpod) Poll(ctx context.Context, handle string) (*Status, error) {
	var out struct {
		Status string         `json:"status"`
		Output map[string]any `json:"output"`
		Error  string         `json:"error"`
	}
	url := fmt.Sprintf("%s/%s/status/%s", r.baseURL, r.endpointID, handle)
	if err := r.do(ctx, http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	switch out.Status {
	case "COMPLETED":
		return &Status{State: StateCompleted, Output: out.Output}, nil
	case "FAILED":
		msg := out.Error
		if msg == "" {
			msg = "unknown error"
		}
		return &Status{State: StateFailed, Error: msg}, nil
	case "IN_QUEUE":
		return &Status{State: StateQueued}, nil
	case "IN_PROGRESS":
		return &Status{State: StateRunning}, nil
	default:
		return nil, &domain.CloudExecutionError{Provider: r.Name(), Msg: "unknown status " + out.Status}
	}
}

func (r *runpod) Cancel(ctx context.Context, handle string) (bool, error) {
	url := fmt.Sprintf("%s/%s/cancel/%s", r.baseURL, r.endpointID, handle)
	if err := r.do(ctx, http.MethodPost, url, nil, nil); err != nil {
		return false, err
	}
	return true, nil
}
