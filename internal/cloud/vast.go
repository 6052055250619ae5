package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/axiomengine/axiom-workers/pkg/domain"
)

const vastDefaultBaseURL = "https://vast.ai/api/v0"

// vast rents a marketplace instance per job: search offers, take the
// cheapest, start it with the job baked into the environment, and poll the
// instance state until the job container exits.
type vast struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

func NewVast(apiKey, baseURL string) Provider {
	if baseURL == "" {
		baseURL = vastDefaultBaseURL
	}
	return &vast{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (v *vast) Name() string { return "vast" }

func (v *vast) do(ctx context.Context, method, url string, body any, out any) error {
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
	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpc.Do(req)
	if err != nil {
		return &domain.CloudExecutionError{Provider: v.Name(), Msg: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.CloudExecutionError{Provider: v.Name(), Msg: fmt.Sprintf("%s returned %d", url, resp.StatusCode)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.CloudExecutionError{Provider: v.Name(), Msg: "decode response: " + err.Error()}
		}
	}
	return nil
}

type vastOffer struct {
	ID       int64   `json:"id"`
	DPHTotal float64 `json:"dph_total"`
}

func (v *vast) Submit(ctx context.Context, job Job) (string, error) {
	var search struct {
		Offers []vastOffer `json:"offers"`
	}
	url := v.baseURL + "/bundles?gpu_ram=12&verified=true&rentable=true"
	if err := v.do(ctx, http.MethodGet, url, nil, &search); err != nil {
		return "", err
	}
	if len(search.Offers) == 0 {
		return "", &domain.CloudExecutionError{Provider: v.Name(), Msg: "no suitable instances available"}
	}

	best := search.Offers[0]
	cheapest := math.Inf(1)
	for _, o := range search.Offers {
		if o.DPHTotal < cheapest {
			cheapest = o.DPHTotal
			best = o
		}
	}

	params, _ := json.Marshal(job.Parameters)
	payload := map[string]any{
		"image": "axiomengine/worker:latest",
		"disk":  50,
		"env": map[string]string{
			"TASK_NAME":    job.TaskName,
			"JOB_ID":       job.JobID,
			"USER_ID":      job.UserID,
			"PROJECT_ID":   job.ProjectID,
			"PROMPT":       job.Prompt,
			"PARAMETERS":   string(params),
			"CALLBACK_URL": job.CallbackURL,
		},
	}
	var created struct {
		NewContract int64 `json:"new_contract"`
	}
	if err := v.do(ctx, http.MethodPut, fmt.Sprintf("%s/asks/%d", v.baseURL, best.ID), payload, &created); err != nil {
		return "", err
	}
	if created.NewContract == 0 {
		return "", &domain.CloudExecutionError{Provider: v.Name(), Msg: "instance creation returned no contract"}
	}
	return fmt.Sprintf("%d", created.NewContract), nil
}

func (v *vast) Poll(ctx context.Context, handle string) (*Status, error) {
	var out struct {
		Instances struct {
			ActualStatus string         `json:"actual_status"`
			StatusMsg    string         `json:"status_msg"`
			Output       map[string]any `json:"output"`
		} `json:"instances"`
	}
	if err := v.do(ctx, http.MethodGet, v.baseURL+"/instances/"+handle, nil, &out); err != nil {
		return nil, err
	}
	switch out.Instances.ActualStatus {
	case "exited":
		return &Status{State: StateCompleted, Output: out.Instances.Output}, nil
	case "error":
		msg := out.Instances.StatusMsg
		if msg == "" {
			msg = "instance failed"
		}
		return &Status{State: StateFailed, Error: msg}, nil
	case "running":
		return &Status{State: StateRunning}, nil
	default:
		return &Status{State: StateQueued}, nil
	}
}

func (v *vast) Cancel(ctx context.Context, handle string) (bool, error) {
	if err := v.do(ctx, http.MethodDelete, v.baseURL+"/instances/"+handle, nil, nil); err != nil {
		return false, err
	}
	return true, nil
}
