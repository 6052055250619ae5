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

const lambdaDefaultBaseURL = "https://cloud.lambdalabs.com/api/v1"

// lambdalabs launches an on-demand instance for the job, passing the job
// through user data, and polls the instance lifecycle.
type lambdalabs struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
}

func NewLambda(apiKey, baseURL string) Provider {
	if baseURL == "" {
		baseURL = lambdaDefaultBaseURL
	}
	return &lambdalabs{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (l *lambdalabs) Name() string { return "lambda" }

func (l *lambdalabs) do(ctx context.Context, method, url string, body any, out any) error {
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
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpc.Do(req)
	if err != nil {
		return &domain.CloudExecutionError{Provider: l.Name(), Msg: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.CloudExecutionError{Provider: l.Name(), Msg: fmt.Sprintf("%s returned %d", url, resp.StatusCode)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.CloudExecutionError{Provider: l.Name(), Msg: "decode response: " + err.Error()}
		}
	}
	return nil
}

type lambdaInstanceType struct {
	Regions []struct {
		Name string `json:"name"`
	} `json:"regions_with_capacity_available"`
}

func (l *lambdalabs) Submit(ctx context.Context, job Job) (string, error) {
	var types struct {
		Data map[string]lambdaInstanceType `json:"data"`
	}
	if err := l.do(ctx, http.MethodGet, l.baseURL+"/instance-types", nil, &types); err != nil {
		return "", err
	}

	typeName, region := "", ""
	for name, info := range types.Data {
		if len(info.Regions) > 0 && strings.Contains(strings.ToLower(name), "gpu") {
			typeName = name
			region = info.Regions[0].Name
			break
		}
	}
	if typeName == "" {
		return "", &domain.CloudExecutionError{Provider: l.Name(), Msg: "no instances available"}
	}

	jobJSON, _ := json.Marshal(job)
	payload := map[string]any{
		"instance_type_name": typeName,
		"region_name":        region,
		"quantity":           1,
		"ssh_key_names":      []string{},
		"file_system_names":  []string{},
		"user_data":          string(jobJSON),
	}
	var launched struct {
		Data struct {
			InstanceIDs []string `json:"instance_ids"`
		} `json:"data"`
	}
	if err := l.do(ctx, http.MethodPost, l.baseURL+"/instance-operations/launch", payload, &launched); err != nil {
		return "", err
	}
	if len(launched.Data.InstanceIDs) == 0 {
		return "", &domain.CloudExecutionError{Provider: l.Name(), Msg: "launch returned no instance"}
	}
	return launched.Data.InstanceIDs[0], nil
}

func (l *lambdalabs) Poll(ctx context.Context, handle string) (*Status, error) {
	var out struct {
		Data struct {
			Status string         `json:"status"`
			Output map[string]any `json:"output"`
		} `json:"data"`
	}
	if err := l.do(ctx, http.MethodGet, l.baseURL+"/instances/"+handle, nil, &out); err != nil {
		return nil, err
	}
	switch out.Data.Status {
	case "terminated":
		return &Status{State: StateCompleted, Output: out.Data.Output}, nil
	case "unhealthy":
		return &Status{State: StateFailed, Error: "instance unhealthy"}, nil
	case "active":
		return &Status{State: StateRunning}, nil
	default:
		return &Status{State: StateQueued}, nil
	}
}

func (l *lambdalabs) Cancel(ctx context.Context, handle string) (bool, error) {
	payload := map[string]any{"instance_ids": []string{handle}}
	if err := l.do(ctx, http.MethodPost, l.baseURL+"/instance-operations/terminate", payload, nil); err != nil {
		return false, err
	}
	return true, nil
}
