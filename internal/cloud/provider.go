package cloud

import (
	"context"
	"fmt"

	"github.com/axiomengine/axiom-workers/pkg/domain"
)

// Job is the provider-neutral submission shape. The callback URL rides along
// so the provider can push completion straight to the owning system.
type Job struct {
	TaskName    string         `json:"task"`
	JobID       string         `json:"job_id"`
	UserID      string         `json:"user_id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	Prompt      string         `json:"prompt"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Status is one normalized poll result.
type Status struct {
	State  State
	Output map[string]any
	Error  string
}

// Provider adapts one remote GPU vendor's REST dialect to a uniform
// submit/poll/cancel surface. Provider-specific field names stop here.
type Provider interface {
	Name() string
	Submit(ctx context.Context, job Job) (handle string, err error)
	Poll(ctx context.Context, handle string) (*Status, error)
	Cancel(ctx context.Context, handle string) (bool, error)
}

// NewProvider builds the configured adapter. baseURL overrides the vendor
// default, which tests rely on.
func NewProvider(name, apiKey, baseURL string) (Provider, error) {
	switch name {
	case "runpod":
		return NewRunPod(apiKey, baseURL), nil
	case "vast":
		return NewVast(apiKey, baseURL), nil
	case "lambda":
		return NewLambda(apiKey, baseURL), nil
	case "", "none":
		return nil, &domain.ResourceUnavailableError{Reason: "cloud fallback disabled"}
	default:
		return nil, fmt.Errorf("unknown cloud provider %q", name)
	}
}
