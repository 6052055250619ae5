package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/axiomengine/axiom-workers/internal/workflow"
	"github.com/axiomengine/axiom-workers/pkg/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client talks to the local inference engine: HTTP for submission and file
// transfer, a websocket for the execution event stream. One client is scoped
// to one worker; the clientId ties socket events to this worker's submissions.
type Client struct {
	baseURL  string
	clientID string
	httpc    *http.Client
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: uuid.NewString(),
		httpc:    &http.Client{Timeout: 30 * time.Second},
		dialer:   websocket.DefaultDialer,
		logger:   logger,
	}
}

func (c *Client) ClientID() string { return c.clientID }

type submitRequest struct {
	Graph    workflow.Graph `json:"graph"`
	ClientID string         `json:"client_id"`
}

type submitResponse struct {
	SubmissionID string `json:"submission_id"`
	Error        string `json:"error,omitempty"`
}

// Submit queues a parameterized graph and returns the engine's submission id.
func (c *Client) Submit(ctx context.Context, g workflow.Graph) (string, error) {
	body, err := json.Marshal(submitRequest{Graph: g, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("marshal graph: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit graph: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &domain.ExecutionError{Msg: fmt.Sprintf("engine submit returned %d", resp.StatusCode)}
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.Error != "" {
		return "", &domain.ExecutionError{Msg: out.Error}
	}
	if out.SubmissionID == "" {
		return "", &domain.ExecutionError{Msg: "engine submit returned no submission id"}
	}
	return out.SubmissionID, nil
}

// historyEntry is the engine's post-hoc record of one submission.
type historyEntry struct {
	Outputs map[string][]OutputRef `json:"outputs"`
}

// History returns output references recorded for a submission, flattened in
// node order. Used as the recovery path when the event socket drops.
func (c *Client) History(ctx context.Context, submissionID string) ([]OutputRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(submissionID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine history returned %d", resp.StatusCode)
	}

	var hist map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	entry, ok := hist[submissionID]
	if !ok {
		return nil, nil
	}
	var refs []OutputRef
	for _, nodeRefs := range entry.Outputs {
		refs = append(refs, nodeRefs...)
	}
	return refs, nil
}

// QueueStatus returns the engine's raw queue view.
func (c *Client) QueueStatus(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch engine queue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine queue returned %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Interrupt aborts whatever the engine is currently executing. Advisory; the
// engine may finish the in-flight node before honoring it.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("interrupt engine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine interrupt returned %d", resp.StatusCode)
	}
	return nil
}

// UploadInput pushes source media to the engine's input folder and returns
// the reference the graph should use to address it.
func (c *Client) UploadInput(ctx context.Context, data []byte, name, folder string) (*OutputRef, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if folder != "" {
		if err := w.WriteField("folder", folder); err != nil {
			return nil, err
		}
	}
	if err := w.WriteField("overwrite", "true"); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload input: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine upload returned %d", resp.StatusCode)
	}
	var ref OutputRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &ref, nil
}

// FetchOutput downloads the bytes behind an output reference.
func (c *Client) FetchOutput(ctx context.Context, ref OutputRef) ([]byte, error) {
	q := url.Values{}
	q.Set("name", ref.Name)
	if ref.Folder != "" {
		q.Set("folder", ref.Folder)
	}
	kind := ref.Kind
	if kind == "" {
		kind = "output"
	}
	q.Set("kind", kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fetch?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch output %s: %w", ref.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine fetch %s returned %d", ref.Name, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Healthy reports whether the engine answers its queue endpoint. Failures are
// an availability signal, not an error.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.QueueStatus(ctx)
	return err == nil
}

// socketURL derives the event socket address from the HTTP base URL.
func (c *Client) socketURL() string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/events?clientId=" + url.QueryEscape(c.clientID)
}
