package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// WorkerClient is the container-side client for the orchestrator API.
// It holds only the per-job bearer token; every capability (LLM, secrets,
// outbound HTTP) goes through the host.
type WorkerClient struct {
	baseURL string
	jobID   string
	token   string
	client  *http.Client
}

// NewWorkerClient builds the client from the values the orchestrator
// passed through the environment.
func NewWorkerClient(baseURL, jobID, token string) (*WorkerClient, error) {
	if token == "" {
		return nil, types.ErrMissingToken
	}
	return &WorkerClient{
		baseURL: baseURL,
		jobID:   jobID,
		token:   token,
		client:  &http.Client{Timeout: 180 * time.Second},
	}, nil
}

func (c *WorkerClient) url(suffix string) string {
	return fmt.Sprintf("%s/worker/%s/%s", c.baseURL, c.jobID, suffix)
}

func (c *WorkerClient) post(ctx context.Context, suffix string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSerialization, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(suffix), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker connection: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %s", types.ErrNotAuthorized, raw)
		}
		return fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, raw)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Complete proxies an LLM completion through the host.
func (c *WorkerClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	var resp llm.Response
	if err := c.post(ctx, "llm/complete", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Secret fetches a declared credential by name.
func (c *WorkerClient) Secret(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("secret/"+name), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("worker connection: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", types.ErrNotAuthorized
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Value, nil
}

// ReportStatus sends a progress message.
func (c *WorkerClient) ReportStatus(ctx context.Context, message string) error {
	return c.post(ctx, "status", map[string]string{"message": message}, nil)
}

// AppendEvent records a structured event in the job's log.
func (c *WorkerClient) AppendEvent(ctx context.Context, kind string, payload map[string]any) error {
	return c.post(ctx, "events", map[string]any{"kind": kind, "payload": payload}, nil)
}

// Finish terminates the job with its final result.
func (c *WorkerClient) Finish(ctx context.Context, output string, execErr error) error {
	body := map[string]string{"output": output}
	if execErr != nil {
		body["error"] = execErr.Error()
	}
	return c.post(ctx, "complete", body, nil)
}

// ProxyHTTP performs an outbound request through the host's egress proxy.
func (c *WorkerClient) ProxyHTTP(ctx context.Context, method, targetURL string, headers map[string]string, body string) (int, string, error) {
	var resp struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	err := c.post(ctx, "proxy", map[string]any{
		"method":  method,
		"url":     targetURL,
		"headers": headers,
		"body":    body,
	}, &resp)
	if err != nil {
		return 0, "", err
	}
	return resp.Status, resp.Body, nil
}
