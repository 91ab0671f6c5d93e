// Package agent provides an HTTP client for the direct-to-cloud command service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Command names understood by direct-to-cloud agents.
const (
	CommandKill    = "kill"
	CommandBackup  = "backup"
	CommandPrepare = "prepare"
)

// TransportError is a failed exchange with a remote agent or service.
// StatusCode is zero when no HTTP response was received.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport: %s", e.Message)
	}
	return fmt.Sprintf("transport: status %d: %s", e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is a connectivity problem that a
// later attempt may not hit.
func (e *TransportError) Retryable() bool {
	switch e.StatusCode {
	case 0, http.StatusRequestTimeout, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client is an HTTP client for sending commands to direct-to-cloud agents.
type Client struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new command client.
func NewClient(serverURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		serverURL: serverURL,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CommandRequest is the body of a command submission.
type CommandRequest struct {
	ID      uuid.UUID `json:"id"`
	Command string    `json:"command"`
}

// CommandResponse acknowledges a submitted command.
type CommandResponse struct {
	ID       uuid.UUID `json:"id"`
	Accepted bool      `json:"accepted"`
	Message  string    `json:"message,omitempty"`
}

// SendCommand submits a command for the asset's agent.
func (c *Client) SendCommand(ctx context.Context, assetKey, command string) error {
	req := &CommandRequest{ID: uuid.New(), Command: command}
	var resp CommandResponse

	path := "/api/v1/assets/" + url.PathEscape(assetKey) + "/commands"
	if err := c.post(ctx, path, req, &resp); err != nil {
		return fmt.Errorf("send %s command: %w", command, err)
	}
	if !resp.Accepted {
		return &TransportError{StatusCode: http.StatusConflict, Message: "command rejected: " + resp.Message}
	}
	return nil
}

// AgentStatus is the cloud's view of a direct-to-cloud agent.
type AgentStatus struct {
	AssetKey   string    `json:"asset_key"`
	Online     bool      `json:"online"`
	Running    bool      `json:"running"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// GetStatus retrieves the cloud-side status of an agent.
func (c *Client) GetStatus(ctx context.Context, assetKey string) (*AgentStatus, error) {
	var st AgentStatus
	if err := c.get(ctx, "/api/v1/assets/"+url.PathEscape(assetKey)+"/status", &st); err != nil {
		return nil, fmt.Errorf("get agent status: %w", err)
	}
	return &st, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return &TransportError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}

	if result != nil && len(body) > 0 {
		return json.Unmarshal(body, result)
	}
	return nil
}
