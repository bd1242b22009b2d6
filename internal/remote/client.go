// Package remote talks to the key-issuing API exposed by each configured app.
//
// The contract is two calls against an app's base URL:
//
//	POST {base_url}/keys/create  {"key_id", "tier", "permissions"} -> {"api_key"}
//	PUT  {base_url}/keys/update  {"key_id", "tier", "permissions"}
//
// "permissions" is the canonical PermissionSpec serialized as a JSON string. The
// key id is minted by the caller; the app returns the secret. Calls are never
// retried here: create carries no idempotency token, so a blind retry could
// issue a second key.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"keysync/internal/models"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
	createPath      = "/keys/create"
	updatePath      = "/keys/update"
)

// KeyRequest is the body of both create and update calls
type KeyRequest struct {
	KeyID       string
	Tier        string
	Permissions models.PermissionSpec
}

// CreateResult carries the secret issued by the app
type CreateResult struct {
	APIKey string
}

type wireRequest struct {
	KeyID       string `json:"key_id"`
	Tier        string `json:"tier"`
	Permissions string `json:"permissions"`
}

type createResponse struct {
	APIKey string `json:"api_key"`
}

// Config holds client settings
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Client calls app key APIs over HTTP
type Client struct {
	client    *http.Client
	userAgent string
}

// NewClient creates a client with a bounded per-request timeout
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: cfg.UserAgent,
	}
}

// Create issues a new key with the caller-minted req.KeyID
func (c *Client) Create(ctx context.Context, baseURL string, req KeyRequest) (*CreateResult, error) {
	url := joinURL(baseURL, createPath)

	status, body, err := c.do(ctx, http.MethodPost, url, req)
	if err != nil {
		return nil, &RemoteError{Op: "create", URL: url, StatusCode: status, Err: err}
	}

	var resp createResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &RemoteError{Op: "create", URL: url, StatusCode: status,
			Err: fmt.Errorf("%w: malformed response body: %v", ErrRemoteRejected, err)}
	}
	if resp.APIKey == "" {
		return nil, &RemoteError{Op: "create", URL: url, StatusCode: status,
			Err: fmt.Errorf("%w: response has no api_key", ErrRemoteRejected)}
	}

	return &CreateResult{APIKey: resp.APIKey}, nil
}

// Update changes the tier and permissions of an existing key
func (c *Client) Update(ctx context.Context, baseURL string, req KeyRequest) error {
	url := joinURL(baseURL, updatePath)

	status, _, err := c.do(ctx, http.MethodPut, url, req)
	if err != nil {
		return &RemoteError{Op: "update", URL: url, StatusCode: status, Err: err}
	}
	return nil
}

// do sends the request and returns the status and body of a 2xx response
func (c *Client) do(ctx context.Context, method, url string, req KeyRequest) (int, []byte, error) {
	perms, err := req.Permissions.Canonical()
	if err != nil {
		return 0, nil, err
	}

	payload, err := json.Marshal(wireRequest{KeyID: req.KeyID, Tier: req.Tier, Permissions: perms})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to create request: %v", ErrRemoteUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: failed to read response: %v", ErrRemoteUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, body, fmt.Errorf("%w: %s", ErrRemoteRejected, snippet(body))
	}

	return resp.StatusCode, body, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func snippet(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
