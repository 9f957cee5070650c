package httpclient

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

	"github.com/rmacdonaldsmith/relaymesh/pkg/relaynode"
)

// ErrNotAuthenticated is returned by calls that need a token before Authenticate
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// Client provides HTTP client for the relay node API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new relay node HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate authenticates with the relay node and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	var authResp AuthResponse
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", nil, map[string]string{"clientId": c.config.ClientID}, &authResp, false)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	c.token = authResp.Token
	return nil
}

// SubmitMessage hands a message to the node. The returned ID can be polled
// with GetMessage.
func (c *Client) SubmitMessage(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/messages", nil, req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to submit message: %w", err)
	}
	return &resp, nil
}

// GetMessage returns the status of a message, with its contents when withContents is set
func (c *Client) GetMessage(ctx context.Context, id string, withContents bool) (*MessageResponse, error) {
	var query url.Values
	if withContents {
		query = url.Values{"contents": []string{"true"}}
	}
	var resp MessageResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/messages/"+url.PathEscape(id), query, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &resp, nil
}

// ListNodes returns the node's view of the cluster
func (c *Client) ListNodes(ctx context.Context) (*NodesResponse, error) {
	var resp NodesResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/cluster/nodes", nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return &resp, nil
}

// GetHealth returns the health status of the relay node. An unhealthy node
// answers 503; its body is still decoded and returned with a nil error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, nil, &resp, false)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable && resp.NodeID != "" {
		return &resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// AdminCache returns the node's cache contents (admin only)
func (c *Client) AdminCache(ctx context.Context) (*relaynode.CacheSnapshot, error) {
	var resp relaynode.CacheSnapshot
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/cache", nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return &resp, nil
}

// doRequest performs an HTTP request with optional authentication. Requests
// answered 503 are retried up to MaxRetries times.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, reqBody, respBody any, requireAuth bool) error {
	if requireAuth && c.token == "" {
		return ErrNotAuthenticated
	}

	u := &url.URL{Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u).String()

	var payload []byte
	if reqBody != nil {
		var err error
		if payload, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		err := c.roundTrip(ctx, method, fullURL, payload, respBody, requireAuth)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable || attempt >= c.config.MaxRetries {
			return err
		}
		select {
		case <-time.After(c.config.RetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, fullURL string, payload []byte, respBody any, requireAuth bool) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(bodyBytes))}
		var errResp ErrorResponse
		if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		if respBody != nil {
			json.Unmarshal(bodyBytes, respBody)
		}
		return apiErr
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// IsAuthenticated returns whether the client has a valid token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}

// IsNotFound reports whether err is an API 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
