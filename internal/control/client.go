package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/postalsys/opendq/internal/engine"
	"github.com/postalsys/opendq/internal/link"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status: %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Status retrieves the agent status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Stats retrieves the statistics of the current or last run.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var stats StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Links retrieves the link counters.
func (c *Client) Links(ctx context.Context) (*LinksResponse, error) {
	var links LinksResponse
	if err := c.do(ctx, http.MethodGet, "/links", nil, &links); err != nil {
		return nil, err
	}
	return &links, nil
}

// OpenLink asks the agent to open another port.
func (c *Client) OpenLink(ctx context.Context, req OpenLinkRequest) (*link.Stats, error) {
	var st link.Stats
	if err := c.do(ctx, http.MethodPost, "/links", req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Configure sets the parameters of the next experiment.
func (c *Client) Configure(ctx context.Context, req ConfigureRequest) (*engine.Status, error) {
	var st engine.Status
	if err := c.do(ctx, http.MethodPost, "/configure", req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Start starts an experiment.
func (c *Client) Start(ctx context.Context) (*engine.RunInfo, error) {
	var resp RunResponse
	if err := c.do(ctx, http.MethodPost, "/start", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Run, nil
}

// Stop stops the running experiment.
func (c *Client) Stop(ctx context.Context) (*engine.RunInfo, error) {
	var resp RunResponse
	if err := c.do(ctx, http.MethodPost, "/stop", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Run, nil
}

// Reset clears the statistics of the current run.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reset", nil, nil)
}

// do performs a request against the control socket and decodes the JSON
// response into out when it is not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	// Use a dummy host since we're connecting via Unix socket
	url := "http://localhost" + path

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
