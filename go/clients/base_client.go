package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mcdev12/gavel/go/internal/auctionerrors"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status code: %d, response: %s", e.StatusCode, string(e.Body))
}

// Response is a successful HTTP exchange.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type BaseClient struct {
	baseURL string
	client  *http.Client

	mu      sync.RWMutex
	headers map[string]string
}

func NewBaseClient(baseURL string) *BaseClient {
	return &BaseClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
}

func (c *BaseClient) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

func (c *BaseClient) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// SetHTTPClient swaps the underlying transport client, keeping the timeout.
func (c *BaseClient) SetHTTPClient(client *http.Client) {
	timeout := c.client.Timeout
	c.client = client
	if c.client.Timeout == 0 {
		c.client.Timeout = timeout
	}
}

// MakeRequest performs one request. Transport failures come back wrapped in
// auctionerrors.ErrNetwork or auctionerrors.ErrTimeout, non-2xx answers as
// *APIError.
func (c *BaseClient) MakeRequest(ctx context.Context, method, endpoint string, body io.Reader, extra map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.mu.RLock()
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	c.mu.RUnlock()
	for key, value := range extra {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %w", auctionerrors.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: responseBody}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       responseBody,
	}, nil
}

func (c *BaseClient) Get(ctx context.Context, endpoint string) (*Response, error) {
	return c.MakeRequest(ctx, http.MethodGet, endpoint, nil, nil)
}

func (c *BaseClient) Post(ctx context.Context, endpoint string, body io.Reader, extra map[string]string) (*Response, error) {
	return c.MakeRequest(ctx, http.MethodPost, endpoint, body, extra)
}

func (c *BaseClient) Put(ctx context.Context, endpoint string, body io.Reader) (*Response, error) {
	return c.MakeRequest(ctx, http.MethodPut, endpoint, body, nil)
}

func (c *BaseClient) Delete(ctx context.Context, endpoint string) (*Response, error) {
	return c.MakeRequest(ctx, http.MethodDelete, endpoint, nil, nil)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", auctionerrors.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", auctionerrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: failed to make request: %w", auctionerrors.ErrNetwork, err)
}
