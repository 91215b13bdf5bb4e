package auction_api_client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mcdev12/gavel/go/clients"
	"github.com/mcdev12/gavel/go/internal/auctionerrors"
)

// Envelope is the wrapper every REST response comes in.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// EnvelopeError is a successful HTTP answer whose envelope reports a failure.
type EnvelopeError struct {
	Code    int
	Message string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("api error code %d: %s", e.Code, e.Message)
}

type AuctionApiClient struct {
	*clients.BaseClient
	location *time.Location
}

// Option configures an AuctionApiClient.
type Option func(*AuctionApiClient)

// WithLocation sets the zone used for server timestamps that carry none.
func WithLocation(loc *time.Location) Option {
	return func(c *AuctionApiClient) {
		if loc != nil {
			c.location = loc
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *AuctionApiClient) {
		c.SetHTTPClient(hc)
	}
}

func NewAuctionApiClient(baseURL, authToken string, timeout time.Duration, opts ...Option) *AuctionApiClient {
	client := &AuctionApiClient{
		BaseClient: clients.NewBaseClient(baseURL),
		location:   time.UTC,
	}
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	if authToken != "" {
		client.SetHeader(AuthorizationHeader, "Bearer "+authToken)
	}
	client.SetHeader("Accept", "application/json")

	for _, opt := range opts {
		opt(client)
	}
	return client
}

// do runs a request and decodes the envelope's result into out (if non-nil).
func (c *AuctionApiClient) do(ctx context.Context, method, endpoint string, body any, extra map[string]string, out any) (*clients.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	resp, err := c.MakeRequest(ctx, method, endpoint, reader, extra)
	if err != nil {
		return nil, err
	}

	if len(resp.Body) == 0 {
		return resp, nil
	}

	var env Envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		if out == nil {
			return resp, nil
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(resp.Body))
	}
	if env.Code != 0 && env.Code != CodeOK {
		return nil, &EnvelopeError{Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return resp, nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w, raw result: %s", err, string(env.Result))
	}
	return resp, nil
}

// apiMessage pulls the human message out of an error body, if any.
func apiMessage(apiErr *clients.APIError) string {
	var env Envelope
	if err := json.Unmarshal(apiErr.Body, &env); err == nil && env.Message != "" {
		return env.Message
	}
	return string(apiErr.Body)
}

// asAPIError reports whether err is a non-2xx answer with one of the given codes.
func asAPIError(err error, codes ...int) (*clients.APIError, bool) {
	var apiErr *clients.APIError
	if !errors.As(err, &apiErr) {
		return nil, false
	}
	if len(codes) == 0 {
		return apiErr, true
	}
	for _, code := range codes {
		if apiErr.StatusCode == code {
			return apiErr, true
		}
	}
	return apiErr, false
}

// mapValidation turns 400/422 answers, in the status line or the envelope,
// into validation errors.
func mapValidation(err error) error {
	if apiErr, ok := asAPIError(err, http.StatusBadRequest, http.StatusUnprocessableEntity); ok {
		return &auctionerrors.ValidationError{Reason: apiMessage(apiErr)}
	}
	var envErr *EnvelopeError
	if errors.As(err, &envErr) && isValidationCode(envErr.Code) {
		return &auctionerrors.ValidationError{Reason: envErr.Message}
	}
	return err
}

func isValidationCode(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusUnprocessableEntity
}

// serverTime reads the Date header of a response.
func serverTime(resp *clients.Response) time.Time {
	if resp == nil {
		return time.Time{}
	}
	t, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return time.Time{}
	}
	return t
}
