package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// EnvRecordshareAddress is the environment variable read by
	// DefaultConfig for the server address.
	EnvRecordshareAddress = "RECORDSHARE_ADDR"

	// EnvRecordshareMaxRetries overrides the retry count.
	EnvRecordshareMaxRetries = "RECORDSHARE_MAX_RETRIES"
)

// Config is used to configure the creation of the client.
type Config struct {
	// Address is the address of the recordshare server. This should be a
	// complete URL such as "http://recordshare.example.com:8300".
	Address string

	// HttpClient is the HTTP client to use. A pooled cleanhttp client is
	// used when nil.
	HttpClient *http.Client

	// MaxRetries controls the maximum number of times to retry when a 5xx
	// error occurs. Set to 0 to disable retrying. Defaults to 2.
	MaxRetries int

	// Timeout applies to each request unless an earlier deadline is set on
	// the context.
	Timeout time.Duration
}

// DefaultConfig returns a config populated from the environment.
func DefaultConfig() *Config {
	config := &Config{
		Address:    "http://127.0.0.1:8300",
		MaxRetries: 2,
		Timeout:    60 * time.Second,
	}

	if addr := os.Getenv(EnvRecordshareAddress); addr != "" {
		config.Address = addr
	}
	if raw := os.Getenv(EnvRecordshareMaxRetries); raw != "" {
		if retries, err := strconv.Atoi(raw); err == nil {
			config.MaxRetries = retries
		}
	}
	return config
}

// Identity carries the caller's resolved tenant identity, injected into the
// tenant-scoped endpoints as headers. The validate endpoint does not need
// one.
type Identity struct {
	TenantID string
	SchoolID string
	ActorID  string
	UserID   string
}

// Client is the API client for the recordshare server.
type Client struct {
	addr  *url.URL
	http  *retryablehttp.Client
	delay time.Duration
}

// NewClient creates a client from the given config, falling back to
// DefaultConfig when nil.
func NewClient(c *Config) (*Client, error) {
	if c == nil {
		c = DefaultConfig()
	}

	addr, err := url.Parse(c.Address)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}

	httpClient := c.HttpClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	if c.Timeout > 0 {
		httpClient.Timeout = c.Timeout
	}

	retryClient := &retryablehttp.Client{
		HTTPClient:   httpClient,
		RetryWaitMin: 1000 * time.Millisecond,
		RetryWaitMax: 1500 * time.Millisecond,
		RetryMax:     c.MaxRetries,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.LinearJitterBackoff,
		Logger:       nil,
	}

	return &Client{addr: addr, http: retryClient}, nil
}

// Address returns the configured server address.
func (c *Client) Address() string {
	return c.addr.String()
}

func (c *Client) do(ctx context.Context, method, path string, id *Identity, body, out any) error {
	u := *c.addr
	u.Path = path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if id != nil {
		req.Header.Set("X-Tenant-ID", id.TenantID)
		if id.SchoolID != "" {
			req.Header.Set("X-School-ID", id.SchoolID)
		}
		if id.ActorID != "" {
			req.Header.Set("X-Actor-ID", id.ActorID)
		}
		if id.UserID != "" {
			req.Header.Set("X-User-ID", id.UserID)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Errors []string `json:"errors"`
		}
		message := resp.Status
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && len(apiErr.Errors) > 0 {
			message = apiErr.Errors[0]
		}
		return &ResponseError{StatusCode: resp.StatusCode, Message: message}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ResponseError is returned for any non-2xx response.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server responded with %d: %s", e.StatusCode, e.Message)
}
