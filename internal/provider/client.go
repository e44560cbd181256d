package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/prepaid/internal/txlog"
)

// MetricsRecorder is an optional interface for counting provider failures.
type MetricsRecorder interface {
	IncProviderError(provider, errorType string)
}

// APIError is a non-transient rejection returned by a provider.
type APIError struct {
	Provider txlog.Provider
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Status, e.Message)
}

// Client is a JSON-over-HTTP client shared by the provider packages. Every
// call carries its own timeout.
type Client struct {
	name    txlog.Provider
	baseURL string
	secret  string
	timeout time.Duration
	http    *http.Client
	metrics MetricsRecorder
}

// NewClient creates a client authenticating with a bearer secret. A nil
// httpClient uses a fresh http.Client.
func NewClient(name txlog.Provider, baseURL, secret string, timeout time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		timeout: timeout,
		http:    httpClient,
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Client) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Name returns the provider this client talks to.
func (c *Client) Name() txlog.Provider { return c.name }

// Do sends body as JSON and decodes the response into out. Transport
// failures, timeouts, 429 and 5xx responses wrap ErrProviderUnavailable;
// other non-2xx responses are returned as *APIError.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	if c.secret == "" {
		return fmt.Errorf("%s: %w", c.name, ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", c.name, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", c.name, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		kind := ClassifyError(err)
		c.countError(kind)
		return fmt.Errorf("%s %s %s (%s): %w", c.name, method, path, kind, ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.countError("read")
		return fmt.Errorf("reading %s response: %w", c.name, ErrProviderUnavailable)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		c.countError(fmt.Sprintf("http_%d", resp.StatusCode))
		return fmt.Errorf("%s returned %d: %w", c.name, resp.StatusCode, ErrProviderUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.countError("rejected")
		return &APIError{Provider: c.name, Status: resp.StatusCode, Message: extractMessage(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.countError("decode")
		return fmt.Errorf("decoding %s response: %w", c.name, ErrMalformedPayload)
	}
	return nil
}

func (c *Client) countError(kind string) {
	if c.metrics != nil {
		c.metrics.IncProviderError(string(c.name), kind)
	}
}

// ClassifyError names the kind of transport failure behind err.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return "timeout"
	}
	return "other"
}

func extractMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
