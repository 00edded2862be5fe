// Package n8n is a small client for the n8n public REST API.
package n8n

//go:generate mockgen -source=client.go -destination=n8nmock/mock_api.go -package=n8nmock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/n8n-gateway/internal/models"
)

const (
	// apiPrefix is prepended to every request path.
	apiPrefix = "/api/v1"

	// apiKeyHeader carries the instance API key.
	apiKeyHeader = "X-N8N-API-KEY"

	maxRedirects = 10

	// DefaultTimeout bounds every backend call when the caller does not
	// configure one.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. Workflow exports with
	// many nodes run to a few hundred KiB.
	maxResponseBytes = 4 << 20
)

// API is the backend surface the gateway depends on.
type API interface {
	// Probe checks that creds reach a live instance.
	Probe(ctx context.Context, creds models.Credentials) error
	// Do performs one API request and returns the raw response body.
	Do(ctx context.Context, creds models.Credentials, req Request) (json.RawMessage, error)
}

// Request describes one call relative to /api/v1.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// ErrResponseTooLarge is returned for successful responses whose body
// exceeds the read cap. A truncated document is never returned.
var ErrResponseTooLarge = errors.New("n8n response exceeds 4 MiB")

// TransientError wraps an error that is likely temporary: network
// failures and 429/5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("n8n API returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to any number of n8n instances; credentials are supplied
// per call.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the API key never reaches a
// third party.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a backend client. If httpClient is nil, one with the
// given timeout and a same-host redirect policy is created. A zero
// timeout means DefaultTimeout.
func NewClient(httpClient *http.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       timeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{httpClient: httpClient, timeout: timeout}
}

// NormalizeHost trims whitespace, trailing slashes and a trailing
// /api/v1 from an operator-supplied host and checks it is an absolute
// http(s) URL.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimRight(strings.TrimSpace(raw), "/")
	host = strings.TrimSuffix(host, apiPrefix)
	host = strings.TrimRight(host, "/")

	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parsing host: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("host must use http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return "", errors.New("host is missing a hostname")
	}

	return host, nil
}

// Probe lists at most one workflow. Any failure, including a rejected
// key, means the credentials are unusable.
func (c *Client) Probe(ctx context.Context, creds models.Credentials) error {
	_, err := c.Do(ctx, creds, Request{
		Method: http.MethodGet,
		Path:   "/workflows",
		Query:  url.Values{"limit": []string{"1"}},
	})
	if err != nil {
		return fmt.Errorf("probing %s: %w", creds.Host, err)
	}

	return nil
}

func (c *Client) Do(ctx context.Context, creds models.Credentials, r Request) (json.RawMessage, error) {
	if !creds.Valid() {
		return nil, errors.New("backend credentials incomplete")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := creds.Host + apiPrefix + r.Path
	if len(r.Query) > 0 {
		endpoint += "?" + r.Query.Encode()
	}

	var body io.Reader

	if r.Body != nil {
		payload, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set(apiKeyHeader, creds.APIKey)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("sending %s %s: %w", r.Method, r.Path, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", r.Path, err)
	}

	oversized := len(respBody) > maxResponseBytes
	if oversized {
		respBody = respBody[:maxResponseBytes]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: statusErr}
		}

		return nil, statusErr
	}

	if oversized {
		return nil, fmt.Errorf("reading response from %s: %w", r.Path, ErrResponseTooLarge)
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}

	return json.RawMessage(respBody), nil
}

// errorMessage extracts n8n's {"message": ...} field, falling back to a
// sanitized excerpt of the body.
func errorMessage(body []byte) string {
	var apiErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return sanitizeResponseBody([]byte(apiErr.Message))
	}

	return sanitizeResponseBody(body)
}

// sanitizeResponseBody truncates a response body to 256 bytes and
// replaces non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
