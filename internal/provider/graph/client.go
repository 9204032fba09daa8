package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
)

// APIError is a non-success response from the REST API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph API error (%d) %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("graph API error (%d): %s", e.Status, e.Message)
}

// isRejected reports whether err is the API refusing a query shape
// rather than failing outright.
func isRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusNotImplemented
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is a thin HTTP client for the Graph mail API. It attaches a
// bearer token from its token source and retries throttled requests
// with exponential backoff.
type Client struct {
	baseURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
}

// NewClient returns a client rooted at baseURL.
func NewClient(baseURL string, tokens oauth2.TokenSource, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		timeout:    timeout,
		maxRetries: 3,
	}
}

// Get performs a GET and unmarshals the JSON response. path may be a
// path under the base URL or an absolute next-page link.
func (c *Client) Get(ctx context.Context, path string, result any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil, "", "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshaling response from GET %s: %w", path, err)
	}
	return nil
}

// Raw performs a GET and returns the response body unparsed.
func (c *Client) Raw(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil, "", "*/*")
}

// Post sends payload with the given content type and unmarshals a JSON
// response into result when it is non-nil.
func (c *Client) Post(ctx context.Context, path, contentType string, payload []byte, result any) error {
	body, err := c.do(ctx, http.MethodPost, path, payload, contentType, "application/json")
	if err != nil {
		return err
	}
	if result == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshaling response from POST %s: %w", path, err)
	}
	return nil
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, "", "application/json")
	return err
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}
	return c.baseURL + path
}

// do builds the request, authenticates it and handles throttling.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	payload []byte,
	contentType string,
	accept string,
) ([]byte, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, tokenError(err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		status, header, body, err := c.once(ctx, method, path, payload, contentType, accept, token)
		if err != nil {
			return nil, err
		}

		if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
			wait := retryAfterDuration(header, attempt)
			lastErr = fmt.Errorf("throttled (%d) on %s %s", status, method, path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
				continue
			}
		}

		if status == http.StatusUnauthorized {
			return nil, &provider.AuthError{
				Kind:    model.AccountKindGraph,
				Message: fmt.Sprintf("token rejected (401) on %s %s", method, path),
			}
		}

		if status < 200 || status >= 300 {
			return nil, decodeAPIError(status, body)
		}

		return body, nil
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

func (c *Client) once(
	ctx context.Context,
	method string,
	path string,
	payload []byte,
	contentType string,
	accept string,
	token *oauth2.Token,
) (int, http.Header, []byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), bodyReader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("creating request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", accept)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("executing request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func decodeAPIError(status int, body []byte) error {
	var envelope errorResponse
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
		return &APIError{Status: status, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
}

func tokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &provider.AuthError{
			Kind:    model.AccountKindGraph,
			Message: fmt.Sprintf("token request failed (%d): %s", status, retrieveErr.ErrorCode),
		}
	}
	return fmt.Errorf("acquiring token: %w", err)
}

// retryAfterDuration reads the Retry-After header and falls back to
// exponential backoff capped at 30s.
func retryAfterDuration(header http.Header, attempt int) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
