package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/guy-noel/sigfox-platform/internal/models"
)

// ErrNotFound is matched by HTTPError values with a 404 status
var ErrNotFound = errors.New("not found")

// HTTPError is a non-2xx answer from the API
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string

	retryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// APIClient talks to the platform REST API. It implements MessageRepo and OrganizationRepo.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// APIClientOption customizes an APIClient
type APIClientOption func(*APIClient)

// WithMaxRetries sets how many times a transient failure of a delete or an
// organization lookup is retried. Listing calls are never retried.
func WithMaxRetries(n int) APIClientOption {
	return func(c *APIClient) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelays sets the first and the largest retry delay
func WithRetryDelays(base, max time.Duration) APIClientOption {
	return func(c *APIClient) {
		if base > 0 {
			c.baseDelay = base
		}
		if max > 0 {
			c.maxDelay = max
		}
	}
}

// NewAPIClient creates a client for baseURL authenticating with token
func NewAPIClient(baseURL, token string, httpClient *http.Client, opts ...APIClientOption) *APIClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &APIClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListUserMessages lists messages owned by a user
func (c *APIClient) ListUserMessages(ctx context.Context, userID string, filter models.FilterDescriptor) ([]models.Message, error) {
	q, err := filterQuery(filter)
	if err != nil {
		return nil, err
	}
	var out []models.Message
	err = c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/users/%s/Messages?%s", url.PathEscape(userID), q), nil, &out)
	return out, err
}

// ListOrganizationMessages lists messages shared with an organization
func (c *APIClient) ListOrganizationMessages(ctx context.Context, organizationID string, filter models.FilterDescriptor) ([]models.Message, error) {
	q, err := filterQuery(filter)
	if err != nil {
		return nil, err
	}
	var out []models.Message
	err = c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/Organizations/%s/filteredMessages?%s", url.PathEscape(organizationID), q), nil, &out)
	return out, err
}

// DeleteMessage deletes one of the user's messages
func (c *APIClient) DeleteMessage(ctx context.Context, userID, messageID string) error {
	return c.doJSONWithRetry(ctx, http.MethodDelete, fmt.Sprintf("/api/users/%s/Messages/%s", url.PathEscape(userID), url.PathEscape(messageID)), nil, nil)
}

// GetUserOrganization fetches an organization through the user's membership
func (c *APIClient) GetUserOrganization(ctx context.Context, userID, organizationID string) (*models.Organization, error) {
	var out models.Organization
	if err := c.doJSONWithRetry(ctx, http.MethodGet, fmt.Sprintf("/api/users/%s/Organizations/%s", url.PathEscape(userID), url.PathEscape(organizationID)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func filterQuery(filter models.FilterDescriptor) (string, error) {
	data, err := json.Marshal(filter)
	if err != nil {
		return "", fmt.Errorf("encoding filter: %w", err)
	}
	q := url.Values{}
	q.Set("filter", string(data))
	return q.Encode(), nil
}

// doJSON performs a single request
func (c *APIClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}
	httpErr := decodeHTTPError(resp.StatusCode, payload)
	httpErr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	return httpErr
}

// doJSONWithRetry retries transport failures, 429 and 5xx answers up to maxRetries times
func (c *APIClient) doJSONWithRetry(ctx context.Context, method, requestPath string, body any, out any) error {
	if c.maxRetries == 0 {
		return c.doJSON(ctx, method, requestPath, body, out)
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.classify(ctx, c.doJSON(ctx, method, requestPath, body, out))
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxRetries)+1),
		backoff.WithMaxElapsedTime(0),
	)
	var retryable *retryableError
	if errors.As(err, &retryable) {
		return retryable.err
	}
	return err
}

func (c *APIClient) newBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseDelay
	policy.MaxInterval = c.maxDelay
	return policy
}

// classify marks err as permanent unless another attempt could succeed
func (c *APIClient) classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return &retryableError{err: err, after: min(httpErr.retryAfter, c.maxDelay)}
		}
		return backoff.Permanent(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &retryableError{err: err}
	}
	return backoff.Permanent(err)
}

// retryableError carries a server requested delay to backoff.Retry
type retryableError struct {
	err   error
	after time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

func (e *retryableError) As(target any) bool {
	if t, ok := target.(**backoff.RetryAfterError); ok && e.after > 0 {
		*t = &backoff.RetryAfterError{Duration: e.after}
		return true
	}
	return false
}

// decodeHTTPError reads both {"code","message"} and the
// {"error":{"statusCode","code","message"}} envelope of the platform API.
func decodeHTTPError(status int, payload []byte) *HTTPError {
	var flat struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	var nested struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	httpErr := &HTTPError{StatusCode: status}
	if json.Unmarshal(payload, &nested) == nil && nested.Error != nil {
		httpErr.Code = nested.Error.Code
		httpErr.Message = nested.Error.Message
	} else if json.Unmarshal(payload, &flat) == nil {
		httpErr.Code = flat.Code
		httpErr.Message = flat.Message
	}
	if httpErr.Message == "" {
		httpErr.Message = http.StatusText(status)
	}
	return httpErr
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
