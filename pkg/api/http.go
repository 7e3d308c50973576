package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"github.com/taskdeck/taskdeck.go/pkg/logger"
	"github.com/taskdeck/taskdeck.go/pkg/models"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPClient is the production implementation of Client over REST.
//
// Idempotent operations (update, delete, fetch, mark-read) are retried
// with exponential backoff on transient failures; create is never
// retried, so a slow server cannot produce duplicate records. All calls
// go through a shared circuit breaker.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
	logger     logger.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = log }
}

// WithMaxRetries caps transient retries for idempotent operations.
// Zero disables retrying.
func WithMaxRetries(n uint64) HTTPOption {
	return func(c *HTTPClient) { c.maxRetries = n }
}

// NewHTTPClient builds an HTTPClient against baseURL, authenticating
// every request with the given bearer token.
func NewHTTPClient(baseURL, token string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		maxRetries: 2,
		logger:     logger.Nop(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "taskdeck-api",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) Create(ctx context.Context, kind models.Kind, payload any) (*ServerRecord, error) {
	return c.doRecord(ctx, http.MethodPost, c.collectionPath(kind), payload, false, kind, "")
}

func (c *HTTPClient) Update(ctx context.Context, kind models.Kind, id string, patch models.Patch) (*ServerRecord, error) {
	return c.doRecord(ctx, http.MethodPatch, c.recordPath(kind, id), patch, true, kind, id)
}

func (c *HTTPClient) Delete(ctx context.Context, kind models.Kind, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.recordPath(kind, id), nil, true, kind, id)
	return err
}

func (c *HTTPClient) Fetch(ctx context.Context, kind models.Kind, id string) (*ServerRecord, error) {
	return c.doRecord(ctx, http.MethodGet, c.recordPath(kind, id), nil, true, kind, id)
}

func (c *HTTPClient) MarkNotificationRead(ctx context.Context, id string) error {
	path := fmt.Sprintf("/api/notifications/%s/read", id)
	_, err := c.do(ctx, http.MethodPost, path, nil, true, models.KindNotification, id)
	return err
}

func (c *HTTPClient) MarkAllNotificationsRead(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, true, models.KindNotification, "")
	return err
}

func (c *HTTPClient) collectionPath(kind models.Kind) string {
	return fmt.Sprintf("/api/%ss", kind)
}

func (c *HTTPClient) recordPath(kind models.Kind, id string) string {
	return fmt.Sprintf("/api/%ss/%s", kind, id)
}

func (c *HTTPClient) doRecord(ctx context.Context, method, path string, body any, idempotent bool, kind models.Kind, id string) (*ServerRecord, error) {
	raw, err := c.do(ctx, method, path, body, idempotent, kind, id)
	if err != nil {
		return nil, err
	}
	rec, err := ParseServerRecord(raw)
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("malformed server record: %w", err)}
	}
	return rec, nil
}

// do runs a single logical request through the breaker, retrying
// transient failures when the operation is idempotent.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, idempotent bool, kind models.Kind, id string) (json.RawMessage, error) {
	op := func() (json.RawMessage, error) {
		raw, err := c.once(ctx, method, path, body, kind, id)
		if err != nil {
			var netErr *NetworkError
			if errors.As(err, &netErr) && idempotent {
				c.logger.Debug("api: transient failure, will retry", "method", method, "path", path, "error", err)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return raw, nil
	}

	if !idempotent || c.maxRetries == 0 {
		raw, err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return raw, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.RetryWithData(op, policy)
}

// roundTripResult separates the breaker's view of a call from the error
// taxonomy: a 4xx response is a healthy round trip that happens to carry
// an application error, so it must not count toward tripping.
type roundTripResult struct {
	raw json.RawMessage
	err error
}

// once performs exactly one HTTP round trip and maps the response to the
// error taxonomy. Only transport failures and server errors are surfaced
// to the breaker as failures.
func (c *HTTPClient) once(ctx context.Context, method, path string, body any, kind models.Kind, id string) (json.RawMessage, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("api: marshal request body: %w", err)
			}
			reader = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &NetworkError{Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &NetworkError{Err: err}
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return roundTripResult{raw: json.RawMessage(data)}, nil
		}
		mapped := c.mapErrorResponse(resp.StatusCode, data, kind, id)
		var netErr *NetworkError
		if errors.As(mapped, &netErr) {
			return nil, mapped
		}
		return roundTripResult{err: mapped}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &NetworkError{Err: err}
		}
		return nil, err
	}
	r := res.(roundTripResult)
	if r.err != nil {
		return nil, r.err
	}
	return r.raw, nil
}

// errorEnvelope is the structured failure payload of the API.
type errorEnvelope struct {
	Error struct {
		Kind    string            `json:"kind"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields,omitempty"`
	} `json:"error"`
}

func (c *HTTPClient) mapErrorResponse(status int, body []byte, kind models.Kind, id string) error {
	var env errorEnvelope
	// A body that is not the structured envelope still maps by status.
	_ = json.Unmarshal(body, &env)

	switch status {
	case http.StatusConflict:
		return &ConflictError{Kind: kind, ID: id, Message: env.Error.Message}
	case http.StatusNotFound:
		return &NotFoundError{Kind: kind, ID: id}
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return &ValidationError{Message: env.Error.Message, Fields: env.Error.Fields}
	default:
		if status >= 500 {
			return &NetworkError{Err: fmt.Errorf("server error %d: %s", status, env.Error.Message)}
		}
		return &NetworkError{Err: fmt.Errorf("unexpected status %d: %s", status, env.Error.Message)}
	}
}
