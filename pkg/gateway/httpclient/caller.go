package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/medofficehq/automation/pkg/common/logger"
)

const (
	EnvironmentHeader = "X-Athena-Environment"
	RequestIDHeader   = "X-Request-ID"

	maxResponseBytes = 64 << 20
)

// environmentPrefixes are the API paths that are scoped to an EHR
// environment.
var environmentPrefixes = []string{"/rules/", "/filters/", "/patients/", "/medofficehq/athena/", "/v1/logs"}

// APIError is a non-2xx answer of the rules API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("rules api returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("rules api returned %d: %s", e.StatusCode, e.Detail)
}

// NewAPIError builds an APIError, lifting the detail field of a JSON body.
func NewAPIError(status int, body []byte) *APIError {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	detail := ""
	if err := json.Unmarshal(body, &payload); err == nil {
		var s string
		switch {
		case len(payload.Detail) > 0 && json.Unmarshal(payload.Detail, &s) == nil:
			detail = s
		case len(payload.Detail) > 0:
			detail = string(payload.Detail)
		default:
			detail = payload.Message
		}
	} else {
		detail = strings.TrimSpace(string(body))
		if len(detail) > 256 {
			detail = detail[:256]
		}
	}
	return &APIError{StatusCode: status, Detail: detail}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Invalidator is implemented by token sources that can drop a rejected token.
type Invalidator interface {
	Invalidate()
}

type CallerConfig struct {
	BaseURL     string
	Environment string
	Tokens      oauth2.TokenSource
	Client      *http.Client
}

// Caller performs authenticated JSON calls against the rules API.
type Caller struct {
	baseURL     string
	environment string
	tokens      oauth2.TokenSource
	client      *http.Client
}

func NewCaller(cfg CallerConfig) *Caller {
	client := cfg.Client
	if client == nil {
		client = New(0)
	}
	return &Caller{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		environment: cfg.Environment,
		tokens:      cfg.Tokens,
		client:      client,
	}
}

// Do sends body as JSON and decodes the response into out. A 401 invalidates
// the cached credential and the call is repeated once.
func (c *Caller) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	err := c.do(ctx, method, path, payload, out)
	if StatusCode(err) != http.StatusUnauthorized {
		return err
	}
	inv, ok := c.tokens.(Invalidator)
	if !ok {
		return err
	}
	logger.WithField("path", path).Info("access token rejected; refreshing and retrying")
	inv.Invalidate()
	return c.do(ctx, method, path, payload, out)
}

func (c *Caller) do(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.environment != "" && needsEnvironment(path) {
		req.Header.Set(EnvironmentHeader, c.environment)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("obtaining access token: %w", err)
		}
		token.SetAuthHeader(req)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      resp.StatusCode,
		"request_id":  requestID,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("rules api call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

func needsEnvironment(path string) bool {
	for _, prefix := range environmentPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
