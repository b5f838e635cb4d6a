// Package backend is the HTTP client for the account backend: caller
// authentication, credit checks and usage webhooks.
package backend

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

	"go.uber.org/zap"

	"github.com/abdhe/tryon-inference-proxy/pkg/metrics"
	"github.com/abdhe/tryon-inference-proxy/pkg/resilience"
)

const (
	AuthPath    = "/api/v1/auth/verify/"
	CreditPath  = "/api/v1/credits/check/"
	WebhookPath = "/api/v1/inference/webhook/"

	maxBodyBytes = 1 << 20
)

// ErrUpstreamUnavailable means the backend could not give a definitive
// answer: every attempt failed with a connection error, timeout or 5xx.
var ErrUpstreamUnavailable = errors.New("backend unavailable")

// Config holds the backend endpoint and its retry policies.
type Config struct {
	BaseURL      string
	Timeout      time.Duration // per attempt
	Retry        resilience.RetryConfig
	WebhookRetry resilience.RetryConfig
}

// AuthResult is the backend's verdict on a user_id/api_key pair.
type AuthResult struct {
	OK     bool
	Reason string
}

// CreditResult is the backend's verdict on the caller's balance.
type CreditResult struct {
	OK        bool
	Remaining float64
	Reason    string
}

// Usage is the webhook payload reported after a successful generation.
type Usage struct {
	UserID      string  `json:"user_id"`
	CatalogID   string  `json:"catalog_id"`
	Status      string  `json:"status"`
	LatencyMs   float64 `json:"latency_ms"`
	Provider    string  `json:"provider"`
	ImageURL    string  `json:"image_url"`
	UsedCredits int     `json:"used_credits"`
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL      string
	timeout      time.Duration
	retry        resilience.RetryConfig
	webhookRetry resilience.RetryConfig
	http         *http.Client
	logger       *zap.Logger
}

// NewClient creates a backend client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		timeout:      cfg.Timeout,
		retry:        cfg.Retry,
		webhookRetry: cfg.WebhookRetry,
		http:         &http.Client{},
		logger:       logger,
	}
}

// Authenticate verifies the caller's credentials. A 4xx answer is a
// definitive rejection and is returned as OK=false with a nil error.
func (c *Client) Authenticate(ctx context.Context, userID, apiKey string) (AuthResult, error) {
	body := map[string]string{"user_id": userID, "api_key": apiKey}

	status, data, err := c.post(ctx, "auth", AuthPath, body, c.retry)
	if err != nil {
		return AuthResult{}, err
	}
	if status >= 400 {
		return AuthResult{OK: false, Reason: reasonFrom(data, status)}, nil
	}

	var resp struct {
		OK     *bool  `json:"ok"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.OK == nil {
		return AuthResult{OK: false, Reason: "malformed_auth_response"}, nil
	}
	return AuthResult{OK: *resp.OK, Reason: resp.Reason}, nil
}

// CheckCredit asks whether the user can pay for one generation.
func (c *Client) CheckCredit(ctx context.Context, userID string) (CreditResult, error) {
	body := map[string]string{"user_id": userID}

	status, data, err := c.post(ctx, "credit", CreditPath, body, c.retry)
	if err != nil {
		return CreditResult{}, err
	}
	if status >= 400 {
		return CreditResult{OK: false, Reason: reasonFrom(data, status)}, nil
	}

	var resp struct {
		OK        *bool   `json:"ok"`
		Remaining float64 `json:"remaining"`
		Reason    string  `json:"reason"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.OK == nil {
		return CreditResult{OK: false, Reason: "malformed_credit_response"}, nil
	}
	return CreditResult{OK: *resp.OK, Remaining: resp.Remaining, Reason: resp.Reason}, nil
}

// PostWebhook reports usage. Any non-2xx answer is an error.
func (c *Client) PostWebhook(ctx context.Context, u Usage) error {
	status, data, err := c.post(ctx, "webhook", WebhookPath, u, c.webhookRetry)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("backend: webhook: %w", &resilience.HTTPStatusError{Status: status, Body: truncate(data)})
	}
	return nil
}

// post sends body as JSON under the given retry policy. 5xx answers are
// retried; other statuses are returned to the caller for interpretation.
func (c *Client) post(ctx context.Context, call, path string, body any, policy resilience.RetryConfig) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("backend: %s: marshal: %w", call, err)
	}

	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.BackendRetries.WithLabelValues(call).Inc()
		c.logger.Debug("backend call failed, retrying",
			zap.String("call", call),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	var (
		status int
		data   []byte
	)
	err = resilience.Retry(ctx, policy, resilience.IsTransient, func(ctx context.Context) error {
		var attemptErr error
		status, data, attemptErr = c.do(ctx, path, payload)
		return attemptErr
	})
	if err != nil {
		if resilience.IsTransient(err) || errors.Is(err, resilience.ErrRetriesExhausted) {
			return 0, nil, fmt.Errorf("backend: %s: %w: %w", call, ErrUpstreamUnavailable, err)
		}
		return 0, nil, fmt.Errorf("backend: %s: %w", call, err)
	}
	return status, data, nil
}

func (c *Client) do(ctx context.Context, path string, payload []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, data, &resilience.HTTPStatusError{Status: resp.StatusCode, Body: truncate(data)}
	}
	return resp.StatusCode, data, nil
}

// reasonFrom extracts a rejection reason from an error body.
func reasonFrom(data []byte, status int) string {
	var body map[string]any
	if json.Unmarshal(data, &body) == nil {
		for _, key := range []string{"reason", "detail", "error", "message"} {
			if s, ok := body[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("backend_status_%d", status)
}

func truncate(data []byte) string {
	const max = 256
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
