package remote

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

	"github.com/finedu/finedu-sync/internal/domain/offline"
	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/circuitbreaker"
	"github.com/finedu/finedu-sync/pkg/logger"
	"github.com/finedu/finedu-sync/pkg/retry"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig configures the remote client.
type ClientConfig struct {
	// BaseURL of the remote service, without a trailing slash.
	BaseURL string

	// Token is sent as a bearer token.
	Token string

	// UserID is sent in X-User-Id.
	UserID string

	// CallTimeout bounds each HTTP attempt.
	CallTimeout time.Duration

	// Attempts per call. Drains retry across passes, so 1 is the default.
	Attempts int

	RateLimiter RateLimiterConfig

	// Debug logs every request.
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:     baseURL,
		CallTimeout: 10 * time.Second,
		Attempts:    1,
		RateLimiter: DefaultRateLimiterConfig(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client talks to the remote learning service. Every call passes through the
// rate limiter, a short retrier and a circuit breaker, and every error it
// returns carries a retry.Retryable or retry.Permanent marker.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	log     *logger.Logger
	limiter *RateLimiter
	breaker *circuitbreaker.CircuitBreaker
	retrier *retry.Retrier
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// NewClient creates a client.
func NewClient(cfg ClientConfig, log *logger.Logger, opts ...Option) *Client {
	if log == nil {
		log = logger.Nop()
	}
	def := DefaultClientConfig(cfg.BaseURL)
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		log:     log.With(logger.Component("remote")),
		limiter: NewRateLimiter(cfg.RateLimiter),
		retrier: retry.RemoteRetrier(cfg.Attempts),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.RemoteBreaker(breakerFailure, func(name string, from, to circuitbreaker.State) {
			c.log.Warn("circuit state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
		})
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.cfg.BaseURL }

// ══════════════════════════════════════════════════════════════════════════════
// OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Complete reports a lesson, task or game completion. Replays of the same
// entity are acknowledged by the remote without being applied twice.
func (c *Client) Complete(ctx context.Context, kind offline.ActionKind, req CompletionRequestDTO) (CompletionResponseDTO, error) {
	var resp CompletionResponseDTO

	segment, ok := completionSegment(kind)
	if !ok {
		return resp, retry.Permanent(shared.WrapError("remote", "Complete", shared.ErrInvalidActionKind, string(kind), nil))
	}
	if strings.TrimSpace(req.EntityID) == "" {
		return resp, retry.Permanent(shared.NewDomainError("remote", "Complete", shared.ErrEmptyValue, "entityId is empty"))
	}

	path := fmt.Sprintf("/api/%s/%s/complete", segment, url.PathEscape(req.EntityID))
	if err := c.do(ctx, "Complete", http.MethodPost, path, req, &resp); err != nil {
		return resp, err
	}
	if !resp.Acknowledged {
		return resp, retry.Retryable(shared.WrapError("remote", "Complete", shared.ErrRemoteInvalidResponse, "completion not acknowledged", nil))
	}
	return resp, nil
}

// GetAvatar fetches the authoritative avatar.
func (c *Client) GetAvatar(ctx context.Context) (AvatarDTO, error) {
	var dto AvatarDTO
	err := c.do(ctx, "GetAvatar", http.MethodGet, "/api/avatar", nil, &dto)
	return dto, err
}

// PatchAvatar sends a delta patch and returns the authoritative avatar.
func (c *Client) PatchAvatar(ctx context.Context, patch AvatarPatchDTO) (AvatarDTO, error) {
	var dto AvatarDTO
	err := c.do(ctx, "PatchAvatar", http.MethodPatch, "/api/avatar", patch, &dto)
	return dto, err
}

// Call performs a queued generic call and returns the raw response body.
func (c *Client) Call(ctx context.Context, call offline.GenericCallPayload) (json.RawMessage, error) {
	if err := call.Validate(); err != nil {
		return nil, retry.Permanent(err)
	}
	var body any
	if len(call.Body) > 0 {
		body = call.Body
	}
	var out json.RawMessage
	err := c.do(ctx, "Call", strings.ToUpper(call.Method), call.Endpoint, body, &out)
	return out, err
}

// Health probes GET /health. It bypasses the breaker and the limiter.
func (c *Client) Health(ctx context.Context) (HealthDTO, error) {
	var dto HealthDTO
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	err := c.doSingleRequest(callCtx, http.MethodGet, "/health", nil, &dto)
	return dto, classify("Health", err)
}

// ClientStatus describes the client's guards.
type ClientStatus struct {
	Breaker     string            `json:"breaker"`
	RateLimiter RateLimiterStatus `json:"rateLimiter"`
}

// Status returns the breaker and limiter state.
func (c *Client) Status() ClientStatus {
	return ClientStatus{
		Breaker:     c.breaker.State().String(),
		RateLimiter: c.limiter.Status(),
	}
}

// Reset closes the breaker and refills the limiter.
func (c *Client) Reset() {
	c.breaker.Reset()
	c.limiter.Reset()
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// do runs one logical call: breaker, then retries of limiter + HTTP attempt.
func (c *Client) do(ctx context.Context, op, method, path string, body, result any) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			if err := c.limiter.Allow(ctx); err != nil {
				return classify(op, err)
			}

			callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()

			start := time.Now()
			err := c.doSingleRequest(callCtx, method, path, body, result)
			if c.cfg.Debug {
				c.log.Debug("remote request",
					logger.Operation(op),
					logger.String("method", method),
					logger.String("path", path),
					logger.Latency(time.Since(start)),
					logger.Err(err))
			}

			var se *StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
				c.limiter.RecordRateLimitHit(se.RetryAfter)
			}
			return classify(op, err)
		})
	})
	return classify(op, err)
}

// doSingleRequest performs one HTTP attempt.
func (c *Client) doSingleRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		raw, ok := body.(json.RawMessage)
		if !ok {
			var err error
			if raw, err = json.Marshal(body); err != nil {
				return retry.Permanent(shared.WrapError("remote", "Encode", shared.ErrInvalidFormat, "marshal body", err))
			}
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return retry.Permanent(shared.WrapError("remote", "Request", shared.ErrInvalidInput, "build request", err))
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.UserID != "" {
		req.Header.Set(HeaderUserID, c.cfg.UserID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var apiErr APIErrorDTO
		if json.Unmarshal(respBody, &apiErr) == nil {
			se.Code, se.Message = apiErr.Code, apiErr.Message
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				se.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		return se
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if raw, ok := result.(*json.RawMessage); ok {
			*raw = append((*raw)[:0], respBody...)
			return nil
		}
		if err := json.Unmarshal(respBody, result); err != nil {
			return retry.Retryable(shared.WrapError("remote", "Decode", shared.ErrRemoteInvalidResponse, "unmarshal response", err))
		}
	}
	return nil
}
