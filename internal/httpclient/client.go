// Package httpclient wraps net/http with rate limiting, circuit
// breaking, and exponential-backoff retries, generalizing the
// multi-endpoint JSON-RPC client this codebase used for chain nodes
// into a transport usable by both JSON-RPC and REST APIs.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/exitbook/ingestion/internal/circuitbreaker"
	"github.com/exitbook/ingestion/internal/coreerrors"
	"github.com/exitbook/ingestion/internal/instrumentation"
	"github.com/exitbook/ingestion/internal/ratelimit"
)

// Hooks lets a caller observe request lifecycle events without
// coupling this package to a specific metrics backend.
type Hooks struct {
	OnAttempt func(provider, method string)
	OnRetry   func(provider, method string, attempt int)
	OnSuccess func(provider, method string, duration time.Duration)
	OnFailure func(provider, method string, err error)
}

// Config tunes one Client instance.
type Config struct {
	Timeout         time.Duration // per-attempt timeout
	MaxRetries      uint64
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RateLimiterKey  string
	CircuitKey      string
}

// Client is a rate-limited, circuit-broken HTTP client with retries.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *circuitbreaker.Breaker
	instr      *instrumentation.Recorder
	cfg        Config
	hooks      Hooks
}

// New constructs a Client sharing the given limiter/breaker/recorder,
// so multiple Clients for different providers can be coordinated by a
// single provider.Manager.
func New(cfg Config, limiter *ratelimit.Limiter, breaker *circuitbreaker.Breaker, instr *instrumentation.Recorder, hooks Hooks) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		breaker:    breaker,
		instr:      instr,
		cfg:        cfg,
		hooks:      hooks,
	}
}

// Request is one outbound HTTP call description.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	// Idempotent must be true for the retry loop to resend Body on a
	// transient failure; non-idempotent requests are retried only when
	// the failure happened before the server could have acted on them
	// (connection errors), never after a response was received.
	Idempotent bool
}

// Response is the raw result of a successful call.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Do executes req with rate limiting, circuit breaking, and retry,
// labeling all instrumentation and hook callbacks with providerName.
func (c *Client) Do(ctx context.Context, providerName string, req Request) (*Response, error) {
	if !c.breaker.Allow(c.cfg.CircuitKey) {
		return nil, coreerrors.New(coreerrors.ErrCodeProviderUnavailable,
			fmt.Sprintf("circuit open for %s", providerName), coreerrors.KindProviderTransient)
	}

	if err := c.limiter.WaitToken(ctx, c.cfg.RateLimiterKey); err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeRateLimited, "rate limit wait cancelled", coreerrors.KindCancellation, err)
	}
	c.instr.IncRateLimitWait(providerName)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)

	attempt := 0
	var resp *Response
	opErr := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			c.instr.IncRetries(providerName)
			if c.hooks.OnRetry != nil {
				c.hooks.OnRetry(providerName, req.Method, attempt)
			}
		}
		if c.hooks.OnAttempt != nil {
			c.hooks.OnAttempt(providerName, req.Method)
		}

		start := time.Now()
		r, err, retryable := c.doOnce(ctx, req)
		c.instr.IncCalls(providerName)

		if err == nil {
			c.breaker.RecordSuccess(c.cfg.CircuitKey)
			if c.hooks.OnSuccess != nil {
				c.hooks.OnSuccess(providerName, req.Method, time.Since(start))
			}
			resp = r
			return nil
		}

		statusCode := 0
		if r != nil {
			statusCode = r.StatusCode
		}
		if statusCode == http.StatusTooManyRequests {
			retryAfter := parseRetryAfter(r.Header)
			c.breaker.RecordRateLimited(c.cfg.CircuitKey, retryAfter)
			return backoff.Permanent(coreerrors.Wrap(coreerrors.ErrCodeRateLimited, "rate limited by provider", coreerrors.KindRateLimited, err).WithRetryAfter(retryAfter))
		}
		c.breaker.RecordFailure(c.cfg.CircuitKey, statusCode)

		if c.hooks.OnFailure != nil {
			c.hooks.OnFailure(providerName, req.Method, err)
		}
		if !req.Idempotent && r != nil {
			// A response was already received for a non-idempotent
			// request, so the server may have acted on it; resending
			// Body risks a duplicate effect, never attempted even if
			// the failure would otherwise be retryable.
			return backoff.Permanent(err)
		}
		if !retryable {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if opErr != nil {
		return nil, opErr
	}
	return resp, nil
}

// doOnce performs exactly one HTTP round trip and classifies whether
// the resulting error is retryable: 5xx and network/timeout errors
// are, 4xx (terminal client errors) are not.
func (c *Client) doOnce(ctx context.Context, req Request) (*Response, error, bool) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeProviderTimeout, "failed to build request", coreerrors.KindProviderTerminal, err), false
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeProviderTimeout, "http request failed", coreerrors.KindProviderTransient, err), true
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrCodeProviderTimeout, "failed to read response body", coreerrors.KindProviderTransient, err), true
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Body: body, Header: httpResp.Header}

	if httpResp.StatusCode >= 500 {
		return resp, coreerrors.New(coreerrors.ErrCodeProviderUnavailable, fmt.Sprintf("http %d", httpResp.StatusCode), coreerrors.KindProviderTransient), true
	}
	if httpResp.StatusCode == http.StatusTooManyRequests {
		return resp, coreerrors.New(coreerrors.ErrCodeRateLimited, "http 429", coreerrors.KindRateLimited), false
	}
	if httpResp.StatusCode >= 400 {
		return resp, coreerrors.New(coreerrors.ErrCodeProviderUnavailable, fmt.Sprintf("http %d", httpResp.StatusCode), coreerrors.KindProviderTerminal), false
	}

	return resp, nil, false
}

// WithRateLimit scopes a stricter (or looser) limit for fn's duration,
// always restoring the client's configured limiter state afterward.
func (c *Client) WithRateLimit(scoped ratelimit.Limits, fn func() error) error {
	return c.limiter.WithScopedLimit(c.cfg.RateLimiterKey, scoped, fn)
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 30 * time.Second
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	return 30 * time.Second
}
