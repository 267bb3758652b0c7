// Package rpcclient is the HTTP+JSON client every component uses to call
// its peers, carrying the same connect-with-retry-and-backoff posture
// internal/graph.NewClient used for its DGraph dial loop, generalized to
// per-request retries against rpcerrors.Retryable failures instead of a
// one-time connection attempt.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/secgraph/graphcore/internal/rpcerrors"
)

// Config controls a Client's retry-with-backoff behavior.
type Config struct {
	BaseURL        string
	MaxRetries     int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible defaults: one attempt plus up to five
// retries, exponential backoff from 100ms with full jitter, capped at 2s,
// each request bounded to 10s.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		MaxRetries:     5,
		BaseBackoff:    100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Client is a small RPC client for calling another component's
// rpcserver-mounted endpoints.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client bound to cfg.BaseURL.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

// errorBody mirrors rpcserver's wire-level error shape.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Call POSTs req as JSON to path and decodes the response into a fresh
// *Resp, retrying transient (rpcerrors.Retryable) failures with exponential
// backoff and jitter, the way the DGraph client retried its dial loop.
func Call[Req any, Resp any](ctx context.Context, c *Client, path string, req *Req) (*Resp, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffFor(attempt)
			c.logger.Warn("retrying RPC call",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.doOnce(ctx, path, body)
		if err == nil {
			var out Resp
			if unmarshalErr := json.Unmarshal(resp, &out); unmarshalErr != nil {
				return nil, fmt.Errorf("decode response: %w", unmarshalErr)
			}
			return &out, nil
		}

		lastErr = err
		if !rpcerrors.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, rpcerrors.Wrap(rpcerrors.Unavailable, "rpc transport error", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rpcerrors.Wrap(rpcerrors.Unavailable, "read rpc response", err)
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		if jsonErr := json.Unmarshal(data, &eb); jsonErr == nil && eb.Code != "" {
			return nil, rpcerrors.New(rpcerrors.Code(eb.Code), eb.Message)
		}
		return nil, rpcerrors.New(rpcerrors.Unavailable, fmt.Sprintf("rpc call failed with status %d", resp.StatusCode))
	}

	return data, nil
}

// backoffFor returns an exponential delay with full jitter, capped at
// cfg.MaxBackoff: rand(0, min(MaxBackoff, BaseBackoff * 2^(attempt-1))).
func (c *Client) backoffFor(attempt int) time.Duration {
	max := c.cfg.BaseBackoff << uint(attempt-1)
	if max > c.cfg.MaxBackoff || max <= 0 {
		max = c.cfg.MaxBackoff
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}
