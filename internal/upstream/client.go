// Package upstream talks to the upstream coordinator (load balancer) that
// produces transcoder command templates.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/chunkrelay/internal/config"
	"github.com/jmylchreest/chunkrelay/internal/version"
)

// ErrUpstreamStatus is returned when the coordinator answers with a non-2xx status.
var ErrUpstreamStatus = errors.New("unexpected upstream status")

// Client forwards start requests to the coordinator.
type Client struct {
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
	group    singleflight.Group
	attempts uint
	delay    time.Duration
}

// NewClient creates a client for cfg.LoadBalancer. RequestTimeout bounds the
// wait for response headers; the body is read until it ends or the request
// is cancelled, since the coordinator may keep the connection open.
func NewClient(cfg config.UpstreamConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.RequestTimeout

	return &Client{
		baseURL: strings.TrimRight(cfg.LoadBalancer, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
		logger:   logger.With(slog.String("component", "upstream")),
		attempts: uint(max(cfg.RetryAttempts, 1)),
		delay:    cfg.RetryDelay,
	}
}

// URL returns the coordinator URL for a request path and query.
func (c *Client) URL(pathAndQuery string) string {
	return c.baseURL + "/" + strings.TrimLeft(pathAndQuery, "/")
}

// Forward replays pathAndQuery against the coordinator. Concurrent forwards
// of the same request for a session share one round trip. Cancelling ctx
// aborts the wait; callers sharing a round trip cancelled by another caller
// issue their own.
func (c *Client) Forward(ctx context.Context, sessionID, pathAndQuery string) error {
	key := sessionID + "\x00" + pathAndQuery
	for {
		ch := c.group.DoChan(key, func() (any, error) {
			return nil, c.forwardWithRetry(ctx, sessionID, pathAndQuery)
		})
		select {
		case res := <-ch:
			if res.Shared && ctx.Err() == nil && errors.Is(res.Err, context.Canceled) {
				continue
			}
			return res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// forwardWithRetry retries connection failures and 5xx answers. Client
// errors and failures after the coordinator accepted the request are final.
func (c *Client) forwardWithRetry(ctx context.Context, sessionID, pathAndQuery string) error {
	return retry.Do(
		func() error { return c.forward(ctx, sessionID, pathAndQuery) },
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("upstream forward failed, retrying",
				slog.String("session_id", sessionID),
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()),
			)
		}),
	)
}

func (c *Client) forward(ctx context.Context, sessionID, pathAndQuery string) error {
	target := c.URL(pathAndQuery)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	// The query carries the client's upstream token.
	path, _, _ := strings.Cut(pathAndQuery, "?")
	start := time.Now()
	c.logger.Debug("forwarding start request",
		slog.String("session_id", sessionID),
		slog.String("path", path),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding to upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
		if resp.StatusCode < 500 {
			return retry.Unrecoverable(err)
		}
		return err
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil && ctx.Err() == nil {
		return retry.Unrecoverable(fmt.Errorf("reading upstream response: %w", err))
	}

	c.logger.Debug("upstream request finished",
		slog.String("session_id", sessionID),
		slog.Int("status", resp.StatusCode),
		slog.Int64("bytes", n),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
