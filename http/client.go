package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	pdc "github.com/hpc-io/pdc-sub007"
	"github.com/hpc-io/pdc-sub007/errors"
	"github.com/hpc-io/pdc-sub007/logger"
	"github.com/hpc-io/pdc-sub007/placement"
	"github.com/hpc-io/pdc-sub007/tracing"
	"github.com/hpc-io/pdc-sub007/transport"
	"golang.org/x/time/rate"
)

// Client is a transport.Transport that sends each operation as an HTTP
// POST to /internal/op/{op} on the server's URI.
type Client struct {
	snap       *placement.Snapshot
	httpClient *retryablehttp.Client
	timeout    time.Duration

	limiters []*rate.Limiter

	logger logger.Logger
}

var _ transport.Transport = (*Client)(nil)

// ClientOption is a functional option type for Client.
type ClientOption func(c *Client)

// OptClientRetries sets the number of retries of a request that could not
// reach its server, and the bounds of the exponential backoff between
// them.
func OptClientRetries(n int, min, max time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.RetryMax = n
		c.httpClient.RetryWaitMin, c.httpClient.RetryWaitMax = min, max
	}
}

// OptClientRateLimit limits the requests per second sent to each server.
// A limit of zero removes the limit.
func OptClientRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		for i := range c.limiters {
			if rps <= 0 {
				c.limiters[i] = rate.NewLimiter(rate.Inf, 0)
			} else {
				c.limiters[i] = rate.NewLimiter(rate.Limit(rps), burst)
			}
		}
	}
}

// OptClientTimeout bounds each request. Zero means no bound.
func OptClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func OptClientHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient.HTTPClient = hc }
}

func OptClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client for the servers of snap.
func NewClient(snap *placement.Snapshot, opts ...ClientOption) *Client {
	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = 3
	hc.RetryWaitMin = 50 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.CheckRetry = checkRetry
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		snap:       snap,
		httpClient: hc,
		timeout:    time.Minute,
		limiters:   make([]*rate.Limiter, snap.Len()),
		logger:     logger.NopLogger,
	}
	for i := range c.limiters {
		c.limiters[i] = rate.NewLimiter(rate.Inf, 0)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type noRetryKey struct{}

// checkRetry retries requests that never reached a server and replies
// from an unavailable one. Every other reply is the server's answer.
// Requests whose context carries noRetryKey are sent once.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if ctx.Value(noRetryKey{}) != nil {
		return false, nil
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// Send posts payload without waiting for the reply. The request outlives
// ctx's cancellation but keeps its values.
func (c *Client) Send(ctx context.Context, server int, op transport.Op, payload []byte) (*transport.Handle, error) {
	if server < 0 || server >= c.snap.Len() {
		return nil, errors.Newf(transport.ErrServerUnreachable, "no server %d in cluster of %d", server, c.snap.Len())
	}
	h := transport.NewHandle()
	body := append([]byte(nil), payload...)
	go func() {
		h.Complete(c.do(context.WithoutCancel(ctx), server, op, body))
	}()
	return h, nil
}

func (c *Client) do(ctx context.Context, server int, op transport.Op, payload []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := c.limiters[server].Wait(ctx); err != nil {
		return nil, errors.Newf(transport.ErrTimeout, "rate limit wait for server %d: %v", server, err)
	}

	uri, err := c.snap.URI(server)
	if err != nil {
		return nil, errors.Newf(transport.ErrServerUnreachable, "%v", err)
	}
	if !pdc.Retryable(op) {
		ctx = context.WithValue(ctx, noRetryKey{}, true)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", uri+"/internal/op/"+string(op), bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", pdc.ContentType(op))
	req.Header.Set("Accept", pdc.ContentType(op))
	tracing.GlobalTracer.InjectHTTPHeaders(req.Request)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Newf(transport.ErrTimeout, "%s to server %d: %v", op, server, err)
		}
		return nil, errors.Newf(transport.ErrServerUnreachable, "%s to server %d: %v", op, server, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Newf(transport.ErrServerUnreachable, "reading reply of %s from server %d: %v", op, server, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 502 && resp.StatusCode <= 504 {
			return nil, errors.Newf(transport.ErrServerUnreachable, "%s to server %d: %s", op, server, resp.Status)
		}
		return nil, errors.UnmarshalJSON(bytes.NewReader(body))
	}
	return body, nil
}

// Status fetches GET /status from a server.
func (c *Client) Status(ctx context.Context, server int) (*pdc.StatusResponse, error) {
	uri, err := c.snap.URI(server)
	if err != nil {
		return nil, errors.Newf(transport.ErrServerUnreachable, "%v", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", uri+"/status", nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Newf(transport.ErrServerUnreachable, "status of server %d: %v", server, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading status")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.UnmarshalJSON(bytes.NewReader(body))
	}
	var st pdc.StatusResponse
	if err := pdc.DecodeMessage(body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Close drops idle connections.
func (c *Client) Close() error {
	c.httpClient.HTTPClient.CloseIdleConnections()
	return nil
}
