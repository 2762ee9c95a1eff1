package directory

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// PeerClient issues outbound HTTP to peer instances with bounded
// concurrency (http_max_clients), outbound pacing via
// golang.org/x/time/rate, and a small retry budget for transient network
// errors.
type PeerClient struct {
	http    *http.Client
	sem     chan struct{}
	limiter *rate.Limiter
}

// NewPeerClient builds a client bounded to maxClients concurrent
// in-flight requests, each with timeout as its per-call deadline.
func NewPeerClient(maxClients int, timeout time.Duration) *PeerClient {
	if maxClients <= 0 {
		maxClients = 10
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PeerClient{
		http: &http.Client{
			Timeout:   timeout,
			Transport: retryTransport{base: http.DefaultTransport, maxRetries: 2},
		},
		sem:     make(chan struct{}, maxClients),
		limiter: rate.NewLimiter(rate.Limit(maxClients*2), maxClients*2),
	}
}

// Do acquires a concurrency slot, queueing excess requests on the channel
// once http_max_clients is reached, waits on the rate limiter, and
// performs req. The caller must close the response body.
func (c *PeerClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.http.Do(req.WithContext(ctx))
}

// DrainAndClose discards up to 4096 bytes of resp.Body (so a short body
// is fully read and the connection can be reused by the transport's
// keep-alive pool) and closes it.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// retryTransport retries a RoundTrip once or twice on errors that look
// like a transient network blip (connection refused/reset, unreachable
// host) rather than a real application failure.
type retryTransport struct {
	base       http.RoundTripper
	maxRetries int
}

func (t retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		resp, err := t.base.RoundTrip(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		time.Sleep((20 * time.Millisecond) << attempt)
	}
	return nil, lastErr
}

func isTransient(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr syscall.Errno
		if errors.As(opErr.Err, &sysErr) {
			switch sysErr {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
				return true
			}
		}
	}
	return false
}
