// Package client is the caller-facing API: it validates requests, follows
// redirects and hands exchanges to the connection pool.
package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/PetrJanouch/jersey/config"
	"github.com/PetrJanouch/jersey/connection"
	"github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/internal/scheduler"
	"github.com/PetrJanouch/jersey/pool"
	"github.com/PetrJanouch/jersey/protocol"
	"github.com/PetrJanouch/jersey/tlsengine"
	"github.com/PetrJanouch/jersey/transport"
)

// Client provides a high-level HTTP client API
type Client struct {
	cfg         config.Config
	logger      hclog.Logger
	registerer  prometheus.Registerer
	cookies     connection.CookieStore
	tlsProvider tlsengine.Provider
	verifier    tlsengine.HostnameVerifier
	dialer      transport.Dialer

	sched *scheduler.Scheduler
	pool  *pool.Pool
}

// New creates a client. A nil cfg means config.Default().
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Client{cfg: *cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = hclog.NewNullLogger()
	}
	if err := c.cfg.Validate(c.logger); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	if c.dialer == nil {
		dialer, err := transport.NewDialer(c.cfg.Transport, c.cfg.UnixSocket)
		if err != nil {
			return nil, err
		}
		c.dialer = dialer
	}
	if c.tlsProvider == nil {
		tlsOpts, err := c.cfg.TLSOptions()
		if err != nil {
			return nil, err
		}
		provider, err := tlsengine.NewStandard(tlsOpts)
		if err != nil {
			return nil, err
		}
		c.tlsProvider = provider
	}
	if c.cookies == nil {
		jar, err := NewJarStore(c.cfg.CookiePolicy)
		if err != nil {
			return nil, err
		}
		c.cookies = jar
	}

	c.sched = scheduler.New()
	c.pool = pool.New(pool.Config{
		MaxConnectionsPerDestination: c.cfg.MaxConnectionsPerDestination,
		MaxConnections:               c.cfg.MaxConnections,
		Connection: connection.Settings{
			MaxHeaderSize:   c.cfg.MaxHeaderSize,
			ConnectTimeout:  c.cfg.ConnectTimeout,
			ResponseTimeout: c.cfg.ResponseTimeout,
			IdleTimeout:     c.cfg.IdleTimeout,
			Transport:       c.newTransport,
			TLS:             c.tlsProvider,
			Verifier:        c.verifier,
			Cookies:         c.cookies,
			Scheduler:       c.sched,
			Logger:          c.logger,
		},
		Logger:  c.logger,
		Metrics: pool.NewMetrics(c.registerer),
	})
	return c, nil
}

func (c *Client) newTransport() transport.Transport {
	return transport.NewStreamTransport(c.dialer, c.cfg.ReadBufferSize, c.logger.Named("transport"))
}

// Submit sends req and reports the outcome to handler exactly once. The
// handler runs on a connection's event goroutine; it may hand the response
// body to another goroutine but must not block reading it.
func (c *Client) Submit(req *protocol.Request, handler connection.ResponseHandler) {
	if err := validate(req); err != nil {
		handler(nil, err)
		return
	}
	if c.cfg.FollowRedirects {
		newRedirector(c.pool, req, c.cfg.MaxRedirects, handler).send(req)
		return
	}
	c.pool.Send(req, handler)
}

// Do sends req and waits for the response header. The body is read from
// the returned response. If ctx ends first, Do returns its error and the
// late response, if any, is discarded. The exchange itself is not aborted:
// its connection stays busy until the response arrives or ResponseTimeout
// fires, after which it returns to the pool.
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	type outcome struct {
		resp *protocol.Response
		err  error
	}
	ch := make(chan outcome, 1)
	c.Submit(req, func(resp *protocol.Response, err error) {
		ch <- outcome{resp, err}
	})

	select {
	case o := <-ch:
		return o.resp, o.err
	case <-ctx.Done():
		go func() {
			if o := <-ch; o.resp != nil {
				o.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, rawURL string) (*protocol.Response, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, protocol.NewRequest(protocol.MethodGet, u, nil))
}

// Post performs a POST request with a buffered body
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte) (*protocol.Response, error) {
	if len(body) == 0 {
		return nil, errors.NewInvalidArgumentError("POST request must have a body")
	}
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	header := protocol.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return c.Do(ctx, protocol.NewBufferedRequest(protocol.MethodPost, u, header, body))
}

// NewUploadRequest creates a request whose body is written through its
// BodyStream after submission. With fixed-length streaming enabled and a
// known length the body is sent with Content-Length; otherwise it is
// chunked. A negative length means unknown.
func (c *Client) NewUploadRequest(method, rawURL string, length int64) (*protocol.Request, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if c.cfg.FixedLengthStreaming && length >= 0 {
		return protocol.NewStreamedRequest(method, u, nil, length, c.cfg.ChunkSize), nil
	}
	return protocol.NewChunkedRequest(method, u, nil, c.cfg.ChunkSize), nil
}

// Stats reports the pool counters
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// Close fails outstanding requests, closes every connection and stops the
// timers.
func (c *Client) Close() {
	c.pool.Close()
	c.sched.Shutdown()
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("invalid URL %q: %v", rawURL, err))
	}
	return u, nil
}

// validate checks a request before it is queued
func validate(req *protocol.Request) error {
	if req == nil {
		return errors.NewInvalidArgumentError("nil request")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	switch req.Method {
	case protocol.MethodGet, protocol.MethodHead:
		if req.BodyMode() != protocol.BodyNone {
			return errors.NewInvalidArgumentError(fmt.Sprintf("%s request cannot have a body", req.Method))
		}
	}
	return nil
}
