package client

import (
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/PetrJanouch/jersey/connection"
	"github.com/PetrJanouch/jersey/tlsengine"
	"github.com/PetrJanouch/jersey/transport"
)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger used by the client and everything below it
func WithLogger(logger hclog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRegisterer enables pool metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = reg
	}
}

// WithCookieStore replaces the cookie jar built from the cookie policy
func WithCookieStore(store connection.CookieStore) Option {
	return func(c *Client) {
		c.cookies = store
	}
}

// WithTLSProvider replaces the crypto/tls engine built from the TLS config
func WithTLSProvider(p tlsengine.Provider) Option {
	return func(c *Client) {
		c.tlsProvider = p
	}
}

// WithHostnameVerifier adds a check run after every TLS handshake
func WithHostnameVerifier(v tlsengine.HostnameVerifier) Option {
	return func(c *Client) {
		c.verifier = v
	}
}

// WithDialer replaces the dialer selected by the transport setting
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}
