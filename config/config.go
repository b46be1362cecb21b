// Package config holds the client settings, their defaults and validation.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/PetrJanouch/jersey/tlsengine"
	"github.com/PetrJanouch/jersey/transport"
)

// Cookie policies
const (
	CookieAcceptAll            = "accept_all"
	CookieAcceptNone           = "accept_none"
	CookieAcceptOriginalServer = "accept_original_server"
)

// Defaults
const (
	DefaultMaxHeaderSize                = 100_000
	DefaultChunkSize                    = 4096
	DefaultMaxConnectionsPerDestination = 20
	DefaultMaxConnections               = 100
	DefaultConnectTimeout               = 30 * time.Second
	DefaultIdleTimeout                  = 60 * time.Second
	DefaultMaxRedirects                 = 5
	DefaultReadBufferSize               = 2048
)

// TLS configures certificate verification for https destinations
type TLS struct {
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	MinVersion         string `mapstructure:"min_version"`
	SkipHostnameCheck  bool   `mapstructure:"skip_hostname_check"`
}

// Config is the client configuration. A zero timeout disables that timer.
type Config struct {
	MaxHeaderSize                int           `mapstructure:"max_header_size"`
	ChunkSize                    int           `mapstructure:"chunk_size"`
	MaxConnectionsPerDestination int           `mapstructure:"max_connections_per_destination"`
	MaxConnections               int           `mapstructure:"max_connections"`
	ConnectTimeout               time.Duration `mapstructure:"connect_timeout"`
	ResponseTimeout              time.Duration `mapstructure:"response_timeout"`
	IdleTimeout                  time.Duration `mapstructure:"idle_timeout"`
	FollowRedirects              bool          `mapstructure:"follow_redirects"`
	MaxRedirects                 int           `mapstructure:"max_redirects"`
	CookiePolicy                 string        `mapstructure:"cookie_policy"`
	FixedLengthStreaming         bool          `mapstructure:"fixed_length_streaming"`

	// Transport selects the socket implementation: net, iouring or gouring.
	Transport string `mapstructure:"transport"`
	// UnixSocket, when set, is dialed for every destination instead of its
	// host and port.
	UnixSocket     string `mapstructure:"unix_socket"`
	ReadBufferSize int    `mapstructure:"read_buffer_size"`

	TLS TLS `mapstructure:"tls"`
}

func Default() *Config {
	return &Config{
		MaxHeaderSize:                DefaultMaxHeaderSize,
		ChunkSize:                    DefaultChunkSize,
		MaxConnectionsPerDestination: DefaultMaxConnectionsPerDestination,
		MaxConnections:               DefaultMaxConnections,
		ConnectTimeout:               DefaultConnectTimeout,
		IdleTimeout:                  DefaultIdleTimeout,
		FollowRedirects:              true,
		MaxRedirects:                 DefaultMaxRedirects,
		CookiePolicy:                 CookieAcceptOriginalServer,
		Transport:                    transport.KindNet,
		ReadBufferSize:               DefaultReadBufferSize,
	}
}

// Validate reports every invalid setting at once. A chunk size that is not
// positive is replaced by the default and logged rather than rejected.
func (c *Config) Validate(logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	var result error
	if c.MaxHeaderSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("max_header_size must be positive, got %d", c.MaxHeaderSize))
	}
	if c.ChunkSize <= 0 {
		logger.Warn("invalid chunk size, using default", "chunk_size", c.ChunkSize, "default", DefaultChunkSize)
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxConnectionsPerDestination < 0 {
		result = multierror.Append(result, fmt.Errorf("max_connections_per_destination must not be negative, got %d", c.MaxConnectionsPerDestination))
	}
	if c.MaxConnections < 0 {
		result = multierror.Append(result, fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections))
	}
	if c.MaxConnections > 0 && c.MaxConnectionsPerDestination > c.MaxConnections {
		result = multierror.Append(result, fmt.Errorf("max_connections_per_destination (%d) exceeds max_connections (%d)",
			c.MaxConnectionsPerDestination, c.MaxConnections))
	}

	for name, d := range map[string]time.Duration{
		"connect_timeout":  c.ConnectTimeout,
		"response_timeout": c.ResponseTimeout,
		"idle_timeout":     c.IdleTimeout,
	} {
		if d < 0 {
			result = multierror.Append(result, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}

	if c.MaxRedirects < 0 {
		result = multierror.Append(result, fmt.Errorf("max_redirects must not be negative, got %d", c.MaxRedirects))
	}
	switch c.CookiePolicy {
	case CookieAcceptAll, CookieAcceptNone, CookieAcceptOriginalServer:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown cookie_policy %q", c.CookiePolicy))
	}
	switch c.Transport {
	case transport.KindNet, transport.KindIoUring, transport.KindGoUring:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.ReadBufferSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("read_buffer_size must be positive, got %d", c.ReadBufferSize))
	}
	if _, err := tlsengine.ParseVersion(c.TLS.MinVersion); err != nil {
		result = multierror.Append(result, fmt.Errorf("tls.min_version: %w", err))
	}

	return result
}

// TLSOptions converts the TLS block for tlsengine.NewStandard
func (c *Config) TLSOptions() (tlsengine.Options, error) {
	version, err := tlsengine.ParseVersion(c.TLS.MinVersion)
	if err != nil {
		return tlsengine.Options{}, err
	}
	return tlsengine.Options{
		CAFile:             c.TLS.CAFile,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		ServerName:         c.TLS.ServerName,
		MinVersion:         version,
		SkipHostnameCheck:  c.TLS.SkipHostnameCheck,
	}, nil
}
