package connection

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/PetrJanouch/jersey/errors"
)

// Destination identifies the endpoint a connection is opened to. Connections
// are only reused for requests to an equal Destination.
type Destination struct {
	Host   string
	Port   int
	Secure bool
}

// DestinationOf derives the destination of u. The host is lower-cased and
// converted to its ASCII form so that equivalent spellings share a pool.
func DestinationOf(u *url.URL) (Destination, error) {
	if u == nil {
		return Destination{}, errors.NewInvalidArgumentError("nil URL")
	}

	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		secure = true
	default:
		return Destination{}, errors.NewInvalidArgumentError(fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return Destination{}, errors.NewInvalidArgumentError(fmt.Sprintf("URL %q has no host", u.String()))
	}
	host, err := asciiHost(host)
	if err != nil {
		return Destination{}, err
	}

	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Destination{}, errors.NewInvalidArgumentError(fmt.Sprintf("invalid port %q", p))
		}
	}

	return Destination{Host: host, Port: port, Secure: secure}, nil
}

func asciiHost(host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", errors.NewInvalidArgumentError(fmt.Sprintf("invalid host %q: %v", host, err))
	}
	return strings.ToLower(ascii), nil
}

// Address returns host:port
func (d Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) String() string {
	if d.Secure {
		return "https://" + d.Address()
	}
	return "http://" + d.Address()
}
