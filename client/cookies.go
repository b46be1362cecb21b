package client

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/PetrJanouch/jersey/config"
	"github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/protocol"
)

// JarStore is a cookie store backed by net/http/cookiejar with the public
// suffix list, filtered by one of the config cookie policies.
type JarStore struct {
	jar    *cookiejar.Jar
	policy string
}

func NewJarStore(policy string) (*JarStore, error) {
	switch policy {
	case config.CookieAcceptAll, config.CookieAcceptNone, config.CookieAcceptOriginalServer:
	default:
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("unknown cookie policy %q", policy))
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &JarStore{jar: jar, policy: policy}, nil
}

// Get returns a Cookie header carrying the request's own cookies followed by
// the stored ones for u.
func (s *JarStore) Get(u *url.URL, header protocol.Header) (protocol.Header, error) {
	stored := s.jar.Cookies(u)
	if len(stored) == 0 {
		return nil, nil
	}

	var parts []string
	if own := header.Get("Cookie"); own != "" {
		parts = append(parts, own)
	}
	for _, c := range stored {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return protocol.Header{"Cookie": {strings.Join(parts, "; ")}}, nil
}

// Put stores the Set-Cookie values of a response allowed by the policy
func (s *JarStore) Put(u *url.URL, header protocol.Header) error {
	if s.policy == config.CookieAcceptNone {
		return nil
	}
	lines := header.Values("Set-Cookie")
	if len(lines) == 0 {
		return nil
	}

	cookies := (&http.Response{Header: http.Header{"Set-Cookie": lines}}).Cookies()
	if s.policy == config.CookieAcceptOriginalServer {
		host := strings.ToLower(u.Hostname())
		kept := cookies[:0]
		for _, c := range cookies {
			if c.Domain == "" || domainMatches(host, c.Domain) {
				kept = append(kept, c)
			}
		}
		cookies = kept
	}
	s.jar.SetCookies(u, cookies)
	return nil
}

// domainMatches reports whether host is domain or one of its subdomains
func domainMatches(host, domain string) bool {
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}
