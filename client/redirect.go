package client

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PetrJanouch/jersey/connection"
	"github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/protocol"
)

// sender is the part of the pool the redirector needs
type sender interface {
	Send(req *protocol.Request, handler connection.ResponseHandler)
}

// redirector follows redirects for one submitted request. Only GET and HEAD
// are followed; other methods get the redirect response itself.
type redirector struct {
	pool     sender
	original *protocol.Request
	handler  connection.ResponseHandler
	max      int
	followed int
	visited  map[string]struct{}
}

func newRedirector(p sender, req *protocol.Request, max int, handler connection.ResponseHandler) *redirector {
	return &redirector{
		pool:     p,
		original: req,
		handler:  handler,
		max:      max,
		visited:  map[string]struct{}{visitKey(req.URL): {}},
	}
}

func (r *redirector) send(req *protocol.Request) {
	r.pool.Send(req, func(resp *protocol.Response, err error) {
		r.onResponse(req, resp, err)
	})
}

func (r *redirector) onResponse(req *protocol.Request, resp *protocol.Response, err error) {
	if err != nil || !resp.IsRedirect() {
		r.handler(resp, err)
		return
	}
	if req.Method != protocol.MethodGet && req.Method != protocol.MethodHead {
		r.handler(resp, nil)
		return
	}

	next, err := r.next(req, resp)
	// The intermediate body is not needed; the connection still reads it to
	// the end before it is reused.
	resp.Body.Close()
	if err != nil {
		r.handler(nil, err)
		return
	}
	r.send(next)
}

func (r *redirector) next(req *protocol.Request, resp *protocol.Response) (*protocol.Request, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, errors.NewRedirectError(errors.RedirectErrorMissingLocation,
			fmt.Sprintf("%d response from %s has no Location header", resp.StatusCode, req.URL), nil)
	}
	target, err := req.URL.Parse(location)
	if err != nil {
		return nil, errors.NewRedirectError(errors.RedirectErrorInvalidLocation,
			fmt.Sprintf("invalid Location %q", location), err)
	}
	switch strings.ToLower(target.Scheme) {
	case "http", "https":
	default:
		return nil, errors.NewRedirectError(errors.RedirectErrorInvalidLocation,
			fmt.Sprintf("unsupported redirect target %q", location), nil)
	}

	key := visitKey(target)
	if _, seen := r.visited[key]; seen {
		return nil, errors.NewRedirectError(errors.RedirectErrorCycle,
			fmt.Sprintf("redirect cycle at %s", key), nil)
	}
	r.followed++
	if r.followed > r.max {
		return nil, errors.NewRedirectError(errors.RedirectErrorLimitExceeded,
			fmt.Sprintf("more than %d redirects", r.max), nil)
	}
	r.visited[key] = struct{}{}

	header := r.original.Header.Clone()
	for _, name := range []string{"Host", "Cookie", "Content-Length", "Transfer-Encoding"} {
		header.Del(name)
	}
	return protocol.NewRequest(req.Method, target, header), nil
}

// visitKey identifies a redirect target; fragments never reach the server
func visitKey(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	return k.String()
}
