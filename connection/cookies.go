package connection

import (
	"net/url"

	"github.com/PetrJanouch/jersey/protocol"
)

// CookieStore supplies cookies for outgoing requests and stores the ones
// servers set. Implementations must be safe for concurrent use; connections
// share a single store.
type CookieStore interface {
	// Get returns the headers to add to a request for u. The returned
	// headers replace request headers of the same name.
	Get(u *url.URL, header protocol.Header) (protocol.Header, error)
	// Put records the cookies of a response received for u.
	Put(u *url.URL, header protocol.Header) error
}

// NopCookieStore neither sends nor keeps cookies
type NopCookieStore struct{}

func (NopCookieStore) Get(*url.URL, protocol.Header) (protocol.Header, error) { return nil, nil }

func (NopCookieStore) Put(*url.URL, protocol.Header) error { return nil }
