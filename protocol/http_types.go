package protocol

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/stream"
)

// Request methods with special handling
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodPatch   = "PATCH"
	MethodDelete  = "DELETE"
	MethodOptions = "OPTIONS"
	MethodConnect = "CONNECT"
)

// BodyMode determines how a request body is framed on the wire
type BodyMode int

const (
	BodyNone BodyMode = iota
	BodyBuffered
	BodyStreamed
	BodyChunked
)

func (m BodyMode) String() string {
	switch m {
	case BodyNone:
		return "none"
	case BodyBuffered:
		return "buffered"
	case BodyStreamed:
		return "streamed"
	case BodyChunked:
		return "chunked"
	default:
		return fmt.Sprintf("BodyMode(%d)", int(m))
	}
}

// Request is an HTTP request. The body mode is chosen by the constructor and
// the framing headers are set to match it.
type Request struct {
	Method string
	URL    *url.URL
	Header Header

	mode   BodyMode
	body   []byte
	output *stream.Output
}

func newRequest(method string, u *url.URL, header Header, mode BodyMode) *Request {
	if header == nil {
		header = Header{}
	}
	r := &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: header,
		mode:   mode,
	}
	if u != nil && u.Host != "" {
		r.Header.AddIfAbsent("Host", u.Host)
	}
	return r
}

// NewRequest creates a request without a body. Methods that normally carry a
// body announce an empty one.
func NewRequest(method string, u *url.URL, header Header) *Request {
	r := newRequest(method, u, header, BodyNone)
	r.Header.Del("Transfer-Encoding")
	switch r.Method {
	case MethodPost, MethodPut, MethodPatch:
		r.Header.Set("Content-Length", "0")
	default:
		r.Header.Del("Content-Length")
	}
	return r
}

// NewBufferedRequest creates a request whose body is fully in memory
func NewBufferedRequest(method string, u *url.URL, header Header, body []byte) *Request {
	r := newRequest(method, u, header, BodyBuffered)
	r.body = body
	r.Header.Del("Transfer-Encoding")
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return r
}

// NewStreamedRequest creates a request whose body of exactly length bytes is
// written through BodyStream while the request is sent.
func NewStreamedRequest(method string, u *url.URL, header Header, length int64, bufSize int) *Request {
	r := newRequest(method, u, header, BodyStreamed)
	r.output = stream.NewFixedLength(length, bufSize)
	r.Header.Del("Transfer-Encoding")
	r.Header.Set("Content-Length", strconv.FormatInt(length, 10))
	return r
}

// NewChunkedRequest creates a request whose body is written through
// BodyStream and sent in chunks of chunkSize bytes.
func NewChunkedRequest(method string, u *url.URL, header Header, chunkSize int) *Request {
	r := newRequest(method, u, header, BodyChunked)
	r.output = stream.NewChunked(chunkSize, EncodeChunk, LastChunk)
	r.Header.Del("Content-Length")
	r.Header.Set("Transfer-Encoding", "chunked")
	return r
}

// BodyMode returns how the body is framed
func (r *Request) BodyMode() BodyMode {
	return r.mode
}

// Body returns the body of a buffered request
func (r *Request) Body() []byte {
	return r.body
}

// BodyStream returns the stream a streamed or chunked body is written to, or
// nil for other modes.
func (r *Request) BodyStream() *stream.Output {
	return r.output
}

// ExpectsResponseBody reports whether a response to this request may carry a
// body. Responses to HEAD and CONNECT never do.
func (r *Request) ExpectsResponseBody() bool {
	return r.Method != MethodHead && r.Method != MethodConnect
}

// Validate checks the parts of the request that the encoder relies on
func (r *Request) Validate() error {
	if r.Method == "" || strings.IndexFunc(r.Method, func(c rune) bool { return !httpguts.IsTokenRune(c) }) >= 0 {
		return errors.NewInvalidArgumentError(fmt.Sprintf("invalid method %q", r.Method))
	}
	if r.URL == nil {
		return errors.NewInvalidArgumentError("request has no URL")
	}
	if r.URL.Host == "" {
		return errors.NewInvalidArgumentError(fmt.Sprintf("URL %q has no host", r.URL.String()))
	}
	switch strings.ToLower(r.URL.Scheme) {
	case "http", "https":
	default:
		return errors.NewInvalidArgumentError(fmt.Sprintf("unsupported scheme %q", r.URL.Scheme))
	}
	return nil
}

// Response is an HTTP response. Header and Trailer are complete before the
// caller sees the response; Body is fed as the rest of the message arrives.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     Header
	Trailer    Header
	Body       *stream.Input

	hasBody bool
}

func newResponse() *Response {
	return &Response{
		Header: Header{},
		Body:   stream.NewInput(),
	}
}

// HasBody reports whether a body follows the header. A response without a
// body has its Body stream already at end of file.
func (r *Response) HasBody() bool {
	return r.hasBody
}

// KeepAlive reports whether the server allows the connection to be reused
// after this response.
func (r *Response) KeepAlive() bool {
	if r.Header.ContainsToken("Connection", "close") {
		return false
	}
	if r.Proto == "HTTP/1.0" {
		return r.Header.ContainsToken("Connection", "keep-alive")
	}
	return true
}

// IsRedirect reports whether the status code asks the client to follow the
// Location header.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case 300, 301, 302, 303, 307, 308:
		return true
	}
	return false
}
