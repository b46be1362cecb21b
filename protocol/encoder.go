package protocol

import (
	"bytes"
	"fmt"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/PetrJanouch/jersey/errors"
)

// LastChunk terminates a chunked body without trailers
var LastChunk = []byte("0\r\n\r\n")

// EncodeHeader serializes the request line and headers, up to and including
// the empty line. Headers are written in sorted order with one line per value.
func EncodeHeader(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	target := req.URL.RequestURI()
	if target == "" {
		target = "/"
	}

	var buf bytes.Buffer
	buf.Grow(256)

	// Request line
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, target)

	// Headers
	for _, key := range req.Header.sortedKeys() {
		if !httpguts.ValidHeaderFieldName(key) {
			return nil, errors.NewInvalidArgumentError(fmt.Sprintf("invalid header field name %q", key))
		}
		for _, value := range req.Header[key] {
			if !httpguts.ValidHeaderFieldValue(value) {
				return nil, errors.NewInvalidArgumentError(fmt.Sprintf("invalid header field value for %q", key))
			}
			buf.WriteString(key)
			buf.WriteString(": ")
			buf.WriteString(value)
			buf.WriteString("\r\n")
		}
	}

	// Blank line
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// EncodeChunk frames p as one chunk. An empty p yields an empty slice, since
// a zero sized chunk would end the body.
func EncodeChunk(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	size := strconv.FormatInt(int64(len(p)), 16)
	out := make([]byte, 0, len(size)+len(p)+4)
	out = append(out, size...)
	out = append(out, '\r', '\n')
	out = append(out, p...)
	out = append(out, '\r', '\n')
	return out
}
