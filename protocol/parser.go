package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/PetrJanouch/jersey/errors"
)

type parseState int

const (
	stateInitialLine parseState = iota
	stateHeaders
	stateBody
	stateDone
)

func (s parseState) String() string {
	switch s {
	case stateInitialLine:
		return "InitialLine"
	case stateHeaders:
		return "Headers"
	case stateBody:
		return "Body"
	case stateDone:
		return "Done"
	default:
		return fmt.Sprintf("parseState(%d)", int(s))
	}
}

// Parser reads one HTTP/1.1 response from a byte stream delivered in pieces
// of any size. Bytes that do not yet form a complete line are kept until the
// next call. A new Parser is used for every response.
type Parser struct {
	maxHeaderSize int
	expectBody    bool

	state       parseState
	pending     []byte
	headerBytes int
	interim     bool

	resp       *Response
	headers    headerBlock
	decoder    transferDecoder
	untilClose bool
}

// NewParser creates a parser for the response to a request. expectBody is
// false for requests whose response never has a body, see
// Request.ExpectsResponseBody.
func NewParser(maxHeaderSize int, expectBody bool) *Parser {
	p := &Parser{
		maxHeaderSize: maxHeaderSize,
		expectBody:    expectBody,
	}
	p.startResponse()
	return p
}

// startResponse prepares for the next status line. headerBytes is not reset:
// interim responses count toward the header limit of the final one.
func (p *Parser) startResponse() {
	p.resp = newResponse()
	p.headers = headerBlock{target: p.resp.Header}
	p.interim = false
	p.state = stateInitialLine
}

// Response returns the response being parsed. Its header is complete once
// HeaderParsed reports true.
func (p *Parser) Response() *Response {
	return p.resp
}

// HeaderParsed reports whether the status line and all headers have been read
func (p *Parser) HeaderParsed() bool {
	return p.state >= stateBody
}

// Complete reports whether the whole message, including its body, has been read
func (p *Parser) Complete() bool {
	return p.state == stateDone
}

// ReadsUntilClose reports whether the body is delimited by the end of the
// connection rather than by framing.
func (p *Parser) ReadsUntilClose() bool {
	return p.untilClose
}

// Parse consumes data. It returns an error for malformed input; the parser
// must not be used after that.
func (p *Parser) Parse(data []byte) error {
	switch p.state {
	case stateDone:
		if len(data) > 0 {
			return errors.NewProtocolError(
				errors.ProtocolErrorUnexpectedData,
				fmt.Sprintf("%d bytes after the end of the response", len(data)),
			)
		}
		return nil
	case stateBody:
		return p.decodeBody(data)
	}

	buf := data
	if len(p.pending) > 0 {
		buf = append(p.pending, data...)
		p.pending = nil
	}

	pos := 0
	for p.state == stateInitialLine || p.state == stateHeaders {
		line, next, ok := nextLine(buf, pos)
		if !ok {
			rest, err := appendLimited(nil, buf[pos:], p.maxHeaderSize-p.headerBytes)
			if err != nil {
				return err
			}
			p.pending = rest
			return nil
		}

		p.headerBytes += next - pos
		if p.headerBytes > p.maxHeaderSize {
			return errors.NewProtocolError(
				errors.ProtocolErrorHeaderTooLarge,
				fmt.Sprintf("header section exceeds %d bytes", p.maxHeaderSize),
			)
		}
		pos = next

		var err error
		if p.state == stateInitialLine {
			err = p.parseStatusLine(line)
		} else {
			err = p.parseHeaderLine(line)
		}
		if err != nil {
			return err
		}
	}

	rest := buf[pos:]
	if p.state == stateBody {
		return p.decodeBody(rest)
	}
	if len(rest) > 0 {
		return errors.NewProtocolError(
			errors.ProtocolErrorUnexpectedData,
			fmt.Sprintf("%d bytes after a response without body", len(rest)),
		)
	}
	return nil
}

// Finish tells the parser that the connection has ended. A body delimited by
// the end of the connection is completed; any other unfinished message is
// reported as incomplete.
func (p *Parser) Finish() error {
	switch {
	case p.state == stateDone:
		return nil
	case p.state == stateBody && p.untilClose:
		p.state = stateDone
		p.resp.Body.OnAllDataRead()
		return nil
	}
	return errors.NewProtocolError(
		errors.ProtocolErrorIncompleteResponse,
		fmt.Sprintf("connection closed in state %s", p.state),
	)
}

// parseStatusLine parses "HTTP/1.1 200 OK"
func (p *Parser) parseStatusLine(line []byte) error {
	// tolerate empty lines before the status line
	if len(line) == 0 {
		return nil
	}

	sp := findSpace(line, 0, len(line))
	if sp < 0 || !bytes.HasPrefix(line, []byte("HTTP/")) {
		return errors.NewProtocolError(
			errors.ProtocolErrorInvalidStatusLine,
			fmt.Sprintf("invalid status line format: %q", line),
		)
	}

	codeStart := skipSpaces(line, sp, len(line))
	codeEnd := findSpace(line, codeStart, len(line))
	if codeEnd < 0 {
		codeEnd = len(line)
	}
	code := line[codeStart:codeEnd]
	statusCode, err := strconv.Atoi(string(code))
	if err != nil || len(code) != 3 || code[0] < '1' || code[0] > '9' {
		return errors.NewProtocolError(
			errors.ProtocolErrorInvalidStatusLine,
			fmt.Sprintf("invalid status code: %q", code),
		)
	}

	p.resp.Proto = string(line[:sp])
	p.resp.StatusCode = statusCode
	p.resp.Reason = string(trimSpaces(line, codeEnd, len(line)))
	p.interim = statusCode == 100
	p.state = stateHeaders
	return nil
}

func (p *Parser) parseHeaderLine(line []byte) error {
	done, err := p.headers.line(line)
	if err != nil || !done {
		return err
	}

	if p.interim {
		// 100 Continue: the final response follows
		p.startResponse()
		return nil
	}
	return p.decideTransfer()
}

// decideTransfer picks the body decoder once the header is complete.
// Transfer-Encoding wins over Content-Length.
func (p *Parser) decideTransfer() error {
	resp := p.resp

	switch resp.StatusCode {
	case 204, 205, 304:
		p.finishWithoutBody()
		return nil
	}
	if len(resp.Header) == 0 || !p.expectBody {
		p.finishWithoutBody()
		return nil
	}

	switch {
	case resp.Header.ContainsToken("Transfer-Encoding", "chunked"):
		p.decoder = newChunkedDecoder(p.maxHeaderSize)
	case resp.Header.Has("Content-Length"):
		length, err := parseContentLength(resp.Header.Values("Content-Length"))
		if err != nil {
			return err
		}
		if length == 0 {
			p.finishWithoutBody()
			return nil
		}
		p.decoder = &fixedLengthDecoder{remaining: length}
	default:
		p.decoder = untilCloseDecoder{}
		p.untilClose = true
	}

	resp.hasBody = true
	p.state = stateBody
	return nil
}

func (p *Parser) finishWithoutBody() {
	p.resp.hasBody = false
	p.state = stateDone
	p.resp.Body.OnAllDataRead()
}

func (p *Parser) decodeBody(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	consumed, done, err := p.decoder.decode(data, p.resp)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}

	p.state = stateDone
	p.resp.Body.OnAllDataRead()
	if consumed < len(data) {
		return errors.NewProtocolError(
			errors.ProtocolErrorUnexpectedData,
			fmt.Sprintf("%d bytes after the end of the response", len(data)-consumed),
		)
	}
	return nil
}

// parseContentLength validates all Content-Length values. Repeated values
// must agree.
func parseContentLength(values []string) (int64, error) {
	length := int64(-1)
	for _, v := range values {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 0 {
			return 0, errors.NewProtocolError(
				errors.ProtocolErrorInvalidContentLength,
				fmt.Sprintf("invalid Content-Length: %q", v),
			)
		}
		if length >= 0 && n != length {
			return 0, errors.NewProtocolError(
				errors.ProtocolErrorInvalidContentLength,
				fmt.Sprintf("conflicting Content-Length values %d and %d", length, n),
			)
		}
		length = n
	}
	return length, nil
}

// headerBlock collects header lines into target. It is shared by the
// response header and the chunked trailer.
type headerBlock struct {
	target Header
	name   string
	value  []byte
}

// line handles one header line without its terminator. It reports done on
// the empty line that ends the block.
func (b *headerBlock) line(line []byte) (bool, error) {
	if len(line) == 0 {
		b.flush()
		return true, nil
	}

	if isSpace(line[0]) {
		// obsolete line folding
		if b.name == "" {
			return false, errors.NewProtocolError(
				errors.ProtocolErrorInvalidHeader,
				"continuation line without a preceding header",
			)
		}
		cont := trimSpaces(line, 0, len(line))
		if len(cont) > 0 {
			if len(b.value) > 0 {
				b.value = append(b.value, ' ')
			}
			b.value = append(b.value, cont...)
		}
		return false, nil
	}

	b.flush()

	colon := findByte(line, 0, len(line), ':')
	if colon <= 0 {
		return false, errors.NewProtocolError(
			errors.ProtocolErrorInvalidHeader,
			fmt.Sprintf("malformed header line: %q", line),
		)
	}
	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return false, errors.NewProtocolError(
			errors.ProtocolErrorInvalidHeader,
			fmt.Sprintf("invalid header name: %q", name),
		)
	}

	b.name = CanonicalKey(name)
	b.value = append(b.value[:0], trimSpaces(line, colon+1, len(line))...)
	return false, nil
}

// flush stores the header collected so far. Comma separated values become
// separate entries, except for Set-Cookie whose attributes contain commas.
func (b *headerBlock) flush() {
	if b.name == "" {
		return
	}
	name, value := b.name, b.value
	b.name = ""
	b.value = b.value[:0]

	if name == "Set-Cookie" {
		b.target.Add(name, string(value))
		return
	}

	added := false
	start := 0
	for start <= len(value) {
		end := findByte(value, start, len(value), ',')
		if end < 0 {
			end = len(value)
		}
		if seg := trimSpaces(value, start, end); len(seg) > 0 {
			b.target.Add(name, string(seg))
			added = true
		}
		start = end + 1
	}
	if !added {
		b.target.Add(name, "")
	}
}
