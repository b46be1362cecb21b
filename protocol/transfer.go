package protocol

import (
	"bytes"
	"fmt"
	"math"

	"github.com/PetrJanouch/jersey/errors"
)

// maxChunkLineSize bounds a chunk size line including extensions
const maxChunkLineSize = 4096

// transferDecoder extracts body bytes from the message stream and feeds them
// to the response body. done is reported once the body is complete; consumed
// then tells how much of data belonged to it.
type transferDecoder interface {
	decode(data []byte, resp *Response) (consumed int, done bool, err error)
}

// fixedLengthDecoder reads a body framed by Content-Length
type fixedLengthDecoder struct {
	remaining int64
}

func (d *fixedLengthDecoder) decode(data []byte, resp *Response) (int, bool, error) {
	if int64(len(data)) > d.remaining {
		return 0, false, errors.NewProtocolError(
			errors.ProtocolErrorBodyExceedsDeclaredLength,
			fmt.Sprintf("received %d bytes with %d remaining", len(data), d.remaining),
		)
	}
	resp.Body.OnData(bytes.Clone(data))
	d.remaining -= int64(len(data))
	return len(data), d.remaining == 0, nil
}

// untilCloseDecoder passes everything through; the body ends with the
// connection, see Parser.Finish.
type untilCloseDecoder struct{}

func (untilCloseDecoder) decode(data []byte, resp *Response) (int, bool, error) {
	resp.Body.OnData(bytes.Clone(data))
	return len(data), false, nil
}

type chunkState int

const (
	chunkSizeLine chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// chunkedDecoder reads a body with chunked transfer coding, including the
// trailer section.
type chunkedDecoder struct {
	state        chunkState
	remaining    int64
	line         []byte
	trailer      headerBlock
	trailerBytes int
	maxTrailer   int
}

func newChunkedDecoder(maxTrailer int) *chunkedDecoder {
	return &chunkedDecoder{maxTrailer: maxTrailer}
}

func (d *chunkedDecoder) decode(data []byte, resp *Response) (int, bool, error) {
	pos := 0
	for pos < len(data) && d.state != chunkDone {
		if d.state == chunkData {
			n := int64(len(data) - pos)
			if n > d.remaining {
				n = d.remaining
			}
			resp.Body.OnData(bytes.Clone(data[pos : pos+int(n)]))
			pos += int(n)
			d.remaining -= n
			if d.remaining == 0 {
				d.state = chunkDataEnd
			}
			continue
		}

		limit := maxChunkLineSize
		if d.state == chunkTrailer {
			limit = d.maxTrailer - d.trailerBytes
		}
		line, next, ok, err := d.readLine(data, pos, limit)
		if err != nil {
			return pos, false, err
		}
		if !ok {
			return len(data), false, nil
		}
		pos = next

		switch d.state {
		case chunkSizeLine:
			size, err := parseChunkSize(line)
			if err != nil {
				return pos, false, err
			}
			if size == 0 {
				resp.Trailer = Header{}
				d.trailer = headerBlock{target: resp.Trailer}
				d.state = chunkTrailer
			} else {
				d.remaining = size
				d.state = chunkData
			}
		case chunkDataEnd:
			if len(line) != 0 {
				return pos, false, errors.NewProtocolError(
					errors.ProtocolErrorInvalidChunkedEncoding,
					"missing CRLF after chunk data",
				)
			}
			d.state = chunkSizeLine
		case chunkTrailer:
			d.trailerBytes += len(line) + 2
			done, err := d.trailer.line(line)
			if err != nil {
				return pos, false, err
			}
			if done {
				d.state = chunkDone
			}
		}
	}
	return pos, d.state == chunkDone, nil
}

// readLine returns the next complete line starting at pos, joined with any
// partial line kept from the previous call. Without a line end the bytes are
// kept and ok is false.
func (d *chunkedDecoder) readLine(data []byte, pos, limit int) (line []byte, next int, ok bool, err error) {
	lf := findByte(data, pos, len(data), '\n')
	if lf < 0 {
		d.line, err = appendLimited(d.line, data[pos:], limit)
		if err != nil {
			return nil, pos, false, chunkLineTooLong(d.state, limit)
		}
		return nil, len(data), false, nil
	}

	line = data[pos:lf]
	if len(d.line) > 0 {
		d.line, err = appendLimited(d.line, line, limit)
		if err != nil {
			return nil, pos, false, chunkLineTooLong(d.state, limit)
		}
		line = d.line
		d.line = nil
	} else if len(line) > limit {
		return nil, pos, false, chunkLineTooLong(d.state, limit)
	}
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, lf + 1, true, nil
}

func chunkLineTooLong(state chunkState, limit int) error {
	if state == chunkTrailer {
		return errors.NewProtocolError(
			errors.ProtocolErrorHeaderTooLarge,
			fmt.Sprintf("trailer section exceeds %d bytes", limit),
		)
	}
	return errors.NewProtocolError(
		errors.ProtocolErrorInvalidChunkedEncoding,
		fmt.Sprintf("chunk size line longer than %d bytes", limit),
	)
}

// parseChunkSize parses "1a2b;ext=value"
func parseChunkSize(line []byte) (int64, error) {
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	hex := trimSpaces(line, 0, len(line))
	if len(hex) == 0 {
		return 0, errors.NewProtocolError(
			errors.ProtocolErrorInvalidChunkedEncoding,
			"empty chunk size",
		)
	}

	var size int64
	for _, c := range hex {
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v = c - 'A' + 10
		default:
			return 0, errors.NewProtocolError(
				errors.ProtocolErrorInvalidChunkedEncoding,
				fmt.Sprintf("invalid chunk size %q", hex),
			)
		}
		if size > math.MaxInt64>>4 {
			return 0, errors.NewProtocolError(
				errors.ProtocolErrorInvalidChunkedEncoding,
				fmt.Sprintf("chunk size %q overflows", hex),
			)
		}
		size = size<<4 | int64(v)
	}
	return size, nil
}
