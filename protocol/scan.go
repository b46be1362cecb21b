package protocol

import (
	"bytes"
	"fmt"

	"github.com/PetrJanouch/jersey/errors"
)

// Byte window helpers used by the parser. They work on a window [start, end)
// of a buffer and return positions, or -1 when the element is not there.

func isSpace(b byte) bool {
	return b == ' ' || b == '\t'
}

// findByte returns the index of c in buf[start:end], or -1
func findByte(buf []byte, start, end int, c byte) int {
	if start >= end {
		return -1
	}
	if i := bytes.IndexByte(buf[start:end], c); i >= 0 {
		return start + i
	}
	return -1
}

// skipSpaces returns the index of the first non space or tab at or after
// start, or end
func skipSpaces(buf []byte, start, end int) int {
	for start < end && isSpace(buf[start]) {
		start++
	}
	return start
}

// findSpace returns the index of the first space or tab at or after start,
// or -1
func findSpace(buf []byte, start, end int) int {
	for i := start; i < end; i++ {
		if isSpace(buf[i]) {
			return i
		}
	}
	return -1
}

// trimSpaces trims spaces and tabs from both ends of buf[start:end]
func trimSpaces(buf []byte, start, end int) []byte {
	start = skipSpaces(buf, start, end)
	for end > start && isSpace(buf[end-1]) {
		end--
	}
	return buf[start:end]
}

// nextLine extracts the line that starts at start. It returns the line
// without its terminator and the index just past the LF. A missing LF yields
// ok == false and the caller has to wait for more bytes. A bare LF is accepted
// as a line end.
func nextLine(buf []byte, start int) (line []byte, next int, ok bool) {
	lf := findByte(buf, start, len(buf), '\n')
	if lf < 0 {
		return nil, start, false
	}
	end := lf
	if end > start && buf[end-1] == '\r' {
		end--
	}
	return buf[start:end], lf + 1, true
}

// appendLimited appends p to buf unless the result would be longer than
// limit. Growth beyond the limit is reported as a header overflow since only
// header bytes are buffered this way.
func appendLimited(buf, p []byte, limit int) ([]byte, error) {
	if len(buf)+len(p) > limit {
		return buf, errors.NewProtocolError(
			errors.ProtocolErrorHeaderTooLarge,
			fmt.Sprintf("header section exceeds %d bytes", limit),
		)
	}
	return append(buf, p...), nil
}
