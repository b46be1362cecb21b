package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHttpError_Error(t *testing.T) {
	err := NewTransportError(TransportErrorSocketConnectFailure, "failed to connect to 127.0.0.1:1", io.EOF)
	expected := "Transport error (connect failure): failed to connect to 127.0.0.1:1 (caused by: EOF)"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	perr := NewProtocolError(ProtocolErrorHeaderTooLarge, "header section exceeds 10 bytes")
	assert.Equal(t, "Protocol error (header too large): header section exceeds 10 bytes", perr.Error())

	var nilErr *HttpError
	assert.Equal(t, "no error", nilErr.Error())
}

func TestHttpError_IsMatchesSubCode(t *testing.T) {
	err := fmt.Errorf("reading body: %w", NewProtocolError(ProtocolErrorHeaderTooLarge, "too big"))

	assert.True(t, stderrors.Is(err, ErrHeaderTooLarge))
	assert.True(t, stderrors.Is(err, ErrProtocol))
	assert.False(t, stderrors.Is(err, ErrBodyExceedsDeclaredLength))
	assert.False(t, stderrors.Is(err, ErrTransport))
}

func TestHttpError_Unwrap(t *testing.T) {
	err := NewTLSError(TLSErrorHandshakeFailure, "handshake", io.ErrUnexpectedEOF)
	assert.True(t, stderrors.Is(err, io.ErrUnexpectedEOF))
	assert.True(t, stderrors.Is(err, ErrTLS))
}

func TestTypeOf(t *testing.T) {
	require.Equal(t, ErrorTimeout, TypeOf(NewTimeoutError(TimeoutErrorResponse, "no response")))
	require.Equal(t, ErrorNone, TypeOf(io.EOF))
	require.True(t, IsTimeout(fmt.Errorf("wrapped: %w", NewTimeoutError(TimeoutErrorConnect, ""))))
	require.False(t, IsTimeout(NewRedirectError(RedirectErrorCycle, "", nil)))
}
