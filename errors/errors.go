package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType int

const (
	ErrorNone ErrorType = iota
	ErrorTransport
	ErrorProtocol
	ErrorInvalidArgument
	ErrorTLS
	ErrorTimeout
	ErrorRedirect
	ErrorIllegalState
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTransport:
		return "Transport error"
	case ErrorProtocol:
		return "Protocol error"
	case ErrorInvalidArgument:
		return "Invalid argument"
	case ErrorTLS:
		return "TLS error"
	case ErrorTimeout:
		return "Timeout"
	case ErrorRedirect:
		return "Redirect error"
	case ErrorIllegalState:
		return "Illegal state"
	default:
		return "Unknown error"
	}
}

// TransportError represents transport-layer specific errors
type TransportError int

const (
	TransportErrorNone TransportError = iota
	TransportErrorSocketCreateFailure
	TransportErrorSocketConnectFailure
	TransportErrorSocketReadFailure
	TransportErrorSocketWriteFailure
	TransportErrorConnectionClosed
	TransportErrorClosedByClient
	TransportErrorDnsFailure
	TransportErrorIoUringInit
	TransportErrorIoUringSubmit
	TransportErrorUnsupported
)

var transportErrorNames = map[TransportError]string{
	TransportErrorSocketCreateFailure:  "socket create failure",
	TransportErrorSocketConnectFailure: "connect failure",
	TransportErrorSocketReadFailure:    "read failure",
	TransportErrorSocketWriteFailure:   "write failure",
	TransportErrorConnectionClosed:     "connection closed",
	TransportErrorClosedByClient:       "closed by client",
	TransportErrorDnsFailure:           "dns failure",
	TransportErrorIoUringInit:          "io_uring init failure",
	TransportErrorIoUringSubmit:        "io_uring submit failure",
	TransportErrorUnsupported:          "unsupported",
}

func (e TransportError) String() string {
	if s, ok := transportErrorNames[e]; ok {
		return s
	}
	return fmt.Sprintf("transport error %d", int(e))
}

// ProtocolError represents protocol-layer specific errors. These are the
// parse errors of the response reader and are never retried.
type ProtocolError int

const (
	ProtocolErrorNone ProtocolError = iota
	ProtocolErrorInvalidStatusLine
	ProtocolErrorInvalidHeader
	ProtocolErrorInvalidChunkedEncoding
	ProtocolErrorHeaderTooLarge
	ProtocolErrorIncompleteResponse
	ProtocolErrorBodyExceedsDeclaredLength
	ProtocolErrorInvalidContentLength
	ProtocolErrorUnexpectedData
)

var protocolErrorNames = map[ProtocolError]string{
	ProtocolErrorInvalidStatusLine:         "invalid status line",
	ProtocolErrorInvalidHeader:             "invalid header",
	ProtocolErrorInvalidChunkedEncoding:    "invalid chunked encoding",
	ProtocolErrorHeaderTooLarge:            "header too large",
	ProtocolErrorIncompleteResponse:        "incomplete response",
	ProtocolErrorBodyExceedsDeclaredLength: "body exceeds declared length",
	ProtocolErrorInvalidContentLength:      "invalid content length",
	ProtocolErrorUnexpectedData:            "unexpected data",
}

func (e ProtocolError) String() string {
	if s, ok := protocolErrorNames[e]; ok {
		return s
	}
	return fmt.Sprintf("protocol error %d", int(e))
}

// TLSError represents failures of the TLS layer. All of them abort the connection.
type TLSError int

const (
	TLSErrorNone TLSError = iota
	TLSErrorHandshakeFailure
	TLSErrorHostnameVerification
	TLSErrorEngineState
	TLSErrorClosed
)

func (e TLSError) String() string {
	switch e {
	case TLSErrorHandshakeFailure:
		return "handshake failure"
	case TLSErrorHostnameVerification:
		return "hostname verification failed"
	case TLSErrorEngineState:
		return "engine state violation"
	case TLSErrorClosed:
		return "tls session closed"
	default:
		return fmt.Sprintf("tls error %d", int(e))
	}
}

// TimeoutError identifies which timer expired.
type TimeoutError int

const (
	TimeoutErrorNone TimeoutError = iota
	TimeoutErrorConnect
	TimeoutErrorResponse
	TimeoutErrorIdle
)

func (e TimeoutError) String() string {
	switch e {
	case TimeoutErrorConnect:
		return "connect timeout"
	case TimeoutErrorResponse:
		return "response timeout"
	case TimeoutErrorIdle:
		return "idle timeout"
	default:
		return fmt.Sprintf("timeout %d", int(e))
	}
}

// RedirectError represents failures while following redirects
type RedirectError int

const (
	RedirectErrorNone RedirectError = iota
	RedirectErrorMissingLocation
	RedirectErrorInvalidLocation
	RedirectErrorCycle
	RedirectErrorLimitExceeded
)

func (e RedirectError) String() string {
	switch e {
	case RedirectErrorMissingLocation:
		return "missing Location header"
	case RedirectErrorInvalidLocation:
		return "invalid Location header"
	case RedirectErrorCycle:
		return "redirect cycle"
	case RedirectErrorLimitExceeded:
		return "too many redirects"
	default:
		return fmt.Sprintf("redirect error %d", int(e))
	}
}

// HttpError is the main error type for the HTTP client
type HttpError struct {
	Type          ErrorType
	TransportErr  TransportError
	ProtocolErr   ProtocolError
	TLSErr        TLSError
	TimeoutErr    TimeoutError
	RedirectErr   RedirectError
	Message       string
	UnderlyingErr error
}

// Error implements the error interface
func (e *HttpError) Error() string {
	if e == nil {
		return "no error"
	}

	typeStr := e.Type.String()
	switch e.Type {
	case ErrorTransport:
		typeStr = fmt.Sprintf("%s (%s)", typeStr, e.TransportErr)
	case ErrorProtocol:
		typeStr = fmt.Sprintf("%s (%s)", typeStr, e.ProtocolErr)
	case ErrorTLS:
		typeStr = fmt.Sprintf("%s (%s)", typeStr, e.TLSErr)
	case ErrorTimeout:
		typeStr = fmt.Sprintf("%s (%s)", typeStr, e.TimeoutErr)
	case ErrorRedirect:
		typeStr = fmt.Sprintf("%s (%s)", typeStr, e.RedirectErr)
	}

	if e.Message != "" {
		typeStr = fmt.Sprintf("%s: %s", typeStr, e.Message)
	}

	if e.UnderlyingErr != nil {
		return fmt.Sprintf("%s (caused by: %v)", typeStr, e.UnderlyingErr)
	}

	return typeStr
}

// Unwrap returns the underlying error for error chain support
func (e *HttpError) Unwrap() error {
	return e.UnderlyingErr
}

// Is reports whether target describes the same failure. Zero sub-codes in the
// target match any sub-code of the same type, so the sentinels below can be
// used with errors.Is.
func (e *HttpError) Is(target error) bool {
	t, ok := target.(*HttpError)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	switch e.Type {
	case ErrorTransport:
		return t.TransportErr == TransportErrorNone || t.TransportErr == e.TransportErr
	case ErrorProtocol:
		return t.ProtocolErr == ProtocolErrorNone || t.ProtocolErr == e.ProtocolErr
	case ErrorTLS:
		return t.TLSErr == TLSErrorNone || t.TLSErr == e.TLSErr
	case ErrorTimeout:
		return t.TimeoutErr == TimeoutErrorNone || t.TimeoutErr == e.TimeoutErr
	case ErrorRedirect:
		return t.RedirectErr == RedirectErrorNone || t.RedirectErr == e.RedirectErr
	}
	return true
}

// Sentinels for use with errors.Is.
var (
	ErrTransport = &HttpError{Type: ErrorTransport}
	ErrProtocol  = &HttpError{Type: ErrorProtocol}
	ErrTLS       = &HttpError{Type: ErrorTLS}
	ErrTimeout   = &HttpError{Type: ErrorTimeout}
	ErrRedirect  = &HttpError{Type: ErrorRedirect}

	ErrConnectionClosed = &HttpError{Type: ErrorTransport, TransportErr: TransportErrorConnectionClosed}
	ErrClosedByClient   = &HttpError{Type: ErrorTransport, TransportErr: TransportErrorClosedByClient}

	ErrHeaderTooLarge            = &HttpError{Type: ErrorProtocol, ProtocolErr: ProtocolErrorHeaderTooLarge}
	ErrBodyExceedsDeclaredLength = &HttpError{Type: ErrorProtocol, ProtocolErr: ProtocolErrorBodyExceedsDeclaredLength}

	ErrConnectTimeout  = &HttpError{Type: ErrorTimeout, TimeoutErr: TimeoutErrorConnect}
	ErrResponseTimeout = &HttpError{Type: ErrorTimeout, TimeoutErr: TimeoutErrorResponse}

	ErrRedirectCycle = &HttpError{Type: ErrorRedirect, RedirectErr: RedirectErrorCycle}
)

// NewTransportError creates a new transport error
func NewTransportError(err TransportError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorTransport,
		TransportErr:  err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(err ProtocolError, message string) *HttpError {
	return &HttpError{
		Type:        ErrorProtocol,
		ProtocolErr: err,
		Message:     message,
	}
}

// NewTLSError creates a new TLS error
func NewTLSError(err TLSError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorTLS,
		TLSErr:        err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(err TimeoutError, message string) *HttpError {
	return &HttpError{
		Type:       ErrorTimeout,
		TimeoutErr: err,
		Message:    message,
	}
}

// NewRedirectError creates a new redirect error
func NewRedirectError(err RedirectError, message string, underlying error) *HttpError {
	return &HttpError{
		Type:          ErrorRedirect,
		RedirectErr:   err,
		Message:       message,
		UnderlyingErr: underlying,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorInvalidArgument,
		Message: message,
	}
}

// NewIllegalStateError creates an error for an operation that is not valid in
// the current state of a connection or pool.
func NewIllegalStateError(message string) *HttpError {
	return &HttpError{
		Type:    ErrorIllegalState,
		Message: message,
	}
}

// TypeOf returns the category of err, or ErrorNone if err is not an *HttpError.
func TypeOf(err error) ErrorType {
	var httpErr *HttpError
	if stderrors.As(err, &httpErr) {
		return httpErr.Type
	}
	return ErrorNone
}

// IsTimeout reports whether err is a timeout of any kind.
func IsTimeout(err error) bool {
	return TypeOf(err) == ErrorTimeout
}
