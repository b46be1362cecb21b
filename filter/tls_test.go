package filter

import (
	"crypto/tls"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httperrors "github.com/PetrJanouch/jersey/errors"
)

func newTLSUnderTest(verifier func(string, tls.ConnectionState) bool) (*TLS, *fakeDown, *scriptedEngine, *recorder[[]byte]) {
	down := &fakeDown{}
	eng := &scriptedEngine{}
	up := &recorder[[]byte]{}
	f := NewTLS(down, eng, verifier, nil)
	f.Connect("example.com", 443, up)
	return f, down, eng, up
}

func handshaken(t *testing.T) (*TLS, *fakeDown, *scriptedEngine, *recorder[[]byte]) {
	t.Helper()
	f, down, eng, up := newTLSUnderTest(nil)
	f.StartTLS()
	down.complete(nil)
	f.OnRead([]byte(serverHello))
	down.complete(nil)
	require.Equal(t, tlsData, f.state)
	return f, down, eng, up
}

func tlsCode(err error) httperrors.TLSError {
	var httpErr *httperrors.HttpError
	if errors.As(err, &httpErr) {
		return httpErr.TLSErr
	}
	return httperrors.TLSErrorNone
}

func TestTLS_HandshakeGatesApplicationWrites(t *testing.T) {
	f, down, _, up := newTLSUnderTest(nil)

	f.OnConnect()
	f.StartTLS()
	assert.Equal(t, []string{"hello"}, down.written())

	var appDone []error
	f.Write([]byte("GET"), func(err error) { appDone = append(appDone, err) })
	assert.Equal(t, []string{"hello"}, down.written(), "application data must wait for the handshake")
	down.complete(nil)

	// A partial record is kept until the rest arrives.
	f.OnRead([]byte("server-"))
	assert.Equal(t, tlsHandshaking, f.state)
	assert.Equal(t, []string{"connect"}, up.snapshot())

	f.OnRead([]byte("hello"))
	assert.Equal(t, []string{"hello", "finished"}, down.written())
	assert.Equal(t, []string{"connect", "handshake"}, up.snapshot())

	// The held write follows the last handshake record, one write at a time.
	down.complete(nil)
	assert.Equal(t, []string{"hello", "finished", "[GET]"}, down.written())
	assert.Empty(t, appDone)

	down.complete(nil)
	assert.Equal(t, []error{nil}, appDone)
}

func TestTLS_PlaintextGoesUpAndCloseSendsCloseNotify(t *testing.T) {
	f, down, eng, up := handshaken(t)

	f.OnRead([]byte("HTTP/1.1 200 OK\r\n"))
	require.Len(t, up.reads, 1)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", string(up.reads[0]))

	f.Close()
	assert.Equal(t, "bye", down.written()[len(down.written())-1])
	assert.False(t, down.isClosed(), "transport must stay open until close_notify is written")

	down.complete(errors.New("broken pipe"))
	assert.True(t, down.isClosed())
	assert.Equal(t, 1, eng.closed)

	var done error
	f.Write([]byte("late"), func(err error) { done = err })
	assert.Equal(t, httperrors.TLSErrorClosed, tlsCode(done))
}

func TestTLS_CloseWithStalledWriteClosesTransportAtOnce(t *testing.T) {
	f, down, eng, _ := handshaken(t)

	var uploaded error
	f.Write([]byte("upload"), func(err error) { uploaded = err })
	sent := len(down.written())

	f.Close()
	assert.True(t, down.isClosed(), "a peer that is not reading must not keep the transport open")
	assert.Equal(t, 1, eng.closed)
	assert.Len(t, down.written(), sent, "no close_notify behind a stalled write")

	down.complete(errors.New("connection closed"))
	assert.Error(t, uploaded)
}

func TestTLS_HostnameVerifierRejects(t *testing.T) {
	var verifiedHost string
	f, down, _, up := newTLSUnderTest(func(host string, _ tls.ConnectionState) bool {
		verifiedHost = host
		return false
	})

	var held error
	f.StartTLS()
	f.Write([]byte("GET"), func(err error) { held = err })
	down.complete(nil)
	f.OnRead([]byte(serverHello))

	assert.Equal(t, "example.com", verifiedHost)
	assert.Equal(t, []string{"error"}, up.snapshot())
	assert.Equal(t, httperrors.TLSErrorHostnameVerification, tlsCode(up.errs[0]))
	assert.Error(t, held)
	assert.True(t, down.isClosed())
	assert.NotContains(t, down.written(), "[GET]")
}

func TestTLS_HandshakeTaskFailure(t *testing.T) {
	f, down, eng, up := newTLSUnderTest(nil)
	eng.taskErr = errors.New("bad certificate")

	f.StartTLS()
	down.complete(nil)
	f.OnRead([]byte(serverHello))

	require.Len(t, up.errs, 1)
	assert.Equal(t, httperrors.TLSErrorHandshakeFailure, tlsCode(up.errs[0]))
	assert.ErrorIs(t, up.errs[0], httperrors.ErrTLS)
	assert.True(t, down.isClosed())
}

func TestTLS_Renegotiation(t *testing.T) {
	f, down, _, _ := handshaken(t)

	f.OnRead([]byte("reneg"))
	assert.Equal(t, tlsRehandshaking, f.state)
	assert.Equal(t, "renegotiating", down.written()[len(down.written())-1])

	var done error = errors.New("not called")
	f.Write([]byte("a"), func(err error) { done = err })
	assert.Panics(t, func() { f.Write([]byte("b"), func(error) {}) })

	down.complete(nil)
	f.OnRead([]byte("reneg-done"))
	assert.Equal(t, tlsData, f.state)
	assert.Equal(t, "[a]", down.written()[len(down.written())-1])
	down.complete(nil)
	assert.NoError(t, done)
}

func TestTLS_WrapOverflowIsFatal(t *testing.T) {
	f, down, _, up := handshaken(t)

	var done error
	f.Write([]byte("overflow"), func(err error) { done = err })

	assert.Equal(t, httperrors.TLSErrorEngineState, tlsCode(done))
	require.Len(t, up.errs, 1)
	assert.Equal(t, httperrors.TLSErrorEngineState, tlsCode(up.errs[0]))
	assert.True(t, down.isClosed())
}

func TestTLS_ServerCloseFailsHeldWrites(t *testing.T) {
	f, _, eng, up := newTLSUnderTest(nil)
	f.StartTLS()

	var held error
	f.Write([]byte("GET"), func(err error) { held = err })
	f.OnClosed()

	assert.ErrorIs(t, held, httperrors.ErrConnectionClosed)
	assert.Equal(t, []string{"closed"}, up.snapshot())
	assert.Equal(t, 1, eng.closed)

	f.OnRead([]byte(serverHello))
	assert.Equal(t, []string{"closed"}, up.snapshot())
}
