package connection

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httperrors "github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/protocol"
	"github.com/PetrJanouch/jersey/transport"
)

func setupTestServer(t *testing.T, serverLogic func(net.Conn)) (Destination, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create test server: %v", err)
	}
	addr := listener.Addr().(*net.TCPAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		serverLogic(conn)
		conn.Close()
	}()

	cleanup := func() {
		listener.Close()
		<-done
	}
	return Destination{Host: addr.IP.String(), Port: addr.Port}, cleanup
}

// transitions records every state change of a connection
type transitions struct {
	mu     sync.Mutex
	states []State
}

func (l *transitions) StateChanged(_ *Connection, _, to State) {
	l.mu.Lock()
	l.states = append(l.states, to)
	l.mu.Unlock()
}

func (l *transitions) seen() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func netTransport() transport.Transport {
	return transport.NewStreamTransport(func() (transport.Conn, error) { return transport.NewTcpConn(), nil }, 0, nil)
}

func newTestConnection(t *testing.T, dest Destination, tune func(*Settings)) (*Connection, *transitions) {
	t.Helper()
	log := &transitions{}
	s := Settings{
		ConnectTimeout: 2 * time.Second,
		Transport:      netTransport,
		Listener:       log,
	}
	if tune != nil {
		tune(&s)
	}
	c, err := New(dest, s)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, log
}

func connect(t *testing.T, c *Connection) error {
	t.Helper()
	done := make(chan error, 1)
	c.Connect(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("connect never completed")
		return nil
	}
}

func send(t *testing.T, c *Connection, req *protocol.Request) (*protocol.Response, error) {
	t.Helper()
	type result struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan result, 2)
	c.Send(req, func(resp *protocol.Response, err error) { done <- result{resp, err} })
	select {
	case r := <-done:
		return r.resp, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
		return nil, nil
	}
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"connection stayed in %s, want %s", c.State(), want)
}

func get(t *testing.T, dest Destination, path string) *protocol.Request {
	t.Helper()
	u, err := url.Parse(fmt.Sprintf("http://%s%s", dest.Address(), path))
	require.NoError(t, err)
	return protocol.NewRequest(protocol.MethodGet, u, nil)
}

func respond(conn net.Conn, r *bufio.Reader, response string) (*http.Request, error) {
	req, err := http.ReadRequest(r)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, req.Body)
	_, err = conn.Write([]byte(response))
	return req, err
}

func TestConnection_ConnectSendAndReuse(t *testing.T) {
	seen := make(chan *http.Request, 2)
	dest, cleanup := setupTestServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for _, body := range []string{"first", "second"} {
			req, err := respond(conn, r, fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
			if err != nil {
				return
			}
			seen <- req
		}
	})
	defer cleanup()

	c, log := newTestConnection(t, dest, nil)
	require.NoError(t, connect(t, c))
	assert.Equal(t, StateIdle, c.State())

	for _, want := range []string{"first", "second"} {
		resp, err := send(t, c, get(t, dest, "/"+want))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
		waitState(t, c, StateIdle)

		req := <-seen
		assert.Equal(t, "/"+want, req.URL.Path)
		assert.Equal(t, "keep-alive", req.Header.Get("Connection"))
	}

	states := log.seen()
	assert.Equal(t, []State{StateConnecting, StateIdle, StateSendingRequest}, states[:3])
	assert.Equal(t, StateIdle, states[len(states)-1])
	assert.NotContains(t, states, StateClosed)
}

func TestConnection_ConnectionCloseHeaderClosesAfterExchange(t *testing.T) {
	dest, cleanup := setupTestServer(t, func(conn net.Conn) {
		respond(conn, bufio.NewReader(conn), "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 2\r\n\r\nok")
		io.Copy(io.Discard, conn)
	})
	defer cleanup()

	c, _ := newTestConnection(t, dest, nil)
	require.NoError(t, connect(t, c))

	resp, err := send(t, c, get(t, dest, "/"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	waitState(t, c, StateClosed)
}

func TestConnection_BodyUntilServerClose(t *testing.T) {
	dest, cleanup := setupTestServer(t, func(conn net.Conn) {
		respond(conn, bufio.NewReader(conn), "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nstream")
		conn.Write([]byte("ing"))
	})
	defer cleanup()

	c, log := newTestConnection(t, dest, nil)
	require.NoError(t, connect(t, c))

	resp, err := send(t, c, get(t, dest, "/"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "streaming", string(body))

	waitState(t, c, StateClosed)
	assert.Contains(t, log.seen(), StateClosedByServer)
}

func TestConnection_ServerCloseFailsRequest(t *testing.T) {
	dest, cleanup := setupTestServer(t, func(conn net.Conn) {
		http.ReadRequest(bufio.NewReader(conn))
	})
	defer cleanup()

	c, _ := newTestConnection(t, dest, nil)
	require.NoError(t, connect(t, c))

	_, err := send(t, c, get(t, dest, "/"))
	assert.ErrorIs(t, err, httperrors.ErrConnectionClosed)
	waitState(t, c, StateClosed)
}

func TestConnection_ResponseTimeoutBeforeHeader(t *testing.T) {
	release := make(chan struct{})
	dest, cleanup := setupTestServer(t, func(conn net.Conn) {
		http.ReadRequest(bufio.NewReader(conn))
		<-release
	})
	defer cleanup()
	defer close(release)

	c, log := newTestConnection(t, dest, func(s *Settings) { s.ResponseTimeout = 50 * time.Millisecond })
	require.NoError(t, connect(t, c))

	_, err := send(t, c, get(t, dest, "/"))
	assert.ErrorIs(t, err, httperrors.ErrResponseTimeout)
	assert.True(t, httperrors.IsTimeout(err))
	waitState(t, c, StateClosed)
	assert.Contains(t, log.seen(), StateResponseTimeout)
}

func TestConnection_ResponseTimeoutDuringBody(t *testing.T) {
	release := make(chan struct{})
	dest, cleanup := setupTestServer(t, func(conn net.Conn) {
		respond(conn, bufio.NewReader(conn), "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nab")
		<-release
	})
	defer cleanup()
	defer close(release)

	c, _ := newTestConnection(t, dest, func(s *Settings) { s.ResponseTimeout = 100 * time.Millisecond })
	require.NoError(t, connect(t, c))

	resp, err := send(t, c, get(t, dest, "/"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	assert.Equal(t, "ab", string(body))
	assert.ErrorIs(t, err, httperrors.ErrResponseTimeout)
	waitState(t, c, StateClosed)
}

func TestConnection_IdleTimeout(t *testing.T) {
	dest, cleanup := setupTestServer(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})
	defer cleanup()

	c, log := newTestConnection(t, dest, func(s *Settings) { s.IdleTimeout = 50 * time.Millisecond })
	require.NoError(t, connect(t, c))
	waitState(t, c, StateClosed)
	assert.Equal(t, []State{StateConnecting, StateIdle, StateIdleTimeout, StateClosed}, log.seen())
}

// silentTransport never reports a connection
type silentTransport struct{}

func (silentTransport) Connect(context.Context, string, int, transport.Handler) {}
func (silentTransport) Write(_ []byte, done func(error))                       { done(nil) }
func (silentTransport) Close() error                                            { return nil }

func TestConnection_ConnectTimeout(t *testing.T) {
	c, log := newTestConnection(t, Destination{Host: "example.com", Port: 80}, func(s *Settings) {
		s.ConnectTimeout = 30 * time.Millisecond
		s.Transport = func() transport.Transport { return silentTransport{} }
	})

	err := connect(t, c)
	assert.ErrorIs(t, err, httperrors.ErrConnectTimeout)
	waitState(t, c, StateClosed)
	assert.Equal(t, []State{StateConnecting, StateConnectTimeout, StateClosed}, log.seen())
}

func TestConnection_ConnectFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	c, log := newTestConnection(t, Destination{Host: "127.0.0.1", Port: port}, nil)
	err = connect(t, c)
	assert.ErrorIs(t, err, httperrors.ErrTransport)
	waitState(t, c, StateClosed)
	assert.Contains(t, log.seen(), StateError)
}

func TestConnection_ClientCloseFailsBody(t *testing.T) {
	release := make(chan struct{})
	dest, cleanup := setupTestServer(t, func(conn net.Conn) {
		respond(conn, bufio.NewReader(conn), "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial")
		<-release
	})
	defer cleanup()
	defer close(release)

	c, _ := newTestConnection(t, dest, nil)
	require.NoError(t, connect(t, c))

	resp, err := send(t, c, get(t, dest, "/"))
	require.NoError(t, err)
	c.Close()

	_, err = io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, httperrors.ErrClosedByClient)
	waitState(t, c, StateClosed)
}

// stallingTransport connects at once, completes the first write and holds
// every later one, like a peer that stopped reading.
type stallingTransport struct {
	mu     sync.Mutex
	writes int
}

func (s *stallingTransport) Connect(_ context.Context, _ string, _ int, h transport.Handler) {
	go h.OnConnect()
}

func (s *stallingTransport) Write(_ []byte, done func(error)) {
	s.mu.Lock()
	s.writes++
	first := s.writes == 1
	s.mu.Unlock()
	if first {
		done(nil)
	}
}

func (s *stallingTransport) Close() error { return nil }

func TestConnection_ClientCloseReleasesStalledUpload(t *testing.T) {
	dest := Destination{Host: "example.com", Port: 80}
	c, _ := newTestConnection(t, dest, func(s *Settings) {
		s.Transport = func() transport.Transport { return &stallingTransport{} }
	})
	require.NoError(t, connect(t, c))

	u, err := url.Parse("http://example.com/upload")
	require.NoError(t, err)
	req := protocol.NewStreamedRequest(protocol.MethodPost, u, nil, 1000, 100)

	failed := make(chan error, 2)
	c.Send(req, func(_ *protocol.Response, err error) { failed <- err })

	written := make(chan error, 1)
	go func() {
		_, err := req.BodyStream().Write(make([]byte, 100))
		written <- err
	}()
	select {
	case err := <-written:
		t.Fatalf("Write returned before the connection closed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	c.Close()

	select {
	case err := <-written:
		assert.ErrorIs(t, err, httperrors.ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("body Write stayed blocked after Close")
	}
	assert.ErrorIs(t, <-failed, httperrors.ErrClosedByClient)
	waitState(t, c, StateClosed)
	assert.Empty(t, failed, "the handler fires exactly once")
}

func TestConnection_SendRequiresIdle(t *testing.T) {
	c, _ := newTestConnection(t, Destination{Host: "example.com", Port: 80}, func(s *Settings) {
		s.Transport = func() transport.Transport { return silentTransport{} }
	})

	_, err := send(t, c, get(t, Destination{Host: "example.com", Port: 80}, "/"))
	assert.Same(t, ErrUnavailable, err)
}

// fakeCookies serves a fixed Cookie header and records what it is given
type fakeCookies struct {
	mu  sync.Mutex
	put []string
}

func (f *fakeCookies) Get(*url.URL, protocol.Header) (protocol.Header, error) {
	return protocol.Header{"Cookie": {"session=abc"}}, nil
}

func (f *fakeCookies) Put(_ *url.URL, h protocol.Header) error {
	f.mu.Lock()
	f.put = append(f.put, h.Values("Set-Cookie")...)
	f.mu.Unlock()
	return nil
}

func TestConnection_CookiesFlowThroughStore(t *testing.T) {
	seen := make(chan *http.Request, 1)
	dest, cleanup := setupTestServer(t, func(conn net.Conn) {
		req, err := respond(conn, bufio.NewReader(conn), "HTTP/1.1 204 No Content\r\nSet-Cookie: a=1, b=2\r\n\r\n")
		if err == nil {
			seen <- req
		}
		io.Copy(io.Discard, conn)
	})
	defer cleanup()

	jar := &fakeCookies{}
	c, _ := newTestConnection(t, dest, func(s *Settings) { s.Cookies = jar })
	require.NoError(t, connect(t, c))

	resp, err := send(t, c, get(t, dest, "/"))
	require.NoError(t, err)
	assert.False(t, resp.HasBody())
	assert.Equal(t, "session=abc", (<-seen).Header.Get("Cookie"))

	jar.mu.Lock()
	defer jar.mu.Unlock()
	assert.Equal(t, []string{"a=1, b=2"}, jar.put)
}

func TestConnection_StaleTimerIsIgnored(t *testing.T) {
	c, _ := newTestConnection(t, Destination{Host: "example.com", Port: 80}, func(s *Settings) {
		s.Transport = func() transport.Transport { return silentTransport{} }
	})

	fired := make(chan string, 2)
	armed := make(chan struct{})
	c.exec.Submit(func() {
		c.arm(10*time.Millisecond, func() { fired <- "superseded" })
		// Simulate a cancellation that lost the race with the timer.
		c.timer = nil
		c.timerGen++
		c.arm(10*time.Millisecond, func() { fired <- "left state" })
		c.state = StateIdle
		close(armed)
	})
	<-armed

	select {
	case what := <-fired:
		t.Fatalf("stale timer fired: %s", what)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNew_RequiresTLSProviderForSecureDestination(t *testing.T) {
	_, err := New(Destination{Host: "example.com", Port: 443, Secure: true}, Settings{Transport: netTransport})
	assert.Equal(t, httperrors.ErrorInvalidArgument, httperrors.TypeOf(err))
}
