// Package connection runs one HTTP/1.1 connection: it builds the filter
// pipeline for a destination and moves through connect, request and
// response states with their timeouts.
package connection

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/filter"
	"github.com/PetrJanouch/jersey/internal/scheduler"
	"github.com/PetrJanouch/jersey/internal/serial"
	"github.com/PetrJanouch/jersey/protocol"
	"github.com/PetrJanouch/jersey/tlsengine"
	"github.com/PetrJanouch/jersey/transport"
)

const defaultMaxHeaderSize = 100_000

// ErrUnavailable is reported to a handler whose request was never written
// because the connection had left Idle by the time it was dispatched.
var ErrUnavailable = errors.NewIllegalStateError("connection is not idle")

// ResponseHandler receives the response once its header is parsed, or the
// error that ended the exchange. It is called exactly once, on the
// connection's event goroutine, and must not block reading the body.
type ResponseHandler func(*protocol.Response, error)

// Settings configure a Connection. Transport is required, and TLS is
// required for secure destinations.
type Settings struct {
	MaxHeaderSize   int
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	IdleTimeout     time.Duration

	Transport transport.Factory
	TLS       tlsengine.Provider
	Verifier  tlsengine.HostnameVerifier
	Cookies   CookieStore
	Scheduler *scheduler.Scheduler
	Logger    hclog.Logger
	Listener  StateListener
}

type exchange struct {
	req      *protocol.Request
	handler  ResponseHandler
	resp     *protocol.Response
	written  bool
	finished bool
}

// Connection carries at most one request at a time. All of its state is
// owned by its serial executor; the exported methods only post work there.
type Connection struct {
	id     string
	dest   Destination
	exec   *serial.Executor
	http   *filter.HTTP
	logger hclog.Logger

	connectTimeout  time.Duration
	responseTimeout time.Duration
	idleTimeout     time.Duration
	sched           *scheduler.Scheduler
	cookies         CookieStore
	listener        StateListener

	state   State
	current atomic.Int32

	connectDone func(error)
	ex          *exchange
	closeAfter  bool

	timer    *scheduler.Timer
	timerGen uint64
}

// New assembles the pipeline for dest. The connection does nothing until
// Connect is called.
func New(dest Destination, s Settings) (*Connection, error) {
	if s.Transport == nil {
		return nil, errors.NewInvalidArgumentError("connection: no transport factory")
	}
	if dest.Secure && s.TLS == nil {
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("connection: no TLS provider for %s", dest))
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("connection: generating id: %w", err)
	}

	logger := s.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("connection").With("destination", dest.String(), "conn_id", id)

	c := &Connection{
		id:              id,
		dest:            dest,
		exec:            &serial.Executor{},
		logger:          logger,
		connectTimeout:  s.ConnectTimeout,
		responseTimeout: s.ResponseTimeout,
		idleTimeout:     s.IdleTimeout,
		sched:           s.Scheduler,
		cookies:         s.Cookies,
		listener:        s.Listener,
	}
	if c.sched == nil {
		c.sched = scheduler.New()
	}
	if c.cookies == nil {
		c.cookies = NopCookieStore{}
	}

	bottom := filter.NewTransport(s.Transport(), c.exec, logger)
	var down filter.ByteLayer = bottom
	if dest.Secure {
		engine, err := s.TLS.NewEngine(dest.Host, dest.Port)
		if err != nil {
			bottom.Close()
			return nil, err
		}
		down = filter.NewTLS(bottom, engine, s.Verifier, logger)
	}

	maxHeader := s.MaxHeaderSize
	if maxHeader <= 0 {
		maxHeader = defaultMaxHeaderSize
	}
	c.http = filter.NewHTTP(down, c.exec, maxHeader, logger)
	return c, nil
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Destination() Destination {
	return c.dest
}

// State returns the most recent state. It may be stale by the time the
// caller looks at it.
func (c *Connection) State() State {
	return State(c.current.Load())
}

// Connect opens the connection, including the TLS handshake for secure
// destinations. done is called once with nil when the connection is Idle,
// or with the reason it failed.
func (c *Connection) Connect(done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if !c.exec.Submit(func() { c.connect(done) }) {
		done(errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed", nil))
	}
}

func (c *Connection) connect(done func(error)) {
	if c.state != StateCreated {
		done(errors.NewIllegalStateError(fmt.Sprintf("connect in state %s", c.state)))
		return
	}
	c.connectDone = done
	c.setState(StateConnecting)
	c.arm(c.connectTimeout, func() {
		c.terminate(StateConnectTimeout, errors.NewTimeoutError(errors.TimeoutErrorConnect,
			fmt.Sprintf("no connection to %s within %s", c.dest, c.connectTimeout)))
	})
	c.http.Connect(c.dest.Host, c.dest.Port, c)
}

// Send writes req and reports the response to handler. The connection must
// be Idle when the request reaches it; otherwise handler gets ErrUnavailable
// and nothing is written.
func (c *Connection) Send(req *protocol.Request, handler ResponseHandler) {
	if !c.exec.Submit(func() { c.send(req, handler) }) {
		handler(nil, ErrUnavailable)
	}
}

func (c *Connection) send(req *protocol.Request, handler ResponseHandler) {
	if c.state != StateIdle {
		handler(nil, ErrUnavailable)
		return
	}
	c.disarm()

	req.Header.AddIfAbsent("Connection", "keep-alive")
	cookies, err := c.cookies.Get(req.URL, req.Header)
	if err != nil {
		c.logger.Warn("cookie store lookup failed", "error", err)
		// Leave Idle and come back so the listener sees the connection free
		// up again.
		c.setState(StateSendingRequest)
		handler(nil, err)
		c.becomeIdle()
		return
	}
	for k, vv := range cookies {
		req.Header[protocol.CanonicalKey(k)] = vv
	}

	ex := &exchange{req: req, handler: handler}
	c.ex = ex
	c.closeAfter = req.Header.ContainsToken("Connection", "close")
	c.setState(StateSendingRequest)
	c.http.Write(req, func(err error) { c.onWritten(ex, err) })
}

// Close aborts whatever is in flight with a closed-by-client error
func (c *Connection) Close() {
	c.exec.Submit(func() {
		c.terminate(StateClosed, errors.NewTransportError(errors.TransportErrorClosedByClient, "connection closed by client", nil))
	})
}

func (c *Connection) onWritten(ex *exchange, err error) {
	if c.ex != ex {
		return
	}
	if err != nil {
		c.logger.Error("request write failed", "error", err)
		c.terminate(StateError, err)
		return
	}

	ex.written = true
	switch {
	case ex.resp == nil:
		c.setState(StateReceivingHeader)
		c.arm(c.responseTimeout, c.responseTimedOut)
	case ex.finished:
		c.exchangeDone()
	}
}

// OnConnect implements filter.Handler
func (c *Connection) OnConnect() {
	if c.state != StateConnecting {
		return
	}
	c.logger.Trace("transport connected")
	c.http.StartTLS()
}

func (c *Connection) OnHandshakeCompleted() {
	if c.state != StateConnecting {
		return
	}
	done := c.connectDone
	c.connectDone = nil
	c.becomeIdle()
	if done != nil {
		done(nil)
	}
}

// OnRead receives the response as soon as its header is parsed
func (c *Connection) OnRead(resp *protocol.Response) {
	ex := c.ex
	if ex == nil || ex.resp != nil {
		return
	}
	ex.resp = resp

	if err := c.cookies.Put(ex.req.URL, resp.Header); err != nil {
		c.logger.Warn("failed to store response cookies", "error", err)
	}
	if !resp.KeepAlive() {
		c.closeAfter = true
	}

	handler := ex.handler
	ex.handler = nil

	if resp.HasBody() {
		c.setState(StateReceivingBody)
		c.arm(c.responseTimeout, c.responseTimedOut)
		resp.Body.NotifyComplete(func(err error) {
			c.exec.Submit(func() { c.onBodyEnd(ex, err) })
		})
		handler(resp, nil)
		return
	}

	ex.finished = true
	handler(resp, nil)
	if ex.written {
		c.exchangeDone()
	}
}

func (c *Connection) onBodyEnd(ex *exchange, err error) {
	if c.ex != ex || ex.finished {
		return
	}
	ex.finished = true
	if err != nil {
		c.terminate(StateError, err)
		return
	}

	c.disarm()
	if ex.written {
		c.exchangeDone()
		return
	}
	// The server answered before the request body was fully sent.
	c.setState(StateSendingRequest)
}

func (c *Connection) OnClosed() {
	if c.state == StateClosed {
		return
	}
	c.logger.Debug("connection closed by server", "state", c.state)
	c.terminate(StateClosedByServer, errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed by server", nil))
}

func (c *Connection) OnError(err error) {
	if c.state == StateClosed {
		return
	}
	c.logger.Error("connection failed", "state", c.state, "error", err)
	c.terminate(StateError, err)
}

func (c *Connection) exchangeDone() {
	c.ex = nil
	if c.closeAfter {
		c.logger.Trace("closing after exchange")
		c.terminate(StateClosed, nil)
		return
	}
	c.becomeIdle()
}

func (c *Connection) becomeIdle() {
	c.setState(StateIdle)
	c.arm(c.idleTimeout, func() {
		c.terminate(StateIdleTimeout, nil)
	})
}

func (c *Connection) responseTimedOut() {
	c.terminate(StateResponseTimeout, errors.NewTimeoutError(errors.TimeoutErrorResponse,
		fmt.Sprintf("no response from %s within %s", c.dest, c.responseTimeout)))
}

// terminate ends the connection, passing through the state that explains
// why. The connect callback or the exchange in flight fails with err first.
func (c *Connection) terminate(via State, err error) {
	if c.state == StateClosed {
		return
	}
	c.disarm()
	if via != StateClosed {
		c.setState(via)
	}
	if err == nil {
		err = errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed", nil)
	}

	if done := c.connectDone; done != nil {
		c.connectDone = nil
		done(err)
	}
	c.failExchange(err)

	c.setState(StateClosed)
	c.http.Close()
}

// failExchange reports err to the handler if the response has not been
// delivered yet, and to the response body otherwise.
func (c *Connection) failExchange(err error) {
	ex := c.ex
	if ex == nil {
		return
	}
	c.ex = nil
	if h := ex.handler; h != nil {
		ex.handler = nil
		h(nil, err)
		return
	}
	if ex.resp != nil && !ex.finished {
		ex.resp.Body.OnError(err)
	}
}

// arm starts the timer for the current state. A timer that fires after the
// connection has moved on, or after it was re-armed, does nothing.
func (c *Connection) arm(d time.Duration, fn func()) {
	c.disarm()
	gen, armed := c.timerGen, c.state
	c.timer = c.sched.Schedule(d, func() {
		c.exec.Submit(func() {
			if c.timerGen != gen || c.state != armed {
				return
			}
			c.timer = nil
			fn()
		})
	})
}

func (c *Connection) disarm() {
	c.timerGen++
	c.timer.Cancel()
	c.timer = nil
}

func (c *Connection) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.current.Store(int32(to))
	c.logger.Trace("state changed", "from", from, "to", to)
	if c.listener != nil {
		c.listener.StateChanged(c, from, to)
	}
}
