package filter

import (
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/tlsengine"
)

type tlsState int

const (
	tlsNotStarted tlsState = iota
	tlsHandshaking
	tlsData
	tlsRehandshaking
	tlsClosed
)

func (s tlsState) String() string {
	switch s {
	case tlsNotStarted:
		return "NotStarted"
	case tlsHandshaking:
		return "Handshaking"
	case tlsData:
		return "Data"
	case tlsRehandshaking:
		return "Rehandshaking"
	case tlsClosed:
		return "Closed"
	}
	return fmt.Sprintf("tlsState(%d)", int(s))
}

type pendingWrite struct {
	data []byte
	done func(error)
}

// TLS sits between the transport and the HTTP framing layer. It drives the
// engine's handshake, wraps application writes and unwraps received records.
//
// Writes to the layer below are queued and issued one at a time, in order.
// Application writes made before the handshake completes are held until it
// does; during a renegotiation at most one write may be held.
type TLS struct {
	down     ByteLayer
	engine   tlsengine.Engine
	verifier tlsengine.HostnameVerifier
	logger   hclog.Logger

	up    Handler[[]byte]
	host  string
	state tlsState

	wire    []pendingWrite
	writing bool

	held        []pendingWrite
	rehandshake *pendingWrite

	inbound []byte
}

// NewTLS creates a TLS layer over down. verifier may be nil, in which case
// the engine's own certificate checks are final.
func NewTLS(down ByteLayer, engine tlsengine.Engine, verifier tlsengine.HostnameVerifier, logger hclog.Logger) *TLS {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &TLS{down: down, engine: engine, verifier: verifier, logger: logger}
}

func (t *TLS) Connect(host string, port int, up Handler[[]byte]) {
	t.up = up
	t.host = host
	t.down.Connect(host, port, t)
}

func (t *TLS) Write(p []byte, done func(error)) {
	switch t.state {
	case tlsNotStarted, tlsHandshaking:
		t.held = append(t.held, pendingWrite{data: p, done: done})
	case tlsRehandshaking:
		if t.rehandshake != nil {
			panic("filter: second write during TLS renegotiation")
		}
		t.rehandshake = &pendingWrite{data: p, done: done}
	case tlsData:
		t.wrap(p, done)
	default:
		done(errors.NewTLSError(errors.TLSErrorClosed, "TLS layer closed", nil))
	}
}

// StartTLS begins the handshake. Completion is reported upward through
// OnHandshakeCompleted.
func (t *TLS) StartTLS() {
	if t.state != tlsNotStarted {
		return
	}
	t.state = tlsHandshaking
	t.logger.Trace("starting handshake", "host", t.host)
	if err := t.engine.BeginHandshake(); err != nil {
		t.fail(asTLSError(errors.TLSErrorHandshakeFailure, err))
		return
	}
	t.driveHandshake()
}

// Close sends close_notify once the handshake has completed, then closes the
// layer below when that write finishes, whatever its outcome. If a write is
// still outstanding the peer is not draining, so the layer below is closed
// at once without close_notify.
func (t *TLS) Close() {
	prev := t.state
	if prev == tlsClosed {
		return
	}
	t.state = tlsClosed
	closed := errors.NewTransportError(errors.TransportErrorClosedByClient, "connection closed", nil)
	t.failHeld(closed)

	if t.writing {
		t.failWire(closed)
		t.closeDown()
		return
	}
	if prev == tlsData || prev == tlsRehandshaking {
		t.engine.CloseOutbound()
		out, _, err := t.engine.Wrap(nil)
		if err == nil && len(out) > 0 {
			t.send(out, func(error) { t.closeDown() })
			return
		}
	}
	t.closeDown()
}

func (t *TLS) closeDown() {
	t.engine.Close()
	t.down.Close()
}

// OnConnect implements Handler for the layer below
func (t *TLS) OnConnect() {
	t.up.OnConnect()
}

func (t *TLS) OnRead(p []byte) {
	if t.state == tlsClosed {
		return
	}
	t.inbound = append(t.inbound, p...)
	t.processInbound()
}

// processInbound unwraps as much of the received bytes as the engine
// accepts. Plaintext goes up even while a handshake is in progress.
func (t *TLS) processInbound() {
	for len(t.inbound) > 0 && t.state != tlsClosed {
		plain, res, err := t.engine.Unwrap(t.inbound)
		if err != nil {
			t.fail(asTLSError(errors.TLSErrorClosed, err))
			return
		}
		t.inbound = t.inbound[res.Consumed:]
		if len(plain) > 0 {
			t.up.OnRead(plain)
		}

		if res.Status == tlsengine.StatusBufferOverflow {
			t.fail(errors.NewTLSError(errors.TLSErrorEngineState, "unwrap buffer overflow", nil))
			return
		}
		if res.Status != tlsengine.StatusOK || res.Consumed == 0 {
			break
		}
	}
	if len(t.inbound) == 0 {
		t.inbound = nil
	}

	switch t.state {
	case tlsHandshaking, tlsRehandshaking:
		t.driveHandshake()
	case tlsData:
		switch t.engine.HandshakeStatus() {
		case tlsengine.NeedWrap, tlsengine.NeedUnwrap, tlsengine.NeedTask:
			t.logger.Debug("peer started renegotiation", "host", t.host)
			t.state = tlsRehandshaking
			t.driveHandshake()
		}
	}
}

func (t *TLS) OnClosed() {
	if t.state == tlsClosed {
		return
	}
	t.state = tlsClosed
	t.failHeld(errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed by server", nil))
	t.engine.Close()
	t.up.OnClosed()
}

func (t *TLS) OnError(err error) {
	if t.state == tlsClosed {
		return
	}
	t.state = tlsClosed
	t.failHeld(err)
	t.engine.Close()
	t.up.OnError(err)
}

func (t *TLS) OnHandshakeCompleted() {
	// The transport below answers StartTLS this way on a plaintext stack;
	// this layer never forwards StartTLS, so there is nothing to do.
}

func (t *TLS) driveHandshake() {
	for t.state == tlsHandshaking || t.state == tlsRehandshaking {
		switch t.engine.HandshakeStatus() {
		case tlsengine.NeedWrap:
			out, res, err := t.engine.Wrap(nil)
			if err != nil {
				t.fail(asTLSError(errors.TLSErrorHandshakeFailure, err))
				return
			}
			if res.Status == tlsengine.StatusBufferOverflow {
				t.fail(errors.NewTLSError(errors.TLSErrorEngineState, "wrap buffer overflow", nil))
				return
			}
			if len(out) > 0 {
				t.send(out, nil)
			}
		case tlsengine.NeedTask:
			if err := t.engine.RunTask(); err != nil {
				t.fail(asTLSError(errors.TLSErrorHandshakeFailure, err))
				return
			}
		case tlsengine.NeedUnwrap:
			return
		default:
			t.handshakeFinished()
			return
		}
	}
}

func (t *TLS) handshakeFinished() {
	if t.state == tlsRehandshaking {
		t.state = tlsData
		if w := t.rehandshake; w != nil {
			t.rehandshake = nil
			t.wrap(w.data, w.done)
		}
		return
	}

	if t.verifier != nil && !t.verifier(t.host, t.engine.ConnectionState()) {
		t.fail(errors.NewTLSError(errors.TLSErrorHostnameVerification, fmt.Sprintf("certificate does not match host %s", t.host), nil))
		return
	}

	t.state = tlsData
	t.logger.Trace("handshake completed", "host", t.host)
	t.up.OnHandshakeCompleted()

	held := t.held
	t.held = nil
	for _, w := range held {
		if t.state != tlsData {
			w.done(errors.NewTLSError(errors.TLSErrorClosed, "TLS layer closed", nil))
			continue
		}
		t.wrap(w.data, w.done)
	}

	if len(t.inbound) > 0 && t.state == tlsData {
		t.processInbound()
	}
}

func (t *TLS) wrap(p []byte, done func(error)) {
	out, res, err := t.engine.Wrap(p)
	if err != nil {
		err = asTLSError(errors.TLSErrorClosed, err)
		done(err)
		t.fail(err)
		return
	}
	switch res.Status {
	case tlsengine.StatusBufferOverflow:
		err := errors.NewTLSError(errors.TLSErrorEngineState, "wrap buffer overflow", nil)
		done(err)
		t.fail(err)
		return
	case tlsengine.StatusClosed:
		done(errors.NewTLSError(errors.TLSErrorClosed, "engine closed for writing", nil))
		return
	}
	t.send(out, done)
}

// send queues wire bytes for the layer below.
func (t *TLS) send(data []byte, done func(error)) {
	t.wire = append(t.wire, pendingWrite{data: data, done: done})
	t.pump()
}

func (t *TLS) pump() {
	if t.writing || len(t.wire) == 0 {
		return
	}
	w := t.wire[0]
	t.wire[0] = pendingWrite{}
	t.wire = t.wire[1:]

	t.writing = true
	t.down.Write(w.data, func(err error) {
		t.writing = false
		if w.done != nil {
			w.done(err)
		}
		if err != nil && t.state != tlsClosed {
			t.fail(err)
			return
		}
		t.pump()
	})
}

func (t *TLS) failHeld(err error) {
	held := t.held
	t.held = nil
	if w := t.rehandshake; w != nil {
		t.rehandshake = nil
		held = append(held, *w)
	}
	for _, w := range held {
		w.done(err)
	}
}

func (t *TLS) failWire(err error) {
	wire := t.wire
	t.wire = nil
	for _, w := range wire {
		if w.done != nil {
			w.done(err)
		}
	}
}

// fail tears the layer down after an unrecoverable error and reports it up.
func (t *TLS) fail(err error) {
	if t.state == tlsClosed {
		return
	}
	t.logger.Debug("TLS failure", "host", t.host, "error", err)
	t.state = tlsClosed
	t.failHeld(err)
	t.failWire(err)
	t.closeDown()
	t.up.OnError(err)
}

func asTLSError(code errors.TLSError, err error) error {
	var httpErr *errors.HttpError
	if stderrors.As(err, &httpErr) {
		return err
	}
	return errors.NewTLSError(code, "TLS engine failure", err)
}
