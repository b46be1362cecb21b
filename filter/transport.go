package filter

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/internal/serial"
	"github.com/PetrJanouch/jersey/transport"
)

// Transport is the bottom layer. It moves every transport event onto the
// executor and owns the executor's lifetime: closing the layer closes the
// executor once the tasks already queued have run.
type Transport struct {
	tr     transport.Transport
	exec   *serial.Executor
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	up     Handler[[]byte]
	closed bool
	// inflight is the completion of the outstanding write. Close fails it,
	// so a write stalled on a peer that stopped reading never outlives the
	// layer.
	inflight func(error)
}

func NewTransport(tr transport.Transport, exec *serial.Executor, logger hclog.Logger) *Transport {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{tr: tr, exec: exec, logger: logger, ctx: ctx, cancel: cancel}
}

func (t *Transport) Connect(host string, port int, up Handler[[]byte]) {
	t.up = up
	t.tr.Connect(t.ctx, host, port, transportEvents{t})
}

// Write hands p to the transport. A second write while one is outstanding
// is a programming error.
func (t *Transport) Write(p []byte, done func(error)) {
	if t.inflight != nil {
		panic("filter: write while another write is in flight")
	}
	if t.closed {
		done(errClosed())
		return
	}

	t.inflight = done
	t.tr.Write(p, func(err error) {
		// A rejected submit means Close already failed the write.
		t.exec.Submit(func() {
			if t.inflight == nil {
				return
			}
			t.inflight = nil
			done(err)
		})
	})
}

func errClosed() error {
	return errors.NewTransportError(errors.TransportErrorConnectionClosed, "transport closed", nil)
}

// StartTLS on a plaintext stack completes immediately.
func (t *Transport) StartTLS() {
	if t.closed {
		return
	}
	t.up.OnHandshakeCompleted()
}

func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.cancel()
	if err := t.tr.Close(); err != nil {
		t.logger.Debug("transport close failed", "error", err)
	}
	t.exec.Close()
	if done := t.inflight; done != nil {
		t.inflight = nil
		done(errClosed())
	}
}

// transportEvents adapts transport callbacks, which arrive on I/O goroutines,
// to upstream events on the executor.
type transportEvents struct {
	t *Transport
}

func (e transportEvents) post(fn func()) {
	e.t.exec.Submit(func() {
		if !e.t.closed {
			fn()
		}
	})
}

func (e transportEvents) OnConnect() {
	e.post(func() { e.t.up.OnConnect() })
}

func (e transportEvents) OnData(p []byte) {
	e.post(func() { e.t.up.OnRead(p) })
}

func (e transportEvents) OnClosed() {
	e.post(func() { e.t.up.OnClosed() })
}

func (e transportEvents) OnError(err error) {
	e.post(func() { e.t.up.OnError(err) })
}
