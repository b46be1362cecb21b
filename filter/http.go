package filter

import (
	"github.com/hashicorp/go-hclog"

	"github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/internal/serial"
	"github.com/PetrJanouch/jersey/protocol"
)

// HTTP frames requests onto the byte layer below and parses what comes back
// into responses. The response is passed up as soon as its header is
// complete; its body keeps being fed afterwards.
type HTTP struct {
	down          ByteLayer
	exec          *serial.Executor
	maxHeaderSize int
	logger        hclog.Logger

	up        Handler[*protocol.Response]
	req       *protocol.Request
	parser    *protocol.Parser
	expecting bool
	delivered bool
	streaming bool
	closed    bool
}

func NewHTTP(down ByteLayer, exec *serial.Executor, maxHeaderSize int, logger hclog.Logger) *HTTP {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &HTTP{down: down, exec: exec, maxHeaderSize: maxHeaderSize, logger: logger}
}

func (h *HTTP) Connect(host string, port int, up Handler[*protocol.Response]) {
	h.up = up
	h.down.Connect(host, port, h)
}

// Write sends the request header and body. done fires when the whole request
// has been handed down, which for a streamed body is when the caller closes
// the body stream.
func (h *HTTP) Write(req *protocol.Request, done func(error)) {
	if h.closed {
		done(errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed", nil))
		return
	}
	if h.expecting {
		done(errors.NewIllegalStateError("a request is already in flight on this connection"))
		return
	}

	head, err := protocol.EncodeHeader(req)
	if err != nil {
		done(err)
		return
	}

	h.req = req
	h.parser = protocol.NewParser(h.maxHeaderSize, req.ExpectsResponseBody())
	h.delivered = false
	h.expecting = true

	switch req.BodyMode() {
	case protocol.BodyBuffered:
		h.down.Write(append(head, req.Body()...), done)
	case protocol.BodyStreamed, protocol.BodyChunked:
		h.streaming = true
		finish := func(err error) {
			h.streaming = false
			done(err)
		}
		h.down.Write(head, func(err error) {
			if err != nil {
				req.BodyStream().Fail(err)
				finish(err)
				return
			}
			req.BodyStream().Open(h.writeBody, func(err error) {
				if !h.exec.Submit(func() { finish(err) }) {
					done(err)
				}
			})
		})
	default:
		h.down.Write(head, done)
	}
}

// writeBody is the stream's path to the connection. It may be called from
// any goroutine.
func (h *HTTP) writeBody(p []byte, complete func(error)) {
	ok := h.exec.Submit(func() {
		if h.closed {
			complete(errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed", nil))
			return
		}
		h.down.Write(p, complete)
	})
	if !ok {
		complete(errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed", nil))
	}
}

func (h *HTTP) StartTLS() {
	h.down.StartTLS()
}

func (h *HTTP) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.failBody(errors.NewTransportError(errors.TransportErrorClosedByClient, "connection closed", nil))
	h.down.Close()
}

// failBody aborts a body stream that is still being written
func (h *HTTP) failBody(err error) {
	if h.streaming && h.req != nil {
		h.req.BodyStream().Fail(err)
	}
}

func (h *HTTP) OnConnect() {
	h.up.OnConnect()
}

func (h *HTTP) OnRead(p []byte) {
	if h.closed {
		return
	}
	if !h.expecting {
		h.up.OnError(errors.NewProtocolError(errors.ProtocolErrorUnexpectedData, "data received while no response is expected"))
		return
	}

	err := h.parser.Parse(p)
	if h.parser.HeaderParsed() && !h.delivered {
		h.delivered = true
		h.up.OnRead(h.parser.Response())
	}
	if err != nil {
		h.expecting = false
		h.logger.Debug("malformed response", "error", err)
		h.up.OnError(err)
		return
	}
	if h.parser.Complete() {
		h.expecting = false
		h.req = nil
	}
}

func (h *HTTP) OnClosed() {
	if h.closed {
		return
	}
	if h.expecting && h.delivered && h.parser.ReadsUntilClose() {
		if err := h.parser.Finish(); err == nil {
			h.expecting = false
		}
	}
	h.failBody(errors.NewTransportError(errors.TransportErrorConnectionClosed, "connection closed by server", nil))
	h.up.OnClosed()
}

func (h *HTTP) OnError(err error) {
	if h.closed {
		return
	}
	h.failBody(err)
	h.up.OnError(err)
}

func (h *HTTP) OnHandshakeCompleted() {
	h.up.OnHandshakeCompleted()
}
