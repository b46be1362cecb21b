package tlsengine

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	httperrors "github.com/PetrJanouch/jersey/errors"
)

// Options configures the Standard provider.
type Options struct {
	// CAFile is a PEM bundle used instead of the system roots.
	CAFile             string
	InsecureSkipVerify bool
	// ServerName overrides the name sent in SNI and checked in the
	// certificate. Empty means the destination host.
	ServerName string
	MinVersion uint16
	// SkipHostnameCheck keeps chain verification but leaves matching the
	// certificate to the host to a HostnameVerifier.
	SkipHostnameCheck bool
}

// ParseVersion maps "1.0" .. "1.3" to a crypto/tls version constant. An
// empty string yields 0, which selects the crypto/tls default.
func ParseVersion(v string) (uint16, error) {
	switch v {
	case "":
		return 0, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, httperrors.NewInvalidArgumentError(fmt.Sprintf("unknown TLS version %q", v))
}

// Standard is a Provider backed by crypto/tls.
type Standard struct {
	config *tls.Config
}

// NewStandard builds a provider from opts.
func NewStandard(opts Options) (*Standard, error) {
	cfg := &tls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		MinVersion:         opts.MinVersion,
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, httperrors.NewInvalidArgumentError(fmt.Sprintf("reading CA file %s: %v", opts.CAFile, err))
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, httperrors.NewInvalidArgumentError(fmt.Sprintf("no certificates in CA file %s", opts.CAFile))
		}
		cfg.RootCAs = pool
	}

	if opts.SkipHostnameCheck && !opts.InsecureSkipVerify {
		roots := cfg.RootCAs
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs, roots)
		}
	}

	return &Standard{config: cfg}, nil
}

// NewStandardWithConfig uses cfg as is, apart from defaulting ServerName to
// the destination host.
func NewStandardWithConfig(cfg *tls.Config) *Standard {
	return &Standard{config: cfg}
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("no peer certificates")
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}

// NewEngine implements Provider
func (s *Standard) NewEngine(host string, port int) (Engine, error) {
	cfg := s.config.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	p := newPipe()
	return &standardEngine{pipe: p, conn: tls.Client(p, cfg)}, nil
}

// standardEngine runs a tls.Conn over an in-memory pipe. A goroutine drives
// the handshake and then reads plaintext; every engine call waits until that
// goroutine is blocked on input again, so results are deterministic.
type standardEngine struct {
	pipe *pipe
	conn *tls.Conn

	closeOnce sync.Once
}

func (e *standardEngine) BeginHandshake() error {
	p := e.pipe
	p.mu.Lock()
	if p.began {
		p.mu.Unlock()
		return httperrors.NewTLSError(httperrors.TLSErrorEngineState, "handshake already started", nil)
	}
	p.began = true
	p.mu.Unlock()

	go e.run()

	p.mu.Lock()
	p.quiesce()
	p.mu.Unlock()
	return nil
}

func (e *standardEngine) run() {
	p := e.pipe
	err := e.conn.Handshake()

	p.mu.Lock()
	p.handshakeDone = true
	p.handshakeErr = err
	if err != nil {
		p.done = true
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	if err != nil {
		return
	}

	buf := make([]byte, 16*1024)
	for {
		n, err := e.conn.Read(buf)
		p.mu.Lock()
		p.plain = append(p.plain, buf[:n]...)
		if err != nil {
			p.readErr = err
			p.done = true
		}
		p.cond.Broadcast()
		p.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (e *standardEngine) HandshakeStatus() HandshakeStatus {
	p := e.pipe
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshakeStatus()
}

func (e *standardEngine) Wrap(src []byte) ([]byte, Result, error) {
	p := e.pipe
	p.mu.Lock()
	if !p.handshakeDone && len(src) > 0 {
		p.mu.Unlock()
		return nil, Result{}, httperrors.NewTLSError(httperrors.TLSErrorEngineState, "application data before handshake completion", nil)
	}
	outboundClosed := p.outboundClosed
	p.mu.Unlock()

	res := Result{Status: StatusOK}
	if len(src) > 0 {
		if outboundClosed {
			res.Status = StatusClosed
		} else {
			// Records land in the pipe's output buffer synchronously.
			if _, err := e.conn.Write(src); err != nil {
				return nil, Result{}, httperrors.NewTLSError(httperrors.TLSErrorClosed, "wrap failed", err)
			}
			res.Consumed = len(src)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.takeOut()
	res.Produced = len(out)
	res.HandshakeStatus = p.handshakeStatus()
	if outboundClosed && len(out) == 0 {
		res.Status = StatusClosed
	}
	return out, res, nil
}

func (e *standardEngine) Unwrap(src []byte) ([]byte, Result, error) {
	p := e.pipe
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.began {
		return nil, Result{}, httperrors.NewTLSError(httperrors.TLSErrorEngineState, "unwrap before handshake", nil)
	}

	if len(src) > 0 && !p.done {
		p.in = append(p.in, src...)
		p.waiting = false
		p.cond.Broadcast()
	}
	p.quiesce()

	plain := p.plain
	p.plain = nil

	res := Result{
		Status:          StatusOK,
		HandshakeStatus: p.handshakeStatus(),
		Consumed:        len(src),
		Produced:        len(plain),
	}
	switch {
	case p.readErr != nil && errors.Is(p.readErr, io.EOF):
		res.Status = StatusClosed
	case p.readErr != nil:
		return plain, res, httperrors.NewTLSError(httperrors.TLSErrorClosed, "unwrap failed", p.readErr)
	case len(plain) == 0 && len(p.out) == 0 && !p.done:
		// Nothing came of the input yet; the engine holds it until the
		// rest of the record arrives.
		res.Status = StatusBufferUnderflow
	}
	return plain, res, nil
}

func (e *standardEngine) RunTask() error {
	p := e.pipe
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quiesce()
	if p.handshakeErr != nil {
		return httperrors.NewTLSError(httperrors.TLSErrorHandshakeFailure, "handshake failed", p.handshakeErr)
	}
	return nil
}

func (e *standardEngine) CloseOutbound() {
	p := e.pipe
	p.mu.Lock()
	if p.outboundClosed {
		p.mu.Unlock()
		return
	}
	p.outboundClosed = true
	complete := p.handshakeDone && p.handshakeErr == nil
	p.mu.Unlock()

	if complete {
		// Writes a close_notify alert into the output buffer.
		e.conn.CloseWrite()
	}
}

func (e *standardEngine) ConnectionState() tls.ConnectionState {
	p := e.pipe
	p.mu.Lock()
	ready := p.handshakeDone
	p.mu.Unlock()
	if !ready {
		return tls.ConnectionState{}
	}
	return e.conn.ConnectionState()
}

func (e *standardEngine) Close() {
	e.closeOnce.Do(func() {
		p := e.pipe
		p.Close()

		p.mu.Lock()
		if p.began {
			for !p.done {
				p.cond.Wait()
			}
		}
		p.mu.Unlock()
	})
}

// pipe is the net.Conn underneath the tls.Conn. Reads block until the engine
// is fed; writes only append to the output buffer.
type pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  []byte
	out []byte

	plain          []byte
	began          bool
	waiting        bool
	closed         bool
	done           bool
	handshakeDone  bool
	handshakeErr   error
	readErr        error
	outboundClosed bool
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// quiesce waits until the engine goroutine needs more input or has exited.
// Callers hold p.mu.
func (p *pipe) quiesce() {
	if !p.began {
		return
	}
	for !p.waiting && !p.done {
		p.cond.Wait()
	}
}

// handshakeStatus assumes p.mu is held.
func (p *pipe) handshakeStatus() HandshakeStatus {
	p.quiesce()
	switch {
	case !p.began:
		return NotHandshaking
	case len(p.out) > 0:
		return NeedWrap
	case !p.handshakeDone:
		return NeedUnwrap
	case p.handshakeErr != nil:
		return NeedTask
	}
	return NotHandshaking
}

func (p *pipe) takeOut() []byte {
	out := p.out
	p.out = nil
	return out
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.in) == 0 && !p.closed {
		p.waiting = true
		p.cond.Broadcast()
		p.cond.Wait()
	}
	p.waiting = false
	if len(p.in) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	p.out = append(p.out, b...)
	return len(b), nil
}

func (p *pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func (p *pipe) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipe) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipe) SetDeadline(t time.Time) error      { return nil }
func (p *pipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipe) SetWriteDeadline(t time.Time) error { return nil }
