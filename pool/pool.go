// Package pool shares connections between requests to the same destination.
package pool

import (
	stderrors "errors"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/PetrJanouch/jersey/connection"
	"github.com/PetrJanouch/jersey/errors"
	"github.com/PetrJanouch/jersey/protocol"
)

// ErrPoolClosed fails requests submitted to, or still waiting in, a closed
// pool.
var ErrPoolClosed = errors.NewIllegalStateError("connection pool is closed")

// Config configures a Pool. A cap of zero means no limit.
type Config struct {
	MaxConnectionsPerDestination int
	MaxConnections               int

	// Connection is the template for every connection the pool opens. Its
	// Listener is replaced by the pool.
	Connection connection.Settings
	Logger     hclog.Logger
	Metrics    *Metrics
}

// Stats is a snapshot of the pool's counters
type Stats struct {
	Open    int
	Idle    int
	Pending int
}

type request struct {
	req     *protocol.Request
	handler connection.ResponseHandler
}

type member struct {
	ready   bool
	evicted bool
	served  int
}

// entry is the per-destination part of the pool
type entry struct {
	dest     connection.Destination
	members  map[*connection.Connection]*member
	idle     []*connection.Connection
	pending  []*request
	inFlight map[*connection.Connection]*request
	opening  int
}

// actions are collected under the lock and run after it is released, so
// connections and handlers are never called with the lock held.
type actions []func()

func (a actions) run() {
	for _, fn := range a {
		fn()
	}
}

// Pool dispatches requests onto connections. Idle connections are reused
// per destination; when every allowed connection is busy, requests wait in
// FIFO order for the next one to become idle.
type Pool struct {
	settings   connection.Settings
	maxPerDest int
	maxTotal   int
	logger     hclog.Logger
	metrics    *Metrics

	mu       sync.Mutex
	entries  map[connection.Destination]*entry
	open     int
	idle     int
	pending  int
	evicting int
	closed   bool
}

func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	p := &Pool{
		maxPerDest: cfg.MaxConnectionsPerDestination,
		maxTotal:   cfg.MaxConnections,
		logger:     logger.Named("pool"),
		metrics:    cfg.Metrics,
		entries:    make(map[connection.Destination]*entry),
	}
	p.settings = cfg.Connection
	p.settings.Listener = p
	if p.settings.Logger == nil {
		p.settings.Logger = logger
	}
	return p
}

// Send dispatches req and reports its response to handler exactly once
func (p *Pool) Send(req *protocol.Request, handler connection.ResponseHandler) {
	dest, err := connection.DestinationOf(req.URL)
	if err != nil {
		p.finish(&request{req: req, handler: handler}, nil, err)
		return
	}
	r := &request{req: req, handler: handler}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.metrics.requestDone(resultClosed)
		handler(nil, ErrPoolClosed)
		return
	}
	e := p.entryFor(dest)
	e.pending = append(e.pending, r)
	p.pending++
	acts := p.dispatch(e)
	p.updateGauges()
	p.mu.Unlock()

	acts.run()
}

// Stats returns the current counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Open: p.open, Idle: p.idle, Pending: p.pending}
}

// Close closes every connection and fails the requests still waiting
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var conns []*connection.Connection
	var pending []*request
	for _, e := range p.entries {
		for c := range e.members {
			conns = append(conns, c)
		}
		pending = append(pending, e.pending...)
	}
	p.entries = make(map[connection.Destination]*entry)
	p.open, p.idle, p.pending, p.evicting = 0, 0, 0, 0
	p.updateGauges()
	p.mu.Unlock()

	p.logger.Debug("closing pool", "connections", len(conns), "pending", len(pending))
	for _, r := range pending {
		p.metrics.requestDone(resultClosed)
		r.handler(nil, ErrPoolClosed)
	}
	for _, c := range conns {
		c.Close()
	}
}

// StateChanged implements connection.StateListener
func (p *Pool) StateChanged(c *connection.Connection, _, to connection.State) {
	switch to {
	case connection.StateIdle:
		p.connectionIdle(c)
	case connection.StateClosed:
		p.connectionClosed(c)
	}
}

func (p *Pool) entryFor(dest connection.Destination) *entry {
	e, ok := p.entries[dest]
	if !ok {
		e = &entry{
			dest:     dest,
			members:  make(map[*connection.Connection]*member),
			inFlight: make(map[*connection.Connection]*request),
		}
		p.entries[dest] = e
	}
	return e
}

func (p *Pool) lookup(c *connection.Connection) (*entry, *member) {
	e, ok := p.entries[c.Destination()]
	if !ok {
		return nil, nil
	}
	m, ok := e.members[c]
	if !ok {
		return nil, nil
	}
	return e, m
}

// dispatch serves waiting requests of e from its idle connections, then
// opens connections for the rest as far as the caps allow.
func (p *Pool) dispatch(e *entry) actions {
	var acts actions
	for len(e.pending) > 0 && len(e.idle) > 0 {
		c := e.idle[0]
		e.idle = e.idle[1:]
		p.idle--
		acts = append(acts, p.assign(e, c, p.popPending(e)))
	}

	for len(e.pending) > e.opening {
		if p.maxPerDest > 0 && len(e.members) >= p.maxPerDest {
			break
		}
		if p.maxTotal > 0 && p.open >= p.maxTotal {
			if p.evicting < len(e.pending)-e.opening {
				if victim := p.evictIdle(e.dest); victim != nil {
					acts = append(acts, victim.Close)
				}
			}
			break
		}

		c, err := connection.New(e.dest, p.settings)
		if err != nil {
			r := p.popPending(e)
			acts = append(acts, func() { p.finish(r, nil, err) })
			continue
		}
		e.members[c] = &member{}
		e.opening++
		p.open++
		p.metrics.connectionCreated()
		p.logger.Debug("opening connection", "destination", e.dest.String(), "conn_id", c.ID())
		acts = append(acts, func() {
			c.Connect(func(err error) { p.connectDone(c, err) })
		})
	}
	return acts
}

// evictIdle picks the longest idle connection of another destination to make
// room under the global cap.
func (p *Pool) evictIdle(except connection.Destination) *connection.Connection {
	for dest, e := range p.entries {
		if dest == except || len(e.idle) == 0 {
			continue
		}
		c := e.idle[0]
		e.idle = e.idle[1:]
		p.idle--
		e.members[c].evicted = true
		p.evicting++
		p.logger.Debug("evicting idle connection", "destination", dest.String(), "for", except.String())
		return c
	}
	return nil
}

func (p *Pool) popPending(e *entry) *request {
	r := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	p.pending--
	return r
}

func (p *Pool) assign(e *entry, c *connection.Connection, r *request) func() {
	m := e.members[c]
	m.served++
	if m.served > 1 {
		p.metrics.connectionReused()
	}
	e.inFlight[c] = r
	return func() {
		c.Send(r.req, func(resp *protocol.Response, err error) {
			if err != nil && stderrors.Is(err, connection.ErrUnavailable) {
				p.requeue(c, r)
				return
			}
			p.finish(r, resp, err)
		})
	}
}

// requeue puts back a request whose connection went away before it could be
// written. It keeps its place at the head of the queue.
func (p *Pool) requeue(c *connection.Connection, r *request) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.finish(r, nil, ErrPoolClosed)
		return
	}
	e := p.entryFor(c.Destination())
	if e.inFlight[c] == r {
		delete(e.inFlight, c)
	}
	e.pending = append([]*request{r}, e.pending...)
	p.pending++
	acts := p.dispatch(e)
	p.updateGauges()
	p.mu.Unlock()

	acts.run()
}

// connectDone handles a failed connect. Without another connection to the
// destination nothing could serve the waiting requests, so all of them fail;
// otherwise only the oldest, which triggered the connect, does.
func (p *Pool) connectDone(c *connection.Connection, err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	e, m := p.lookup(c)
	if m == nil {
		p.mu.Unlock()
		return
	}
	var failed []*request
	switch {
	case len(e.members) == 1:
		failed = e.pending
		e.pending = nil
		p.pending -= len(failed)
	case len(e.pending) > 0:
		failed = append(failed, p.popPending(e))
	}
	p.updateGauges()
	p.mu.Unlock()

	p.logger.Error("connect failed", "destination", e.dest.String(), "failed_requests", len(failed), "error", err)
	for _, r := range failed {
		p.finish(r, nil, err)
	}
}

func (p *Pool) connectionIdle(c *connection.Connection) {
	p.mu.Lock()
	e, m := p.lookup(c)
	if m == nil {
		p.mu.Unlock()
		return
	}
	if !m.ready {
		m.ready = true
		e.opening--
	}
	delete(e.inFlight, c)

	var acts actions
	if len(e.pending) > 0 {
		acts = append(acts, p.assign(e, c, p.popPending(e)))
	} else {
		e.idle = append(e.idle, c)
		p.idle++
	}
	p.updateGauges()
	p.mu.Unlock()

	acts.run()
}

func (p *Pool) connectionClosed(c *connection.Connection) {
	p.mu.Lock()
	e, m := p.lookup(c)
	if m == nil {
		p.mu.Unlock()
		return
	}

	delete(e.members, c)
	delete(e.inFlight, c)
	p.open--
	if !m.ready {
		e.opening--
	}
	if m.evicted {
		p.evicting--
	}
	for i, idle := range e.idle {
		if idle == c {
			e.idle = append(e.idle[:i], e.idle[i+1:]...)
			p.idle--
			break
		}
	}
	if len(e.members) == 0 && len(e.pending) == 0 {
		delete(p.entries, e.dest)
	}

	// A freed slot may let any waiting destination open a connection.
	var acts actions
	for _, waiting := range p.entries {
		if len(waiting.pending) > 0 {
			acts = append(acts, p.dispatch(waiting)...)
		}
	}
	p.updateGauges()
	p.mu.Unlock()

	acts.run()
}

func (p *Pool) finish(r *request, resp *protocol.Response, err error) {
	if err != nil {
		p.metrics.requestDone(resultError)
	} else {
		p.metrics.requestDone(resultOK)
	}
	r.handler(resp, err)
}

func (p *Pool) updateGauges() {
	p.metrics.setGauges(p.open, p.idle, p.pending)
}
