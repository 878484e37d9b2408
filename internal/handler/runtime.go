package handler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/passage-net/passage/internal/stats"
)

// Runtime owns every live connection of one acceptor. It installs
// handlers, delivers periodic timer ticks, and serializes all callbacks
// for a connection onto that connection's own event loop.
type Runtime struct {
	ctx    *Context
	nextID atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]*conn

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRuntime creates a runtime and starts its timer loop.
func NewRuntime(ctx *Context) *Runtime {
	r := &Runtime{
		ctx:   ctx,
		conns: make(map[uint64]*conn),
		quit:  make(chan struct{}),
	}

	r.wg.Add(1)
	go r.timerLoop()

	return r
}

// NextID allocates a connection id for a handler about to be installed.
func (r *Runtime) NextID() uint64 {
	return r.nextID.Add(1)
}

// Install registers h as the current handler for id and schedules its
// OnStart on the connection's event loop.
func (r *Runtime) Install(id uint64, h Handler) {
	c := &conn{
		rt:     r,
		id:     id,
		cur:    h,
		events: make(chan func(Protector), 8),
		quit:   make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
	stats.LiveConnections.Inc()

	r.wg.Add(1)
	go c.run(&r.wg)

	c.post(func(p Protector) {
		p.c.cur.OnStart(p)
	})
}

// Close tears down all live connections and stops the timer loop. It
// blocks until every connection loop has exited.
func (r *Runtime) Close() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})

	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.post(func(p Protector) {
			p.Remove(ReasonOperationCanceled)
		})
	}

	r.wg.Wait()
}

// Len reports the number of live connections.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Runtime) timerLoop() {
	defer r.wg.Done()

	interval := r.ctx.Cfg.TimerInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-t.C:
			r.mu.Lock()
			conns := make([]*conn, 0, len(r.conns))
			for _, c := range r.conns {
				conns = append(conns, c)
			}
			r.mu.Unlock()

			for _, c := range conns {
				c.post(func(p Protector) {
					p.c.cur.OnTimer(p)
				})
			}
		}
	}
}

func (r *Runtime) drop(id uint64) {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if ok {
		stats.LiveConnections.Dec()
	}
}

// conn is one connection's event loop state. The loop goroutine is the
// only one that touches cur and removed.
type conn struct {
	rt      *Runtime
	id      uint64
	cur     Handler
	removed bool

	events chan func(Protector)
	quit   chan struct{}
}

func (c *conn) run(wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-c.quit:
			return
		case fn := <-c.events:
			if c.removed {
				continue
			}
			c.dispatch(fn)
			if c.removed {
				return
			}
		}
	}
}

// dispatch runs one callback under the panic boundary. A panicking
// handler is logged and its connection removed.
func (c *conn) dispatch(fn func(Protector)) {
	defer func() {
		if v := recover(); v != nil {
			c.rt.ctx.ConnLog(c.id).Error("panic in handler callback",
				"handler", c.cur.Name(), "panic", v)
			Protector{c: c}.Remove(ReasonUnhandledPanic)
		}
	}()

	fn(Protector{c: c})
}

func (c *conn) post(fn func(Protector)) {
	select {
	case <-c.quit:
	case c.events <- fn:
	}
}

// Protector is the liveness token handed to every handler callback. While
// a protector for a connection exists inside a callback, the current
// handler cannot be destroyed out from under it: removal and replacement
// only ever happen on the connection's own event loop.
//
// Asynchronous operations hold the protector of the callback that started
// them and use Post to deliver their completion back onto the loop.
type Protector struct {
	c *conn
}

// ID returns the connection id.
func (p Protector) ID() uint64 {
	return p.c.id
}

// Post schedules fn on the connection's event loop. Safe to call from any
// goroutine; fn is dropped if the connection has been removed.
func (p Protector) Post(fn func(Protector)) {
	p.c.post(fn)
}

// Remove tears the connection down: the current handler's Release is
// invoked, the connection is unregistered, and no further callbacks run.
func (p Protector) Remove(reason RemoveReason) {
	c := p.c
	if c.removed {
		return
	}
	c.removed = true

	c.rt.ctx.ConnLog(c.id).Debug("connection removed",
		"handler", c.cur.Name(), "reason", reason.String())
	stats.RemovalsTotal.WithLabelValues(reason.String()).Inc()

	c.cur.Release()
	c.rt.drop(c.id)
	close(c.quit)
}

// Replace atomically installs the successor built by factory as the
// connection's current handler and runs its OnStart before any other
// event is delivered. The predecessor relinquishes its resources inside
// factory and is never Released.
func (p Protector) Replace(factory func() Handler) {
	c := p.c
	next := factory()
	c.cur = next
	next.OnStart(p)
}
