package handler

import (
	"errors"
	"net"
	"time"

	"github.com/passage-net/passage/internal/limiter"
	"github.com/passage-net/passage/internal/stats"
)

// ConnectEstablished is the only byte sequence written to the client on a
// successful tunnel establishment.
const ConnectEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"

// Connect writes the positive CONNECT response to the client and then
// replaces itself with a data-transfer handler, handing over both sockets
// and the traffic limiter.
type Connect struct {
	ctx *Context
	id  uint64

	in  net.Conn
	out net.Conn

	// target is kept for logging only.
	target  string
	limiter limiter.Limiter

	createdAt time.Time
}

// NewConnect builds the CONNECT response handler. The limiter must not be
// nil; it is owned by the handler until handed to the data-transfer stage.
func NewConnect(ctx *Context, id uint64, in net.Conn, target string, out net.Conn, l limiter.Limiter) (*Connect, error) {
	if l == nil {
		return nil, errors.New("connect handler: traffic limiter must not be nil")
	}

	return &Connect{
		ctx:       ctx,
		id:        id,
		in:        in,
		out:       out,
		target:    target,
		limiter:   l,
		createdAt: time.Now(),
	}, nil
}

func (h *Connect) Name() string {
	return "connect-method-handler"
}

func (h *Connect) OnStart(p Protector) {
	h.ctx.ConnLog(h.id).Info("serving request", "method", "CONNECT", "target", h.target)

	go func() {
		err := writeAll(h.in, []byte(ConnectEstablished))
		p.Post(func(p Protector) {
			h.onResponseWritten(p, err)
		})
	}()
}

func (h *Connect) onResponseWritten(p Protector, err error) {
	if err != nil {
		h.ctx.ConnLog(h.id).Debug("error writing CONNECT response", "err", err)
		p.Remove(ReasonIOError)
		return
	}

	next, err := NewDataTransfer(h.ctx, h.id, h.in, h.out, h.limiter)
	if err != nil {
		h.ctx.ConnLog(h.id).Error("data-transfer handoff failed", "err", err)
		p.Remove(ReasonUnexpectedCase)
		return
	}

	stats.ConnectsNegotiated.Inc()

	// The response is out; switch this connection to plain byte
	// transfer. The successor now owns both sockets and the limiter.
	p.Replace(func() Handler {
		return next
	})
}

// OnTimer bounds the time spent writing the tiny response; the
// data-transfer handler enforces its own idle policy afterwards.
func (h *Connect) OnTimer(p Protector) {
	if time.Since(h.createdAt) > h.ctx.Cfg.IdleTimeout {
		h.ctx.ConnLog(h.id).Warn("timeout writing positive response to CONNECT")
		p.Remove(ReasonNoActivity)
	}
}

func (h *Connect) Release() {
	_ = h.out.Close()
	_ = h.in.Close()
}
