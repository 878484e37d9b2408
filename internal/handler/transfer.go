package handler

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/passage-net/passage/internal/limiter"
	"github.com/passage-net/passage/internal/stats"
)

// direction holds the buffers and liveness state of one half of a proxied
// connection. A direction is in exactly one of four states: a read is in
// flight into buf, its prefix is being written to the peer socket, it is
// throttled waiting for a timer tick, or it is terminated.
type direction struct {
	sock net.Conn
	name string

	buf      []byte
	dataSize int

	traffic       limiter.Direction
	alive         bool
	limitExceeded bool
}

// DataTransfer pumps bytes in both directions between an established
// client connection and the target until one side closes, an I/O error
// occurs, or the idle timeout fires.
//
// Each direction owns a single buffer: read up to the reserved capacity,
// write that prefix to the opposite socket, then read again. A new read
// never starts while the previous payload is still being written, so
// memory is bounded at two chunks per connection and the bytes charged to
// the limiter equal the bytes that crossed the socket.
type DataTransfer struct {
	ctx *Context
	id  uint64

	in  net.Conn
	out net.Conn

	limiter limiter.Limiter
	chunk   int

	userEnd   direction
	targetEnd direction

	lastReadAt time.Time

	closing atomic.Bool
}

// NewDataTransfer builds a data-transfer handler owning both sockets and
// the connection's traffic limiter. The limiter must not be nil.
func NewDataTransfer(ctx *Context, id uint64, in, out net.Conn, l limiter.Limiter) (*DataTransfer, error) {
	if l == nil {
		return nil, errors.New("data-transfer handler: traffic limiter must not be nil")
	}

	chunk := ctx.Cfg.IOChunkSize
	h := &DataTransfer{
		ctx:     ctx,
		id:      id,
		in:      in,
		out:     out,
		limiter: l,
		chunk:   chunk,
		userEnd: direction{
			sock:    in,
			name:    "user-end",
			buf:     make([]byte, chunk),
			traffic: limiter.FromUser,
			alive:   true,
		},
		targetEnd: direction{
			sock:    out,
			name:    "target-end",
			buf:     make([]byte, chunk),
			traffic: limiter.FromTarget,
			alive:   true,
		},
		lastReadAt: time.Now(),
	}
	return h, nil
}

func (h *DataTransfer) Name() string {
	return "data-transfer-handler"
}

// OnStart initiates the first read on both directions. Whichever side
// produces data first gets forwarded first.
func (h *DataTransfer) OnStart(p Protector) {
	h.initiateRead(p, &h.userEnd, &h.targetEnd)
	h.initiateRead(p, &h.targetEnd, &h.userEnd)
}

func (h *DataTransfer) OnTimer(p Protector) {
	// Should not happen: a dead direction removes the connection.
	if !h.userEnd.alive && !h.targetEnd.alive {
		h.ctx.ConnLog(h.id).Warn("both connections are closed")
		p.Remove(ReasonUnexpectedCase)
		return
	}

	if time.Since(h.lastReadAt) > h.ctx.Cfg.IdleTimeout {
		h.ctx.ConnLog(h.id).Warn("no data read for long time")
		p.Remove(ReasonNoActivity)
		return
	}

	// initiateRead re-checks the limiter and either clears the flag or
	// leaves the direction throttled until the next tick.
	if h.userEnd.limitExceeded {
		h.initiateRead(p, &h.userEnd, &h.targetEnd)
	}
	if h.targetEnd.limitExceeded {
		h.initiateRead(p, &h.targetEnd, &h.userEnd)
	}
}

// Release shuts down the outbound side and closes both sockets, swallowing
// errors. Outstanding reads complete with net.ErrClosed and are dropped by
// the runtime.
func (h *DataTransfer) Release() {
	h.closing.Store(true)
	if tc, ok := h.out.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = h.out.Close()
	_ = h.in.Close()
}

func (h *DataTransfer) initiateRead(p Protector, src, dst *direction) {
	res := h.limiter.ReserveReadPortion(src.traffic, int64(h.chunk))

	src.limitExceeded = res.Capacity == 0
	if src.limitExceeded {
		// Nothing may be read now; wait for the next timer tick.
		return
	}

	go func() {
		n, err := src.sock.Read(src.buf[:res.Capacity])
		if n > 0 {
			// Data first; a terminal condition will surface on the
			// next read.
			err = nil
		}
		p.Post(func(p Protector) {
			res.Release(h.limiter, src.traffic, err, int64(n))
			h.onReadResult(p, src, dst, err, n)
		})
	}()
}

func (h *DataTransfer) onReadResult(p Protector, src, dst *direction, err error, n int) {
	if err != nil {
		src.alive = false

		// Reads for src are only started once everything previously
		// read from it has been written to dst, so there is nothing
		// left to flush; pick the removal reason and stop.
		reason := ReasonIOError
		switch {
		case errors.Is(err, io.EOF):
			reason = ReasonNormalCompletion
		case errors.Is(err, net.ErrClosed), h.closing.Load():
			reason = ReasonOperationCanceled
		default:
			h.ctx.ConnLog(h.id).Debug("error reading data",
				"direction", src.name, "err", err)
		}

		p.Remove(reason)
		return
	}

	src.dataSize = n
	h.lastReadAt = time.Now()

	h.initiateWrite(p, dst, src)
}

func (h *DataTransfer) initiateWrite(p Protector, dst, src *direction) {
	go func() {
		n, err := dst.sock.Write(src.buf[:src.dataSize])
		p.Post(func(p Protector) {
			h.onWriteResult(p, dst, src, err, n)
		})
	}()
}

func (h *DataTransfer) onWriteResult(p Protector, dst, src *direction, err error, n int) {
	if err != nil {
		h.ctx.ConnLog(h.id).Debug("error writing data",
			"direction", dst.name, "err", err)
		p.Remove(ReasonIOError)
		return
	}

	// A short write without an error breaks the promise the whole pump
	// is built on; treat it as fatal.
	if n != src.dataSize {
		h.ctx.ConnLog(h.id).Error("unexpected write result",
			"direction", dst.name, "data_size", src.dataSize, "written", n)
		p.Remove(ReasonIOError)
		return
	}

	stats.BytesTransferred.WithLabelValues(src.traffic.String()).Add(float64(n))
	src.dataSize = 0

	h.initiateRead(p, src, dst)
}
