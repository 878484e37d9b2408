package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/passage-net/passage/internal/handler"
	"github.com/passage-net/passage/internal/limiter"
	"github.com/passage-net/passage/internal/resolver"
)

// Server accepts client connections, negotiates the HTTP CONNECT tunnel,
// and hands established connections to the handler runtime for data
// transfer.
type Server struct {
	ctx     context.Context
	cfg     Config
	hctx    *handler.Context
	runtime *handler.Runtime
	res     *resolver.Agent
}

// NewServer constructs a CONNECT acceptor backed by its own handler
// runtime and the shared resolver agent.
func NewServer(ctx context.Context, cfg Config, hctx *handler.Context, res *resolver.Agent) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{
		ctx:     ctx,
		cfg:     cfg,
		hctx:    hctx,
		runtime: handler.NewRuntime(hctx),
		res:     res,
	}
}

// Serve accepts connections on ln until the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.negotiate(c)
	}
}

// Close tears down every live connection and blocks until done.
func (s *Server) Close() {
	s.runtime.Close()
}

// Runtime exposes the handler runtime, used by tests to observe the
// connection population.
func (s *Server) Runtime() *handler.Runtime {
	return s.runtime
}

// negotiate reads the client's CONNECT request, resolves and dials the
// target, and installs the CONNECT-response handler. A non-CONNECT method
// or a resolve or dial failure closes the client socket after a
// best-effort error line; a request that cannot be parsed closes it
// without one.
func (s *Server) negotiate(c net.Conn) {
	if s.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		s.hctx.Log.Debug("negotiation failed", "remote", c.RemoteAddr().String(), "err", err)
		_ = c.Close()
		return
	}

	if !strings.EqualFold(req.Method, http.MethodConnect) {
		_, _ = writeError(c, errors.New("only CONNECT is supported"), http.StatusMethodNotAllowed)
		_ = c.Close()
		return
	}

	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	ctx := s.ctx
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}

	dialAddr, err := s.resolveTarget(ctx, target)
	if err != nil {
		s.hctx.Log.Debug("resolve failed", "target", target, "err", err)
		_, _ = writeError(c, err, http.StatusBadGateway)
		_ = c.Close()
		return
	}

	out, err := s.cfg.Dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		s.hctx.Log.Debug("dial failed", "target", target, "err", err)
		_, _ = writeError(c, err, http.StatusBadGateway)
		_ = c.Close()
		return
	}

	_ = c.SetDeadline(time.Time{})

	// Bytes the client pipelined behind the request must not be lost to
	// the bufio reader.
	client := c
	if br.Buffered() > 0 {
		buffered, _ := br.Peek(br.Buffered())
		client = &prefixedConn{Conn: c, prefix: buffered}
	}

	lim := limiter.Limiter(limiter.Unlimited())
	if s.cfg.UserRateLimit > 0 || s.cfg.TargetRateLimit > 0 {
		lim = limiter.NewBandwidth(s.cfg.UserRateLimit, s.cfg.TargetRateLimit)
	}

	id := s.runtime.NextID()
	h, err := handler.NewConnect(s.hctx, id, client, target, out, lim)
	if err != nil {
		s.hctx.Log.Error("connect handler setup failed", "err", err)
		_ = out.Close()
		_ = c.Close()
		return
	}

	s.runtime.Install(id, h)
}

// resolveTarget turns the CONNECT authority into a dialable address,
// resolving host names through the resolver agent. IPv4 is preferred;
// IPv6 is tried when the name has no usable IPv4 address.
func (s *Server) resolveTarget(ctx context.Context, target string) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return "", fmt.Errorf("invalid target %q: %w", target, err)
	}

	if _, err := netip.ParseAddr(host); err == nil {
		return target, nil
	}

	addr, err := s.res.ResolveAddr(ctx, host, resolver.IPv4)
	if errors.Is(err, resolver.ErrNoAddressForFamily) {
		addr, err = s.res.ResolveAddr(ctx, host, resolver.IPv6)
	}
	if err != nil {
		return "", err
	}

	return net.JoinHostPort(addr.Unmap().String(), port), nil
}

// writeError simulates http.Error() on a raw client connection.
func writeError(w io.Writer, err error, code int) (int, error) {
	return fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}

// prefixedConn replays bytes already consumed from the socket by the
// request parser before continuing with the socket itself.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
