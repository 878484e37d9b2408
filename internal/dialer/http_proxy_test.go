package dialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/passage-net/passage/internal/testutil"
)

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		handleHTTPConnect(ctx, c, "")
	})

	d, err := New(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, "http://"+upLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))

	// The upstream relay only returns once it sees EOF from our side.
	_ = conn.Close()
	waitUp()
}

func TestHTTPProxyDialerSendsBasicAuth(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	// user:pass base64-encoded.
	const wantAuth = "Basic dXNlcjpwYXNz"

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		handleHTTPConnect(ctx, c, wantAuth)
	})

	d, err := New(Config{DialTimeout: 2 * time.Second}, "http://user:pass@"+upLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("authed"))

	// The upstream relay only returns once it sees EOF from our side.
	_ = conn.Close()
	waitUp()
}

func TestHTTPProxyDialerRejectedUpstream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		br := bufio.NewReader(c)
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
	})

	d, err := New(Config{DialTimeout: 2 * time.Second}, "http://"+upLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error for rejected CONNECT")
	}

	waitUp()
}

// handleHTTPConnect is a minimal upstream HTTP proxy: it accepts one
// CONNECT, optionally checks Proxy-Authorization, dials the target, and
// pipes bytes both ways.
func handleHTTPConnect(ctx context.Context, c net.Conn, wantAuth string) {
	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil || req.Method != http.MethodConnect {
		return
	}

	if wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth {
		_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Host)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer dst.Close()

	if _, err := io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}
