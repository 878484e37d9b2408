package handler

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/passage-net/passage/internal/limiter"
)

func testContext(chunk int, idle, tick time.Duration) *Context {
	return &Context{
		Cfg: Config{
			IOChunkSize:   chunk,
			IdleTimeout:   idle,
			TimerInterval: tick,
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type accepted struct {
		c   net.Conn
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		ch <- accepted{c, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	a := <-ch
	if a.err != nil {
		t.Fatal(a.err)
	}
	return client, a.c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestConnectHandoffAndEcho(t *testing.T) {
	ctx := testContext(1024, time.Minute, 20*time.Millisecond)
	rt := NewRuntime(ctx)
	defer rt.Close()

	userClient, userServer := tcpPair(t)
	defer userClient.Close()
	targetDialed, targetPeer := tcpPair(t)
	defer targetPeer.Close()

	id := rt.NextID()
	h, err := NewConnect(ctx, id, userServer, "example.test:443", targetDialed, limiter.Unlimited())
	if err != nil {
		t.Fatal(err)
	}
	rt.Install(id, h)

	// The client must see exactly the fixed positive response.
	want := []byte(ConnectEstablished)
	got := make([]byte, len(want))
	_ = userClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(userClient, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("expected %q got %q", want, got)
	}
	_ = userClient.SetReadDeadline(time.Time{})

	// Client to target.
	if _, err := userClient.Write([]byte("ABC")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	_ = targetPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(targetPeer, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ABC" {
		t.Fatalf("expected ABC got %q", buf)
	}

	// Target to client.
	if _, err := targetPeer.Write([]byte("HELLO")); err != nil {
		t.Fatal(err)
	}
	buf = make([]byte, 5)
	_ = userClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(userClient, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "HELLO" {
		t.Fatalf("expected HELLO got %q", buf)
	}
}

func TestClientEOFRemovesConnection(t *testing.T) {
	ctx := testContext(1024, time.Minute, 20*time.Millisecond)
	rt := NewRuntime(ctx)
	defer rt.Close()

	userClient, userServer := tcpPair(t)
	targetDialed, targetPeer := tcpPair(t)
	defer targetPeer.Close()

	id := rt.NextID()
	dt, err := NewDataTransfer(ctx, id, userServer, targetDialed, limiter.Unlimited())
	if err != nil {
		t.Fatal(err)
	}
	rt.Install(id, dt)

	_ = userClient.Close()

	waitFor(t, 2*time.Second, func() bool { return rt.Len() == 0 })

	// Teardown closed the target side too.
	_ = targetPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := targetPeer.Read(buf); err == nil {
		t.Fatal("expected EOF on target side after removal")
	}
}

// scriptLimiter serves scripted grant sizes per direction and records what
// was actually charged.
type scriptLimiter struct {
	mu       sync.Mutex
	grants   map[limiter.Direction][]int64
	reserves map[limiter.Direction]int
	consumed map[limiter.Direction]int64
}

func newScriptLimiter(user, target []int64) *scriptLimiter {
	return &scriptLimiter{
		grants: map[limiter.Direction][]int64{
			limiter.FromUser:   user,
			limiter.FromTarget: target,
		},
		reserves: make(map[limiter.Direction]int),
		consumed: make(map[limiter.Direction]int64),
	}
}

func (l *scriptLimiter) ReserveReadPortion(dir limiter.Direction, desired int64) limiter.Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	script := l.grants[dir]
	i := l.reserves[dir]
	l.reserves[dir]++

	if len(script) == 0 {
		return limiter.Reservation{Capacity: desired}
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	grant := script[i]
	if grant > desired {
		grant = desired
	}
	return limiter.Reservation{Capacity: grant}
}

func (l *scriptLimiter) Release(r limiter.Reservation, dir limiter.Direction, ioErr error, actual int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ioErr == nil {
		l.consumed[dir] += actual
	}
}

func (l *scriptLimiter) reserveCount(dir limiter.Direction) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserves[dir]
}

func (l *scriptLimiter) consumedBytes(dir limiter.Direction) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumed[dir]
}

func TestThrottledDirectionRecovery(t *testing.T) {
	tick := 50 * time.Millisecond
	ctx := testContext(1024, time.Minute, tick)
	rt := NewRuntime(ctx)
	defer rt.Close()

	userClient, userServer := tcpPair(t)
	defer userClient.Close()
	targetDialed, targetPeer := tcpPair(t)
	defer targetPeer.Close()

	// First reservation for from-user is refused; afterwards reads are
	// capped at 16 bytes per step.
	lim := newScriptLimiter([]int64{0, 16}, nil)

	id := rt.NextID()
	dt, err := NewDataTransfer(ctx, id, userServer, targetDialed, lim)
	if err != nil {
		t.Fatal(err)
	}
	rt.Install(id, dt)

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	if _, err := userClient.Write(payload); err != nil {
		t.Fatal(err)
	}

	// Before the first tick the direction stays idle: one refused
	// reservation, nothing read.
	time.Sleep(tick / 2)
	if n := lim.reserveCount(limiter.FromUser); n != 1 {
		t.Fatalf("expected 1 reservation attempt before tick, got %d", n)
	}
	if c := lim.consumedBytes(limiter.FromUser); c != 0 {
		t.Fatalf("expected no bytes consumed before tick, got %d", c)
	}

	// The timer re-enters the read step; all data flows in 16-byte
	// portions.
	got := make([]byte, len(payload))
	_ = targetPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(targetPeer, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %q", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		return lim.consumedBytes(limiter.FromUser) == int64(len(payload))
	})
}

func TestIdleTimeoutRemovesConnection(t *testing.T) {
	ctx := testContext(1024, 60*time.Millisecond, 20*time.Millisecond)
	rt := NewRuntime(ctx)
	defer rt.Close()

	userClient, userServer := tcpPair(t)
	defer userClient.Close()
	targetDialed, targetPeer := tcpPair(t)
	defer targetPeer.Close()

	id := rt.NextID()
	dt, err := NewDataTransfer(ctx, id, userServer, targetDialed, limiter.Unlimited())
	if err != nil {
		t.Fatal(err)
	}
	rt.Install(id, dt)

	waitFor(t, 2*time.Second, func() bool { return rt.Len() == 0 })
}

func TestDataTransferRequiresLimiter(t *testing.T) {
	ctx := testContext(1024, time.Minute, time.Second)

	if _, err := NewDataTransfer(ctx, 1, nil, nil, nil); err == nil {
		t.Fatal("expected construction to fail without a limiter")
	}
	if _, err := NewConnect(ctx, 1, nil, "x:1", nil, nil); err == nil {
		t.Fatal("expected construction to fail without a limiter")
	}
}

type panicHandler struct {
	released atomic.Bool
}

func (h *panicHandler) OnStart(Protector) { panic("boom") }
func (h *panicHandler) OnTimer(Protector) {}
func (h *panicHandler) Name() string      { return "panic-handler" }
func (h *panicHandler) Release()          { h.released.Store(true) }

func TestPanicInCallbackRemovesConnection(t *testing.T) {
	ctx := testContext(1024, time.Minute, 20*time.Millisecond)
	rt := NewRuntime(ctx)
	defer rt.Close()

	h := &panicHandler{}
	id := rt.NextID()
	rt.Install(id, h)

	waitFor(t, 2*time.Second, func() bool { return rt.Len() == 0 })
	if !h.released.Load() {
		t.Fatal("expected Release after panic")
	}
}

func TestRuntimeClose(t *testing.T) {
	ctx := testContext(1024, time.Minute, 20*time.Millisecond)
	rt := NewRuntime(ctx)

	userClient, userServer := tcpPair(t)
	defer userClient.Close()
	targetDialed, targetPeer := tcpPair(t)
	defer targetPeer.Close()

	id := rt.NextID()
	dt, err := NewDataTransfer(ctx, id, userServer, targetDialed, limiter.Unlimited())
	if err != nil {
		t.Fatal(err)
	}
	rt.Install(id, dt)

	rt.Close()

	if rt.Len() != 0 {
		t.Fatalf("expected no live connections, got %d", rt.Len())
	}
}
