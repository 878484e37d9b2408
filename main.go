package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/passage-net/passage/internal/dialer"
	"github.com/passage-net/passage/internal/handler"
	"github.com/passage-net/passage/internal/proxy"
	"github.com/passage-net/passage/internal/resolver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen = pflag.String("listen", "127.0.0.1:3128", "CONNECT proxy listen address")

		upstream = pflag.String("upstream", defaultUpstream(), "Upstream forwarding target URL: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")

		ioChunkSize        = pflag.Int("io-chunk-size", 32*1024, "Maximum bytes moved per read step")
		idleTimeout        = pflag.Duration("idle-timeout", 5*time.Minute, "Close connections with no successful read for this long")
		timerInterval      = pflag.Duration("timer-interval", time.Second, "Cadence of connection supervision ticks")
		userRateLimit      = pflag.Int64("user-rate-limit", 0, "Per-connection bytes/sec read from the client. 0 disables.")
		targetRateLimit    = pflag.Int64("target-rate-limit", 0, "Per-connection bytes/sec read from the target. 0 disables.")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for CONNECT negotiation to set up connection")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound TCP connect")

		dnsServer         = pflag.String("dns-server", "", "DNS server (host:port) queried directly for A/AAAA records. Empty uses the system resolver.")
		dnsCleanupPeriod  = pflag.Duration("dns-cache-cleanup-period", 30*time.Second, "Cadence of DNS cache sweeps")

		debugListen  = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose      = pflag.Bool("verbose", false, "Enable per-connection debug logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if *ioChunkSize <= 0 {
		return errors.New("--io-chunk-size must be > 0")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}

	out, err := dialer.New(dialCfg, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	var lookup resolver.Lookup
	if *dnsServer != "" {
		server := *dnsServer
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		lookup = resolver.DNSLookup(server)
	}

	res := resolver.New(resolver.Config{
		CacheCleanupPeriod: *dnsCleanupPeriod,
		Lookup:             lookup,
	}, logger.With("component", "dns-resolver"))

	hctx := &handler.Context{
		Cfg: handler.Config{
			IOChunkSize:   *ioChunkSize,
			IdleTimeout:   *idleTimeout,
			TimerInterval: *timerInterval,
		},
		Log: logger,
	}

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		Dialer:             out,
		UserRateLimit:      *userRateLimit,
		TargetRateLimit:    *targetRateLimit,
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g.Go(func() error {
		return res.Run(ctx)
	})

	if *debugListen != "" {
		mux := http.DefaultServeMux
		mux.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	ln, err := proxy.ListenTCP("tcp", *listen, ka)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := proxy.NewServer(ctx, cfg, hctx, res)
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
		srv.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})
	log.Printf("connect proxy listening on %s", *listen)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}
