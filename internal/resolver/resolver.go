package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/passage-net/passage/internal/stats"
)

// ErrNoAddressForFamily is delivered to a waiter whose requested IP family
// cannot be satisfied by an otherwise successful resolve.
var ErrNoAddressForFamily = errors.New("no address for requested family")

// Config configures the resolver agent.
type Config struct {
	// CacheCleanupPeriod is the initial cadence of cache sweeps. It can
	// be changed at runtime with UpdateCacheCleanupPeriod.
	CacheCleanupPeriod time.Duration

	// Lookup is the backend resolver. Defaults to SystemLookup.
	Lookup Lookup
}

// Agent is the DNS resolver actor. It answers resolve requests from its
// local TTL cache, coalesces concurrent misses for the same name into one
// backend lookup, and fans the result out to every waiter.
//
// All state is owned by the Run loop; callers talk to the agent only
// through its mailbox methods.
type Agent struct {
	cfg Config
	log *slog.Logger

	cache   *addrCache
	waiting *waitingRegistry

	requests    chan Request
	completions chan completion
	updates     chan time.Duration

	nextReqID atomic.Uint64

	runCtx context.Context
}

// New creates a resolver agent. Run must be called before the agent will
// answer requests.
func New(cfg Config, log *slog.Logger) *Agent {
	if cfg.Lookup == nil {
		cfg.Lookup = SystemLookup()
	}
	if cfg.CacheCleanupPeriod <= 0 {
		cfg.CacheCleanupPeriod = entryTTL
	}

	return &Agent{
		cfg:         cfg,
		log:         log,
		cache:       newAddrCache(entryTTL),
		waiting:     newWaitingRegistry(),
		requests:    make(chan Request, 64),
		completions: make(chan completion, 16),
		updates:     make(chan time.Duration, 4),
	}
}

// NextRequestID allocates a request id for a caller about to Resolve.
func (a *Agent) NextRequestID() uint64 {
	return a.nextReqID.Add(1)
}

// Resolve enqueues req. The reply arrives on req.ReplyTo.
func (a *Agent) Resolve(ctx context.Context, req Request) error {
	select {
	case a.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolveAddr is a synchronous convenience wrapper around Resolve.
func (a *Agent) ResolveAddr(ctx context.Context, name string, v IPVersion) (netip.Addr, error) {
	replyTo := make(chan Reply, 1)
	req := Request{
		ID:      a.NextRequestID(),
		Name:    name,
		Version: v,
		ReplyTo: replyTo,
	}

	if err := a.Resolve(ctx, req); err != nil {
		return netip.Addr{}, err
	}

	select {
	case reply := <-replyTo:
		return reply.Addr, reply.Err
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	}
}

// UpdateCacheCleanupPeriod changes the sweep cadence. The new period takes
// effect at the next re-schedule. It never blocks: when four updates are
// already pending in the agent's mailbox, this one is dropped.
func (a *Agent) UpdateCacheCleanupPeriod(d time.Duration) {
	select {
	case a.updates <- d:
	default:
	}
}

// Run executes the agent loop until ctx is canceled. It multiplexes
// incoming requests, backend completions, parameter updates, and the
// periodic cache sweep.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx
	a.log.Info("dns resolver started")

	period := a.cfg.CacheCleanupPeriod
	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("dns resolver shutdown completed")
			return nil

		case req := <-a.requests:
			a.onResolve(req)

		case done := <-a.completions:
			a.onLookupDone(done)

		case d := <-a.updates:
			a.log.Debug("dns params updated", "cache_cleanup_period", d)
			period = d

		case <-timer.C:
			removed := a.cache.deleteExpired()
			a.log.Debug("dns cache cleaned up", "removed", removed)
			timer.Reset(period)
		}
	}
}

func (a *Agent) onResolve(req Request) {
	a.log.Debug("resolve request",
		"req_id", req.ID, "name", req.Name, "ip_version", req.Version.String())

	if addrs, ok := a.cache.get(req.Name); ok {
		if addr, ok := selectAddr(addrs, req.Version); ok {
			stats.DNSCacheHits.Inc()
			a.log.Debug("request resolved from cache",
				"req_id", req.ID, "name", req.Name, "address", addr.String())
			a.reply(req, addr, nil)
			return
		}
	}

	a.addToWaitingAndResolve(req)
}

func (a *Agent) addToWaitingAndResolve(req Request) {
	a.log.Debug("request added to waiting list", "req_id", req.ID)

	if !a.waiting.add(req.Name, req) {
		// A lookup for this name is already in flight.
		return
	}

	name := req.Name
	go func() {
		addrs, err := a.cfg.Lookup(a.runCtx, name)
		select {
		case a.completions <- completion{name: name, addrs: addrs, err: err}:
		case <-a.runCtx.Done():
		}
	}()
}

func (a *Agent) onLookupDone(done completion) {
	if done.err != nil {
		stats.DNSLookupsFailed.Inc()

		err := fmt.Errorf("resolve failed: %w", done.err)
		for _, req := range a.waiting.drain(done.name) {
			a.reply(req, netip.Addr{}, err)
		}
		return
	}

	stats.DNSLookupsOK.Inc()
	a.log.Debug("domain resolved", "name", done.name, "results", done.addrs)

	a.cache.add(done.name, done.addrs)

	// Waiters whose family is absent from the result get an individual
	// failure; the cache entry stays.
	for _, req := range a.waiting.drain(done.name) {
		if addr, ok := selectAddr(done.addrs, req.Version); ok {
			a.reply(req, addr, nil)
		} else {
			a.reply(req, netip.Addr{}, ErrNoAddressForFamily)
		}
	}
}

func (a *Agent) reply(req Request, addr netip.Addr, err error) {
	req.ReplyTo <- Reply{ID: req.ID, Token: req.Token, Addr: addr, Err: err}
	a.log.Debug("resolve reply sent", "req_id", req.ID)
}
