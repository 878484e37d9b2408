package proxy

import (
	"net"
	"time"

	"github.com/passage-net/passage/internal/dialer"
)

type Config struct {
	// NegotiationTimeout bounds reading the CONNECT request, resolving
	// the target, and dialing out.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	Dialer dialer.Dialer

	// Per-connection byte-rate limits by direction; 0 disables limiting.
	UserRateLimit   int64
	TargetRateLimit int64
}
