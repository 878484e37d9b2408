package resolver

import "net/netip"

// IPVersion selects the address family a resolve request asks for.
type IPVersion int

const (
	IPv4 IPVersion = iota
	IPv6
)

func (v IPVersion) String() string {
	if v == IPv4 {
		return "IPv4"
	}
	return "IPv6"
}

// Request asks the resolver agent for one address of Name in the given
// family. ReplyTo must be buffered; the agent delivers exactly one Reply
// per request. Token is an opaque correlation value echoed back to the
// caller. Name doubles as the coalescing key.
type Request struct {
	ID      uint64
	Name    string
	Version IPVersion
	ReplyTo chan<- Reply
	Token   any
}

// Reply carries the outcome of a Request. On success Addr is set; on
// failure Err describes why no address could be delivered.
type Reply struct {
	ID    uint64
	Token any
	Addr  netip.Addr
	Err   error
}

// completion carries a finished backend lookup into the agent mailbox.
type completion struct {
	name  string
	addrs []netip.Addr
	err   error
}
