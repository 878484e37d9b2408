package resolver

import (
	"net/netip"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// entryTTL bounds the lifetime of a cached resolve result.
const entryTTL = 30 * time.Second

// addrCache maps a name to the full address list returned by the backend
// resolver. Entries are replaced wholesale and swept once they outlive the
// TTL; they are never mutated in place.
type addrCache struct {
	c *gocache.Cache
}

func newAddrCache(ttl time.Duration) *addrCache {
	// Sweeping is driven by the agent's own cleanup tick, not by the
	// library janitor.
	return &addrCache{c: gocache.New(ttl, 0)}
}

func (ac *addrCache) get(name string) ([]netip.Addr, bool) {
	v, ok := ac.c.Get(name)
	if !ok {
		return nil, false
	}
	return v.([]netip.Addr), true
}

func (ac *addrCache) add(name string, addrs []netip.Addr) {
	ac.c.SetDefault(name, addrs)
}

// deleteExpired sweeps outdated entries and reports how many were removed.
func (ac *addrCache) deleteExpired() int {
	before := ac.c.ItemCount()
	ac.c.DeleteExpired()
	return before - ac.c.ItemCount()
}

// selectAddr picks the first address of the requested family in list
// order. Addresses are not rotated; the order is whatever the backend
// returned. IPv4-mapped IPv6 addresses satisfy an IPv6 request.
func selectAddr(addrs []netip.Addr, v IPVersion) (netip.Addr, bool) {
	for _, a := range addrs {
		switch v {
		case IPv4:
			if a.Is4() {
				return a, true
			}
		case IPv6:
			if a.Is6() {
				return a, true
			}
		}
	}
	return netip.Addr{}, false
}
