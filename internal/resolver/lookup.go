package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/miekg/dns"
)

// Lookup resolves a host name to its full address list. The service side
// is always numeric (no service-name lookup happens); all matching
// families are returned, and when no IPv6 address exists the IPv4 results
// are additionally offered in their v4-mapped IPv6 form so that IPv6
// selection can still succeed.
type Lookup func(ctx context.Context, name string) ([]netip.Addr, error)

// SystemLookup resolves through the operating system resolver.
func SystemLookup() Lookup {
	return func(ctx context.Context, name string) ([]netip.Addr, error) {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", name)
		if err != nil {
			return nil, err
		}
		return withV4MappedFallback(addrs), nil
	}
}

// DNSLookup resolves by querying A and AAAA records directly against the
// given DNS server (host:port).
func DNSLookup(server string) Lookup {
	return func(ctx context.Context, name string) ([]netip.Addr, error) {
		c := new(dns.Client)
		fqdn := dns.Fqdn(name)

		var addrs []netip.Addr

		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			m := new(dns.Msg)
			m.SetQuestion(fqdn, qtype)
			m.RecursionDesired = true

			in, _, err := c.ExchangeContext(ctx, m, server)
			if err != nil {
				return nil, fmt.Errorf("dns exchange %s: %w", name, err)
			}
			if in.Rcode != dns.RcodeSuccess && in.Rcode != dns.RcodeNameError {
				return nil, fmt.Errorf("dns exchange %s: rcode %s", name, dns.RcodeToString[in.Rcode])
			}

			for _, rr := range in.Answer {
				switch a := rr.(type) {
				case *dns.A:
					if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
						addrs = append(addrs, ip)
					}
				case *dns.AAAA:
					if ip, ok := netip.AddrFromSlice(a.AAAA); ok {
						addrs = append(addrs, ip)
					}
				}
			}
		}

		if len(addrs) == 0 {
			return nil, fmt.Errorf("dns exchange %s: no addresses", name)
		}

		return withV4MappedFallback(addrs), nil
	}
}

// withV4MappedFallback appends v4-mapped forms of the IPv4 results when
// the list holds no native IPv6 address.
func withV4MappedFallback(addrs []netip.Addr) []netip.Addr {
	for _, a := range addrs {
		if a.Is6() && !a.Is4In6() {
			return addrs
		}
	}

	out := addrs
	for _, a := range addrs {
		if a.Is4() {
			out = append(out, netip.AddrFrom16(a.As16()))
		}
	}
	return out
}
