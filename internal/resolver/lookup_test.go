package resolver

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go func() {
		_ = srv.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	return pc.LocalAddr().String()
}

func TestDNSLookupAWithMappedFallback(t *testing.T) {
	addr := startDNSServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if r.Question[0].Qtype == dns.TypeA {
			rr, err := dns.NewRR(r.Question[0].Name + " 60 IN A 10.0.0.1")
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addrs, err := DNSLookup(addr)(ctx, "example.test")
	if err != nil {
		t.Fatal(err)
	}

	if len(addrs) != 2 {
		t.Fatalf("expected A record plus mapped fallback, got %v", addrs)
	}
	if addrs[0] != netip.MustParseAddr("10.0.0.1") {
		t.Fatalf("expected 10.0.0.1 first, got %s", addrs[0])
	}
	if !addrs[1].Is4In6() {
		t.Fatalf("expected v4-mapped fallback, got %s", addrs[1])
	}
}

func TestDNSLookupBothFamilies(t *testing.T) {
	addr := startDNSServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		var rr dns.RR
		var err error
		switch r.Question[0].Qtype {
		case dns.TypeA:
			rr, err = dns.NewRR(r.Question[0].Name + " 60 IN A 192.0.2.1")
		case dns.TypeAAAA:
			rr, err = dns.NewRR(r.Question[0].Name + " 60 IN AAAA 2001:db8::1")
		}
		if err == nil && rr != nil {
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addrs, err := DNSLookup(addr)(ctx, "dual.test")
	if err != nil {
		t.Fatal(err)
	}

	// Native v6 present, so no mapped addresses are appended.
	if len(addrs) != 2 {
		t.Fatalf("expected exactly A and AAAA results, got %v", addrs)
	}
	if _, ok := selectAddr(addrs, IPv6); !ok {
		t.Fatal("expected a v6 address to be selectable")
	}
}

func TestDNSLookupNoAddresses(t *testing.T) {
	addr := startDNSServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		_ = w.WriteMsg(m)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := DNSLookup(addr)(ctx, "empty.test"); err == nil {
		t.Fatal("expected error for empty answer")
	}
}

func TestWithV4MappedFallback(t *testing.T) {
	v4 := netip.MustParseAddr("192.0.2.1")
	v6 := netip.MustParseAddr("2001:db8::1")

	out := withV4MappedFallback([]netip.Addr{v4})
	if len(out) != 2 || !out[1].Is4In6() {
		t.Fatalf("expected mapped append, got %v", out)
	}

	out = withV4MappedFallback([]netip.Addr{v4, v6})
	if len(out) != 2 {
		t.Fatalf("expected untouched list, got %v", out)
	}
}
