// Package dns64 implements DNS64 prefix discovery (C7): a cooperative
// background task that probes the configured upstreams for NAT64 prefixes
// (RFC 7050) at startup, storing whatever it finds in a State value,
// plus AAAA synthesis from an A sub-exchange for empty-answer AAAA
// queries. Grounded on the teacher's utils/task_manager.go cancellable
// background-task pattern for the discovery loop.
package dns64

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dnsforward/logging"
	"dnsforward/taskpool"
)

// well-known NAT64 discovery name per RFC 7050.
const discoveryName = "ipv4only.arpa."

// Exchanger is the narrow surface dns64 needs from the upstream pool: a
// plain A/AAAA exchange against whichever upstream is passed in.
type Exchanger func(ctx context.Context, req *dns.Msg) (*dns.Msg, error)

// State holds the discovered NAT64 prefixes, safe for concurrent read
// access while the background task may still be updating it.
type State struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
}

// Prefixes returns the currently known NAT64 prefixes (possibly empty if
// discovery hasn't completed or found none).
func (s *State) Prefixes() []netip.Prefix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]netip.Prefix(nil), s.prefixes...)
}

func (s *State) set(prefixes []netip.Prefix) {
	s.mu.Lock()
	s.prefixes = prefixes
	s.mu.Unlock()
}

// StartDiscovery launches the cancellable background probe on pool,
// trying up to maxTries times with waitTime between attempts (spec
// §4.5). It returns immediately; the probe runs on the pool's own
// goroutine budget and exits early if the pool is shut down.
func StartDiscovery(pool *taskpool.Pool, exchange Exchanger, maxTries int, waitTime time.Duration) *State {
	state := &State{}
	if maxTries <= 0 {
		maxTries = 1
	}

	pool.Go("dns64-discovery", func(ctx context.Context) {
		for attempt := 0; attempt < maxTries; attempt++ {
			prefixes, err := probeOnce(ctx, exchange)
			if err == nil && len(prefixes) > 0 {
				state.set(prefixes)
				logging.Infof("dns64: discovered %d prefix(es)", len(prefixes))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(waitTime):
			}
		}
		logging.Debugf("dns64: no prefix discovered after %d attempt(s)", maxTries)
	})

	return state
}

func probeOnce(ctx context.Context, exchange Exchanger) ([]netip.Prefix, error) {
	req := new(dns.Msg)
	req.SetQuestion(discoveryName, dns.TypeAAAA)

	resp, err := exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	var prefixes []netip.Prefix
	for _, rr := range resp.Answer {
		aaaa, ok := rr.(*dns.AAAA)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(aaaa.AAAA.To16())
		if !ok {
			continue
		}
		// ipv4only.arpa resolves to <prefix>::<well-known v4 suffix>; the
		// well-known suffix occupies the last 32 bits for a /96 prefix,
		// which is the common case RFC 7050 expects from a NAT64 gateway.
		prefix := netip.PrefixFrom(maskLast32(ip), 96)
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

func maskLast32(ip netip.Addr) netip.Addr {
	b := ip.As16()
	for i := 12; i < 16; i++ {
		b[i] = 0
	}
	return netip.AddrFrom16(b)
}

// Synthesize builds AAAA records by embedding each A record's IPv4
// address into every discovered prefix (spec §4.5).
func Synthesize(prefixes []netip.Prefix, aRecords []dns.RR, name string, ttl uint32) []dns.RR {
	var out []dns.RR
	for _, rr := range aRecords {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		v4 := a.A.To4()
		if v4 == nil {
			continue
		}
		for _, prefix := range prefixes {
			addr := embed(prefix, v4)
			out = append(out, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: net.IP(addr.AsSlice()),
			})
		}
	}
	return out
}

func embed(prefix netip.Prefix, v4 net.IP) netip.Addr {
	b := prefix.Addr().As16()
	copy(b[12:16], v4)
	return netip.AddrFrom16(b)
}
