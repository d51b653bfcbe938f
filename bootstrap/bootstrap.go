// Package bootstrap implements the Bootstrapper (C4): resolving an
// upstream's hostname to a set of socket addresses, with resolver
// failover, a temporary disable window, and an in-memory result cache.
// Grounded on the teacher's resolver.go RecursiveDNSServer pattern of
// querying a resolver list with rotation on failure, adapted to the
// spec's bootstrap semantics (§4.3).
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"dnsforward/errs"
)

const (
	minAttemptTimeout = 500 * time.Millisecond
	disableWindow     = 10 * time.Second
	cacheFreshFor      = 5 * time.Minute
)

// Bootstrapper resolves upstream hostnames using a fixed list of plain
// DNS resolvers.
type Bootstrapper struct {
	resolvers []string // host:port, rotated on failure
	overall   time.Duration

	mu           sync.Mutex
	cache        map[string]cacheEntry
	lastSuccess  time.Time
	recentFailed bool
	disabledAt   time.Time
}

type cacheEntry struct {
	addrs   []netip.Addr
	resolvedAt time.Time
}

// New creates a Bootstrapper querying resolvers in order, each attempt
// bounded by a fraction of overall.
func New(resolvers []string, overall time.Duration) *Bootstrapper {
	if overall <= 0 {
		overall = 5 * time.Second
	}
	return &Bootstrapper{
		resolvers: append([]string(nil), resolvers...),
		overall:   overall,
		cache:     make(map[string]cacheEntry),
	}
}

// Resolve returns the socket addresses for host. If host already parses
// as a literal IP address it is returned immediately without querying any
// resolver.
func (b *Bootstrapper) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	if addrs, ok := b.cached(host); ok {
		return addrs, nil
	}

	if b.shortCircuited() {
		return nil, errs.New(errs.KindIO, "bootstrap: resolver temporarily disabled")
	}

	b.mu.Lock()
	resolvers := append([]string(nil), b.resolvers...)
	b.mu.Unlock()

	if len(resolvers) == 0 {
		return nil, errs.New(errs.KindIO, "bootstrap: no resolvers configured")
	}

	remaining := b.overall
	for i := 0; i < len(resolvers); i++ {
		resolver := resolvers[0]
		attemptTimeout := remaining / 2
		if attemptTimeout < minAttemptTimeout {
			attemptTimeout = minAttemptTimeout
		}

		addrs, err := resolveVia(ctx, resolver, host, attemptTimeout)
		if err == nil && len(addrs) > 0 {
			b.mu.Lock()
			b.resolvers = resolvers
			b.mu.Unlock()
			b.recordSuccess(host, addrs)
			return addrs, nil
		}

		// rotate the failing resolver to the back of the list.
		resolvers = append(resolvers[1:], resolver)
		remaining -= attemptTimeout
		if remaining <= 0 {
			break
		}
	}

	b.mu.Lock()
	b.resolvers = resolvers
	b.recentFailed = true
	b.disabledAt = time.Now()
	b.mu.Unlock()

	return nil, errs.New(errs.KindIO, fmt.Sprintf("bootstrap: all resolvers failed for %s", host))
}

func (b *Bootstrapper) cached(host string) ([]netip.Addr, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.cache[host]
	if !ok || time.Since(e.resolvedAt) > cacheFreshFor {
		return nil, false
	}
	return e.addrs, true
}

func (b *Bootstrapper) recordSuccess(host string, addrs []netip.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[host] = cacheEntry{addrs: addrs, resolvedAt: time.Now()}
	b.lastSuccess = time.Now()
	b.recentFailed = false
}

// shortCircuited reports whether resolution attempts should be skipped:
// true for disableWindow after a Resolve in which every resolver failed,
// until a later success clears it. The age of the last success is not
// consulted.
func (b *Bootstrapper) shortCircuited() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recentFailed {
		return false
	}
	return time.Since(b.disabledAt) < disableWindow
}

// RemoveResolved prunes a known-bad address from every cached host entry
// that contains it (spec §4.3 "remove_resolved").
func (b *Bootstrapper) RemoveResolved(addr netip.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for host, e := range b.cache {
		filtered := e.addrs[:0]
		for _, a := range e.addrs {
			if a != addr {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) == 0 {
			delete(b.cache, host)
		} else {
			e.addrs = filtered
			b.cache[host] = e
		}
	}
}

func resolveVia(ctx context.Context, resolver, host string, timeout time.Duration) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &dns.Client{Timeout: timeout}
	var addrs []netip.Addr

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, _, err := client.ExchangeContext(ctx, msg, resolver)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A.To4()); ok {
					addrs = append(addrs, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
					addrs = append(addrs, a)
				}
			}
		}
	}

	if len(addrs) == 0 {
		return nil, errs.New(errs.KindIO, "bootstrap: empty answer")
	}
	return addrs, nil
}

// SplitHostPort is a convenience re-export used by upstream construction
// to separate a bootstrap target's host from its port before resolving.
func SplitHostPort(address string) (host, port string, err error) {
	return net.SplitHostPort(address)
}
