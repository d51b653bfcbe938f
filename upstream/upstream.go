// Package upstream implements the Upstream (C3) component: a polymorphic
// exchange surface over seven wire transports (plain UDP with TCP
// fallback on truncation, plain TCP, DoT, DoH1, DoH3, DoQ, DNSCrypt),
// connection pooling where pooling is sensible, and RTT tracking used by
// the forwarder's weighted-random selection (§4.7). Grounded on the
// teacher's dns_client.go dispatch-by-protocol pattern and
// security/securedns_manager.go's use of miekg/dns, quic-go, quic-go/http3
// and golang.org/x/net/http2 for the secure transports.
package upstream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"dnsforward/errs"
	"dnsforward/socks"
	"dnsforward/types"
)

// ExchangeInfo carries per-exchange context the upstream may need beyond
// the raw request (spec §4.3 "exchange(request, info)").
type ExchangeInfo struct {
	// ClientAddr is the original requester, for logging/ECS purposes.
	ClientAddr string

	// PoolMaxRTT is the highest known RTT across the candidate pool this
	// exchange is being selected from (spec §3: a failed attempt
	// penalizes RTT to 2x the current max across the pool, not the
	// upstream's own timeout). Zero when the caller isn't racing a pool,
	// or when no upstream in it has a known RTT yet.
	PoolMaxRTT time.Duration
}

// penaltyRTT is the RTT a failed exchange should be penalized against:
// the pool's known max when set, otherwise fallback (typically this
// upstream's own configured timeout).
func (info ExchangeInfo) penaltyRTT(fallback time.Duration) time.Duration {
	if info.PoolMaxRTT > 0 {
		return info.PoolMaxRTT
	}
	return fallback
}

// Upstream is the capability surface every transport implements.
type Upstream interface {
	Exchange(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error)
	Options() types.UpstreamOptions
	// RTTEstimate returns the current RTT estimate and whether one has
	// been recorded yet.
	RTTEstimate() (time.Duration, bool)
	Close() error
}

// rttTracker is the single Option<Duration> RTT estimate shared by every
// transport implementation (spec §4.3: "a single Option<Duration> updated
// on every attempt").
type rttTracker struct {
	nanos int64 // atomic; 0 means "unset"
}

func (t *rttTracker) update(d time.Duration) {
	atomic.StoreInt64(&t.nanos, int64(d))
}

// penalize records a failure as a large RTT (2x the current max) so a
// consistently failing upstream sorts last in weighted selection without
// being permanently excluded.
func (t *rttTracker) penalize(currentMax time.Duration) {
	if currentMax <= 0 {
		currentMax = time.Second
	}
	atomic.StoreInt64(&t.nanos, int64(2*currentMax))
}

func (t *rttTracker) estimate() (time.Duration, bool) {
	n := atomic.LoadInt64(&t.nanos)
	if n == 0 {
		return 0, false
	}
	return time.Duration(n), true
}

// Weight implements the spec §4.7 weighted-random selection formula
// (1/rtt_ms), falling back to a neutral weight when no RTT is known yet
// so unproven upstreams still get picked occasionally.
func Weight(u Upstream) float64 {
	rtt, ok := u.RTTEstimate()
	if !ok || rtt <= 0 {
		return 1.0
	}
	ms := float64(rtt) / float64(time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return 1.0 / ms
}

// dialProxy returns a socks.Config derived from opts, or nil if the
// upstream doesn't route through an outbound proxy.
func dialProxy(opts types.UpstreamOptions) *socks.Config {
	if opts.SOCKS5Address == "" {
		return nil
	}
	return &socks.Config{Address: opts.SOCKS5Address, Username: opts.SOCKS5User, Password: opts.SOCKS5Password}
}

// New dispatches on opts.Scheme to build the concrete transport, mirroring
// the teacher's protocol-keyed constructor switch in dns_client.go.
func New(opts types.UpstreamOptions) (Upstream, error) {
	switch opts.Scheme {
	case types.SchemePlainUDP:
		return newPlainUpstream(opts), nil
	case types.SchemePlainTCP:
		return newTCPUpstream(opts), nil
	case types.SchemeDoT:
		return newDoTUpstream(opts), nil
	case types.SchemeDoH:
		return newDoHUpstream(opts)
	case types.SchemeDoH3:
		return newDoH3Upstream(opts), nil
	case types.SchemeDoQ:
		return newDoQUpstream(opts), nil
	case types.SchemeDNSCrypt:
		return newDNSCryptUpstream(opts)
	default:
		return nil, fmt.Errorf("upstream: unsupported scheme %q", opts.Scheme)
	}
}

// dohUpstream races HTTP/1 DoH against HTTP/3 DoH when EnableHTTP3 is set,
// returning whichever answers first (spec §4.3 "optional racing").
type dohUpstream struct {
	opts types.UpstreamOptions
	h1   *doh1Upstream
	h3   *doh3Upstream
	rtt  rttTracker
}

func newDoHUpstream(opts types.UpstreamOptions) (Upstream, error) {
	h1 := newDoH1Upstream(opts)
	if !opts.EnableHTTP3 {
		return h1, nil
	}
	return &dohUpstream{opts: opts, h1: h1, h3: newDoH3Upstream(opts)}, nil
}

func (u *dohUpstream) Options() types.UpstreamOptions { return u.opts }
func (u *dohUpstream) RTTEstimate() (time.Duration, bool) { return u.rtt.estimate() }
func (u *dohUpstream) Close() error {
	err1 := u.h1.Close()
	err2 := u.h3.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (u *dohUpstream) Exchange(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		resp *dns.Msg
		err  error
	}
	results := make(chan result, 2)

	start := time.Now()
	go func() {
		resp, err := u.h1.Exchange(ctx, req, info)
		results <- result{resp, err}
	}()
	go func() {
		resp, err := u.h3.Exchange(ctx, req, info)
		results <- result{resp, err}
	}()

	var lastErr error
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			u.rtt.update(time.Since(start))
			return r.resp, nil
		}
		lastErr = r.err
	}
	u.rtt.penalize(info.penaltyRTT(time.Since(start)))
	return nil, errs.Wrap(errs.KindExchangeFailed, "doh1+doh3 both failed", lastErr)
}
