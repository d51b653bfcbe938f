package forwarder

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"dnsforward/errs"
	"dnsforward/upstream"
)

// poolMaxRTT returns the highest known RTT estimate across pool, for
// scaling a failed attempt's penalty to the candidate pool (spec §3:
// "2x max(rtts)"), not just the failing upstream's own timeout.
func poolMaxRTT(pool []upstream.Upstream) time.Duration {
	var max time.Duration
	for _, up := range pool {
		if rtt, ok := up.RTTEstimate(); ok && rtt > max {
			max = rtt
		}
	}
	return max
}

// withPoolMax returns info with PoolMaxRTT set from pool, preserving
// every other field the caller supplied.
func withPoolMax(info upstream.ExchangeInfo, pool []upstream.Upstream) upstream.ExchangeInfo {
	info.PoolMaxRTT = poolMaxRTT(pool)
	return info
}

// exchangeResult pairs an upstream's reply with the upstream that
// produced it, for the total-order tie-break in parallel racing.
type exchangeResult struct {
	up    upstream.Upstream
	resp  *dns.Msg
	err   error
	order int
}

// rank implements the strict total order from spec §4.7: error loses to
// non-error; NOERROR beats non-NOERROR; among NOERROR, higher answer
// count wins; ties broken by input order.
func rank(a, b exchangeResult) bool {
	if (a.err == nil) != (b.err == nil) {
		return a.err == nil
	}
	if a.err != nil {
		return a.order < b.order
	}
	aOK := a.resp.Rcode == dns.RcodeSuccess
	bOK := b.resp.Rcode == dns.RcodeSuccess
	if aOK != bOK {
		return aOK
	}
	if aOK && len(a.resp.Answer) != len(b.resp.Answer) {
		return len(a.resp.Answer) > len(b.resp.Answer)
	}
	return a.order < b.order
}

// waitAll races req against every upstream in pool in parallel and
// returns the winner by the total order above. Every upstream is always
// run to completion (wait_all semantics), so plain errgroup fan-out
// fits: each goroutine owns its own results slot, g.Wait() is the
// barrier, and the total order picks the winner afterward.
func waitAll(ctx context.Context, pool []upstream.Upstream, req *dns.Msg, info upstream.ExchangeInfo) (upstream.Upstream, *dns.Msg, error) {
	if len(pool) == 0 {
		return nil, nil, errs.ErrExchangeFailed
	}

	info = withPoolMax(info, pool)

	collected := make([]exchangeResult, len(pool))
	var g errgroup.Group
	for i, up := range pool {
		i, up := i, up
		g.Go(func() error {
			resp, err := up.Exchange(ctx, req, info)
			collected[i] = exchangeResult{up: up, resp: resp, err: err, order: i}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(collected, func(i, j int) bool { return rank(collected[i], collected[j]) })

	best := collected[0]
	if best.err != nil {
		return nil, nil, errs.Wrap(errs.KindExchangeFailed, "all upstreams failed", best.err)
	}
	return best.up, best.resp, nil
}

// firstNonError races req against every upstream in pool, returning as
// soon as one succeeds (wait_all = false in spec §4.7).
func firstNonError(ctx context.Context, pool []upstream.Upstream, req *dns.Msg, info upstream.ExchangeInfo) (upstream.Upstream, *dns.Msg, error) {
	if len(pool) == 0 {
		return nil, nil, errs.ErrExchangeFailed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	info = withPoolMax(info, pool)

	results := make(chan exchangeResult, len(pool))
	for i, up := range pool {
		i, up := i, up
		go func() {
			resp, err := up.Exchange(ctx, req, info)
			results <- exchangeResult{up: up, resp: resp, err: err, order: i}
		}()
	}

	var lastErr error
	for i := 0; i < len(pool); i++ {
		r := <-results
		if r.err == nil {
			return r.up, r.resp, nil
		}
		lastErr = r.err
	}
	return nil, nil, errs.Wrap(errs.KindExchangeFailed, "all upstreams failed", lastErr)
}

// weightedRandom implements spec §4.7's primary-pool selection: untried
// upstreams first (in encounter order), then weighted-random draws from
// the remainder; a transient failure disqualifies the candidate and
// redraws, a timeout aborts the whole loop.
func weightedRandom(ctx context.Context, pool []upstream.Upstream, req *dns.Msg, info upstream.ExchangeInfo) (upstream.Upstream, *dns.Msg, error) {
	remaining := append([]upstream.Upstream(nil), pool...)
	info = withPoolMax(info, pool)

	for len(remaining) > 0 {
		idx := pickIndex(remaining)
		up := remaining[idx]

		resp, err := up.Exchange(ctx, req, info)
		if err == nil {
			return up, resp, nil
		}
		if errs.Is(err, errs.KindTimeout) {
			return nil, nil, err
		}
		// transient: disqualify and redraw.
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}

	return nil, nil, errs.ErrExchangeFailed
}

func pickIndex(pool []upstream.Upstream) int {
	for i, up := range pool {
		if _, ok := up.RTTEstimate(); !ok {
			return i
		}
	}

	weights := make([]float64, len(pool))
	var total float64
	for i, up := range pool {
		weights[i] = upstream.Weight(up)
		total += weights[i]
	}
	if total <= 0 {
		return rand.Intn(len(pool))
	}
	target := rand.Float64() * total
	var acc float64
	for i, w := range weights {
		acc += w
		if target <= acc {
			return i
		}
	}
	return len(pool) - 1
}
