package forwarder

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsforward/errs"
	"dnsforward/types"
	"dnsforward/upstream"
)

// fakeUpstream is a minimal upstream.Upstream used to drive selection.go
// deterministically without any real network I/O.
type fakeUpstream struct {
	id       uint32
	resp     *dns.Msg
	err      error
	rtt      time.Duration
	rttKnown bool
	delay    time.Duration

	gotPoolMaxRTT time.Duration
}

func (f *fakeUpstream) Exchange(ctx context.Context, req *dns.Msg, info upstream.ExchangeInfo) (*dns.Msg, error) {
	f.gotPoolMaxRTT = info.PoolMaxRTT
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeUpstream) Options() types.UpstreamOptions   { return types.UpstreamOptions{ID: f.id} }
func (f *fakeUpstream) RTTEstimate() (time.Duration, bool) { return f.rtt, f.rttKnown }
func (f *fakeUpstream) Close() error                       { return nil }

func successMsg(answers int) *dns.Msg {
	m := new(dns.Msg)
	m.Rcode = dns.RcodeSuccess
	for i := 0; i < answers; i++ {
		rr, _ := dns.NewRR("example.com. 300 IN A 192.0.2.1")
		m.Answer = append(m.Answer, rr)
	}
	return m
}

func TestRankErrorLosesToSuccess(t *testing.T) {
	a := exchangeResult{err: errs.ErrTimeout, order: 0}
	b := exchangeResult{resp: successMsg(1), order: 1}
	assert.False(t, rank(a, b))
	assert.True(t, rank(b, a))
}

func TestRankNOERRORBeatsNonNOERROR(t *testing.T) {
	failedMsg := &dns.Msg{}
	failedMsg.Rcode = dns.RcodeNameError
	a := exchangeResult{resp: failedMsg, order: 0}
	b := exchangeResult{resp: successMsg(0), order: 1}
	assert.True(t, rank(b, a))
	assert.False(t, rank(a, b))
}

func TestRankHigherAnswerCountWinsAmongNOERROR(t *testing.T) {
	a := exchangeResult{resp: successMsg(1), order: 0}
	b := exchangeResult{resp: successMsg(3), order: 1}
	assert.True(t, rank(b, a))
	assert.False(t, rank(a, b))
}

func TestRankTieBrokenByInputOrder(t *testing.T) {
	a := exchangeResult{resp: successMsg(1), order: 0}
	b := exchangeResult{resp: successMsg(1), order: 1}
	assert.True(t, rank(a, b))
	assert.False(t, rank(b, a))
}

func TestWaitAllPicksBestOfParallelResults(t *testing.T) {
	pool := []upstream.Upstream{
		&fakeUpstream{id: 1, err: errs.ErrTimeout},
		&fakeUpstream{id: 2, resp: successMsg(1)},
		&fakeUpstream{id: 3, resp: successMsg(2)},
	}
	up, resp, err := waitAll(context.Background(), pool, new(dns.Msg), upstream.ExchangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), up.Options().ID)
	assert.Len(t, resp.Answer, 2)
}

func TestWaitAllAllFailingReturnsError(t *testing.T) {
	pool := []upstream.Upstream{
		&fakeUpstream{id: 1, err: errs.ErrTimeout},
		&fakeUpstream{id: 2, err: errs.ErrConnectionClosed},
	}
	_, _, err := waitAll(context.Background(), pool, new(dns.Msg), upstream.ExchangeInfo{})
	assert.Error(t, err)
}

func TestWaitAllEmptyPoolReturnsError(t *testing.T) {
	_, _, err := waitAll(context.Background(), nil, new(dns.Msg), upstream.ExchangeInfo{})
	assert.ErrorIs(t, err, errs.ErrExchangeFailed)
}

func TestFirstNonErrorReturnsFastestSuccess(t *testing.T) {
	pool := []upstream.Upstream{
		&fakeUpstream{id: 1, delay: 30 * time.Millisecond, resp: successMsg(1)},
		&fakeUpstream{id: 2, delay: 5 * time.Millisecond, resp: successMsg(1)},
	}
	up, _, err := firstNonError(context.Background(), pool, new(dns.Msg), upstream.ExchangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), up.Options().ID)
}

func TestWeightedRandomPrefersUntriedUpstreams(t *testing.T) {
	pool := []upstream.Upstream{
		&fakeUpstream{id: 1, rttKnown: true, rtt: 10 * time.Millisecond, resp: successMsg(1)},
		&fakeUpstream{id: 2, rttKnown: false, resp: successMsg(1)},
	}
	up, _, err := weightedRandom(context.Background(), pool, new(dns.Msg), upstream.ExchangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), up.Options().ID, "the untried upstream must be tried before any weighted draw")
}

func TestWeightedRandomDisqualifiesTransientFailureAndRedraws(t *testing.T) {
	pool := []upstream.Upstream{
		&fakeUpstream{id: 1, rttKnown: true, rtt: time.Millisecond, err: errs.ErrConnectionClosed},
		&fakeUpstream{id: 2, rttKnown: true, rtt: time.Millisecond, resp: successMsg(1)},
	}
	up, _, err := weightedRandom(context.Background(), pool, new(dns.Msg), upstream.ExchangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), up.Options().ID)
}

func TestWeightedRandomAbortsOnTimeout(t *testing.T) {
	pool := []upstream.Upstream{
		&fakeUpstream{id: 1, rttKnown: true, rtt: time.Millisecond, err: errs.ErrTimeout},
	}
	_, _, err := weightedRandom(context.Background(), pool, new(dns.Msg), upstream.ExchangeInfo{})
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestPoolMaxRTTIsHighestKnownEstimate(t *testing.T) {
	pool := []upstream.Upstream{
		&fakeUpstream{id: 1, rttKnown: true, rtt: 50 * time.Millisecond},
		&fakeUpstream{id: 2, rttKnown: true, rtt: 200 * time.Millisecond},
		&fakeUpstream{id: 3, rttKnown: false},
	}
	assert.Equal(t, 200*time.Millisecond, poolMaxRTT(pool))
}

func TestPoolMaxRTTZeroWhenNoEstimateKnown(t *testing.T) {
	pool := []upstream.Upstream{&fakeUpstream{id: 1}}
	assert.Equal(t, time.Duration(0), poolMaxRTT(pool))
}

func TestWaitAllPassesPoolMaxRTTToEachUpstream(t *testing.T) {
	slow := &fakeUpstream{id: 1, rttKnown: true, rtt: 300 * time.Millisecond, resp: successMsg(1)}
	fast := &fakeUpstream{id: 2, rttKnown: true, rtt: 10 * time.Millisecond, err: errs.ErrConnectionClosed}
	pool := []upstream.Upstream{slow, fast}

	_, _, _ = waitAll(context.Background(), pool, new(dns.Msg), upstream.ExchangeInfo{})
	assert.Equal(t, 300*time.Millisecond, slow.gotPoolMaxRTT)
	assert.Equal(t, 300*time.Millisecond, fast.gotPoolMaxRTT)
}

func TestFirstNonErrorPassesPoolMaxRTTToWinner(t *testing.T) {
	one := &fakeUpstream{id: 1, delay: 30 * time.Millisecond, rttKnown: true, rtt: 150 * time.Millisecond, resp: successMsg(1)}
	two := &fakeUpstream{id: 2, delay: 5 * time.Millisecond, rttKnown: true, rtt: 20 * time.Millisecond, resp: successMsg(1)}
	pool := []upstream.Upstream{one, two}

	up, _, err := firstNonError(context.Background(), pool, new(dns.Msg), upstream.ExchangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), up.Options().ID)
	assert.Equal(t, 150*time.Millisecond, two.gotPoolMaxRTT, "the pool max (150ms) comes from the whole pool, not the winner's own 20ms estimate")
}

func TestWeightedRandomPassesPoolMaxRTTFromOriginalPool(t *testing.T) {
	// failing is untried (unknown RTT), so pickIndex must draw it first
	// regardless of weighting, making the disqualify-then-redraw sequence
	// deterministic: failing tried and removed, then winner tried alone.
	failing := &fakeUpstream{id: 1, rttKnown: false, err: errs.ErrConnectionClosed}
	winner := &fakeUpstream{id: 2, rttKnown: true, rtt: 400 * time.Millisecond, resp: successMsg(1)}
	pool := []upstream.Upstream{failing, winner}

	up, _, err := weightedRandom(context.Background(), pool, new(dns.Msg), upstream.ExchangeInfo{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), up.Options().ID)
	assert.Equal(t, 400*time.Millisecond, failing.gotPoolMaxRTT, "the pool max is fixed at the start of the draw, before any candidate is disqualified")
	assert.Equal(t, 400*time.Millisecond, winner.gotPoolMaxRTT)
}
