package dns64

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsforward/taskpool"
)

func TestStartDiscoveryStoresPrefixFromWellKnownAnswer(t *testing.T) {
	pool := taskpool.New(2)
	defer pool.Shutdown(time.Second)

	exchange := func(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		rr, _ := dns.NewRR(discoveryName + " 300 IN AAAA 64:ff9b::")
		resp.Answer = append(resp.Answer, rr)
		return resp, nil
	}

	state := StartDiscovery(pool, exchange, 1, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(state.Prefixes()) > 0 }, time.Second, 5*time.Millisecond)

	prefixes := state.Prefixes()
	require.Len(t, prefixes, 1)
	assert.Equal(t, 96, prefixes[0].Bits())
	assert.Equal(t, "64:ff9b::", prefixes[0].Addr().String())
}

func TestStartDiscoveryRetriesOnFailureThenGivesUp(t *testing.T) {
	pool := taskpool.New(2)
	defer pool.Shutdown(time.Second)

	calls := 0
	exchange := func(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
		calls++
		resp := new(dns.Msg)
		resp.SetReply(req) // no AAAA answer: no prefix discovered
		return resp, nil
	}

	state := StartDiscovery(pool, exchange, 3, 5*time.Millisecond)
	require.Eventually(t, func() bool { return calls >= 3 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, state.Prefixes())
}

func TestSynthesizeEmbedsIPv4IntoEachPrefix(t *testing.T) {
	rr, err := dns.NewRR("example.com. 300 IN A 192.0.2.1")
	require.NoError(t, err)

	prefixes := []netip.Prefix{netip.MustParsePrefix("64:ff9b::/96")}
	out := Synthesize(prefixes, []dns.RR{rr}, "example.com.", 300)

	require.Len(t, out, 1)
	aaaa, ok := out[0].(*dns.AAAA)
	require.True(t, ok)
	assert.Equal(t, "64:ff9b::c000:201", aaaa.AAAA.String())
}

func TestSynthesizeSkipsNonARecords(t *testing.T) {
	rr, err := dns.NewRR("example.com. 300 IN TXT hello")
	require.NoError(t, err)

	prefixes := []netip.Prefix{netip.MustParsePrefix("64:ff9b::/96")}
	out := Synthesize(prefixes, []dns.RR{rr}, "example.com.", 300)
	assert.Empty(t, out)
}

func TestSynthesizeProducesOneRecordPerPrefix(t *testing.T) {
	rr, err := dns.NewRR("example.com. 300 IN A 203.0.113.5")
	require.NoError(t, err)

	prefixes := []netip.Prefix{
		netip.MustParsePrefix("64:ff9b::/96"),
		netip.MustParsePrefix("2001:db8:64::/96"),
	}
	out := Synthesize(prefixes, []dns.RR{rr}, "example.com.", 300)
	assert.Len(t, out, 2)
}
