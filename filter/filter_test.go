package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsforward/types"
)

func TestMatchExactAndSuffix(t *testing.T) {
	eng, warning, err := Create(Params{Lists: []ListSource{
		{ID: 1, Rules: []string{"||ads.example.com^", "tracker.net"}},
	}})
	require.NoError(t, err)
	assert.Empty(t, warning)

	assert.NotEmpty(t, eng.Match(Query{Domain: "ads.example.com.", RRType: 1}))
	assert.NotEmpty(t, eng.Match(Query{Domain: "sub.ads.example.com.", RRType: 1}))
	assert.Empty(t, eng.Match(Query{Domain: "example.com.", RRType: 1}))

	assert.NotEmpty(t, eng.Match(Query{Domain: "tracker.net.", RRType: 1}))
	assert.Empty(t, eng.Match(Query{Domain: "sub.tracker.net.", RRType: 1}), "bare domain rule without || is exact-only")
}

func TestAllowlistSuppressesBlocklist(t *testing.T) {
	eng, _, err := Create(Params{Lists: []ListSource{
		{ID: 1, Rules: []string{"||example.com^"}},
		{ID: 2, IsAllowlist: true, Rules: []string{"||example.com^"}},
	}})
	require.NoError(t, err)

	rules := eng.Match(Query{Domain: "example.com.", RRType: 1})
	require.Len(t, rules, 2)

	dnsRewrites, leftovers := eng.GetEffectiveRules(rules)
	assert.Empty(t, dnsRewrites)
	assert.Empty(t, leftovers)
}

func TestInvalidLineSkippedWithWarning(t *testing.T) {
	_, warning, err := Create(Params{Lists: []ListSource{
		{ID: 1, Rules: []string{"! a comment", "", "||good.example^", "$dnsrewrite=not-a-valid-directive-form-"}},
	}})
	require.NoError(t, err)
	assert.NotEmpty(t, warning)
}

func TestDNSRewriteNXDOMAIN(t *testing.T) {
	eng, _, err := Create(Params{Lists: []ListSource{
		{ID: 1, Rules: []string{"||blocked.example^$dnsrewrite=NXDOMAIN"}},
	}})
	require.NoError(t, err)

	rules := eng.Match(Query{Domain: "blocked.example.", RRType: 1})
	require.Len(t, rules, 1)
	require.True(t, rules[0].IsDNSRewrite)

	chosen, rewrite := eng.ApplyDNSRewriteRules(rules)
	require.Len(t, chosen, 1)
	require.NotNil(t, rewrite)
	assert.Equal(t, int32(-2), chosen[0].DNSRewrite.ResponseCode)
}

func TestDNSRewriteIPAddress(t *testing.T) {
	eng, _, err := Create(Params{Lists: []ListSource{
		{ID: 1, Rules: []string{"||blocked.example^$dnsrewrite=0.0.0.0"}},
	}})
	require.NoError(t, err)

	rules := eng.Match(Query{Domain: "blocked.example.", RRType: 1})
	require.Len(t, rules, 1)
	assert.True(t, rules[0].DNSRewrite.NewIPSet)
	assert.True(t, rules[0].DNSRewrite.NewIP.IsUnspecified())
}

func TestIsValidRule(t *testing.T) {
	eng, _, err := Create(Params{})
	require.NoError(t, err)
	assert.True(t, eng.IsValidRule("||example.com^"))
	assert.False(t, eng.IsValidRule("!just a comment"))
}

func TestGetEffectiveRulesSplitsDNSRewriteFromLeftovers(t *testing.T) {
	eng := &listEngine{}
	rules := []types.Rule{
		{Text: "a", FilterListID: 1, IsDNSRewrite: true, DNSRewrite: &types.DNSRewrite{ResponseCode: -1}},
		{Text: "b", FilterListID: 1},
	}
	dnsRewrites, leftovers := eng.GetEffectiveRules(rules)
	assert.Len(t, dnsRewrites, 1)
	assert.Len(t, leftovers, 1)
}
