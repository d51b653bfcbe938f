package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsforward/types"
)

func TestBuildRejectsEmptyUpstreams(t *testing.T) {
	_, err := Build(&Raw{})
	require.Error(t, err)
}

func TestBuildParsesSchemesFromAddressPrefix(t *testing.T) {
	s, err := Build(&Raw{
		Upstreams: []RawUpstream{
			{Address: "8.8.8.8:53"},
			{Address: "tls://dns.example:853", Bootstrap: []string{"1.1.1.1:53"}},
			{Address: "https://dns.example/dns-query", Bootstrap: []string{"1.1.1.1:53"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, s.Upstreams, 3)
	assert.Equal(t, types.SchemePlainUDP, s.Upstreams[0].Scheme)
	assert.Equal(t, types.SchemeDoT, s.Upstreams[1].Scheme)
	assert.Equal(t, types.SchemeDoH, s.Upstreams[2].Scheme)
}

func TestBuildRejectsNonLiteralHostWithoutBootstrap(t *testing.T) {
	_, err := Build(&Raw{
		Upstreams: []RawUpstream{{Address: "tls://dns.example:853"}},
	})
	require.Error(t, err)
}

func TestBuildDefaultsCacheSizeAndTimeout(t *testing.T) {
	s, err := Build(&Raw{
		Upstreams: []RawUpstream{{Address: "8.8.8.8:53"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 10000, s.CacheSize)
	assert.Equal(t, 5000, int(s.Upstreams[0].Timeout.Milliseconds()))
}

func TestBuildParsesBlockingModes(t *testing.T) {
	s, err := Build(&Raw{
		Upstreams:           []RawUpstream{{Address: "8.8.8.8:53"}},
		BlockingModeAddress: "nxdomain",
		BlockingModeOther:   "refused",
	})
	require.NoError(t, err)
	assert.Equal(t, types.BlockingModeNXDomain, s.BlockingModeAddress)
	assert.Equal(t, types.BlockingModeRefused, s.BlockingModeOther)
}

func TestBuildRejectsInvalidBlockingModeOther(t *testing.T) {
	_, err := Build(&Raw{
		Upstreams:         []RawUpstream{{Address: "8.8.8.8:53"}},
		BlockingModeOther: "address",
	})
	require.Error(t, err, "blocking_mode_other only accepts nxdomain or refused")
}

func TestBuildParsesCustomBlockingIPs(t *testing.T) {
	s, err := Build(&Raw{
		Upstreams:          []RawUpstream{{Address: "8.8.8.8:53"}},
		CustomBlockingIPv4: "192.0.2.1",
		CustomBlockingIPv6: "2001:db8::1",
	})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", s.CustomBlockingIPv4.String())
	assert.Equal(t, "2001:db8::1", s.CustomBlockingIPv6.String())
}

func TestBuildRejectsInvalidCustomBlockingIP(t *testing.T) {
	_, err := Build(&Raw{
		Upstreams:          []RawUpstream{{Address: "8.8.8.8:53"}},
		CustomBlockingIPv4: "not-an-ip",
	})
	require.Error(t, err)
}

func TestBuildFallbacksAreOptional(t *testing.T) {
	s, err := Build(&Raw{
		Upstreams: []RawUpstream{{Address: "8.8.8.8:53"}},
	})
	require.NoError(t, err)
	assert.Empty(t, s.Fallbacks)
}
