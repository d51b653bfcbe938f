// Package config defines DnsProxySettings (§3) and the validating
// constructor that turns raw, JSON-loadable options into an immutable
// settings value, the way the teacher repo's ConfigManager validates a
// ServerConfig before the server starts.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"dnsforward/types"
)

// FilterListRef names a filter list the engine should load; the grammar
// itself is out of scope (C9 is a narrow adapter over the engine).
type FilterListRef struct {
	ID   int    `json:"id"`
	Path string `json:"path"`
}

// RawUpstream is the JSON-facing shape of an upstream entry; schemeOf
// derives the types.UpstreamOptions scheme from Address's prefix.
type RawUpstream struct {
	Address           string   `json:"address"`
	Bootstrap         []string `json:"bootstrap,omitempty"`
	TimeoutMs         int      `json:"timeout_ms,omitempty"`
	OutboundInterface string   `json:"outbound_interface,omitempty"`
	EnableHTTP3       bool     `json:"enable_http3,omitempty"`
	SOCKS5Address     string   `json:"socks5_address,omitempty"`
	SOCKS5User        string   `json:"socks5_user,omitempty"`
	SOCKS5Password    string   `json:"socks5_password,omitempty"`
}

// Raw is the JSON-loadable configuration document.
type Raw struct {
	LogLevel string `json:"log_level"`

	Upstreams []RawUpstream `json:"upstreams"`
	Fallbacks []RawUpstream `json:"fallbacks"`

	FallbackDomains []string `json:"fallback_domains"`

	Filters []FilterListRef `json:"filters"`

	DNS64Prefixes    []string `json:"dns64_prefixes"`
	DNS64UpstreamIdx []int    `json:"dns64_upstreams"`

	CacheSize int `json:"cache_size"`

	BlockingModeAddress string `json:"blocking_mode_address"`
	BlockingModeOther   string `json:"blocking_mode_other"`
	CustomBlockingIPv4  string `json:"custom_blocking_ipv4"`
	CustomBlockingIPv6  string `json:"custom_blocking_ipv6"`

	EnableDNSSECOK                  bool `json:"enable_dnssec_ok"`
	EnableRetransmissionHandling    bool `json:"enable_retransmission_handling"`
	EnableParallelUpstreamQueries   bool `json:"enable_parallel_upstream_queries"`
	EnableFallbackOnUpstreamFailure bool `json:"enable_fallback_on_upstreams_failure"`
	EnableServfailOnUpstreamFailure bool `json:"enable_servfail_on_upstreams_failure"`
	EnableHTTP3                    bool `json:"enable_http3"`
	BlockECH                       bool `json:"block_ech"`
	BlockIPv6                      bool `json:"block_ipv6"`
	EnableOptimisticCache          bool `json:"enable_optimistic_cache"`

	RedisAddress string `json:"redis_address,omitempty"`
}

// Settings is the immutable, validated configuration the forwarder is built
// from (§3 DnsProxySettings). Build() never returns a Settings whose fields
// are mutated later; callers that need to change behavior construct a new
// Settings and re-init the forwarder.
type Settings struct {
	Upstreams []types.UpstreamOptions
	Fallbacks []types.UpstreamOptions

	FallbackDomains []string

	Filters []FilterListRef

	DNS64Prefixes    []string
	DNS64UpstreamIdx []int

	CacheSize int

	BlockingModeAddress BlockingModeFamily
	BlockingModeOther   BlockingModeFamily
	CustomBlockingIPv4  net.IP
	CustomBlockingIPv6  net.IP

	EnableDNSSECOK                  bool
	EnableRetransmissionHandling    bool
	EnableParallelUpstreamQueries   bool
	EnableFallbackOnUpstreamFailure bool
	EnableServfailOnUpstreamFailure bool
	EnableHTTP3                     bool
	BlockECH                        bool
	BlockIPv6                       bool
	EnableOptimisticCache           bool

	RedisAddress string
}

// BlockingModeFamily mirrors types.BlockingMode but is validated up front.
type BlockingModeFamily = types.BlockingMode

// Build validates raw and produces an immutable Settings, or a descriptive
// error matching the InitError taxonomy named in §6 (the caller maps these
// to the concrete InitError variants it needs; Build itself only needs to
// report what's wrong).
func Build(raw *Raw) (*Settings, error) {
	s := &Settings{
		FallbackDomains:                 append([]string(nil), raw.FallbackDomains...),
		Filters:                         append([]FilterListRef(nil), raw.Filters...),
		DNS64Prefixes:                   append([]string(nil), raw.DNS64Prefixes...),
		DNS64UpstreamIdx:                append([]int(nil), raw.DNS64UpstreamIdx...),
		CacheSize:                       raw.CacheSize,
		EnableDNSSECOK:                  raw.EnableDNSSECOK,
		EnableRetransmissionHandling:    raw.EnableRetransmissionHandling,
		EnableParallelUpstreamQueries:   raw.EnableParallelUpstreamQueries,
		EnableFallbackOnUpstreamFailure: raw.EnableFallbackOnUpstreamFailure,
		EnableServfailOnUpstreamFailure: raw.EnableServfailOnUpstreamFailure,
		EnableHTTP3:                     raw.EnableHTTP3,
		BlockECH:                        raw.BlockECH,
		BlockIPv6:                       raw.BlockIPv6,
		EnableOptimisticCache:           raw.EnableOptimisticCache,
		RedisAddress:                    raw.RedisAddress,
	}

	if s.CacheSize <= 0 {
		s.CacheSize = 10000
	}

	var err error
	if s.Upstreams, err = buildUpstreams(raw.Upstreams, raw.EnableHTTP3); err != nil {
		return nil, fmt.Errorf("upstreams: %w", err)
	}
	if len(s.Upstreams) == 0 {
		return nil, fmt.Errorf("upstreams: at least one upstream is required")
	}
	if s.Fallbacks, err = buildUpstreams(raw.Fallbacks, raw.EnableHTTP3); err != nil {
		return nil, fmt.Errorf("fallbacks: %w", err)
	}

	if s.BlockingModeAddress, err = parseBlockingMode(raw.BlockingModeAddress); err != nil {
		return nil, err
	}
	if s.BlockingModeOther, err = parseBlockingModeRefusedOrNX(raw.BlockingModeOther); err != nil {
		return nil, err
	}

	if raw.CustomBlockingIPv4 != "" {
		if s.CustomBlockingIPv4 = net.ParseIP(raw.CustomBlockingIPv4); s.CustomBlockingIPv4 == nil {
			return nil, fmt.Errorf("invalid custom_blocking_ipv4: %q", raw.CustomBlockingIPv4)
		}
	}
	if raw.CustomBlockingIPv6 != "" {
		if s.CustomBlockingIPv6 = net.ParseIP(raw.CustomBlockingIPv6); s.CustomBlockingIPv6 == nil {
			return nil, fmt.Errorf("invalid custom_blocking_ipv6: %q", raw.CustomBlockingIPv6)
		}
	}

	return s, nil
}

func buildUpstreams(raws []RawUpstream, globalHTTP3 bool) ([]types.UpstreamOptions, error) {
	out := make([]types.UpstreamOptions, 0, len(raws))
	for i, ru := range raws {
		scheme, err := schemeOf(ru.Address)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		timeout := time.Duration(ru.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Second
		}

		opt := types.UpstreamOptions{
			ID:                uint32(i + 1),
			Scheme:            scheme,
			Address:           ru.Address,
			Bootstrap:         ru.Bootstrap,
			Timeout:           timeout,
			OutboundInterface: ru.OutboundInterface,
			EnableHTTP3:       ru.EnableHTTP3 || globalHTTP3,
			SOCKS5Address:     ru.SOCKS5Address,
			SOCKS5User:        ru.SOCKS5User,
			SOCKS5Password:    ru.SOCKS5Password,
		}
		if err := opt.Validate(); err != nil {
			return nil, err
		}
		out = append(out, opt)
	}
	return out, nil
}

func schemeOf(address string) (types.Scheme, error) {
	switch {
	case strings.HasPrefix(address, "tcp://"):
		return types.SchemePlainTCP, nil
	case strings.HasPrefix(address, "tls://"):
		return types.SchemeDoT, nil
	case strings.HasPrefix(address, "https://"):
		return types.SchemeDoH, nil
	case strings.HasPrefix(address, "h3://"):
		return types.SchemeDoH3, nil
	case strings.HasPrefix(address, "quic://"):
		return types.SchemeDoQ, nil
	case strings.HasPrefix(address, "sdns://"):
		return types.SchemeDNSCrypt, nil
	default:
		if _, _, err := net.SplitHostPort(address); err != nil {
			return "", fmt.Errorf("address %q: %w", address, err)
		}
		return types.SchemePlainUDP, nil
	}
}

func parseBlockingMode(s string) (types.BlockingMode, error) {
	switch strings.ToLower(s) {
	case "", "address":
		return types.BlockingModeAddress, nil
	case "nxdomain":
		return types.BlockingModeNXDomain, nil
	case "refused":
		return types.BlockingModeRefused, nil
	default:
		return "", fmt.Errorf("invalid blocking mode %q", s)
	}
}

func parseBlockingModeRefusedOrNX(s string) (types.BlockingMode, error) {
	switch strings.ToLower(s) {
	case "", "nxdomain":
		return types.BlockingModeNXDomain, nil
	case "refused":
		return types.BlockingModeRefused, nil
	default:
		return "", fmt.Errorf("invalid blocking mode %q (must be nxdomain or refused)", s)
	}
}

// LoadFile reads and parses a JSON configuration document from disk.
func LoadFile(path string) (*Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := &Raw{}
	if err := json.Unmarshal(data, raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return raw, nil
}
