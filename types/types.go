// Package types holds the plain data model shared across the forwarder's
// components (§3 of the specification): upstream addressing, blocking
// policy, and the narrow rule/rewrite shapes the filter adapter exchanges
// with the (out of scope) rule engine.
package types

import (
	"fmt"
	"net/netip"
	"time"
)

// Scheme identifies the transport an upstream address was parsed as.
type Scheme string

const (
	SchemePlainUDP  Scheme = "udp"
	SchemePlainTCP  Scheme = "tcp"
	SchemeDoT       Scheme = "tls"
	SchemeDoH       Scheme = "https"
	SchemeDoH3      Scheme = "h3"
	SchemeDoQ       Scheme = "quic"
	SchemeDNSCrypt  Scheme = "sdns"
)

// UpstreamOptions configures a single upstream resolver endpoint (§3).
type UpstreamOptions struct {
	// ID is a stable, process-unique numeric identifier.
	ID uint32

	// Scheme is the transport scheme parsed from Address.
	Scheme Scheme

	// Address is the scheme-qualified upstream address, e.g.
	// "8.8.8.8:53", "tls://dns.example:853", "sdns://...".
	Address string

	// Bootstrap lists plain resolvers used to resolve Address's host when
	// it is not already a literal IP and ResolvedIPs is empty.
	Bootstrap []string

	// ResolvedIPs pre-resolves Address's host, skipping the bootstrapper.
	ResolvedIPs []netip.Addr

	// Timeout bounds a single exchange attempt.
	Timeout time.Duration

	// OutboundInterface optionally names the network interface to bind
	// outbound sockets to.
	OutboundInterface string

	// EnableHTTP3 allows racing HTTP/1 DoH against HTTP/3 DoH for an
	// https:// upstream (see SPEC_FULL §4.3).
	EnableHTTP3 bool

	// SOCKS5Address, if non-empty, routes this upstream's transport
	// connections through a SOCKS4/5 outbound proxy (C2).
	SOCKS5Address  string
	SOCKS5User     string
	SOCKS5Password string
}

func (o UpstreamOptions) Validate() error {
	if o.Address == "" {
		return fmt.Errorf("upstream: empty address")
	}
	host, _, hasPort := splitHostPortSafe(o.Address)
	literal := false
	if host != "" {
		if _, err := netip.ParseAddr(host); err == nil {
			literal = true
		}
	}
	if !literal && len(o.ResolvedIPs) == 0 && len(o.Bootstrap) == 0 && o.Scheme != SchemeDNSCrypt {
		return fmt.Errorf("upstream %s: non-literal host requires bootstrap or pre-resolved IPs", o.Address)
	}
	_ = hasPort
	return nil
}

func splitHostPortSafe(addr string) (host string, port string, ok bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], true
		}
	}
	return addr, "", false
}

// BlockingMode controls how the forwarder synthesizes a response for a
// matched blocking rule (§4.6 step 6).
type BlockingMode string

const (
	BlockingModeRefused BlockingMode = "refused"
	BlockingModeNXDomain BlockingMode = "nxdomain"
	BlockingModeAddress  BlockingMode = "address"
)

// Rule is the narrow shape the filter adapter (C9) exchanges with the rule
// engine: enough for the forwarder to decide blocking behavior without
// knowing the rule grammar.
type Rule struct {
	Text         string
	FilterListID int
	IsAllowlist  bool
	IsDNSRewrite bool
	DNSRewrite   *DNSRewrite
}

// DNSRewrite is the minimal $dnsrewrite payload the engine may attach to a
// Rule: either a response code override or a literal CNAME/IP target.
type DNSRewrite struct {
	ResponseCode int32 // -1 means "unset, use normal rcode"
	NewCNAME     string
	NewIP        netip.Addr
	NewIPSet     bool
}

// RewriteInfo is the result of applying a set of $dnsrewrite rules: either a
// CNAME target (Finalized false), or Finalized true when the rule needs no
// further lookup. The forwarder answers with the CNAME as is; it is not
// chased via a sub-exchange.
type RewriteInfo struct {
	CNAME     string
	Finalized bool
}
