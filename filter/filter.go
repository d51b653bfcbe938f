// Package filter implements the Filter Adapter (C9): a narrow facade over
// an external rule engine. Effective-rule tie-breaks and $dnsrewrite
// precedence are the engine's responsibility; this package only defines
// the facade surface and a minimal, testable default engine grounded on
// the teacher's filters.go list-matching approach (adapted from its
// domain-blocklist matching to the spec's Rule/DNSRewrite model).
package filter

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"dnsforward/types"
)

// Query is the narrow question shape Match needs.
type Query struct {
	Domain string
	RRType uint16
}

// Engine is the facade the forwarder calls; a concrete engine (e.g. a
// full AdBlock-syntax implementation) is out of scope, but must satisfy
// this surface (spec §4.8).
type Engine interface {
	Match(q Query) []types.Rule
	GetEffectiveRules(rules []types.Rule) (dnsRewrites []types.Rule, leftovers []types.Rule)
	ApplyDNSRewriteRules(dnsRewrites []types.Rule) (chosen []types.Rule, rewrite *types.RewriteInfo)
	IsValidRule(text string) bool
}

// Params configures Create.
type Params struct {
	Lists []ListSource
}

// ListSource is one loaded filter list: either exact-match or
// suffix-match domain entries, each tagged with its source list id and
// allow/deny polarity.
type ListSource struct {
	ID          int
	IsAllowlist bool
	Rules       []string // one domain pattern per line, "||domain^" or "domain"
}

// listEngine is a minimal default Engine: exact and suffix domain
// matching, with optional $dnsrewrite=A-address / $dnsrewrite=NXDOMAIN
// suffixes on a rule line (a deliberately small subset of AdBlock syntax
// sufficient to exercise the forwarder's blocking/rewrite paths).
type listEngine struct {
	mu    sync.RWMutex
	rules []compiledRule
}

type compiledRule struct {
	text        string
	filterID    int
	isAllowlist bool
	domain      string // lowercased, no leading "||" or trailing "^"
	suffixMatch bool
	rewrite     *types.DNSRewrite
}

// Create builds a listEngine from params, returning a warning string for
// any line that failed to parse (never an error: a bad line is skipped,
// not fatal, matching the teacher's tolerant filters.go loader).
func Create(params Params) (Engine, string, error) {
	e := &listEngine{}
	var warnings []string

	for _, list := range params.Lists {
		for _, line := range list.Rules {
			cr, ok := compile(line, list.ID, list.IsAllowlist)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("filter %d: skipped invalid rule %q", list.ID, line))
				continue
			}
			e.rules = append(e.rules, cr)
		}
	}

	var warning string
	if len(warnings) > 0 {
		warning = strings.Join(warnings, "; ")
	}
	return e, warning, nil
}

func compile(line string, filterID int, isAllowlist bool) (compiledRule, bool) {
	text := strings.TrimSpace(line)
	if text == "" || strings.HasPrefix(text, "!") || strings.HasPrefix(text, "#") {
		return compiledRule{}, false
	}

	body := text
	var rewrite *types.DNSRewrite
	if idx := strings.Index(body, "$dnsrewrite="); idx >= 0 {
		param := body[idx+len("$dnsrewrite="):]
		body = strings.TrimSpace(body[:idx])
		rw, ok := parseDNSRewrite(param)
		if !ok {
			return compiledRule{}, false
		}
		rewrite = rw
	}

	suffixMatch := false
	if strings.HasPrefix(body, "||") {
		suffixMatch = true
		body = strings.TrimPrefix(body, "||")
	}
	body = strings.TrimSuffix(body, "^")
	body = strings.ToLower(strings.TrimSpace(body))
	if body == "" {
		return compiledRule{}, false
	}

	return compiledRule{
		text:        text,
		filterID:    filterID,
		isAllowlist: isAllowlist,
		domain:      body,
		suffixMatch: suffixMatch,
		rewrite:     rewrite,
	}, true
}

func parseDNSRewrite(param string) (*types.DNSRewrite, bool) {
	switch {
	case strings.EqualFold(param, "NXDOMAIN"):
		return &types.DNSRewrite{ResponseCode: -2}, true
	case strings.EqualFold(param, "REFUSED"):
		return &types.DNSRewrite{ResponseCode: -3}, true
	default:
		if addr, err := netip.ParseAddr(param); err == nil {
			return &types.DNSRewrite{NewIP: addr, NewIPSet: true, ResponseCode: -1}, true
		}
		return &types.DNSRewrite{NewCNAME: dnsNameOrEmpty(param), ResponseCode: -1}, true
	}
}

func dnsNameOrEmpty(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSuffix(s, ".") + "."
}

func (e *listEngine) Match(q Query) []types.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	name := strings.ToLower(strings.TrimSuffix(q.Domain, "."))
	var out []types.Rule
	for _, r := range e.rules {
		if !matches(name, r) {
			continue
		}
		out = append(out, types.Rule{
			Text:         r.text,
			FilterListID: r.filterID,
			IsAllowlist:  r.isAllowlist,
			IsDNSRewrite: r.rewrite != nil,
			DNSRewrite:   r.rewrite,
		})
	}
	return out
}

func matches(name string, r compiledRule) bool {
	if name == r.domain {
		return true
	}
	if r.suffixMatch && strings.HasSuffix(name, "."+r.domain) {
		return true
	}
	return false
}

// GetEffectiveRules splits into dnsrewrite rules and ordinary leftovers,
// with any allowlist rule for the same domain suppressing a blocklist
// rule (the one tie-break this minimal engine commits to; finer
// precedence between multiple dnsrewrites is left to a fuller engine).
func (e *listEngine) GetEffectiveRules(rules []types.Rule) (dnsRewrites []types.Rule, leftovers []types.Rule) {
	allowed := false
	for _, r := range rules {
		if r.IsAllowlist {
			allowed = true
		}
	}
	if allowed {
		return nil, nil
	}
	for _, r := range rules {
		if r.IsDNSRewrite {
			dnsRewrites = append(dnsRewrites, r)
		} else {
			leftovers = append(leftovers, r)
		}
	}
	return dnsRewrites, leftovers
}

// ApplyDNSRewriteRules picks the first dnsrewrite rule (first-match-wins,
// the simplest total order available without engine-specific priority
// metadata) and translates it into a RewriteInfo: a CNAME target with
// Finalized false when the rule names one, otherwise Finalized true. The
// RewriteInfo is nil when the chosen rule carries no DNSRewrite payload.
func (e *listEngine) ApplyDNSRewriteRules(dnsRewrites []types.Rule) ([]types.Rule, *types.RewriteInfo) {
	if len(dnsRewrites) == 0 {
		return nil, nil
	}
	chosen := dnsRewrites[:1]
	rw := chosen[0].DNSRewrite
	if rw == nil {
		return chosen, nil
	}
	if rw.NewCNAME != "" {
		return chosen, &types.RewriteInfo{CNAME: rw.NewCNAME, Finalized: false}
	}
	return chosen, &types.RewriteInfo{Finalized: true}
}

// IsValidRule reports whether text compiles as a rule, independent of any
// particular filter list.
func (e *listEngine) IsValidRule(text string) bool {
	_, ok := compile(text, 0, false)
	return ok
}
