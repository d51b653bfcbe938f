// Package fallback implements the fallback-domain filter the forwarder's
// upstream selection consults; the retransmission-only routing flag lives
// in the forwarder itself (SPEC_FULL §4.7 supplement; the original spec names fallback
// upstreams in §3/§4.7 but leaves the domain-matching table itself
// unspecified). Grounded on the teacher's network/ip_filter.go
// suffix-table matching approach, adapted from IP ranges to domain
// suffixes.
package fallback

import "strings"

// DomainFilter decides whether a query name should be routed to the
// fallback upstream pool instead of the primary pool.
type DomainFilter struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewDomainFilter builds a filter from a list of domains; entries are
// matched both exactly and as a suffix of the query name (so
// "example.com" also matches "a.example.com").
func NewDomainFilter(domains []string) *DomainFilter {
	f := &DomainFilter{exact: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		f.exact[d] = struct{}{}
		f.suffixes = append(f.suffixes, "."+d)
	}
	return f
}

// Match reports whether name (FQDN, trailing dot optional) falls under
// any configured fallback domain.
func (f *DomainFilter) Match(name string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if _, ok := f.exact[name]; ok {
		return true
	}
	for _, suf := range f.suffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// Empty reports whether the filter has no configured domains.
func (f *DomainFilter) Empty() bool {
	return len(f.exact) == 0
}
