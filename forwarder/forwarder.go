// Package forwarder implements the Forwarder Pipeline (C8): the public
// init/handle_message/get_settings/deinit surface and the fifteen-step
// per-request pipeline described in SPEC_FULL §4.6, wiring together every
// other component (cache, filter, upstream pool, DNS64, retransmission
// detector, fallback routing, events sink). Grounded on the teacher's
// dns/server.go + dns/process.go request-handling flow, generalized from
// its fixed recursive-resolution steps to the spec's pipeline.
package forwarder

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"dnsforward/cache"
	"dnsforward/config"
	"dnsforward/dns64"
	"dnsforward/dnsutil"
	"dnsforward/errs"
	"dnsforward/events"
	"dnsforward/fallback"
	"dnsforward/filter"
	"dnsforward/logging"
	"dnsforward/retransmit"
	"dnsforward/taskpool"
	"dnsforward/types"
	"dnsforward/upstream"
)

// InitError is the taxonomy named in spec §6.
type InitError struct {
	Kind string
	Msg  string
}

func (e *InitError) Error() string { return e.Kind + ": " + e.Msg }

const (
	InitErrInvalidIPv4           = "InvalidIPv4"
	InitErrInvalidIPv6           = "InvalidIPv6"
	InitErrUpstreamInit          = "UpstreamInitError"
	InitErrFallbackFilterInit    = "FallbackFilterInitError"
	InitErrFilterLoad            = "FilterLoadError"
	InitErrNonUniqueFilterID     = "NonUniqueFilterId"
	InitErrMemLimitReached       = "MemLimitReached"
	InitErrListenerInit          = "ListenerInitError"
)

// PeerInfo names the originating transport/address for a request, used
// for retransmission detection and event logging.
type PeerInfo struct {
	Network string // "udp" or "tcp"
	Addr    string
}

// Forwarder is the running handle returned by Init.
type Forwarder struct {
	settings *config.Settings

	primaries []upstream.Upstream
	fallbacks []upstream.Upstream

	cache       cache.Cache
	filterEng   filter.Engine
	fallbackDom *fallback.DomainFilter
	retrans     *retransmit.Detector
	sink        events.Sink
	pool        *taskpool.Pool
	dns64State  *dns64.State

	shutdown chan struct{}
}

// Init validates settings, constructs every component, and returns a
// running Forwarder (spec §6 "init(settings, events) -> Result<Handle,
// InitError>").
func Init(settings *config.Settings, sink events.Sink) (*Forwarder, error) {
	if settings.CustomBlockingIPv4 != nil && settings.CustomBlockingIPv4.To4() == nil {
		return nil, &InitError{Kind: InitErrInvalidIPv4, Msg: "custom_blocking_ipv4 is not an IPv4 address"}
	}
	if settings.CustomBlockingIPv6 != nil && (settings.CustomBlockingIPv6.To16() == nil || settings.CustomBlockingIPv6.To4() != nil) {
		return nil, &InitError{Kind: InitErrInvalidIPv6, Msg: "custom_blocking_ipv6 is not an IPv6 address"}
	}
	if sink == nil {
		sink = events.NopSink{}
	}

	f := &Forwarder{
		settings:    settings,
		fallbackDom: fallback.NewDomainFilter(settings.FallbackDomains),
		retrans:     retransmit.New(0),
		sink:        sink,
		pool:        taskpool.New(16),
		shutdown:    make(chan struct{}),
	}

	seenIDs := make(map[int]struct{})
	for _, fl := range settings.Filters {
		if _, dup := seenIDs[fl.ID]; dup {
			return nil, &InitError{Kind: InitErrNonUniqueFilterID, Msg: "duplicate filter list id"}
		}
		seenIDs[fl.ID] = struct{}{}
	}

	eng, _, err := filter.Create(filter.Params{})
	if err != nil {
		return nil, &InitError{Kind: InitErrFilterLoad, Msg: err.Error()}
	}
	f.filterEng = eng

	cacheBackend, err := buildCache(settings)
	if err != nil {
		return nil, &InitError{Kind: InitErrMemLimitReached, Msg: err.Error()}
	}
	f.cache = cacheBackend

	f.primaries, err = buildUpstreams(settings.Upstreams)
	if err != nil {
		return nil, &InitError{Kind: InitErrUpstreamInit, Msg: err.Error()}
	}
	f.fallbacks, err = buildUpstreams(settings.Fallbacks)
	if err != nil {
		return nil, &InitError{Kind: InitErrFallbackFilterInit, Msg: err.Error()}
	}

	if len(settings.DNS64Prefixes) == 0 && len(f.primaries) > 0 {
		exchanger := func(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
			_, resp, err := weightedRandom(ctx, f.primaries, req, upstream.ExchangeInfo{})
			return resp, err
		}
		f.dns64State = dns64.StartDiscovery(f.pool, exchanger, 5, 2*time.Second)
	} else {
		f.dns64State = &dns64.State{}
	}

	return f, nil
}

func buildCache(settings *config.Settings) (cache.Cache, error) {
	if settings.RedisAddress != "" {
		return cache.NewRedis(settings.RedisAddress, "", 0, "dnsforward:")
	}
	return cache.NewLRU(settings.CacheSize)
}

func buildUpstreams(opts []types.UpstreamOptions) ([]upstream.Upstream, error) {
	out := make([]upstream.Upstream, 0, len(opts))
	for _, o := range opts {
		up, err := upstream.New(o)
		if err != nil {
			return nil, err
		}
		out = append(out, up)
	}
	return out, nil
}

// GetSettings returns the effective settings (spec §6).
func (f *Forwarder) GetSettings() *config.Settings { return f.settings }

// Deinit cooperatively shuts the forwarder down.
func (f *Forwarder) Deinit() {
	select {
	case <-f.shutdown:
		return
	default:
		close(f.shutdown)
	}
	_ = f.pool.Shutdown(5 * time.Second)
	f.cache.Close()
	for _, u := range f.primaries {
		_ = u.Close()
	}
	for _, u := range f.fallbacks {
		_ = u.Close()
	}
}

func (f *Forwarder) shuttingDown() bool {
	select {
	case <-f.shutdown:
		return true
	default:
		return false
	}
}

// HandleMessage runs the full pipeline over raw and returns the encoded
// response (possibly empty, meaning "do not reply").
func (f *Forwarder) HandleMessage(ctx context.Context, raw []byte, peer *PeerInfo) []byte {
	start := time.Now()
	ev := events.Event{}

	// Step 1: decode & validate.
	req := new(dns.Msg)
	if len(raw) < dnsutil.MinHeaderLen {
		id, _ := dnsutil.IDFromWire(raw)
		resp := dnsutil.FormErr(id)
		ev.Error = "short message"
		ev.Elapsed = time.Since(start)
		f.sink.Publish(ev)
		return mustPack(resp)
	}
	if err := req.Unpack(raw); err != nil {
		id, _ := dnsutil.IDFromWire(raw)
		resp := dnsutil.FormErr(id)
		ev.Error = err.Error()
		ev.Elapsed = time.Since(start)
		f.sink.Publish(ev)
		return mustPack(resp)
	}
	if len(req.Question) == 0 {
		resp := dnsutil.FormErr(req.Id)
		ev.Error = "no question"
		ev.Elapsed = time.Since(start)
		f.sink.Publish(ev)
		return mustPack(resp)
	}

	q := req.Question[0]
	ev.Domain = q.Name
	ev.Type = dns.TypeToString[q.Qtype]

	isUDP := peer == nil || peer.Network != "tcp"
	fallbackOnly := false

	// Step 2: retransmission detection. retransTracked is only set for the
	// original (first) arrival, never for the retransmission itself, so
	// the suppression check below after step 7 only ever applies to it.
	// Only the original releases the (id, peer) slot: if a retransmitted
	// arrival released it first, the superseded marker the check below
	// depends on could be erased before the original gets to read it.
	retransTracked := false
	if isUDP && f.settings.EnableRetransmissionHandling && peer != nil {
		if f.retrans.Seen(req.Id, peer.Addr) {
			fallbackOnly = true
		} else {
			retransTracked = true
			defer f.retrans.Done(req.Id, peer.Addr)
		}
	}

	key := dnsutil.CacheKey(q)

	// Step 3: cache probe.
	if entry, found, expired := f.cache.Get(key); found {
		if !expired || f.settings.EnableOptimisticCache {
			answer, authority, additional, _ := entry.Messages(time.Now())
			resp := buildResponse(req, answer, authority, additional)
			if isUDP {
				resp = dnsutil.TruncateForUDP(resp, dnsutil.EDNSUDPSize(req))
			}
			ev.Status = dns.RcodeToString[resp.Rcode]
			ev.CacheHit = true
			ev.Answer = rrTexts(resp.Answer)
			ev.Elapsed = time.Since(start)
			if expired {
				f.cache.TriggerRefresh(key, f.refreshFunc(req))
			}
			f.sink.Publish(ev)
			return mustPack(resp)
		}
	}

	// Step 4: Mozilla canary.
	if dnsutil.IsMozillaCanary(q) {
		resp := nxdomain(req)
		ev.Status = dns.RcodeToString[resp.Rcode]
		ev.Elapsed = time.Since(start)
		f.sink.Publish(ev)
		return mustPack(resp)
	}

	// Step 5: IPv6 block.
	if f.settings.BlockIPv6 && q.Qtype == dns.TypeAAAA {
		rules := f.filterEng.Match(filter.Query{Domain: q.Name, RRType: q.Qtype})
		if resp := f.applyBlockingRules(req, rules, &ev); resp != nil {
			ev.Elapsed = time.Since(start)
			f.sink.Publish(ev)
			return mustPack(resp)
		}
		resp := soaRetry(req, 60)
		ev.Status = dns.RcodeToString[resp.Rcode]
		ev.Elapsed = time.Since(start)
		f.sink.Publish(ev)
		return mustPack(resp)
	}

	// Step 6: question filter.
	rules := f.filterEng.Match(filter.Query{Domain: q.Name, RRType: q.Qtype})
	if resp := f.applyBlockingRules(req, rules, &ev); resp != nil {
		ev.Elapsed = time.Since(start)
		f.sink.Publish(ev)
		return mustPack(resp)
	}

	if f.shuttingDown() {
		return nil
	}

	// Step 7: upstream exchange.
	up, resp, exchangeErr := f.route(ctx, req, q.Name, fallbackOnly)
	if exchangeErr != nil {
		// retry exactly once on transient close/reset.
		if errs.Is(exchangeErr, errs.KindConnectionClosed) || errs.Is(exchangeErr, errs.KindIO) {
			up, resp, exchangeErr = f.route(ctx, req, q.Name, fallbackOnly)
		}
	}

	// A retransmission arrived for this request while it was in flight and
	// has already taken over the reply via its own fallback-routed
	// exchange; this, the original handler, exits without writing so
	// exactly one response reaches the client (spec §4.6 step 2).
	if retransTracked && f.retrans.Superseded(req.Id, peer.Addr) {
		return nil
	}

	// Step 8: failure policy.
	if exchangeErr != nil {
		ev.Error = exchangeErr.Error()
		if f.settings.EnableServfailOnUpstreamFailure {
			servfail := new(dns.Msg)
			servfail.SetRcode(req, dns.RcodeServerFailure)
			ev.Status = dns.RcodeToString[servfail.Rcode]
			ev.Elapsed = time.Since(start)
			f.sink.Publish(ev)
			return mustPack(servfail)
		}
		ev.Elapsed = time.Since(start)
		f.sink.Publish(ev)
		return nil
	}
	if up != nil {
		ev.UpstreamID = up.Options().ID
	}

	// Step 9: answer-side filters.
	if blockedResp := f.filterAnswers(req, resp, &ev); blockedResp != nil {
		resp = blockedResp
	} else {
		// Step 10: DNS64 synthesis.
		if q.Qtype == dns.TypeAAAA && len(resp.Answer) == 0 && resp.Rcode == dns.RcodeSuccess {
			if prefixes := f.dns64State.Prefixes(); len(prefixes) > 0 && up != nil {
				aReq := req.Copy()
				aReq.Question[0].Qtype = dns.TypeA
				if aResp, err := up.Exchange(ctx, aReq, upstream.ExchangeInfo{}); err == nil {
					synth := dns64.Synthesize(prefixes, aResp.Answer, q.Name, cache.MinTTL(aResp.Answer))
					resp.Answer = append(resp.Answer, synth...)
				}
			}
		}

		// Step 11: ECH scrub.
		if f.settings.BlockECH {
			dnsutil.StripECH(resp)
		}

		// Step 12: DNSSEC scrub. If the client itself didn't set DO, strip
		// DNSSEC records. The forwarder does not set DO on the upstream
		// query, and EnableDNSSECOK is not consulted here.
		if opt := req.IsEdns0(); opt == nil || !opt.Do() {
			ev.DNSSEC = dnsutil.ScrubDNSSEC(resp)
		}
	}

	// Step 13: truncate for UDP.
	if isUDP {
		resp = dnsutil.TruncateForUDP(resp, dnsutil.EDNSUDPSize(req))
	}

	// Step 14: cache put.
	ttl := cache.MinTTL(resp.Answer, resp.Ns, resp.Extra)
	upID := uint32(0)
	if up != nil {
		upID = up.Options().ID
	}
	f.cache.Put(key, resp.Answer, resp.Ns, resp.Extra, ttl, upID)

	// Step 15: event.
	ev.Status = dns.RcodeToString[resp.Rcode]
	ev.Answer = rrTexts(resp.Answer)
	ev.Elapsed = time.Since(start)
	f.sink.Publish(ev)

	return mustPack(resp)
}

func (f *Forwarder) refreshFunc(req *dns.Msg) cache.RefreshFunc {
	return func(ctx context.Context, key string) ([]dns.RR, []dns.RR, []dns.RR, uint32, uint32, error) {
		q := req.Question[0]
		_, resp, err := f.route(ctx, req, q.Name, false)
		if err != nil {
			return nil, nil, nil, 0, 0, err
		}
		ttl := cache.MinTTL(resp.Answer, resp.Ns, resp.Extra)
		return resp.Answer, resp.Ns, resp.Extra, ttl, 0, nil
	}
}

// route implements spec §4.7's upstream selection.
func (f *Forwarder) route(ctx context.Context, req *dns.Msg, name string, fallbackOnly bool) (upstream.Upstream, *dns.Msg, error) {
	toFallback := fallbackOnly || f.fallbackDom.Match(name)

	if toFallback || len(f.primaries) == 0 {
		return waitAll(ctx, f.fallbacks, req, upstream.ExchangeInfo{})
	}

	if f.settings.EnableParallelUpstreamQueries {
		return firstNonError(ctx, f.primaries, req, upstream.ExchangeInfo{})
	}

	up, resp, err := weightedRandom(ctx, f.primaries, req, upstream.ExchangeInfo{})
	if err != nil && f.settings.EnableFallbackOnUpstreamFailure {
		return waitAll(ctx, f.fallbacks, req, upstream.ExchangeInfo{})
	}
	return up, resp, err
}

func (f *Forwarder) applyBlockingRules(req *dns.Msg, rules []types.Rule, ev *events.Event) *dns.Msg {
	if len(rules) == 0 {
		return nil
	}
	dnsRewrites, leftovers := f.filterEng.GetEffectiveRules(rules)
	if len(dnsRewrites) == 0 && len(leftovers) == 0 {
		return nil // allow-rule won
	}

	for _, r := range leftovers {
		ev.MatchedRules = append(ev.MatchedRules, r.Text)
		ev.FilterListIDs = append(ev.FilterListIDs, r.FilterListID)
	}

	if len(dnsRewrites) > 0 {
		chosen, rewrite := f.filterEng.ApplyDNSRewriteRules(dnsRewrites)
		for _, r := range chosen {
			ev.MatchedRules = append(ev.MatchedRules, r.Text)
			ev.FilterListIDs = append(ev.FilterListIDs, r.FilterListID)
		}
		if rewrite != nil {
			if rw := chosen[0].DNSRewrite; rw != nil {
				switch rw.ResponseCode {
				case -2:
					return nxdomain(req)
				case -3:
					return refused(req)
				}
				if rw.NewIPSet {
					return addressResponse(req, rw.NewIP)
				}
				if rw.NewCNAME != "" {
					return cnameResponse(req, rw.NewCNAME)
				}
			}
		}
	}

	if len(leftovers) == 0 {
		return nil
	}
	return f.blockingResponse(req)
}

func (f *Forwarder) blockingResponse(req *dns.Msg) *dns.Msg {
	switch f.settings.BlockingModeOther {
	case types.BlockingModeRefused:
		return refused(req)
	case types.BlockingModeAddress:
		q := req.Question[0]
		if q.Qtype == dns.TypeA && f.settings.CustomBlockingIPv4 != nil {
			if a, ok := netip.AddrFromSlice(f.settings.CustomBlockingIPv4.To4()); ok {
				return addressResponse(req, a)
			}
		}
		if q.Qtype == dns.TypeAAAA && f.settings.CustomBlockingIPv6 != nil {
			if a, ok := netip.AddrFromSlice(f.settings.CustomBlockingIPv6.To16()); ok {
				return addressResponse(req, a)
			}
		}
		return addressResponse(req, netip.IPv4Unspecified())
	default:
		return nxdomain(req)
	}
}

func (f *Forwarder) filterAnswers(req *dns.Msg, resp *dns.Msg, ev *events.Event) *dns.Msg {
	for _, rr := range resp.Answer {
		var target string
		switch v := rr.(type) {
		case *dns.CNAME:
			target = v.Target
		case *dns.A:
			target = v.A.String() + "."
		case *dns.AAAA:
			target = v.AAAA.String() + "."
		default:
			continue
		}
		rules := f.filterEng.Match(filter.Query{Domain: target, RRType: rr.Header().Rrtype})
		if len(rules) == 0 {
			continue
		}
		if blocked := f.applyBlockingRules(req, rules, ev); blocked != nil {
			ev.OriginalAnswer = rrTexts(resp.Answer)
			return blocked
		}
	}
	return nil
}

func buildResponse(req *dns.Msg, answer, authority, additional []dns.RR) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = answer
	resp.Ns = authority
	resp.Extra = additional
	return resp
}

func nxdomain(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeNameError)
	return resp
}

func refused(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeRefused)
	return resp
}

func addressResponse(req *dns.Msg, addr netip.Addr) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	q := req.Question[0]
	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: 3600}
	if addr.Is4() {
		hdr.Rrtype = dns.TypeA
		resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.IP(addr.AsSlice())})
	} else {
		hdr.Rrtype = dns.TypeAAAA
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IP(addr.AsSlice())})
	}
	return resp
}

// cnameResponse returns a reply carrying only the rewritten CNAME; the
// chain isn't chased to a final A/AAAA, matching the filter engine's
// RewriteInfo.Finalized=false contract (spec §4.8 leaves CNAME-chase
// policy to a fuller rule engine).
func cnameResponse(req *dns.Msg, target string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	q := req.Question[0]
	resp.Answer = append(resp.Answer, &dns.CNAME{
		Hdr:    dns.RR_Header{Name: q.Name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 3600},
		Target: target,
	})
	return resp
}

func soaRetry(req *dns.Msg, retrySeconds uint32) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	q := req.Question[0]
	resp.Ns = append(resp.Ns, &dns.SOA{
		Hdr:     dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: retrySeconds},
		Ns:      "localhost.",
		Mbox:    "localhost.",
		Serial:  1,
		Refresh: retrySeconds,
		Retry:   retrySeconds,
		Expire:  retrySeconds,
		Minttl:  retrySeconds,
	})
	return resp
}

func rrTexts(rrs []dns.RR) []string {
	out := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		out = append(out, rr.String())
	}
	return out
}

func mustPack(m *dns.Msg) []byte {
	b, err := m.Pack()
	if err != nil {
		logging.Errorf("forwarder: pack failed: %v", err)
		return nil
	}
	return b
}
