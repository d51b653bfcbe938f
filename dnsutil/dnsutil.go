// Package dnsutil holds small, pure helpers around *dns.Msg that the
// forwarder pipeline (C8) needs at several steps: the Mozilla canary check,
// UDP truncation, FORMERR synthesis carrying the original transport id, and
// the cache key builder. Grounded on the teacher's cache/utils.go key
// handling and dns/utils.go response helpers, adapted to the spec's
// (name, type, class) key — no ECS in the key, per §6.
package dnsutil

import (
	"encoding/binary"
	"strings"

	"github.com/miekg/dns"
)

// MozillaCanary is the literal name (trailing dot) that must always be
// answered with NXDOMAIN for A/AAAA regardless of upstream configuration.
const MozillaCanary = "use-application-dns.net."

// IsMozillaCanary reports whether q is the canary question.
func IsMozillaCanary(q dns.Question) bool {
	return strings.EqualFold(q.Name, MozillaCanary) && (q.Qtype == dns.TypeA || q.Qtype == dns.TypeAAAA)
}

// CacheKey builds the (lowercased name, type, class) cache key (§6);
// EDNS/DO are deliberately not part of the key.
func CacheKey(q dns.Question) string {
	return strings.ToLower(q.Name) + "/" + dns.TypeToString[q.Qtype] + "/" + dns.ClassToString[q.Qclass]
}

// IDFromWire reads the 16-bit transport id from the first two bytes of a
// raw DNS message, for use when Unpack fails and a FORMERR still needs the
// client's original id (§4.6 step 1, §8 "FORMERR carries id").
func IDFromWire(buf []byte) (id uint16, ok bool) {
	if len(buf) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf), true
}

// FormErr builds a FORMERR response carrying id, used when decoding the
// inbound message failed entirely.
func FormErr(id uint16) *dns.Msg {
	m := new(dns.Msg)
	m.Id = id
	m.Response = true
	m.Rcode = dns.RcodeFormatError
	return m
}

// MinHeaderLen is the minimum number of bytes a well-formed DNS message
// wire image can have (12-byte header).
const MinHeaderLen = 12

// EDNSUDPSize returns the client-advertised EDNS UDP payload size, or 512
// if the client didn't send an OPT record (§4.6 step 13).
func EDNSUDPSize(req *dns.Msg) int {
	if opt := req.IsEdns0(); opt != nil && opt.UDPSize() >= 512 {
		return int(opt.UDPSize())
	}
	return dns.MinMsgSize
}

// TruncateForUDP truncates resp in place to fit within maxSize bytes when
// sent over UDP, setting the TC bit if truncation was necessary (§4.6 step
// 13, §8 "Truncation").
func TruncateForUDP(resp *dns.Msg, maxSize int) *dns.Msg {
	packed, err := resp.Pack()
	if err != nil || len(packed) <= maxSize {
		return resp
	}

	resp.Truncated = true
	for len(resp.Answer) > 0 {
		resp.Answer = resp.Answer[:len(resp.Answer)-1]
		packed, err = resp.Pack()
		if err == nil && len(packed) <= maxSize {
			break
		}
	}
	if len(resp.Answer) == 0 {
		resp.Ns = nil
		resp.Extra = keepOPT(resp.Extra)
	}
	return resp
}

func keepOPT(extra []dns.RR) []dns.RR {
	out := extra[:0]
	for _, rr := range extra {
		if _, ok := rr.(*dns.OPT); ok {
			out = append(out, rr)
		}
	}
	return out
}

// ScrubDNSSEC removes RRSIG/NSEC/NSEC3/DNSKEY/DS records from a response,
// used when the client did not set the DO bit but the forwarder forced it
// upstream (§4.6 step 12).
func ScrubDNSSEC(resp *dns.Msg) (hadRRSIG bool) {
	resp.Answer, hadRRSIG = scrubSlice(resp.Answer)
	var nsHad, exHad bool
	resp.Ns, nsHad = scrubSlice(resp.Ns)
	resp.Extra, exHad = scrubSliceKeepOPT(resp.Extra)
	return hadRRSIG || nsHad || exHad
}

func isDNSSECType(t uint16) bool {
	switch t {
	case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeDNSKEY, dns.TypeDS, dns.TypeNSEC3PARAM:
		return true
	default:
		return false
	}
}

func scrubSlice(rrs []dns.RR) ([]dns.RR, bool) {
	out := make([]dns.RR, 0, len(rrs))
	had := false
	for _, rr := range rrs {
		if isDNSSECType(rr.Header().Rrtype) {
			had = true
			continue
		}
		out = append(out, rr)
	}
	return out, had
}

func scrubSliceKeepOPT(rrs []dns.RR) ([]dns.RR, bool) {
	out := make([]dns.RR, 0, len(rrs))
	had := false
	for _, rr := range rrs {
		if _, ok := rr.(*dns.OPT); ok {
			out = append(out, rr)
			continue
		}
		if isDNSSECType(rr.Header().Rrtype) {
			had = true
			continue
		}
		out = append(out, rr)
	}
	return out, had
}

// StripECH removes Encrypted Client Hello SvcParams from SVCB/HTTPS
// records (§4.6 step 11).
func StripECH(resp *dns.Msg) {
	resp.Answer = stripECHSlice(resp.Answer)
	resp.Extra = stripECHSlice(resp.Extra)
}

func stripECHSlice(rrs []dns.RR) []dns.RR {
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.SVCB:
			v.Value = stripECHParams(v.Value)
		case *dns.HTTPS:
			v.Value = stripECHParams(v.Value)
		}
	}
	return rrs
}

func stripECHParams(params []dns.SVCBKeyValue) []dns.SVCBKeyValue {
	out := params[:0]
	for _, kv := range params {
		if kv.Key() == dns.SVCB_ECHCONFIG {
			continue
		}
		out = append(out, kv)
	}
	return out
}
