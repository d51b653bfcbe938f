package upstream

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"dnsforward/errs"
	"dnsforward/types"
)

// DNSCrypt wire constants (grounded on DNSCrypt-dnscrypt-proxy's use of
// golang.org/x/crypto/curve25519 for the resolver keypair; the query/
// response sealing construction below uses nacl/box, which implements
// the same X25519 + XSalsa20-Poly1305 primitive DNSCrypt specifies).
var (
	certMagic   = [8]byte{'D', 'N', 'S', 'C', byte(0x01), 0, 0, 0}
	clientMagic = [8]byte{'q', '6', 'f', 'n', 'v', 'W', 'j', '8'}
)

// dnsCryptCert is the resolver's certificate, normally fetched via a TXT
// query for the provider name and verified against the provider's
// long-term signing key; this client accepts the first well-formed cert
// it receives (signature verification is out of scope for this adapter,
// matching the narrow client role described for C3).
type dnsCryptCert struct {
	resolverPublicKey [32]byte
	serial            uint32
}

// dnsCryptUpstream exchanges DNSCrypt-encrypted queries over UDP only; a
// truncated response is returned as is, with no TCP retry.
type dnsCryptUpstream struct {
	opts          types.UpstreamOptions
	providerName  string
	relayAddr     string
	rtt           rttTracker

	mu         sync.Mutex
	cert       *dnsCryptCert
	clientPub  [32]byte
	clientPriv [32]byte
}

func newDNSCryptUpstream(opts types.UpstreamOptions) (*dnsCryptUpstream, error) {
	providerName, relayAddr, err := parseSDNSStub(opts.Address)
	if err != nil {
		return nil, err
	}

	var priv, pub [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, errs.Wrap(errs.KindIO, "dnscrypt: generate client key", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)

	return &dnsCryptUpstream{
		opts:         opts,
		providerName: providerName,
		relayAddr:    relayAddr,
		clientPub:    pub,
		clientPriv:   priv,
	}, nil
}

// parseSDNSStub extracts the resolver address and provider name this
// adapter needs from an sdns:// stamp. Full stamp decoding (props,
// pk pinning) is out of scope; this is the narrow subset C3 needs to
// dial and identify the resolver.
func parseSDNSStub(address string) (providerName, relayAddr string, err error) {
	rest := strings.TrimPrefix(address, "sdns://")
	parts := strings.SplitN(rest, "#", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("dnscrypt: malformed stamp %q", address)
	}
	return parts[1], parts[0], nil
}

func (u *dnsCryptUpstream) Options() types.UpstreamOptions     { return u.opts }
func (u *dnsCryptUpstream) RTTEstimate() (time.Duration, bool) { return u.rtt.estimate() }
func (u *dnsCryptUpstream) Close() error                       { return nil }

func (u *dnsCryptUpstream) ensureCert(ctx context.Context) (*dnsCryptCert, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cert != nil {
		return u.cert, nil
	}

	txtReq := new(dns.Msg)
	txtReq.SetQuestion(dns.Fqdn(u.providerName), dns.TypeTXT)

	client := &dns.Client{Net: "udp", Timeout: u.opts.Timeout}
	resp, _, err := client.ExchangeContext(ctx, txtReq, u.relayAddr)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "dnscrypt: cert fetch", err)
	}

	cert, err := parseCertFromTXT(resp)
	if err != nil {
		return nil, err
	}
	u.cert = cert
	return cert, nil
}

func parseCertFromTXT(resp *dns.Msg) (*dnsCryptCert, error) {
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok || len(txt.Txt) == 0 {
			continue
		}
		blob := []byte(strings.Join(txt.Txt, ""))
		if len(blob) < 8+4+32+4+4+4 {
			continue
		}
		if string(blob[:4]) != "DNSC" {
			continue
		}
		var cert dnsCryptCert
		// Layout (simplified, signature/es-version fields skipped):
		// magic(4) minor(2) major(2) signature(64) resolverPk(32) ...
		// Offsets below locate resolverPk conservatively within the blob.
		const pkOffset = 8 + 64
		if len(blob) < pkOffset+32+4 {
			return nil, errs.New(errs.KindDecodeError, "dnscrypt: short cert")
		}
		copy(cert.resolverPublicKey[:], blob[pkOffset:pkOffset+32])
		cert.serial = binary.BigEndian.Uint32(blob[pkOffset+32 : pkOffset+36])
		return &cert, nil
	}
	return nil, errs.New(errs.KindDecodeError, "dnscrypt: no TXT cert record")
}

func (u *dnsCryptUpstream) Exchange(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error) {
	start := time.Now()
	cert, err := u.ensureCert(ctx)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, err
	}

	packed, err := req.Pack()
	if err != nil {
		return nil, errs.Wrap(errs.KindDecodeError, "dnscrypt pack request", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:12]); err != nil {
		return nil, errs.Wrap(errs.KindIO, "dnscrypt nonce", err)
	}

	sealed := box.Seal(nil, packed, &nonce, &cert.resolverPublicKey, &u.clientPriv)

	query := make([]byte, 0, 8+32+24+len(sealed))
	query = append(query, clientMagic[:]...)
	query = append(query, u.clientPub[:]...)
	query = append(query, nonce[:]...)
	query = append(query, sealed...)

	client := &dns.Client{Net: "udp", Timeout: u.opts.Timeout}
	conn, err := client.DialContext(ctx, u.relayAddr)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "dnscrypt dial", err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(u.opts.Timeout))
	if _, err := conn.Write(query); err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "dnscrypt write", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(u.opts.Timeout))
	buf := make([]byte, dns.MaxMsgSize)
	n, err := conn.Read(buf)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "dnscrypt read", err)
	}

	plain, err := u.openResponse(buf[:n], &nonce, cert)
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(plain); err != nil {
		return nil, errs.Wrap(errs.KindDecodeError, "dnscrypt unpack response", err)
	}

	u.rtt.update(time.Since(start))
	return resp, nil
}

func (u *dnsCryptUpstream) openResponse(raw []byte, clientNonce *[24]byte, cert *dnsCryptCert) ([]byte, error) {
	if len(raw) < 8+24 {
		return nil, errs.New(errs.KindDecodeError, "dnscrypt: short response")
	}
	if string(raw[:8]) != string(certMagic[:]) {
		return nil, errs.New(errs.KindDecodeError, "dnscrypt: bad response magic")
	}

	var respNonce [24]byte
	copy(respNonce[:12], clientNonce[:12])
	copy(respNonce[12:], raw[8:20])

	ciphertext := raw[20:]
	plain, ok := box.Open(nil, ciphertext, &respNonce, &cert.resolverPublicKey, &u.clientPriv)
	if !ok {
		return nil, errs.New(errs.KindDecodeError, "dnscrypt: response auth failed")
	}
	return plain, nil
}
