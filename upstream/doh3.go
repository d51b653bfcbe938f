package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go/http3"

	"dnsforward/errs"
	"dnsforward/types"
)

// doh3Upstream exchanges DNS-over-HTTPS over HTTP/3 (QUIC), grounded on
// the teacher's use of quic-go/http3 for its DoH3 listener, adapted here
// to the client (RoundTripper) side.
type doh3Upstream struct {
	opts types.UpstreamOptions
	rtt  rttTracker

	mu        sync.Mutex
	transport *http3.Transport
	client    *http.Client
}

func newDoH3Upstream(opts types.UpstreamOptions) *doh3Upstream {
	return &doh3Upstream{opts: opts}
}

func (u *doh3Upstream) ensureClient() *http.Client {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.client != nil {
		return u.client
	}
	u.transport = &http3.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: []string{"h3"}},
	}
	u.client = &http.Client{Transport: u.transport, Timeout: u.opts.Timeout}
	return u.client
}

func (u *doh3Upstream) Options() types.UpstreamOptions     { return u.opts }
func (u *doh3Upstream) RTTEstimate() (time.Duration, bool) { return u.rtt.estimate() }
func (u *doh3Upstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.transport != nil {
		return u.transport.Close()
	}
	return nil
}

func (u *doh3Upstream) Exchange(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error) {
	start := time.Now()
	packed, err := req.Pack()
	if err != nil {
		return nil, errs.Wrap(errs.KindDecodeError, "doh3 pack request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.opts.Address, bytes.NewReader(packed))
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "doh3 build request", err)
	}
	httpReq.Header.Set("Content-Type", dohContentType)
	httpReq.Header.Set("Accept", dohContentType)

	httpResp, err := u.ensureClient().Do(httpReq)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "doh3 request", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.New(errs.KindBadProxyReply, fmt.Sprintf("doh3: unexpected status %d", httpResp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, dns.MaxMsgSize))
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "doh3 read body", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, errs.Wrap(errs.KindDecodeError, "doh3 unpack response", err)
	}

	u.rtt.update(time.Since(start))
	return resp, nil
}
