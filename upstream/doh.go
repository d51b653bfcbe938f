package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/http2"

	"dnsforward/errs"
	"dnsforward/socks"
	"dnsforward/types"
)

const dohContentType = "application/dns-message"

// doh1Upstream exchanges DNS-over-HTTPS over HTTP/2 (falling back to
// HTTP/1.1 transparently via the stdlib client when the server doesn't
// speak h2), grounded on the teacher's use of golang.org/x/net/http2.
type doh1Upstream struct {
	opts   types.UpstreamOptions
	client *http.Client
	rtt    rttTracker
}

func newDoH1Upstream(opts types.UpstreamOptions) *doh1Upstream {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialForDoH(ctx, opts, network, addr)
		},
	}
	_ = http2.ConfigureTransport(transport)

	return &doh1Upstream{
		opts:   opts,
		client: &http.Client{Transport: transport, Timeout: opts.Timeout},
	}
}

func (u *doh1Upstream) Options() types.UpstreamOptions     { return u.opts }
func (u *doh1Upstream) RTTEstimate() (time.Duration, bool) { return u.rtt.estimate() }
func (u *doh1Upstream) Close() error {
	u.client.CloseIdleConnections()
	return nil
}

func (u *doh1Upstream) Exchange(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error) {
	start := time.Now()
	packed, err := req.Pack()
	if err != nil {
		return nil, errs.Wrap(errs.KindDecodeError, "doh1 pack request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.opts.Address, bytes.NewReader(packed))
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "doh1 build request", err)
	}
	httpReq.Header.Set("Content-Type", dohContentType)
	httpReq.Header.Set("Accept", dohContentType)

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "doh1 request", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.New(errs.KindBadProxyReply, fmt.Sprintf("doh1: unexpected status %d", httpResp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, dns.MaxMsgSize))
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "doh1 read body", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, errs.Wrap(errs.KindDecodeError, "doh1 unpack response", err)
	}

	u.rtt.update(time.Since(start))
	return resp, nil
}

func dialForDoH(ctx context.Context, opts types.UpstreamOptions, network, addr string) (net.Conn, error) {
	if p := dialProxy(opts); p != nil {
		ap, err := resolveAddrPort(addr)
		if err != nil {
			return nil, err
		}
		return socks.DialTCP(*p, ap, opts.Timeout)
	}
	d := net.Dialer{Timeout: opts.Timeout}
	return d.DialContext(ctx, network, addr)
}
