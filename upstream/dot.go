package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"dnsforward/errs"
	"dnsforward/socks"
	"dnsforward/types"
)

// dotUpstream exchanges DNS-over-TLS over a pooled TLS connection.
type dotUpstream struct {
	opts types.UpstreamOptions
	pool *connPool
	rtt  rttTracker
}

func newDoTUpstream(opts types.UpstreamOptions) *dotUpstream {
	u := &dotUpstream{opts: opts}
	u.pool = newConnPool(func(ctx context.Context) (net.Conn, error) {
		return dialTLS(ctx, opts)
	})
	return u
}

func (u *dotUpstream) Options() types.UpstreamOptions     { return u.opts }
func (u *dotUpstream) RTTEstimate() (time.Duration, bool) { return u.rtt.estimate() }
func (u *dotUpstream) Close() error                       { return u.pool.Close() }

func (u *dotUpstream) Exchange(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error) {
	start := time.Now()
	conn, err := u.pool.Get(ctx)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "dot connect", err)
	}

	dc := &dns.Conn{Conn: conn}
	_ = dc.SetWriteDeadline(time.Now().Add(u.opts.Timeout))
	if err := dc.WriteMsg(req); err != nil {
		u.pool.Discard(conn)
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "dot write", err)
	}
	_ = dc.SetReadDeadline(time.Now().Add(u.opts.Timeout))
	resp, err := dc.ReadMsg()
	if err != nil {
		u.pool.Discard(conn)
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "dot read", err)
	}

	u.pool.Put(conn)
	u.rtt.update(time.Since(start))
	return resp, nil
}

func dialTLS(ctx context.Context, opts types.UpstreamOptions) (net.Conn, error) {
	host := opts.Address
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: opts.Timeout},
		Config:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12, NextProtos: []string{"dot"}},
	}
	if base := dialProxy(opts); base != nil {
		addr, err := resolveAddrPort(opts.Address)
		if err != nil {
			return nil, err
		}
		raw, err := socks.DialTCP(*base, addr, opts.Timeout)
		if err != nil {
			return nil, err
		}
		return tls.Client(raw, dialer.Config.Clone()), nil
	}
	return dialer.DialContext(ctx, "tcp", opts.Address)
}
