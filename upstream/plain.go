package upstream

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"dnsforward/errs"
	"dnsforward/socks"
	"dnsforward/types"
)

// plainUpstream exchanges over UDP, retrying the same request over TCP
// when the UDP response is truncated (spec §4.3 "plain UDP+TCP fallback
// on TC"). When opts configures a SOCKS5 proxy, both the UDP datagrams
// and the TCP fallback are tunnelled through it rather than dialed
// directly, so a proxied upstream never leaks traffic onto the open
// network.
type plainUpstream struct {
	opts     types.UpstreamOptions
	proxy    *socks.Config
	udpProxy *socks.Manager
	rtt      rttTracker
}

func newPlainUpstream(opts types.UpstreamOptions) *plainUpstream {
	proxy := dialProxy(opts)
	u := &plainUpstream{opts: opts, proxy: proxy}
	if proxy != nil {
		u.udpProxy = socks.NewManager()
	}
	return u
}

func (u *plainUpstream) Options() types.UpstreamOptions     { return u.opts }
func (u *plainUpstream) RTTEstimate() (time.Duration, bool) { return u.rtt.estimate() }
func (u *plainUpstream) Close() error                       { return nil }

func (u *plainUpstream) Exchange(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error) {
	if u.proxy != nil {
		return u.exchangeViaProxy(ctx, req, info)
	}

	start := time.Now()
	client := &dns.Client{Net: "udp", Timeout: u.opts.Timeout}
	resp, _, err := client.ExchangeContext(ctx, req, u.opts.Address)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "plain udp exchange", err)
	}
	if resp.Truncated {
		tcpClient := &dns.Client{Net: "tcp", Timeout: u.opts.Timeout}
		resp, _, err = tcpClient.ExchangeContext(ctx, req, u.opts.Address)
		if err != nil {
			u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
			return nil, errs.Wrap(errs.KindIO, "plain tcp fallback exchange", err)
		}
	}
	u.rtt.update(time.Since(start))
	return resp, nil
}

// exchangeViaProxy tunnels the UDP exchange through the configured
// SOCKS5 relay (spec §4.2), falling back to a proxied TCP exchange on
// truncation the same way the direct path falls back to TCP.
func (u *plainUpstream) exchangeViaProxy(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error) {
	start := time.Now()
	resp, err := u.exchangeViaSocksUDP(ctx, req)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "plain socks5 udp exchange", err)
	}
	if resp.Truncated {
		conn, dialErr := dialTCP(ctx, u.opts)
		if dialErr != nil {
			u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
			return nil, errs.Wrap(errs.KindIO, "plain tcp fallback dial", dialErr)
		}
		defer conn.Close()

		dc := &dns.Conn{Conn: conn}
		_ = dc.SetWriteDeadline(time.Now().Add(u.opts.Timeout))
		_ = dc.SetReadDeadline(time.Now().Add(u.opts.Timeout))
		if writeErr := dc.WriteMsg(req); writeErr != nil {
			u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
			return nil, errs.Wrap(errs.KindIO, "plain tcp fallback write", writeErr)
		}
		resp, err = dc.ReadMsg()
		if err != nil {
			u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
			return nil, errs.Wrap(errs.KindIO, "plain tcp fallback read", err)
		}
	}
	u.rtt.update(time.Since(start))
	return resp, nil
}

// exchangeViaSocksUDP parks one flow on the manager's shared
// Association, sends the packed request once the flow is bound, and
// waits for the matching datagram back (spec §4.2 points 1-3).
func (u *plainUpstream) exchangeViaSocksUDP(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	packed, err := req.Pack()
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "pack dns request", err)
	}
	dst, err := resolveAddrPort(u.opts.Address)
	if err != nil {
		return nil, err
	}

	bound := make(chan error, 1)
	data := make(chan []byte, 1)
	flow := u.udpProxy.NewFlow(*u.proxy, u.opts.Timeout,
		func(err error) { bound <- err },
		func(chunk []byte) { data <- append([]byte(nil), chunk...) },
	)
	defer flow.Close()

	timer := time.NewTimer(u.opts.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errs.New(errs.KindTimeout, "socks5 udp association timed out")
	case err := <-bound:
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, "socks5 udp associate", err)
		}
	}

	if err := flow.Send(dst, packed); err != nil {
		return nil, errs.Wrap(errs.KindIO, "socks5 udp send", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errs.New(errs.KindTimeout, "socks5 udp exchange timed out")
	case chunk := <-data:
		resp := new(dns.Msg)
		if err := resp.Unpack(chunk); err != nil {
			return nil, errs.Wrap(errs.KindIO, "unpack socks5 udp response", err)
		}
		return resp, nil
	}
}

// tcpUpstream always exchanges over a pooled TCP connection.
type tcpUpstream struct {
	opts types.UpstreamOptions
	pool *connPool
	rtt  rttTracker
}

func newTCPUpstream(opts types.UpstreamOptions) *tcpUpstream {
	return &tcpUpstream{
		opts: opts,
		pool: newConnPool(func(ctx context.Context) (net.Conn, error) {
			return dialTCP(ctx, opts)
		}),
	}
}

func (u *tcpUpstream) Options() types.UpstreamOptions     { return u.opts }
func (u *tcpUpstream) RTTEstimate() (time.Duration, bool) { return u.rtt.estimate() }
func (u *tcpUpstream) Close() error                       { return u.pool.Close() }

func (u *tcpUpstream) Exchange(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error) {
	start := time.Now()
	conn, err := u.pool.Get(ctx)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "tcp connect", err)
	}

	dc := &dns.Conn{Conn: conn}
	_ = dc.SetWriteDeadline(time.Now().Add(u.opts.Timeout))
	if err := dc.WriteMsg(req); err != nil {
		u.pool.Discard(conn)
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "tcp write", err)
	}
	_ = dc.SetReadDeadline(time.Now().Add(u.opts.Timeout))
	resp, err := dc.ReadMsg()
	if err != nil {
		u.pool.Discard(conn)
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "tcp read", err)
	}

	u.pool.Put(conn)
	u.rtt.update(time.Since(start))
	return resp, nil
}

func dialTCP(ctx context.Context, opts types.UpstreamOptions) (net.Conn, error) {
	if p := dialProxy(opts); p != nil {
		addr, err := resolveAddrPort(opts.Address)
		if err != nil {
			return nil, err
		}
		return socks.DialTCP(*p, addr, opts.Timeout)
	}
	d := net.Dialer{Timeout: opts.Timeout}
	return d.DialContext(ctx, "tcp", opts.Address)
}
