package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"

	"dnsforward/errs"
	"dnsforward/types"
)

// doqALPN is the RFC 9250 DoQ ALPN token; each query/response is a
// length-prefixed message on its own bidirectional QUIC stream.
const doqALPN = "doq"

// doqUpstream exchanges DNS-over-QUIC, one request per bidirectional
// stream on a shared connection, grounded on the teacher's quic-go-based
// DoQ listener (security/securedns_manager.go startQUICServer) adapted to
// dial rather than accept.
type doqUpstream struct {
	opts types.UpstreamOptions
	rtt  rttTracker

	mu   sync.Mutex
	conn *quic.Conn
}

func newDoQUpstream(opts types.UpstreamOptions) *doqUpstream {
	return &doqUpstream{opts: opts}
}

func (u *doqUpstream) Options() types.UpstreamOptions     { return u.opts }
func (u *doqUpstream) RTTEstimate() (time.Duration, bool) { return u.rtt.estimate() }

func (u *doqUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return u.conn.CloseWithError(0, "closing")
	}
	return nil
}

func (u *doqUpstream) connection(ctx context.Context) (*quic.Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		select {
		case <-u.conn.Context().Done():
			u.conn = nil
		default:
			return u.conn, nil
		}
	}

	host := u.opts.Address
	if h, _, err := splitHostPortLoose(host); err == nil {
		host = h
	}

	tlsConf := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS13, NextProtos: []string{doqALPN}}
	conn, err := quic.DialAddr(ctx, u.opts.Address, tlsConf, &quic.Config{MaxIdleTimeout: u.opts.Timeout})
	if err != nil {
		return nil, err
	}
	u.conn = conn
	return conn, nil
}

func (u *doqUpstream) Exchange(ctx context.Context, req *dns.Msg, info ExchangeInfo) (*dns.Msg, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	conn, err := u.connection(ctx)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "doq dial", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "doq open stream", err)
	}

	// RFC 9250: the query id MUST be 0 on the wire for DoQ.
	withZeroID := req.Copy()
	withZeroID.Id = 0

	dc := &dns.Conn{Conn: streamConn{stream}}
	if err := dc.WriteMsg(withZeroID); err != nil {
		_ = stream.Close()
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "doq write request", err)
	}
	_ = stream.Close() // half-close write side; server replies on the same stream

	resp, err := dc.ReadMsg()
	if err != nil {
		u.rtt.penalize(info.penaltyRTT(u.opts.Timeout))
		return nil, errs.Wrap(errs.KindIO, "doq read response", err)
	}
	resp.Id = req.Id

	u.rtt.update(time.Since(start))
	return resp, nil
}

// streamConn adapts a quic.Stream to net.Conn for dns.Conn's framed
// read/write helpers; Close half-closes the write side per RFC 9250.
type streamConn struct {
	*quic.Stream
}

func (streamConn) LocalAddr() net.Addr  { return dummyNetAddr{} }
func (streamConn) RemoteAddr() net.Addr { return dummyNetAddr{} }

type dummyNetAddr struct{}

func (dummyNetAddr) Network() string { return "quic" }
func (dummyNetAddr) String() string  { return "doq-stream" }

func splitHostPortLoose(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", errs.New(errs.KindDecodeError, "no port in address")
}
