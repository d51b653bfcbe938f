package upstream

import (
	"context"
	"net"
	"net/netip"
	"sync"
)

// connPool is a tiny single-slot connection pool: at most one idle
// connection is kept and reused, matching the teacher's approach in
// network/connection_manager.go of reusing one connection per destination
// rather than a full pool implementation. Concurrent exchanges beyond the
// one pooled connection simply dial fresh ones, which are handed back to
// the pool on completion (the first one returned is kept; a connection
// returned while the slot is full is closed).
type connPool struct {
	dial func(ctx context.Context) (net.Conn, error)

	mu     sync.Mutex
	idle   net.Conn
	closed bool
}

func newConnPool(dial func(ctx context.Context) (net.Conn, error)) *connPool {
	return &connPool{dial: dial}
}

func (p *connPool) Get(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	if p.idle != nil {
		c := p.idle
		p.idle = nil
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	return p.dial(ctx)
}

func (p *connPool) Put(c net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.idle != nil {
		_ = c.Close()
		return
	}
	p.idle = c
}

func (p *connPool) Discard(c net.Conn) {
	_ = c.Close()
}

func (p *connPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.idle != nil {
		err := p.idle.Close()
		p.idle = nil
		return err
	}
	return nil
}

// resolveAddrPort turns host:port into a netip.AddrPort; used by the SOCKS
// dial path, which needs a concrete address rather than a hostname. A
// literal host is parsed directly; any other host is looked up with the
// system resolver and its first address is used.
func resolveAddrPort(address string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		ips, lookupErr := net.LookupHost(host)
		if lookupErr != nil || len(ips) == 0 {
			return netip.AddrPort{}, err
		}
		addr, err = netip.ParseAddr(ips[0])
		if err != nil {
			return netip.AddrPort{}, err
		}
	}
	var p uint64
	for _, c := range port {
		p = p*10 + uint64(c-'0')
	}
	return netip.AddrPortFrom(addr, uint16(p)), nil
}
