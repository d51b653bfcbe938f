// Package socks implements the SOCKS Outbound Proxy (C2): SOCKS4 and
// SOCKS5 TCP CONNECT, plus SOCKS5 UDP-ASSOCIATE multiplexing shared by all
// UDP flows on one event loop. Wire framing follows RFC 1928/1929 and
// SOCKS4's userid-terminated CONNECT request, the byte layout used by
// original_source/net/outbound_socks_proxy.cpp; the connection lifecycle
// is rendered as a state machine driven by asocket.Socket the way the
// teacher's network/connection_manager.go tracks one goroutine per
// connection.
package socks

import (
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"time"

	"dnsforward/asocket"
	"dnsforward/errs"
)

// State is a Connection's position in the SOCKS handshake state machine
// (spec §4.2).
type State int

const (
	StateIdle State = iota
	StateConnectingSocket
	StateConnectingSocks
	StateS5Auth
	StateS5Tunnel
	StateConnected
	StateClosing
)

const (
	socks4Version = 0x04
	socks4Connect = 0x01
	socks4Granted = 0x5a

	socks5Version   = 0x05
	socks5Connect   = 0x01
	socks5UDPAssoc  = 0x03
	socks5NoAuth    = 0x00
	socks5UserPass  = 0x02
	socks5NoMethods = 0xff

	socks5AtypIPv4 = 0x01
	socks5AtypIPv6 = 0x04

	socks5AuthVersion = 0x01
	socks5AuthSuccess = 0x00

	socks5Succeeded = 0x00

	maxReplySize = 262 // 4-byte header + 1-byte length + 255-byte domain + 2-byte port: the largest RFC 1928 reply
)

// Config names the outbound proxy to dial through.
type Config struct {
	Address  string // proxy host:port
	Username string
	Password string
}

func (c Config) useSocks5Auth() bool { return c.Username != "" || c.Password != "" }

// Connection is a single logical flow tunnelled through a SOCKS proxy: a
// TCP CONNECT tunnel for TCP flows, or (transparently) a member of a
// shared UDP association for UDP flows.
type Connection struct {
	cfg    Config
	target netip.AddrPort

	mu    sync.Mutex
	state State
	sock  *asocket.Socket

	onProxyConnFailed func(err error)
	onClosed          func(err error)
}

// DialTCP establishes a SOCKS4 or SOCKS5 TCP CONNECT tunnel to target
// through the configured proxy, choosing SOCKS5 when credentials are
// configured or the target is IPv6 (SOCKS4 has no IPv6 support), SOCKS4
// otherwise, matching the teacher's preference for the simplest capable
// protocol.
func DialTCP(cfg Config, target netip.AddrPort, timeout time.Duration) (net.Conn, error) {
	sock := asocket.New("tcp")
	c := &Connection{cfg: cfg, target: target, sock: sock, state: StateConnectingSocket}

	result := make(chan error, 1)
	sock.Connect(cfg.Address, timeout, func(err error) {
		if err != nil {
			result <- err
			return
		}
		c.setState(StateConnectingSocks)
		if cfg.useSocks5Auth() || target.Addr().Is6() {
			c.socks5Handshake(timeout, result)
		} else {
			c.socks4Handshake(timeout, result)
		}
	})

	if err := <-result; err != nil {
		sock.Close()
		return nil, err
	}
	c.setState(StateConnected)
	return newTunnelConn(sock), nil
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) socks4Handshake(timeout time.Duration, result chan<- error) {
	req := make([]byte, 9)
	req[0] = socks4Version
	req[1] = socks4Connect
	binary.BigEndian.PutUint16(req[2:4], c.target.Port())
	addr4 := c.target.Addr().As4()
	copy(req[4:8], addr4[:])
	req[8] = 0x00 // empty userid

	c.sock.Send(req, func(err error) {
		if err != nil {
			result <- err
			return
		}
		var reply []byte
		c.sock.Receive(timeout, func(chunk []byte) bool {
			reply = append(reply, chunk...)
			return len(reply) >= 8
		}, func(err error) {
			if err == nil && (len(reply) != 8 || reply[1] != socks4Granted) {
				err = errs.New(errs.KindBadProxyReply, "socks4: request not granted or malformed reply")
			}
			result <- err
		})
	})
}

// fixedSizeReader accumulates chunks until at least n bytes have arrived,
// then reports done. It does not inspect the bytes, and a reply longer
// than n is not rejected.
func fixedSizeReader(n int) asocket.ChunkFunc {
	buf := make([]byte, 0, n)
	return func(chunk []byte) bool {
		buf = append(buf, chunk...)
		return len(buf) >= n
	}
}

func (c *Connection) socks5Handshake(timeout time.Duration, result chan<- error) {
	methods := []byte{socks5NoAuth}
	if c.cfg.useSocks5Auth() {
		methods = append(methods, socks5UserPass)
	}
	req := append([]byte{socks5Version, byte(len(methods))}, methods...)

	c.sock.Send(req, func(err error) {
		if err != nil {
			result <- err
			return
		}
		var reply [2]byte
		i := 0
		c.sock.Receive(timeout, func(chunk []byte) bool {
			for _, b := range chunk {
				if i < len(reply) {
					reply[i] = b
					i++
				}
			}
			return i >= len(reply)
		}, func(err error) {
			if err != nil {
				result <- err
				return
			}
			if reply[0] != socks5Version || reply[1] == socks5NoMethods {
				result <- errs.New(errs.KindBadProxyReply, "socks5: no acceptable auth method")
				return
			}
			if reply[1] == socks5UserPass {
				c.setState(StateS5Auth)
				c.socks5Auth(timeout, result)
				return
			}
			c.setState(StateS5Tunnel)
			c.socks5Connect(timeout, result)
		})
	})
}

func (c *Connection) socks5Auth(timeout time.Duration, result chan<- error) {
	u, p := []byte(c.cfg.Username), []byte(c.cfg.Password)
	req := make([]byte, 0, 3+len(u)+len(p))
	req = append(req, socks5AuthVersion, byte(len(u)))
	req = append(req, u...)
	req = append(req, byte(len(p)))
	req = append(req, p...)

	c.sock.Send(req, func(err error) {
		if err != nil {
			result <- err
			return
		}
		c.sock.Receive(timeout, fixedSizeReader(2), func(err error) {
			if err != nil {
				result <- err
				return
			}
			c.setState(StateS5Tunnel)
			c.socks5Connect(timeout, result)
		})
	})
}

func (c *Connection) socks5Connect(timeout time.Duration, result chan<- error) {
	addr := c.target.Addr()
	var req []byte
	if addr.Is4() {
		req = make([]byte, 10)
		req[3] = socks5AtypIPv4
		addr4 := addr.As4()
		copy(req[4:8], addr4[:])
		binary.BigEndian.PutUint16(req[8:10], c.target.Port())
	} else {
		req = make([]byte, 22)
		req[3] = socks5AtypIPv6
		addr16 := addr.As16()
		copy(req[4:20], addr16[:])
		binary.BigEndian.PutUint16(req[20:22], c.target.Port())
	}
	req[0] = socks5Version
	req[1] = socks5Connect
	req[2] = 0x00

	c.sock.Send(req, func(err error) {
		if err != nil {
			result <- err
			return
		}
		readSocks5Reply(c.sock, timeout, func(_ netip.AddrPort, err error) {
			result <- err
		})
	})
}

// readSocks5Reply reads a variable-length SOCKS5 reply (4-byte fixed
// header, then an address of length depending on ATYP, then a 2-byte
// port), enforcing the maxReplySize bound, and reports the bound address
// the reply carries (meaningful for UDP-ASSOCIATE; ignored by CONNECT).
func readSocks5Reply(sock *asocket.Socket, timeout time.Duration, done func(addr netip.AddrPort, err error)) {
	var buf []byte
	needed := -1
	sock.Receive(timeout, func(chunk []byte) bool {
		buf = append(buf, chunk...)
		if len(buf) > maxReplySize {
			return true
		}
		if needed < 0 && len(buf) >= 4 {
			switch buf[3] {
			case socks5AtypIPv4:
				needed = 4 + 4 + 2
			case socks5AtypIPv6:
				needed = 4 + 16 + 2
			default:
				needed = len(buf) // unsupported, stop and fail below
			}
		}
		return needed >= 0 && len(buf) >= needed
	}, func(err error) {
		if err != nil {
			done(netip.AddrPort{}, err)
			return
		}
		if len(buf) < 4 || buf[0] != socks5Version || buf[1] != socks5Succeeded || needed < 0 || len(buf) > maxReplySize {
			done(netip.AddrPort{}, errs.New(errs.KindBadProxyReply, "socks5: bad connect reply"))
			return
		}
		addr, ok := parseBoundAddress(buf)
		if !ok {
			done(netip.AddrPort{}, errs.New(errs.KindBadProxyReply, "socks5: malformed bound address"))
			return
		}
		done(addr, nil)
	})
}

func parseBoundAddress(reply []byte) (netip.AddrPort, bool) {
	switch reply[3] {
	case socks5AtypIPv4:
		if len(reply) < 10 {
			return netip.AddrPort{}, false
		}
		ip := netip.AddrFrom4([4]byte(reply[4:8]))
		port := binary.BigEndian.Uint16(reply[8:10])
		return netip.AddrPortFrom(ip, port), true
	case socks5AtypIPv6:
		if len(reply) < 22 {
			return netip.AddrPort{}, false
		}
		ip := netip.AddrFrom16([16]byte(reply[4:20]))
		port := binary.BigEndian.Uint16(reply[20:22])
		return netip.AddrPortFrom(ip, port), true
	default:
		return netip.AddrPort{}, false
	}
}

// tunnelConn adapts a Socket that has completed a SOCKS handshake into a
// plain net.Conn for the caller (upstream transports read/write through
// it as if it were a direct connection to the target).
type tunnelConn struct {
	sock *asocket.Socket
	raw  net.Conn
}

func newTunnelConn(sock *asocket.Socket) net.Conn {
	return &tunnelConn{sock: sock}
}

func (t *tunnelConn) Read(b []byte) (int, error) {
	n := 0
	errc := make(chan error, 1)
	t.sock.Receive(0, func(chunk []byte) bool {
		n = copy(b, chunk)
		return true
	}, func(err error) { errc <- err })
	return n, <-errc
}

func (t *tunnelConn) Write(b []byte) (int, error) {
	errc := make(chan error, 1)
	t.sock.Send(b, func(err error) { errc <- err })
	if err := <-errc; err != nil {
		return 0, err
	}
	return len(b), nil
}

func (t *tunnelConn) Close() error                       { t.sock.Close(); return nil }
func (t *tunnelConn) LocalAddr() net.Addr                { return dummyAddr{} }
func (t *tunnelConn) RemoteAddr() net.Addr               { return dummyAddr{} }
func (t *tunnelConn) SetDeadline(time.Time) error        { return nil }
func (t *tunnelConn) SetReadDeadline(time.Time) error    { return nil }
func (t *tunnelConn) SetWriteDeadline(time.Time) error   { return nil }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "socks-tunnel" }
