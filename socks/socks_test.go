package socks

import (
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptOnce(t *testing.T, ln net.Listener, handle func(net.Conn)) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
}

func TestDialTCPSocks4HappyPath(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptOnce(t, ln, func(conn net.Conn) {
		req := make([]byte, 9)
		_, err := io.ReadFull(conn, req)
		require.NoError(t, err)
		assert.Equal(t, byte(socks4Version), req[0])
		assert.Equal(t, byte(socks4Connect), req[1])

		reply := make([]byte, 8)
		reply[1] = socks4Granted
		_, _ = conn.Write(reply)
	})

	target := netip.MustParseAddrPort("192.0.2.1:53")
	conn, err := DialTCP(Config{Address: ln.Addr().String()}, target, time.Second)
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialTCPSocks4RejectsDenied(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptOnce(t, ln, func(conn net.Conn) {
		req := make([]byte, 9)
		_, _ = io.ReadFull(conn, req)
		reply := make([]byte, 8)
		reply[1] = 0x5b // rejected
		_, _ = conn.Write(reply)
	})

	target := netip.MustParseAddrPort("192.0.2.1:53")
	_, err = DialTCP(Config{Address: ln.Addr().String()}, target, time.Second)
	require.Error(t, err)
}

func TestDialTCPSocks5NoAuthHappyPath(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptOnce(t, ln, func(conn net.Conn) {
		methodReq := make([]byte, 3) // ver, nmethods=1, method
		_, err := io.ReadFull(conn, methodReq)
		require.NoError(t, err)
		assert.Equal(t, byte(socks5Version), methodReq[0])

		_, _ = conn.Write([]byte{socks5Version, socks5NoAuth})

		connectReq := make([]byte, 10) // ver,cmd,rsv,atyp=ipv4,addr(4),port(2)
		_, err = io.ReadFull(conn, connectReq)
		require.NoError(t, err)
		assert.Equal(t, byte(socks5Connect), connectReq[1])
		assert.Equal(t, byte(socks5AtypIPv4), connectReq[3])

		reply := make([]byte, 10)
		reply[0] = socks5Version
		reply[1] = socks5Succeeded
		reply[3] = socks5AtypIPv4
		copy(reply[4:8], []byte{203, 0, 113, 1})
		binary.BigEndian.PutUint16(reply[8:10], 1080)
		_, _ = conn.Write(reply)
	})

	target := netip.MustParseAddrPort("192.0.2.1:53")
	conn, err := DialTCP(Config{Address: ln.Addr().String()}, target, time.Second)
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialTCPSocks5WithCredentialsAuthenticates(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptOnce(t, ln, func(conn net.Conn) {
		methodReq := make([]byte, 4) // ver, nmethods=2, noauth+userpass
		_, err := io.ReadFull(conn, methodReq)
		require.NoError(t, err)
		_, _ = conn.Write([]byte{socks5Version, socks5UserPass})

		// auth subnegotiation: ver, ulen, uname, plen, passwd
		hdr := make([]byte, 2)
		_, err = io.ReadFull(conn, hdr)
		require.NoError(t, err)
		uname := make([]byte, hdr[1])
		_, _ = io.ReadFull(conn, uname)
		assert.Equal(t, "alice", string(uname))

		plen := make([]byte, 1)
		_, _ = io.ReadFull(conn, plen)
		passwd := make([]byte, plen[0])
		_, _ = io.ReadFull(conn, passwd)
		assert.Equal(t, "secret", string(passwd))

		_, _ = conn.Write([]byte{socks5AuthVersion, socks5AuthSuccess})

		connectReq := make([]byte, 10)
		_, err = io.ReadFull(conn, connectReq)
		require.NoError(t, err)

		reply := make([]byte, 10)
		reply[0] = socks5Version
		reply[1] = socks5Succeeded
		reply[3] = socks5AtypIPv4
		_, _ = conn.Write(reply)
	})

	target := netip.MustParseAddrPort("192.0.2.1:53")
	conn, err := DialTCP(Config{Address: ln.Addr().String(), Username: "alice", Password: "secret"}, target, time.Second)
	require.NoError(t, err)
	defer conn.Close()
}

func TestDialTCPSocks5BadConnectReplyErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptOnce(t, ln, func(conn net.Conn) {
		methodReq := make([]byte, 3)
		_, _ = io.ReadFull(conn, methodReq)
		_, _ = conn.Write([]byte{socks5Version, socks5NoAuth})

		connectReq := make([]byte, 10)
		_, _ = io.ReadFull(conn, connectReq)

		reply := make([]byte, 10)
		reply[0] = socks5Version
		reply[1] = 0x01 // general SOCKS server failure
		reply[3] = socks5AtypIPv4
		_, _ = conn.Write(reply)
	})

	target := netip.MustParseAddrPort("192.0.2.1:53")
	_, err = DialTCP(Config{Address: ln.Addr().String()}, target, time.Second)
	require.Error(t, err)
}

func TestDialTCPTunnelConnReadWriteAfterHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	acceptOnce(t, ln, func(conn net.Conn) {
		defer close(serverDone)
		methodReq := make([]byte, 3)
		_, _ = io.ReadFull(conn, methodReq)
		_, _ = conn.Write([]byte{socks5Version, socks5NoAuth})

		connectReq := make([]byte, 10)
		_, _ = io.ReadFull(conn, connectReq)
		reply := make([]byte, 10)
		reply[0] = socks5Version
		reply[1] = socks5Succeeded
		reply[3] = socks5AtypIPv4
		_, _ = conn.Write(reply)

		buf := make([]byte, 4)
		_, err := io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))
		_, _ = conn.Write([]byte("pong"))
	})

	target := netip.MustParseAddrPort("192.0.2.1:53")
	conn, err := DialTCP(Config{Address: ln.Addr().String()}, target, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	n, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	<-serverDone
}

func TestUseSocks5AuthRequiresUsernameOrPassword(t *testing.T) {
	assert.False(t, Config{}.useSocks5Auth())
	assert.True(t, Config{Username: "u"}.useSocks5Auth())
	assert.True(t, Config{Password: "p"}.useSocks5Auth())
}
