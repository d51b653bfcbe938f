package upstream

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnsforward/types"
)

// startFakeSocks5UDPRelay runs a minimal SOCKS5 server offering only
// UDP-ASSOCIATE: it negotiates no-auth, replies with a bound relay
// address pointing at a real UDP socket, and that socket answers any
// datagram (SOCKS5-UDP-framed) it receives with a DNS response carrying
// fixedIP, framed the same way, for exercising plainUpstream's SOCKS5 UDP
// wiring end to end.
func startFakeSocks5UDPRelay(t *testing.T, fixedIP string) (proxyAddr string) {
	t.Helper()

	relayConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { relayConn.Close() })
	relayAddr := relayConn.LocalAddr().(*net.UDPAddr)

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := relayConn.ReadFrom(buf)
			if err != nil {
				return
			}
			datagram := buf[:n]
			if len(datagram) < 10 || datagram[3] != 0x01 {
				continue
			}
			payload := datagram[10:]

			req := new(dns.Msg)
			if err := req.Unpack(payload); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A " + fixedIP)
			resp.Answer = append(resp.Answer, rr)
			packed, err := resp.Pack()
			if err != nil {
				continue
			}

			header := make([]byte, 10)
			header[3] = 0x01
			copy(header[4:8], relayAddr.IP.To4())
			binary.BigEndian.PutUint16(header[8:10], uint16(relayAddr.Port))
			_, _ = relayConn.WriteTo(append(header, packed...), from)
		}
	}()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		methodReq := make([]byte, 3)
		if _, err := io.ReadFull(conn, methodReq); err != nil {
			return
		}
		if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
			return
		}

		assocReq := make([]byte, 10)
		if _, err := io.ReadFull(conn, assocReq); err != nil {
			return
		}

		reply := make([]byte, 10)
		reply[0] = 0x05
		reply[3] = 0x01
		copy(reply[4:8], relayAddr.IP.To4())
		binary.BigEndian.PutUint16(reply[8:10], uint16(relayAddr.Port))
		_, _ = conn.Write(reply)

		// Keep the control channel open and silent, as a real SOCKS5
		// server does for the lifetime of the association.
		_, _ = io.Copy(io.Discard, conn)
	}()

	return ln.Addr().String()
}

// startFakeServer runs a UDP+TCP DNS server on 127.0.0.1 answering A
// queries with fixedIP, for exercising the real transport implementations
// end to end without any network mocking.
func startFakeServer(t *testing.T, fixedIP string) (udpAddr, tcpAddr string) {
	t.Helper()
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A " + fixedIP)
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	udpSrv := &dns.Server{PacketConn: pc, Handler: mux}
	go udpSrv.ActivateAndServe()
	t.Cleanup(func() { udpSrv.Shutdown() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpSrv := &dns.Server{Listener: ln, Handler: mux}
	go tcpSrv.ActivateAndServe()
	t.Cleanup(func() { tcpSrv.Shutdown() })

	return pc.LocalAddr().String(), ln.Addr().String()
}

func queryA(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return m
}

func TestNewDispatchesPlainUDPByDefault(t *testing.T) {
	up, err := New(types.UpstreamOptions{Scheme: types.SchemePlainUDP, Address: "127.0.0.1:53", Timeout: time.Second})
	require.NoError(t, err)
	_, ok := up.(*plainUpstream)
	assert.True(t, ok)
}

func TestNewDispatchesPlainTCP(t *testing.T) {
	up, err := New(types.UpstreamOptions{Scheme: types.SchemePlainTCP, Address: "127.0.0.1:53", Timeout: time.Second})
	require.NoError(t, err)
	_, ok := up.(*tcpUpstream)
	assert.True(t, ok)
}

func TestNewUnsupportedSchemeErrors(t *testing.T) {
	_, err := New(types.UpstreamOptions{Scheme: "bogus", Address: "127.0.0.1:53"})
	require.Error(t, err)
}

func TestPlainUpstreamExchangeOverUDP(t *testing.T) {
	udpAddr, _ := startFakeServer(t, "192.0.2.50")
	u := newPlainUpstream(types.UpstreamOptions{Address: udpAddr, Timeout: time.Second})

	resp, err := u.Exchange(t.Context(), queryA("plain.example"), ExchangeInfo{})
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.50", a.A.String())

	rtt, known := u.RTTEstimate()
	assert.True(t, known)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestPlainUpstreamExchangeFailurePenalizesRTT(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close() // nothing listening: the exchange must fail fast

	u := newPlainUpstream(types.UpstreamOptions{Address: addr, Timeout: 200 * time.Millisecond})
	_, err = u.Exchange(t.Context(), queryA("fail.example"), ExchangeInfo{})
	require.Error(t, err)

	rtt, known := u.RTTEstimate()
	assert.True(t, known)
	assert.Equal(t, 400*time.Millisecond, rtt, "penalize uses 2x the configured timeout")
}

func TestPlainUpstreamExchangeRoutesThroughSocks5UDPProxy(t *testing.T) {
	proxyAddr := startFakeSocks5UDPRelay(t, "192.0.2.77")
	u := newPlainUpstream(types.UpstreamOptions{
		Address:       "203.0.113.53:53",
		Timeout:       2 * time.Second,
		SOCKS5Address: proxyAddr,
	})
	require.NotNil(t, u.udpProxy, "a configured SOCKS5Address must build the UDP association manager")

	resp, err := u.Exchange(t.Context(), queryA("proxied.example"), ExchangeInfo{})
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.77", a.A.String())
}

func TestPlainUpstreamExchangeFailurePenalizesPoolMaxWhenSet(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	u := newPlainUpstream(types.UpstreamOptions{Address: addr, Timeout: 200 * time.Millisecond})
	_, err = u.Exchange(t.Context(), queryA("fail.example"), ExchangeInfo{PoolMaxRTT: 5 * time.Second})
	require.Error(t, err)

	rtt, known := u.RTTEstimate()
	assert.True(t, known)
	assert.Equal(t, 10*time.Second, rtt, "penalize scales the pool's known max, not this upstream's own timeout")
}

func TestExchangeInfoPenaltyRTTFallsBackWithoutPoolMax(t *testing.T) {
	info := ExchangeInfo{}
	assert.Equal(t, 3*time.Second, info.penaltyRTT(3*time.Second))
}

func TestExchangeInfoPenaltyRTTPrefersPoolMax(t *testing.T) {
	info := ExchangeInfo{PoolMaxRTT: 7 * time.Second}
	assert.Equal(t, 7*time.Second, info.penaltyRTT(3*time.Second))
}

func TestTCPUpstreamExchangeOverPooledConn(t *testing.T) {
	_, tcpAddr := startFakeServer(t, "192.0.2.60")
	u := newTCPUpstream(types.UpstreamOptions{Address: tcpAddr, Timeout: time.Second})
	defer u.Close()

	resp, err := u.Exchange(t.Context(), queryA("tcp.example"), ExchangeInfo{})
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	// A second exchange should reuse the pooled connection without error.
	resp2, err := u.Exchange(t.Context(), queryA("tcp2.example"), ExchangeInfo{})
	require.NoError(t, err)
	require.Len(t, resp2.Answer, 1)
}

func TestWeightUnknownRTTIsNeutral(t *testing.T) {
	u := &plainUpstream{opts: types.UpstreamOptions{}}
	assert.Equal(t, 1.0, Weight(u))
}

func TestWeightIsInverseOfRTTMillis(t *testing.T) {
	u := &plainUpstream{}
	u.rtt.update(50 * time.Millisecond)
	assert.InDelta(t, 1.0/50.0, Weight(u), 0.0001)
}

func TestWeightFloorsSubMillisecondRTT(t *testing.T) {
	u := &plainUpstream{}
	u.rtt.update(100 * time.Microsecond)
	assert.Equal(t, 1.0, Weight(u))
}
