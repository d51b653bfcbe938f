package socks

import (
	"encoding/binary"
	"net"
	"net/netip"
	"sync"
	"time"

	"dnsforward/asocket"
	"dnsforward/errs"
	"dnsforward/logging"
)

// Association is the single UDP-ASSOCIATE control connection shared by
// every UDP flow on one event loop (spec §4.2 SOCKS5 UDP, points 1-5).
// Manager guarantees at most one Association exists per loop at a time.
type Association struct {
	cfg Config

	mu      sync.Mutex
	state   State
	control *asocket.Socket
	bound   netip.AddrPort
	flows   map[*UDPFlow]struct{}
}

// UDPFlow is one logical UDP query tunnelled through an Association's
// bound relay address.
type UDPFlow struct {
	assoc *Association
	udp   net.Conn

	onBound    func(err error)
	onData     func(data []byte)
	onFailed   func(err error)
	onReceived chan struct{}
}

// Manager owns the at-most-one-Association-per-loop invariant (spec §4.2
// point 2: "no duplicate association is started").
type Manager struct {
	mu    sync.Mutex
	assoc *Association
}

// NewManager creates a Manager scoped to one event loop.
func NewManager() *Manager { return &Manager{} }

// NewFlow returns a UDP flow parked on (creating, if necessary) the loop's
// shared Association. onBound fires once the flow can send/receive
// datagrams, or with an error if the association failed while connecting.
func (m *Manager) NewFlow(cfg Config, relayTimeout time.Duration, onBound func(err error), onData func(data []byte)) *UDPFlow {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow := &UDPFlow{onBound: onBound, onData: onData}

	if m.assoc != nil && m.assoc.state != StateClosing {
		flow.assoc = m.assoc
		m.assoc.mu.Lock()
		m.assoc.flows[flow] = struct{}{}
		alreadyConnected := m.assoc.state == StateConnected
		bound := m.assoc.bound
		m.assoc.mu.Unlock()
		if alreadyConnected {
			flow.connectRelay(bound)
		}
		// else: parked, connected once the control channel reports bound.
		return flow
	}

	assoc := &Association{
		cfg:   cfg,
		state: StateConnectingSocket,
		flows: map[*UDPFlow]struct{}{flow: {}},
	}
	flow.assoc = assoc
	m.assoc = assoc
	assoc.start(relayTimeout, func() { m.forgetIfCurrent(assoc) })
	return flow
}

func (m *Manager) forgetIfCurrent(a *Association) {
	m.mu.Lock()
	if m.assoc == a {
		m.assoc = nil
	}
	m.mu.Unlock()
}

// start negotiates the control TCP connection through SOCKS5 to
// UDP-ASSOCIATE and, once bound, connects every parked flow.
func (a *Association) start(timeout time.Duration, onTerminated func()) {
	a.control = asocket.New("tcp")
	a.control.Connect(a.cfg.Address, timeout, func(err error) {
		if err != nil {
			a.fail(err, onTerminated)
			return
		}
		a.negotiate(timeout, onTerminated)
	})
}

func (a *Association) negotiate(timeout time.Duration, onTerminated func()) {
	methods := []byte{socks5NoAuth}
	if a.cfg.useSocks5Auth() {
		methods = append(methods, socks5UserPass)
	}
	req := append([]byte{socks5Version, byte(len(methods))}, methods...)
	a.control.Send(req, func(err error) {
		if err != nil {
			a.fail(err, onTerminated)
			return
		}
		a.control.Receive(timeout, fixedSizeReader(2), func(err error) {
			if err != nil {
				a.fail(err, onTerminated)
				return
			}
			a.sendAssociate(timeout, onTerminated)
		})
	})
}

func (a *Association) sendAssociate(timeout time.Duration, onTerminated func()) {
	// Associate with 0.0.0.0:0: the client address is unknown/irrelevant
	// to the proxy from our side of a TCP control channel.
	req := []byte{socks5Version, socks5UDPAssoc, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	a.control.Send(req, func(err error) {
		if err != nil {
			a.fail(err, onTerminated)
			return
		}
		readSocks5Reply(a.control, timeout, func(bound netip.AddrPort, err error) {
			if err != nil {
				a.fail(err, onTerminated)
				return
			}
			a.onAssociated(bound, onTerminated)
		})
	})
}

func (a *Association) onAssociated(bound netip.AddrPort, onTerminated func()) {
	a.mu.Lock()
	a.state = StateConnected
	a.bound = bound
	flows := make([]*UDPFlow, 0, len(a.flows))
	for f := range a.flows {
		flows = append(flows, f)
	}
	a.mu.Unlock()

	for _, f := range flows {
		f.connectRelay(bound)
	}

	a.watchControl(onTerminated)
}

// watchControl keeps reading the (otherwise silent) control channel; any
// data received, or any non-timeout error, terminates the association
// (spec §4.2 point 4-5).
func (a *Association) watchControl(onTerminated func()) {
	a.control.Receive(0, func(chunk []byte) bool {
		a.terminate(errs.New(errs.KindUnexpectedData, "socks5 udp control channel received data"), onTerminated)
		return true
	}, func(err error) {
		if err == nil {
			return
		}
		if errs.Is(err, errs.KindTimeout) {
			// Idle timeout on an established association is normal.
			return
		}
		a.terminate(err, onTerminated)
	})
}

func (a *Association) fail(err error, onTerminated func()) {
	a.mu.Lock()
	flows := make([]*UDPFlow, 0, len(a.flows))
	for f := range a.flows {
		flows = append(flows, f)
	}
	a.mu.Unlock()
	for _, f := range flows {
		if f.onFailed != nil {
			f.onFailed(err)
		} else if f.onBound != nil {
			f.onBound(err)
		}
	}
	a.control.Close()
	onTerminated()
}

func (a *Association) terminate(cause error, onTerminated func()) {
	a.mu.Lock()
	if a.state == StateClosing {
		a.mu.Unlock()
		return
	}
	a.state = StateClosing
	flows := make([]*UDPFlow, 0, len(a.flows))
	for f := range a.flows {
		flows = append(flows, f)
	}
	a.mu.Unlock()

	wrapped := errs.Wrap(errs.KindUDPAssociationTerminated, "socks5 udp association terminated", cause)
	for _, f := range flows {
		if f.onFailed != nil {
			f.onFailed(wrapped)
		}
		f.closeRelay()
	}
	a.control.Close()
	onTerminated()
	logging.Debugf("socks5 udp association terminated: %v", cause)
}

func (f *UDPFlow) connectRelay(bound netip.AddrPort) {
	conn, err := net.Dial("udp", bound.String())
	if err != nil {
		if f.onBound != nil {
			f.onBound(err)
		}
		return
	}
	f.udp = conn
	if f.onBound != nil {
		f.onBound(nil)
	}
	go f.readLoop()
}

func (f *UDPFlow) readLoop() {
	defer logging.RecoverPanic("socks5 udp flow read loop")
	buf := make([]byte, 64*1024)
	for {
		n, err := f.udp.Read(buf)
		if err != nil {
			return
		}
		data, ok := stripUDPHeader(buf[:n])
		if ok && f.onData != nil {
			f.onData(data)
		}
	}
}

// Send frames payload with the SOCKS5 UDP header (rsv, frag=0, atyp, addr,
// port) and writes it to the relay (spec §4.2 point 3).
func (f *UDPFlow) Send(dst netip.AddrPort, payload []byte) error {
	if f.udp == nil {
		return errs.ErrUDPAssociationNotFound
	}
	framed := addUDPHeader(dst, payload)
	_, err := f.udp.Write(framed)
	return err
}

func addUDPHeader(dst netip.AddrPort, payload []byte) []byte {
	addr := dst.Addr()
	var header []byte
	if addr.Is4() {
		header = make([]byte, 4+4+2)
		header[3] = socks5AtypIPv4
		ip4 := addr.As4()
		copy(header[4:8], ip4[:])
		binary.BigEndian.PutUint16(header[8:10], dst.Port())
	} else {
		header = make([]byte, 4+16+2)
		header[3] = socks5AtypIPv6
		ip6 := addr.As16()
		copy(header[4:20], ip6[:])
		binary.BigEndian.PutUint16(header[20:22], dst.Port())
	}
	return append(header, payload...)
}

func stripUDPHeader(datagram []byte) ([]byte, bool) {
	if len(datagram) < 4 {
		return nil, false
	}
	switch datagram[3] {
	case socks5AtypIPv4:
		if len(datagram) < 10 {
			return nil, false
		}
		return datagram[10:], true
	case socks5AtypIPv6:
		if len(datagram) < 22 {
			return nil, false
		}
		return datagram[22:], true
	default:
		return nil, false
	}
}

// Close removes this flow from its association; if it was the last flow,
// the association's control channel is also closed (spec §4.2 point 5).
func (f *UDPFlow) Close() {
	f.closeRelay()
	a := f.assoc
	if a == nil {
		return
	}
	a.mu.Lock()
	delete(a.flows, f)
	empty := len(a.flows) == 0
	a.mu.Unlock()
	if empty {
		a.control.Close()
	}
}

func (f *UDPFlow) closeRelay() {
	if f.udp != nil {
		_ = f.udp.Close()
	}
}
