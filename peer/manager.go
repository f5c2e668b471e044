package peer

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"sync"
	"time"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/identity"
	"github.com/direct-connect/dcpp-engine/metrics"
	"github.com/direct-connect/dcpp-engine/registry"
)

var Debug bool

// downloadsPerSecondDefault stands in for SETTING(DOWNCONN_PER_SEC);
// NewManager doubles it to cap first-attempt connects per Tick, per spec
// §4.G ("SETTING(DOWNCONN_PER_SEC) * 2").
const downloadsPerSecondDefault = 2

// Connector is the subset of registry.Registry the manager needs to kick
// off an outbound connect for a CQI.
type Connector interface {
	Connect(locator registry.OnlineUserLocator, cid adc.CID, hintURL, token string, allowHubChange bool, kind int) (registry.ConnectResult, error)
}

// Manager owns the peer connection listeners, the outbound dialer, the CQI
// set and the per-second tick that drives it, per spec §4.G.
type Manager struct {
	connector Connector
	tokens    *TokenRegistry
	queue     QueueProvider

	downPerSec int

	mu          sync.Mutex
	cqis        map[string]*CQI // keyed by token
	conns       map[string]*PeerConnection
	shuttingDown bool

	listeners []net.Listener
	stop      chan struct{}
	stopped   chan struct{}

	onIncoming func(net.Conn, *PeerConnection)
}

// QueueProvider mirrors share.QueueProvider to avoid importing share just
// for this one method signature; the concrete wiring in cmd/dcclient
// passes the same implementation to both.
type QueueProvider interface {
	StartDownload(cid adc.CID, hub string, smallSlot bool) (hasWork, shouldConnect bool, hubHint string)
}

func NewManager(connector Connector, queue QueueProvider) *Manager {
	return &Manager{
		connector:  connector,
		tokens:     NewTokenRegistry(),
		queue:      queue,
		downPerSec: downloadsPerSecondDefault * 2,
		cqis:       make(map[string]*CQI),
		conns:      make(map[string]*PeerConnection),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Listen starts a TCP acceptor on addr; if tlsConf is non-nil the listener
// wraps accepted connections in TLS, per spec §4.G's "two per-family
// acceptors, one plain, one TLS".
func (m *Manager) Listen(network, addr string, tlsConf *tls.Config) error {
	var l net.Listener
	var err error
	if tlsConf != nil {
		l, err = tls.Listen(network, addr, tlsConf)
	} else {
		l, err = net.Listen(network, addr)
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
	go m.acceptLoop(l)
	return nil
}

func (m *Manager) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
			}
			if Debug {
				log.Println("peer: accept:", err)
			}
			return
		}
		go m.handleIncoming(conn)
	}
}

// handleIncoming records an accepted connection in the manager's
// bookkeeping and hands it to the callback set via OnIncoming; it does no
// handshake or TO-token matching itself. The handshake (SUPNICK/INF/KEY)
// is left to that callback, since actual file-transfer takeover is outside
// this core's scope (spec §1).
func (m *Manager) handleIncoming(conn net.Conn) {
	pc := &PeerConnection{state: HSConnect}
	key := conn.RemoteAddr().String()
	m.mu.Lock()
	m.conns[key] = pc
	m.mu.Unlock()
	metrics.PeerConnsOpen.Inc()
	if m.onIncoming != nil {
		m.onIncoming(conn, pc)
	}
}

// Forget drops the manager's bookkeeping entry for a peer connection once
// its handshake driver is done with it (transfer takeover or close),
// letting Shutdown's drain loop observe the connection list shrink.
func (m *Manager) Forget(conn net.Conn) {
	key := conn.RemoteAddr().String()
	m.mu.Lock()
	_, ok := m.conns[key]
	delete(m.conns, key)
	m.mu.Unlock()
	if ok {
		metrics.PeerConnsOpen.Dec()
	}
}

// OnIncoming registers the callback that drives the post-accept handshake,
// set separately from the constructor so tests can exercise the manager
// without one.
func (m *Manager) OnIncoming(fn func(net.Conn, *PeerConnection)) {
	m.onIncoming = fn
}

// GetDownloadConnection implements spec §4.G's MCN-aware CQI lookup: reuse
// an existing non-small CQI for the user, or create one; smallSlot CQIs
// bypass the per-user cap and only apply to MCN-capable users (scenario vi).
func (m *Manager) GetDownloadConnection(u *identity.User, hubHint string, smallSlot bool, isMCN bool, maxConns int) *CQI {
	m.mu.Lock()
	defer m.mu.Unlock()

	if smallSlot {
		if !isMCN {
			return nil
		}
		tok, err := m.tokens.Mint(KindDownload)
		if err != nil {
			return nil
		}
		c := &CQI{User: u, HubHint: hubHint, Token: tok, Kind: KindDownload, DownloadTyp: DownloadSmall, MultiSource: true, MaxConns: maxConns}
		m.cqis[tok] = c
		return c
	}

	for _, c := range m.cqis {
		if c.User == u && c.DownloadTyp == DownloadNormal && !c.Remove {
			return c
		}
	}
	tok, err := m.tokens.Mint(KindDownload)
	if err != nil {
		return nil
	}
	c := &CQI{User: u, HubHint: hubHint, Token: tok, Kind: KindDownload, DownloadTyp: DownloadNormal, MultiSource: isMCN, MaxConns: maxConns}
	m.cqis[tok] = c
	return c
}

// runningCount returns the number of ACTIVE/RUNNING CQIs for u, used to
// enforce invariant 5 from spec §8 (MCN slot cap).
func (m *Manager) runningCount(u *identity.User) int {
	n := 0
	for _, c := range m.cqis {
		if c.User == u && (c.getState() == Active || c.getState() == Running) {
			n++
		}
	}
	return n
}

// Tick runs one pass of the per-second loop described in spec §4.G.
func (m *Manager) Tick(ctx context.Context, now time.Time, locator registry.OnlineUserLocator) {
	m.mu.Lock()
	cqis := make([]*CQI, 0, len(m.cqis))
	for _, c := range m.cqis {
		cqis = append(cqis, c)
	}
	m.mu.Unlock()

	attempts := 0
	for _, c := range cqis {
		if c.Remove || !c.User.Online() {
			m.dropCQI(c)
			continue
		}
		if c.getState() != Waiting {
			if c.getState() == ConnectingState && now.Sub(c.LastAttempt) > 50*time.Second {
				c.mu.Lock()
				c.Errors++
				c.State = Waiting
				c.mu.Unlock()
			}
			continue
		}
		if !c.BackoffDue(now) {
			continue
		}
		if attempts >= m.downPerSec {
			break
		}
		hasWork, shouldConnect, hint := m.queue.StartDownload(c.User.CID, c.HubHint, c.DownloadTyp == DownloadSmall)
		if !hasWork {
			continue
		}
		if hint != "" {
			c.mu.Lock()
			c.HubHint = hint
			c.mu.Unlock()
		}
		if !shouldConnect {
			continue
		}
		slotCap := SlotsPerUser(0)
		if c.MaxConns > 0 && c.MaxConns < slotCap {
			slotCap = c.MaxConns
		}
		if c.MultiSource && m.runningCount(c.User) >= slotCap {
			continue
		}
		c.setState(ConnectingState)
		c.mu.Lock()
		c.LastAttempt = now
		c.mu.Unlock()
		attempts++

		_, err := m.connector.Connect(locator, c.User.CID, c.HubHint, c.Token, true, int(c.Kind))
		if err != nil {
			metrics.PeerConnectAttempts.WithLabelValues("error").Inc()
			c.mu.Lock()
			c.Errors++
			c.State = Waiting
			c.mu.Unlock()
		} else {
			metrics.PeerConnectAttempts.WithLabelValues("ok").Inc()
		}
	}
}

func (m *Manager) dropCQI(c *CQI) {
	m.mu.Lock()
	delete(m.cqis, c.Token)
	m.mu.Unlock()
}

// Shutdown marks the manager as shutting down, closes listeners, and
// polls every 50ms until every connection has drained, yielding a
// progress fraction to progress on each poll, per spec §4.G.
func (m *Manager) Shutdown(progress func(remaining, total int)) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	for _, l := range m.listeners {
		l.Close()
	}
	close(m.stop)
	total := len(m.conns)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		remaining := len(m.conns)
		m.mu.Unlock()
		if progress != nil {
			progress(remaining, total)
		}
		if remaining == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
