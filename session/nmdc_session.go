package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/direct-connect/go-dc/tiger"
	nmdcp "github.com/direct-connect/go-dc/nmdc"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/crypto"
	"github.com/direct-connect/dcpp-engine/identity"
	"github.com/direct-connect/dcpp-engine/metrics"
	nmdcwire "github.com/direct-connect/dcpp-engine/nmdc"
	"github.com/direct-connect/dcpp-engine/peer"
	"github.com/direct-connect/dcpp-engine/registry"
	"github.com/direct-connect/dcpp-engine/share"
)

// nmdcKeepAliveIdle mirrors keepAliveIdle for the legacy variant: NMDC hubs
// expect a bare pipe rather than a bare newline.
const nmdcKeepAliveIdle = 120 * time.Second

// NmdcConfig is the identity offered to an NMDC hub during login.
type NmdcConfig struct {
	Nick        string
	Desc        string
	Email       string
	Speed       string // NMDC connection-speed token, e.g. "100Mbps"
	Slots       int
	Password    string
	ShareSize   int64
	Passive     bool
	Keyprint    string // pinned TLS keyprint for nmdcs:// hubs, spec §4.J
}

// NmdcSession drives one legacy ($-command, '|'-terminated) hub connection
// through the same Disconnected -> Protocol -> Identify -> Verify -> Normal
// states as AdcSession, per spec §4.D's "ADC + NMDC variants" and the
// glossary note that NMDC CIDs are synthesized from nick+hub rather than
// carried on the wire.
type NmdcSession struct {
	*Common
	Listeners Listeners

	conn     *nmdcwire.Conn
	reg      *registry.Registry
	shareSrc share.ShareProvider

	mu        sync.Mutex
	conf      NmdcConfig
	self      *identity.OnlineUser
	localPort int
	localSecure bool
	lastSend  time.Time
	extended  bool // hub's lock advertised EXTENDEDPROTOCOL support

	onPeerReady PeerHandshakeFunc
}

// NewNmdcSession wires up the session scaffolding around an already-dialed
// connection; call handshake (via DialNMDC) to actually log in.
func NewNmdcSession(url string, conn *nmdcwire.Conn, conf NmdcConfig, reg *registry.Registry, shareSrc share.ShareProvider) *NmdcSession {
	c := NewCommon(url, "nmdc")
	s := &NmdcSession{
		Common:   c,
		conn:     conn,
		reg:      reg,
		shareSrc: shareSrc,
		conf:     conf,
	}
	c.OwnSID = synthesizeSID(synthesizeCID(url, conf.Nick))
	return s
}

func (s *NmdcSession) URL() string { return s.Common.URL }

func (s *NmdcSession) OnPeerReady(fn PeerHandshakeFunc) { s.onPeerReady = fn }

func (s *NmdcSession) SetLocalEndpoint(port int, secure bool) {
	s.mu.Lock()
	s.localPort, s.localSecure = port, secure
	s.mu.Unlock()
}

// DialNMDC connects to addr and runs the full NMDC login handshake.
func DialNMDC(ctx context.Context, addr string, conf NmdcConfig, reg *registry.Registry, shareSrc share.ShareProvider) (*NmdcSession, error) {
	policy := crypto.VerifyPolicy{AllowUntrusted: true, ExpectedKeyprint: conf.Keyprint}
	conn, err := nmdcwire.DialContext(ctx, addr, policy)
	if err != nil {
		return nil, err
	}
	s := NewNmdcSession(addr, conn, conf, reg, shareSrc)
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	go s.readLoop()
	go s.keepAliveLoop()
	return s, nil
}

// synthesizeCID derives the CID the registry interns for an NMDC user, per
// the glossary: "NMDC: CIDs synthesized from nick+hub". Tiger's 24-byte
// digest is exactly the CID width, so no truncation/padding is needed, the
// same convention adc.HashPID relies on.
func synthesizeCID(hubURL, nick string) adc.CID {
	h := tiger.HashBytes([]byte(hubURL + "\x00" + nick))
	var cid adc.CID
	copy(cid[:], h[:])
	return cid
}

// synthesizeSID derives a hub-scoped SID from a synthesized CID, since NMDC
// has no SID concept of its own: the session still needs one to key the
// Common roster shared with AdcSession.
func synthesizeSID(cid adc.CID) adc.SID {
	var sid adc.SID
	copy(sid[:], cid[:4])
	return sid
}

// nmdcLockExtended reports whether a hub's $Lock advertises the extended
// protocol, per CryptoManager::isExtended.
func nmdcLockExtended(lock string) bool {
	return strings.HasPrefix(lock, "EXTENDEDPROTOCOL")
}

// nmdcMakeKey computes the $Key response to a $Lock challenge, grounded
// directly on CryptoManager::makeKey/keySubst: each lock byte is XORed with
// its predecessor (the first with a constant 5) and nibble-swapped, the
// first byte is then XORed with the last transformed byte, and any byte in
// {0, 5, 36, 96, 124, 126} is substituted with the literal "/%DCNxxx%/"
// escape sequence the legacy protocol reserves those values for.
func nmdcMakeKey(lock string) string {
	if len(lock) < 3 {
		return ""
	}
	raw := []byte(lock)
	tmp := make([]byte, len(raw))
	v := raw[0] ^ 5
	tmp[0] = (v>>4 | v<<4) & 0xff
	for i := 1; i < len(raw); i++ {
		v = raw[i] ^ raw[i-1]
		tmp[i] = (v>>4 | v<<4) & 0xff
	}
	tmp[0] ^= tmp[len(tmp)-1]

	var b strings.Builder
	for _, c := range tmp {
		if nmdcIsExtra(c) {
			fmt.Fprintf(&b, "/%%DCN%03d%%/", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func nmdcIsExtra(b byte) bool {
	switch b {
	case 0, 5, 36, 96, 124, 126:
		return true
	}
	return false
}

func (s *NmdcSession) handshake() error {
	s.setState(Protocol)
	deadline := time.Now().Add(loginDeadline)

	m, err := s.conn.ReadMsg(deadline)
	if err != nil {
		return fmt.Errorf("session: nmdc: read lock: %w", err)
	}
	lock, ok := m.(*nmdcp.Lock)
	if !ok {
		return fmt.Errorf("session: nmdc: expected $Lock, got %T", m)
	}
	s.setState(Identify)

	s.extended = nmdcLockExtended(lock.Lock)
	if s.extended {
		if err := s.conn.WriteOneMsg(&nmdcp.Supports{Ext: []string{
			"UserCommand", "NoGetINFO", "NoHello", "UserIP2", "TTHSearch", "ZPipe0",
		}}); err != nil {
			return err
		}
	}
	key := nmdcMakeKey(lock.Lock)
	if err := s.conn.WriteMsg(&nmdcp.Key{Key: key}); err != nil {
		return err
	}
	if err := s.conn.WriteOneMsg(&nmdcp.ValidateNick{Name: s.conf.Nick}); err != nil {
		return err
	}

	for {
		m, err := s.conn.ReadMsg(deadline)
		if err != nil {
			return fmt.Errorf("session: nmdc: login: %w", err)
		}
		switch v := m.(type) {
		case *nmdcp.GetPass:
			s.setState(Verify)
			if err := s.conn.WriteOneMsg(&nmdcp.MyPass{Password: s.conf.Password}); err != nil {
				return err
			}
		case *nmdcp.BadPass:
			return fmt.Errorf("session: nmdc: bad password")
		case *nmdcp.ValidateDenide:
			return fmt.Errorf("session: nmdc: nick taken: %s", v.Name)
		case *nmdcp.HubIsFull:
			return fmt.Errorf("session: nmdc: hub full")
		case *nmdcp.Failed:
			return fmt.Errorf("session: nmdc: %s", v.Text)
		case *nmdcp.ChatMessage:
			s.Listeners.Fire(Event{Kind: EventStatusMessage, Text: v.Text})
		case *nmdcp.Hello:
			if !strings.EqualFold(v.Name, s.conf.Nick) {
				// a roster entry for someone else; handled in NORMAL below.
				continue
			}
			s.setState(Normal)
			cid := synthesizeCID(s.URL(), s.conf.Nick)
			u := identity.NewUser(cid)
			if s.reg != nil {
				u = s.reg.InternUser(cid)
			}
			ou := identity.NewOnlineUser(u, s.OwnSID, s)
			ou.Identity.Set("NI", s.conf.Nick)
			ou.Identity.Set("DE", s.conf.Desc)
			ou.Identity.Set("EM", s.conf.Email)
			ou.Identity.Set("US", s.conf.Speed)
			ou.Identity.Set("SL", strconv.Itoa(s.conf.Slots))
			ou.Identity.Set("SS", strconv.FormatInt(s.conf.ShareSize, 10))
			s.mu.Lock()
			s.self = ou
			s.mu.Unlock()
			s.PutUser(ou)
			u.SetFlag(identity.FlagOnline, true)
			u.SetFlag(identity.FlagNMDC, true)
			u.SetFlag(identity.FlagPassive, s.conf.Passive)

			if err := s.conn.WriteOneMsg(&nmdcp.Version{Vers: "1,0091"}); err != nil {
				return err
			}
			if err := s.conn.WriteOneMsg(&nmdcp.GetNickList{}); err != nil {
				return err
			}
			if err := s.sendMyInfo(); err != nil {
				return err
			}
			return nil
		}
	}
}

// sendMyInfo announces our own $MyINFO, per spec §4.D's info-push and the
// original's NmdcHub::myInfo.
func (s *NmdcSession) sendMyInfo() error {
	s.mu.Lock()
	conf := s.conf
	s.mu.Unlock()
	mode := byte('P')
	if !conf.Passive {
		mode = 'A'
	}
	mi := &nmdcp.MyInfo{
		Name:  conf.Nick,
		Desc:  conf.Desc,
		Email: conf.Email,
		Share: conf.ShareSize,
		Conn:  conf.Speed,
		Mode:  mode,
		Slots: conf.Slots,
	}
	return s.sendHub(mi)
}

func (s *NmdcSession) readLoop() {
	for {
		select {
		case <-s.Closed():
			return
		default:
		}
		m, err := s.conn.ReadMsg(time.Time{})
		if err != nil {
			s.teardown(err)
			return
		}
		s.dispatch(m)
	}
}

func (s *NmdcSession) keepAliveLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-s.Closed():
			return
		case <-t.C:
			s.mu.Lock()
			idle := time.Since(s.lastSend)
			s.mu.Unlock()
			if s.State() == Normal && idle >= nmdcKeepAliveIdle {
				if err := s.conn.WriteLine([]byte("|")); err == nil {
					s.conn.Flush()
					s.mu.Lock()
					s.lastSend = time.Now()
					s.mu.Unlock()
				}
			}
		}
	}
}

func (s *NmdcSession) teardown(err error) {
	s.Listeners.Fire(Event{Kind: EventFailed, Err: err})
	s.Shutdown()
}

func (s *NmdcSession) dispatch(m nmdcp.Message) {
	switch v := m.(type) {
	case *nmdcp.Hello:
		s.applyHello(v)
	case *nmdcp.MyInfo:
		s.applyMyInfo(v)
	case *nmdcp.Quit:
		s.handleQuitNmdc(v)
	case *nmdcp.ChatMessage:
		s.handleChatNmdc(v)
	case *nmdcp.PrivateMessage:
		s.handlePMNmdc(v)
	case *nmdcp.Search:
		s.handleSearchNmdc(v)
	case *nmdcp.SR:
		s.handleSRNmdc(v)
	case *nmdcp.ConnectToMe:
		s.handleConnectToMeNmdc(v)
	case *nmdcp.RevConnectToMe:
		s.handleRevConnectToMeNmdc(v)
	case *nmdcp.ForceMove:
		old := s.URL()
		if s.reg != nil {
			if err := s.reg.SetClientURL(old, v.Address); err == nil {
				s.Common.URL = v.Address
			}
		}
		s.teardown(fmt.Errorf("session: nmdc: redirected to %s", v.Address))
	case *nmdcp.HubName:
		s.Listeners.Fire(Event{Kind: EventHubUpdated, Text: v.Name})
	case *nmdcp.HubTopic:
		s.Listeners.Fire(Event{Kind: EventHubUpdated, Text: v.Text})
	case *nmdcp.NickList, *nmdcp.OpList:
		// roster snapshots are not acted on: no $GetINFO is sent for the
		// listed nicks, and per-user state arrives only via $Hello and
		// $MyINFO.
	default:
		if Debug {
			log.Printf("session: nmdc: unhandled message %T", m)
		}
	}
}

func (s *NmdcSession) applyHello(h *nmdcp.Hello) {
	if strings.EqualFold(h.Name, s.conf.Nick) {
		return
	}
	ou := s.userByNick(h.Name)
	isNew := ou == nil
	if isNew {
		if s.reg == nil {
			return
		}
		cid := synthesizeCID(s.URL(), h.Name)
		u := s.reg.InternUser(cid)
		ou = identity.NewOnlineUser(u, synthesizeSID(cid), s)
		ou.Identity.Set("NI", h.Name)
		s.PutUser(ou)
		u.SetFlag(identity.FlagOnline, true)
		u.SetFlag(identity.FlagNMDC, true)
		u.Ref()
		s.Listeners.Fire(Event{Kind: EventUserConnected, User: ou})
	}
}

// applyMyInfo folds an NMDC $MyINFO announcement into the same
// identity.Identity keys the ADC side populates from INF, per
// NmdcHub::updateFromTag: connection speed reuses
// identity.ParseConnectionSpeed (a SPEC_FULL supplemented feature) via
// Identity.Set's own "US" case.
func (s *NmdcSession) applyMyInfo(mi *nmdcp.MyInfo) {
	ou := s.userByNick(mi.Name)
	if ou == nil {
		if s.reg == nil {
			return
		}
		cid := synthesizeCID(s.URL(), mi.Name)
		u := s.reg.InternUser(cid)
		ou = identity.NewOnlineUser(u, synthesizeSID(cid), s)
		s.PutUser(ou)
		u.SetFlag(identity.FlagOnline, true)
		u.SetFlag(identity.FlagNMDC, true)
	}
	id := ou.Identity
	id.Set("NI", mi.Name)
	id.Set("DE", mi.Desc)
	id.Set("EM", mi.Email)
	id.Set("US", mi.Conn)
	id.Set("SL", strconv.Itoa(mi.Slots))
	id.Set("SS", strconv.FormatInt(mi.Share, 10))
	if mi.Mode == 'P' {
		ou.User.SetFlag(identity.FlagPassive, true)
	} else {
		ou.User.SetFlag(identity.FlagPassive, false)
	}
	s.Listeners.Fire(Event{Kind: EventUserUpdated, User: ou})
}

func (s *NmdcSession) userByNick(nick string) *identity.OnlineUser {
	return s.UserBySID(synthesizeSID(synthesizeCID(s.URL(), nick)))
}

func (s *NmdcSession) handleQuitNmdc(q *nmdcp.Quit) {
	if strings.EqualFold(q.Name, s.conf.Nick) {
		return
	}
	sid := synthesizeSID(synthesizeCID(s.URL(), q.Name))
	ou := s.RemoveUser(sid)
	if ou != nil {
		ou.User.SetFlag(identity.FlagOnline, false)
		ou.User.Unref()
		s.Listeners.Fire(Event{Kind: EventUserRemoved, User: ou})
	}
}

func (s *NmdcSession) handleChatNmdc(m *nmdcp.ChatMessage) {
	if !s.ChatGate().Allow(m.Name, time.Now()) {
		s.Listeners.Fire(Event{Kind: EventFloodDetected, Text: "chat flood from " + m.Name})
		return
	}
	ou := s.userByNick(m.Name)
	s.Listeners.Fire(Event{Kind: EventStatusMessage, User: ou, Text: m.Text})
}

func (s *NmdcSession) handlePMNmdc(m *nmdcp.PrivateMessage) {
	if !s.ChatGate().Allow(m.From+">"+m.To, time.Now()) {
		s.Listeners.Fire(Event{Kind: EventFloodDetected, Text: "pm flood from " + m.From})
		return
	}
	ou := s.userByNick(m.From)
	s.Listeners.Fire(Event{Kind: EventStatusMessage, User: ou, Text: m.Text})
}

func (s *NmdcSession) handleSearchNmdc(sch *nmdcp.Search) {
	seeker := sch.User
	if sch.Address != "" {
		seeker = sch.Address
	}
	if !s.SearchGate().Allow(seeker, time.Now()) {
		return
	}
	if s.shareSrc == nil {
		return
	}
	var and []string
	if sch.Pattern != "" {
		and = strings.Fields(sch.Pattern)
	}
	tth := sch.TTH
	var sizeGE, sizeLE int64
	if sch.SizeRestricted {
		if sch.IsMaxSize {
			sizeLE = sch.Size
		} else {
			sizeGE = sch.Size
		}
	}
	files, err := s.shareSrc.Search(and, nil, nil, tth, sizeGE, sizeLE, 0, 10)
	if err != nil || len(files) == 0 {
		return
	}
	for _, f := range files {
		res := &nmdcp.SR{
			From:       s.conf.Nick,
			Path:       f.Path,
			Size:       f.Size,
			FreeSlots:  1,
			TotalSlots: s.conf.Slots,
			HubName:    s.URL(),
			TTH:        f.TTH.String(),
			To:         sch.User,
		}
		if err := s.sendHub(res); err != nil {
			if Debug {
				log.Println("session: nmdc: search reply:", err)
			}
			return
		}
	}
}

func (s *NmdcSession) handleSRNmdc(res *nmdcp.SR) {
	metrics.SearchResultsRecv.Inc()
	ou := s.userByNick(res.From)
	s.Listeners.Fire(Event{Kind: EventStatusMessage, User: ou, Text: fmt.Sprintf("result: %s (%d bytes)", res.Path, res.Size)})
}

// Search implements registry.Searcher for the legacy protocol: it renders
// crit as a $Search and enqueues it on the session's per-hub search FIFO,
// per spec §3/§4.F. $Search carries a single pattern, so all AND terms are
// joined with spaces into it; NOT terms, extensions, SizeEQ, MaxResults and
// Token are not sent.
func (s *NmdcSession) Search(crit share.SearchCriteria) error {
	sch := &nmdcp.Search{User: s.conf.Nick, TTH: crit.TTH}
	if len(crit.And) > 0 {
		sch.Pattern = strings.Join(crit.And, " ")
	}
	if crit.SizeLE > 0 {
		sch.SizeRestricted, sch.IsMaxSize, sch.Size = true, true, crit.SizeLE
	} else if crit.SizeGE > 0 {
		sch.SizeRestricted, sch.IsMaxSize, sch.Size = true, false, crit.SizeGE
	}
	s.SearchQueue().Enqueue(func() {
		if err := s.sendHub(sch); err != nil {
			if Debug {
				log.Println("session: nmdc: search send:", err)
			}
			return
		}
		metrics.SearchesSent.Inc()
	})
	return nil
}

func (s *NmdcSession) handleConnectToMeNmdc(m *nmdcp.ConnectToMe) {
	if !strings.EqualFold(m.Targ, s.conf.Nick) {
		return
	}
	host, portStr, err := net.SplitHostPort(m.Address)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}
	from := s.userByNick(m.Targ)
	go s.dialPeerNmdc(host, port, m.Secure, from)
}

func (s *NmdcSession) handleRevConnectToMeNmdc(m *nmdcp.RevConnectToMe) {
	if !strings.EqualFold(m.From, s.conf.Nick) {
		return
	}
	s.mu.Lock()
	port, secure := s.localPort, s.localSecure
	s.mu.Unlock()
	if port == 0 {
		return
	}
	addr := net.JoinHostPort(hostOf(s.self), strconv.Itoa(port))
	_ = s.sendHub(&nmdcp.ConnectToMe{Targ: m.To, Address: addr, Secure: secure})
}

func hostOf(ou *identity.OnlineUser) string {
	if ou == nil {
		return ""
	}
	if ou.Identity.IP4 != "" {
		return ou.Identity.IP4
	}
	return ou.Identity.IP6
}

func (s *NmdcSession) dialPeerNmdc(host string, port int, secure bool, ou *identity.OnlineUser) {
	if host == "" || port == 0 {
		return
	}
	d := net.Dialer{Timeout: 30 * time.Second}
	conn, err := d.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if Debug {
			log.Println("session: nmdc: dial peer:", err)
		}
		return
	}
	if secure {
		var keyprint string
		if ou != nil {
			keyprint = ou.Identity.Keyprint
		}
		policy := crypto.VerifyPolicy{AllowUntrusted: true, ExpectedKeyprint: keyprint}
		tconn := tlsClient(conn, policy)
		if err := tconn.Handshake(); err != nil {
			conn.Close()
			if Debug {
				log.Println("session: nmdc: peer TLS handshake:", err)
			}
			return
		}
		conn = tconn
	}
	if s.onPeerReady != nil {
		var cid adc.CID
		if ou != nil {
			cid = ou.User.CID
		}
		s.onPeerReady(conn, secure, cid, "", peer.NatRoleClient)
	}
}

func (s *NmdcSession) sendHub(msg nmdcp.Message) error {
	if err := s.conn.WriteMsg(msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return s.conn.Flush()
}

// Connect implements registry.HubSession: NMDC reachability is binary
// (when we are active we send $ConnectToMe with our own address so the
// peer dials us; when we are passive we send $RevConnectToMe asking the
// peer to send one back), unlike ADC's four-way IPv4/IPv6 split.
func (s *NmdcSession) Connect(ou *identity.OnlineUser, token string, kind int) (registry.ConnectResult, error) {
	s.mu.Lock()
	self, port, secure := s.self, s.localPort, s.localSecure
	s.mu.Unlock()
	if self == nil {
		return registry.ConnectErrBadState, fmt.Errorf("session: nmdc: not identified yet")
	}
	if !s.conf.Passive {
		if port == 0 {
			return registry.ConnectErrBadState, fmt.Errorf("session: nmdc: not listening, cannot ConnectToMe")
		}
		addr := net.JoinHostPort(hostOf(self), strconv.Itoa(port))
		if err := s.sendHub(&nmdcp.ConnectToMe{Targ: ou.Identity.Nick, Address: addr, Secure: secure}); err != nil {
			return registry.ConnectErrProtocolGeneric, err
		}
		return registry.ConnectSuccess, nil
	}
	if ou.User.Flags().Has(identity.FlagPassive) {
		return registry.ConnectErrBadState, fmt.Errorf("session: nmdc: both ends passive")
	}
	if err := s.sendHub(&nmdcp.RevConnectToMe{From: s.conf.Nick, To: ou.Identity.Nick}); err != nil {
		return registry.ConnectErrProtocolGeneric, err
	}
	return registry.ConnectSuccess, nil
}

// PrivateMessage implements registry.HubSession.
func (s *NmdcSession) PrivateMessage(ou *identity.OnlineUser, text string, thirdPerson bool) error {
	if thirdPerson {
		text = "/me " + text
	}
	return s.sendHub(&nmdcp.PrivateMessage{From: s.conf.Nick, To: ou.Identity.Nick, Name: s.conf.Nick, Text: text})
}

// Shutdown implements registry.HubSession.
func (s *NmdcSession) Shutdown() {
	s.Common.Shutdown()
	s.conn.Close()
}
