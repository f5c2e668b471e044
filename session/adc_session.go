package session

import (
	"context"
	"crypto/tls"
	"encoding/base32"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/crypto"
	"github.com/direct-connect/dcpp-engine/hbri"
	"github.com/direct-connect/dcpp-engine/identity"
	"github.com/direct-connect/dcpp-engine/metrics"
	"github.com/direct-connect/dcpp-engine/peer"
	"github.com/direct-connect/dcpp-engine/registry"
	"github.com/direct-connect/dcpp-engine/share"
)

// tlsClient wraps a dialed peer socket in TLS using the shared keyprint
// verification policy, per spec §4.J.
func tlsClient(conn net.Conn, policy crypto.VerifyPolicy) *tls.Conn {
	return tls.Client(conn, crypto.ClientConfig(policy))
}

var Debug bool

// keepAliveIdle is the NORMAL-state idle threshold after which a bare '\n'
// is sent to keep the hub connection from timing out.
const keepAliveIdle = 120 * time.Second

const loginDeadline = 15 * time.Second

// AdcConfig is the identity offered to the hub during IDENTIFY.
type AdcConfig struct {
	PID      adc.PID
	Nick     string
	Desc     string
	Email    string
	Slots    int
	Password string
	Features adc.ModFeatures
}

// PeerHandshakeFunc hands an established peer socket off to whatever drives
// the SUPNICK/INF/KEY exchange; file transfer itself stays out of this
// core's scope.
type PeerHandshakeFunc func(conn net.Conn, secure bool, cid adc.CID, token string, role peer.NatRole)

// AdcSession drives one ADC hub connection through PROTOCOL -> IDENTIFY ->
// VERIFY -> NORMAL, per spec §4.D, and implements registry.HubSession so the
// registry can route connect/PM requests to it.
type AdcSession struct {
	*Common
	Outbox    *Outbox
	Listeners Listeners

	conn     *adc.Conn
	reg      *registry.Registry
	shareSrc share.ShareProvider
	queue    share.QueueProvider
	hbriV    *hbri.Validator

	mu          sync.Mutex
	conf        AdcConfig
	hubFeatures adc.ModFeatures
	self        *identity.OnlineUser
	localPort   int
	localSecure bool
	lastSend    time.Time

	onPeerReady PeerHandshakeFunc
}

// NewAdcSession wires up the session scaffolding around an already-dialed
// connection; it does not log in (DialADC runs the login handshake).
func NewAdcSession(url string, conn *adc.Conn, conf AdcConfig, reg *registry.Registry, shareSrc share.ShareProvider, queue share.QueueProvider) *AdcSession {
	c := NewCommon(url, "adc")
	s := &AdcSession{
		Common:   c,
		Outbox:   NewOutbox(c),
		conn:     conn,
		reg:      reg,
		shareSrc: shareSrc,
		queue:    queue,
		hbriV:    hbri.NewValidator(),
		conf:     conf,
	}
	return s
}

func (s *AdcSession) URL() string { return s.Common.URL }

// OnPeerReady registers the callback invoked once an outbound or NAT-punched
// peer socket is ready for its own handshake.
func (s *AdcSession) OnPeerReady(fn PeerHandshakeFunc) { s.onPeerReady = fn }

// SetLocalEndpoint tells the session the TCP port (and whether it is TLS)
// we are listening on, so it can answer RCM with a CTM of our own.
func (s *AdcSession) SetLocalEndpoint(port int, secure bool) {
	s.mu.Lock()
	s.localPort, s.localSecure = port, secure
	s.mu.Unlock()
}

// DialADC connects to addr and runs the full login handshake, per spec §4.D.
func DialADC(ctx context.Context, addr string, conf AdcConfig, reg *registry.Registry, shareSrc share.ShareProvider, queue share.QueueProvider) (*AdcSession, error) {
	conn, err := adc.DialContext(ctx, addr)
	if err != nil {
		return nil, err
	}
	s := NewAdcSession(addr, conn, conf, reg, shareSrc, queue)
	metrics.HubSessionsTotal.WithLabelValues("adc").Inc()
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	metrics.HubSessionsOpen.Inc()
	go s.readLoop()
	go s.keepAliveLoop()
	return s, nil
}

func ourFeatures() adc.ModFeatures {
	return adc.ModFeatures{
		adc.FeaBASE: true,
		adc.FeaBAS0: true,
		adc.FeaTIGR: true,
		adc.FeaASCH: true,
		adc.FeaHBRI: true,
		adc.FeaSEGA: true,
		adc.FeaTCP4: true,
		adc.FeaUDP4: true,
		adc.FeaNAT0: true,
	}
}

// handshake runs PROTOCOL -> IDENTIFY -> (optional VERIFY), leaving the
// session in Normal on success.
func (s *AdcSession) handshake() error {
	s.setState(Protocol)
	sup := &adc.Supported{Features: ourFeatures()}
	if err := s.conn.WriteInfoMsg(sup); err != nil {
		return err
	}
	if err := s.conn.Flush(); err != nil {
		return err
	}

	deadline := time.Now().Add(loginDeadline)
	msg, err := s.conn.ReadMsg(deadline)
	if err != nil {
		return fmt.Errorf("session: adc: waiting for SUP: %w", err)
	}
	hubSup, ok := msg.(*adc.Supported)
	if !ok {
		return fmt.Errorf("session: adc: expected SUP, got %T", msg)
	}
	mutual := make(adc.ModFeatures)
	for f := range sup.Features {
		if hubSup.Features[f] {
			mutual[f] = true
		}
	}
	if !mutual[adc.FeaBASE] && !mutual[adc.FeaBAS0] {
		return fmt.Errorf("session: adc: hub does not support BASE")
	}
	if !mutual[adc.FeaTIGR] {
		return fmt.Errorf("session: adc: hub does not support TIGR")
	}
	s.mu.Lock()
	s.hubFeatures = mutual
	s.mu.Unlock()

	msg, err = s.conn.ReadMsg(deadline)
	if err != nil {
		return fmt.Errorf("session: adc: waiting for SID: %w", err)
	}
	sidMsg, ok := msg.(*adc.SIDAssign)
	if !ok {
		return fmt.Errorf("session: adc: expected SID, got %T", msg)
	}
	s.mu.Lock()
	s.OwnSID = sidMsg.SID
	s.mu.Unlock()
	s.setState(Identify)

	cid := adc.HashPID(s.conf.PID)
	inf := &adc.UserInfo{
		Id:          cid,
		Pid:         &s.conf.PID,
		Name:        s.conf.Nick,
		Desc:        s.conf.Desc,
		Email:       s.conf.Email,
		Slots:       s.conf.Slots,
		Application: "dcpp-engine",
		Features:    featuresOf(sup.Features),
	}
	if err := s.conn.WriteBroadcast(s.OwnSID, inf); err != nil {
		return err
	}
	if err := s.conn.Flush(); err != nil {
		return err
	}
	s.CommitInfo("PD", "") // one-shot: never re-sent after login

	for {
		pkt, err := s.conn.ReadPacket(deadline)
		if err != nil {
			return fmt.Errorf("session: adc: during login: %w", err)
		}
		switch pkt.Name {
		case adc.CmdINF:
			var u adc.UserInfo
			if err := pkt.DecodeTo(&u); err == nil {
				s.applyInf(pkt.From, &u)
			}
		case adc.CmdGPA:
			var gpa adc.GetPassword
			if err := pkt.DecodeTo(&gpa); err != nil {
				return err
			}
			s.setState(Verify)
			salt, _ := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(gpa.Salt)
			s.SetSalt(salt)
			resp := crypto.GpaResponse(s.conf.Password, s.ConsumeSalt(), nil)
			if err := s.conn.WriteHubMsg(&adc.Password{Response: resp}); err != nil {
				return err
			}
			if err := s.conn.Flush(); err != nil {
				return err
			}
		case adc.CmdSTA:
			var sta adc.Status
			if err := pkt.DecodeTo(&sta); err != nil {
				return err
			}
			if !sta.Ok() {
				if sta.FC != "" {
					s.Forbid(adc.FourCC(sta.FC))
				}
				return sta.Err()
			}
			s.setState(Normal)
			return nil
		case adc.CmdQUI:
			var qui adc.Disconnect
			pkt.DecodeTo(&qui)
			return fmt.Errorf("session: adc: login rejected: %s", qui.Message)
		default:
			if Debug {
				log.Printf("session: adc: unexpected login message %s", pkt.Name)
			}
		}
		if s.State() == Normal {
			return nil
		}
	}
}

func featuresOf(m adc.ModFeatures) adc.ExtFeatures {
	out := make(adc.ExtFeatures, 0, len(m))
	for f, on := range m {
		if on {
			out = append(out, f)
		}
	}
	return out
}

func (s *AdcSession) readLoop() {
	for {
		select {
		case <-s.Closed():
			return
		default:
		}
		pkt, err := s.conn.ReadPacket(time.Time{})
		if err != nil {
			s.teardown(err)
			return
		}
		s.dispatch(pkt)
	}
}

func (s *AdcSession) keepAliveLoop() {
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
			if s.State() == Normal && idle >= keepAliveIdle {
				if err := s.conn.WriteBinary([]byte("\n")); err == nil {
					s.conn.Flush()
					s.mu.Lock()
					s.lastSend = time.Now()
					s.mu.Unlock()
				}
			}
		}
	}
}

func (s *AdcSession) teardown(err error) {
	select {
	case <-s.Closed():
		return
	default:
	}
	s.Listeners.Fire(Event{Kind: EventFailed, Err: err})
	metrics.HubSessionsOpen.Dec()
	s.hbriV.Stop()
	s.Shutdown()
	if s.AutoReconnect() {
		// caller (cmd layer) owns the reconnect timer/backoff loop; we only
		// surface the failure here.
	}
}

func (s *AdcSession) dispatch(pkt *adc.Packet) {
	switch pkt.Name {
	case adc.CmdINF:
		var u adc.UserInfo
		if err := pkt.DecodeTo(&u); err == nil {
			s.applyInf(pkt.From, &u)
		}
	case adc.CmdMSG:
		var m adc.ChatMessage
		if err := pkt.DecodeTo(&m); err == nil {
			s.handleChat(pkt, &m)
		}
	case adc.CmdSCH:
		var sch adc.SearchRequest
		if err := pkt.DecodeTo(&sch); err == nil {
			s.handleSearch(pkt.From, &sch)
		}
	case adc.CmdRES:
		var res adc.SearchResult
		if err := pkt.DecodeTo(&res); err == nil {
			s.handleSearchResult(pkt.From, &res)
		}
	case adc.CmdCTM, adc.CmdRCM:
		var ctm adc.ConnectRequest
		if err := pkt.DecodeTo(&ctm); err == nil {
			s.handleConnect(pkt.Name, pkt.From, &ctm)
		}
	case adc.CmdNAT, adc.CmdRNT:
		var nat adc.NatTraversal
		if err := pkt.DecodeTo(&nat); err == nil {
			s.handleNat(pkt.Name, pkt.From, &nat)
		}
	case adc.CmdQUI:
		var qui adc.Disconnect
		if err := pkt.DecodeTo(&qui); err == nil {
			s.handleQuit(&qui)
		}
	case adc.CmdSTA:
		var sta adc.Status
		if err := pkt.DecodeTo(&sta); err == nil {
			s.handleStatus(&sta)
		}
	case adc.CmdCMD:
		var cmd adc.UserCommand
		if err := pkt.DecodeTo(&cmd); err == nil {
			s.Listeners.Fire(Event{Kind: EventStatusMessage, Text: "user command: " + cmd.Name})
		}
	case adc.CmdTCP:
		var req adc.HBRIRequest
		if err := pkt.DecodeTo(&req); err == nil {
			s.handleHBRIRequest(&req)
		}
	case adc.CmdGET:
		var get adc.BloomGet
		if err := pkt.DecodeTo(&get); err == nil {
			s.handleBloomGet(&get)
		}
	case adc.CmdZON:
		if err := s.conn.EnableZlibIn(); err != nil && Debug {
			log.Println("session: adc: ZON:", err)
		}
	case adc.CmdZOF:
		if err := s.conn.DisableZlibIn(); err != nil && Debug {
			log.Println("session: adc: ZOF:", err)
		}
	default:
		if Debug {
			log.Printf("session: adc: unhandled command %s", pkt.Name)
		}
	}
}

func (s *AdcSession) applyInf(sid adc.SID, inf *adc.UserInfo) {
	if sid.IsZero() {
		s.Listeners.Fire(Event{Kind: EventHubUpdated, Text: inf.Name})
		return
	}
	ou := s.UserBySID(sid)
	isNew := ou == nil
	if isNew {
		if s.reg == nil {
			return
		}
		// spec §4.D / invariant 1: the same CID must not be bound to two
		// SIDs within one hub session. A second INF for an already-known
		// CID under a different SID is dropped rather than creating a
		// duplicate OnlineUser.
		if !inf.Id.IsZero() {
			if existing := s.UserByCID(inf.Id); existing != nil && existing.SID != sid {
				s.Listeners.Fire(Event{Kind: EventStatusMessage, Text: "same CID, different SID: " + sid.String()})
				return
			}
		}
		u := s.reg.InternUser(inf.Id)
		ou = identity.NewOnlineUser(u, sid, s)
		s.PutUser(ou)
	}
	for k, v := range inf.Raw {
		old, changed := ou.Identity.Set(k, v)
		if k == "SS" && changed {
			s.AdjustAvailableBytes(ou.Identity.BytesShared - old)
		}
	}
	ou.User.SetFlag(identity.FlagOnline, true)

	s.mu.Lock()
	wasSelf := sid == s.OwnSID
	if wasSelf {
		s.self = ou
	}
	self := s.self
	s.mu.Unlock()

	if wasSelf {
		// Our own connectivity changed: every other online user's cached
		// connect-mode was classified against the old self and is now
		// stale, so reclassify the whole roster (spec §4.D INF point 4).
		for _, other := range s.Users() {
			if other != ou {
				identity.ClassifyConnectMode(self, other)
			}
		}
	} else if self != nil {
		identity.ClassifyConnectMode(self, ou)
	}

	kind := EventUserUpdated
	if isNew {
		kind = EventUserConnected
	}
	s.Listeners.Fire(Event{Kind: kind, User: ou})
}

func (s *AdcSession) handleChat(pkt *adc.Packet, m *adc.ChatMessage) {
	key := pkt.From.String()
	if pkt.Class == adc.ClassEcho || pkt.Class == adc.ClassDirect {
		key = pkt.From.String() + ">" + pkt.To.String()
	}
	if !s.ChatGate().Allow(key, time.Now()) {
		s.Listeners.Fire(Event{Kind: EventFloodDetected, Text: "chat flood from " + pkt.From.String()})
		return
	}
	ou := s.UserBySID(pkt.From)
	s.Listeners.Fire(Event{Kind: EventStatusMessage, User: ou, Text: m.Text})
}

func (s *AdcSession) handleSearch(from adc.SID, sch *adc.SearchRequest) {
	if !s.SearchGate().Allow(from.String(), time.Now()) {
		return
	}
	if s.shareSrc == nil {
		return
	}
	files, err := s.shareSrc.Search(sch.And, sch.Not, sch.Ext, sch.TTH, sch.Ge, sch.Le, sch.Eq, sch.MaxResults)
	if err != nil || len(files) == 0 {
		return
	}
	for _, f := range files {
		res := &adc.SearchResult{File: f.Path, Size: f.Size, Slots: 1, TTH: f.TTH.String(), Token: sch.Token}
		if err := s.sendDirect(from, adc.CmdRES, res); err != nil {
			if Debug {
				log.Println("session: adc: search reply:", err)
			}
			return
		}
	}
}

func (s *AdcSession) handleSearchResult(from adc.SID, res *adc.SearchResult) {
	metrics.SearchResultsRecv.Inc()
	ou := s.UserBySID(from)
	s.Listeners.Fire(Event{Kind: EventStatusMessage, User: ou, Text: fmt.Sprintf("result: %s (%d bytes)", res.File, res.Size)})
}

// Search implements registry.Searcher: it renders crit as an outbound
// broadcast SCH and enqueues it on the session's per-hub search FIFO, per
// spec §3/§4.F.
func (s *AdcSession) Search(crit share.SearchCriteria) error {
	sch := &adc.SearchRequest{
		And: crit.And, Not: crit.Not, Ext: crit.Ext, TTH: crit.TTH,
		Ge: crit.SizeGE, Le: crit.SizeLE, Eq: crit.SizeEQ,
		MaxResults: crit.MaxResults, Token: crit.Token,
	}
	s.SearchQueue().Enqueue(func() {
		if err := s.Outbox.Prepare(sch); err != nil {
			if Debug {
				log.Println("session: adc: search rejected:", err)
			}
			return
		}
		if err := s.conn.WritePacketAs(adc.ClassBroadcast, s.OwnSID, adc.SID{}, "", adc.CmdSCH, sch); err != nil {
			if Debug {
				log.Println("session: adc: search send:", err)
			}
			return
		}
		s.conn.Flush()
		s.mu.Lock()
		s.lastSend = time.Now()
		s.mu.Unlock()
		metrics.SearchesSent.Inc()
	})
	return nil
}

func (s *AdcSession) handleConnect(name adc.FourCC, from adc.SID, m *adc.ConnectRequest) {
	ou := s.UserBySID(from)
	if ou == nil {
		return
	}
	switch name {
	case adc.CmdCTM:
		go s.dialPeer(ou, m.Port, m.Proto == adc.ProtoADCS, m.Token, peer.NatRoleClient)
	case adc.CmdRCM:
		s.mu.Lock()
		passive := s.localPort == 0
		s.mu.Unlock()
		// spec §4.D: if we are passive and the remote supports NAT0, we
		// initiate the NAT-traversal exchange instead of the CTM we'd
		// otherwise be unable to honor.
		if passive && ou.Identity.Supports.IsSet(adc.FeaNAT0) {
			if err := s.initiateNatTraversal(ou, m.Token); err != nil && Debug {
				log.Println("session: adc: NAT0 initiate:", err)
			}
			return
		}
		if err := s.sendCTM(ou, m.Token); err != nil && Debug {
			log.Println("session: adc: reverse connect:", err)
		}
	}
}

// initiateNatTraversal starts the DNAT->DRNT->dial round trip of spec §4.G:
// we send NAT carrying our own port (possibly 0, if we have none to offer)
// and wait for the remote's RNT, at which point handleNat dials out.
func (s *AdcSession) initiateNatTraversal(ou *identity.OnlineUser, token string) error {
	s.mu.Lock()
	port, secure := s.localPort, s.localSecure
	s.mu.Unlock()
	proto := adc.ProtoADC
	if secure {
		proto = adc.ProtoADCS
	}
	nat := &adc.NatTraversal{Proto: proto, Port: port, Token: token}
	return s.sendDirect(ou.SID, adc.CmdNAT, nat)
}

func (s *AdcSession) handleNat(name adc.FourCC, from adc.SID, m *adc.NatTraversal) {
	ou := s.UserBySID(from)
	if ou == nil {
		return
	}
	switch name {
	case adc.CmdNAT:
		// DNAT received: reply DRNT with our own port first, then dial
		// them ourselves — the DNAT->DRNT->dial sequence of spec §4.G.
		s.mu.Lock()
		port, secure := s.localPort, s.localSecure
		s.mu.Unlock()
		proto := adc.ProtoADC
		if secure {
			proto = adc.ProtoADCS
		}
		rnt := &adc.NatTraversal{Proto: proto, Port: port, Token: m.Token}
		if err := s.sendDirect(from, adc.CmdRNT, rnt); err != nil {
			if Debug {
				log.Println("session: adc: NAT reply:", err)
			}
			return
		}
		go s.dialPeer(ou, m.Port, m.Proto == adc.ProtoADCS, m.Token, peer.NatRoleClient)
	case adc.CmdRNT:
		// We sent the original DNAT and are now told the remote's address:
		// on RNT receipt we also dial them, completing the simultaneous
		// open (spec §4.G step 3).
		go s.dialPeer(ou, m.Port, m.Proto == adc.ProtoADCS, m.Token, peer.NatRoleServer)
	}
}

func (s *AdcSession) handleQuit(qui *adc.Disconnect) {
	if qui.ID == s.OwnSID {
		s.Listeners.Fire(Event{Kind: EventStatusMessage, Text: qui.Message})
		if qui.Redirect != "" && s.reg != nil {
			old := s.URL()
			if err := s.reg.SetClientURL(old, qui.Redirect); err == nil {
				s.Common.URL = qui.Redirect
			}
		}
		if qui.DisableAuto {
			s.SetAutoReconnect(false)
		}
		s.teardown(fmt.Errorf("session: adc: disconnected by hub: %s", qui.Message))
		return
	}
	ou := s.RemoveUser(qui.ID)
	if ou != nil {
		s.AdjustAvailableBytes(-ou.Identity.BytesShared)
		ou.User.SetFlag(identity.FlagOnline, false)
		ou.User.Unref()
		s.Listeners.Fire(Event{Kind: EventUserRemoved, User: ou})
	}
}

func (s *AdcSession) handleStatus(sta *adc.Status) {
	if sta.Ok() {
		return
	}
	if sta.Code == adc.ErrCommandAccess && sta.FC != "" {
		s.Forbid(adc.FourCC(sta.FC))
	}
	s.Listeners.Fire(Event{Kind: EventStatusMessage, Text: sta.Msg, Err: sta.Err()})
}

// handleBloomGet answers a GET blom request, bounding M per spec §4.D and
// rejecting out-of-range K/H/M outright (scenario iv, boundary behaviors).
func (s *AdcSession) handleBloomGet(get *adc.BloomGet) {
	if s.shareSrc == nil {
		return
	}
	if get.K < 1 || get.K > 8 || get.H < 1 || get.H > 64 {
		s.sendHub(&adc.Status{Sev: Fatal, Code: adc.ErrTransferGeneric, Msg: "unsupported k/h"})
		return
	}
	n := s.shareSrc.FileCount()
	bound := share.BloomBound(n, get.K)
	m := get.M
	if m <= 0 {
		m = bound
	}
	if m > bound || (get.H < 32 && m > int64(1)<<uint(get.H)) {
		s.sendHub(&adc.Status{Sev: Fatal, Code: adc.ErrTransferGeneric, Msg: "unsupported m"})
		return
	}
	if m <= 0 {
		return
	}
	hashes := s.shareSrc.Hashes()
	bits := share.BuildBloom(hashes, get.K, get.H, m)
	set := &adc.BloomSet{K: get.K, H: get.H, M: m}
	if err := s.Outbox.Prepare(set); err != nil {
		return
	}
	if err := s.conn.WriteHubMsg(set); err != nil {
		return
	}
	if err := s.conn.Flush(); err != nil {
		return
	}
	if err := s.conn.WriteBinary(bits); err != nil && Debug {
		log.Println("session: adc: bloom payload:", err)
	}
	s.conn.Flush()
}

// Fatal is a local alias so handleBloomGet doesn't need to import adc twice
// under two names; kept for readability at call sites within this file.
const Fatal = adc.Fatal

func (s *AdcSession) handleHBRIRequest(req *adc.HBRIRequest) {
	if req.IP4 != "" && req.Port4 != 0 {
		go func() {
			res := <-s.hbriV.Start(hbri.Request{IP: req.IP4, Port: req.Port4, Token: req.Token, V6: false})
			s.reportHBRI(res)
		}()
	}
	if req.IP6 != "" && req.Port6 != 0 {
		go func() {
			res := <-s.hbriV.Start(hbri.Request{IP: req.IP6, Port: req.Port6, Token: req.Token, V6: true})
			s.reportHBRI(res)
		}()
	}
}

func (s *AdcSession) reportHBRI(res hbri.Result) {
	text := "HBRI validation succeeded"
	if !res.Success {
		text = fmt.Sprintf("HBRI validation failed: %v", res.Err)
	}
	s.Listeners.Fire(Event{Kind: EventStatusMessage, Text: text})
}

func (s *AdcSession) dialPeer(ou *identity.OnlineUser, port int, secure bool, token string, role peer.NatRole) {
	host := ou.Identity.IP4
	if host == "" {
		host = ou.Identity.IP6
	}
	if host == "" || port == 0 {
		metrics.PeerNatTraversal.WithLabelValues(role.String(), "failure").Inc()
		return
	}
	d := net.Dialer{Timeout: 30 * time.Second}
	conn, err := d.Dial("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		if Debug {
			log.Println("session: adc: dial peer:", err)
		}
		metrics.PeerNatTraversal.WithLabelValues(role.String(), "failure").Inc()
		return
	}
	if secure {
		policy := crypto.VerifyPolicy{AllowUntrusted: true, ExpectedKeyprint: ou.Identity.Keyprint}
		tconn := tlsClient(conn, policy)
		if err := tconn.Handshake(); err != nil {
			conn.Close()
			if Debug {
				log.Println("session: adc: peer TLS handshake:", err)
			}
			metrics.PeerNatTraversal.WithLabelValues(role.String(), "failure").Inc()
			return
		}
		conn = tconn
	}
	metrics.PeerNatTraversal.WithLabelValues(role.String(), "success").Inc()
	if s.onPeerReady != nil {
		s.onPeerReady(conn, secure, ou.User.CID, token, role)
	}
}

func (s *AdcSession) sendCTM(ou *identity.OnlineUser, token string) error {
	s.mu.Lock()
	port, secure := s.localPort, s.localSecure
	s.mu.Unlock()
	if port == 0 {
		return s.sendHub(&adc.Status{Sev: adc.Fatal, Code: adc.ErrBadState, Msg: "not listening", TO: token})
	}
	proto := adc.ProtoADC
	if secure {
		proto = adc.ProtoADCS
	}
	return s.sendDirect(ou.SID, adc.CmdCTM, &adc.ConnectRequest{Proto: proto, Port: port, Token: token})
}

func (s *AdcSession) sendDirect(to adc.SID, name adc.FourCC, msg adc.Message) error {
	if err := s.Outbox.Prepare(msg); err != nil {
		return err
	}
	if err := s.conn.WritePacketAs(adc.ClassDirect, s.OwnSID, to, "", name, msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return s.conn.Flush()
}

func (s *AdcSession) sendHub(msg adc.Message) error {
	if err := s.Outbox.Prepare(msg); err != nil {
		return err
	}
	if err := s.conn.WriteHubMsg(msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return s.conn.Flush()
}

// Connect implements registry.HubSession: it asks ou, known on this hub, to
// establish a peer connection, choosing CTM/RCM per the connect-mode
// classification from spec §4.D.
func (s *AdcSession) Connect(ou *identity.OnlineUser, token string, kind int) (registry.ConnectResult, error) {
	s.mu.Lock()
	self, port := s.self, s.localPort
	s.mu.Unlock()
	if self == nil {
		return registry.ConnectErrBadState, fmt.Errorf("session: adc: not identified yet")
	}
	mode := identity.ClassifyConnectMode(self, ou)
	switch mode {
	case identity.ModeActiveV4, identity.ModeActiveV6:
		rcm := &adc.ConnectRequest{Proto: adc.ProtoADC, Token: token}
		if err := s.sendDirect(ou.SID, adc.CmdRCM, rcm); err != nil {
			return registry.ConnectErrProtocolGeneric, err
		}
		return registry.ConnectSuccess, nil
	case identity.ModePassiveV4, identity.ModePassiveV6:
		if port == 0 {
			return registry.ConnectErrBadState, fmt.Errorf("session: adc: not listening, cannot CTM")
		}
		if err := s.sendCTM(ou, token); err != nil {
			return registry.ConnectErrProtocolGeneric, err
		}
		return registry.ConnectSuccess, nil
	case identity.ModeNoConnectPassive:
		// Neither side is active. If both advertise NAT0, fall back to
		// the DNAT->DRNT->dial traversal instead of giving up (scenario
		// ii: a passive/passive pair that both support NAT0).
		if self.Identity.Supports.IsSet(adc.FeaNAT0) && ou.Identity.Supports.IsSet(adc.FeaNAT0) {
			if err := s.initiateNatTraversal(ou, token); err != nil {
				return registry.ConnectErrProtocolGeneric, err
			}
			return registry.ConnectSuccess, nil
		}
		return registry.ConnectErrBadState, fmt.Errorf("session: adc: %s is not reachable", ou.User.CID)
	default:
		return registry.ConnectErrBadState, fmt.Errorf("session: adc: %s is not reachable", ou.User.CID)
	}
}

// PrivateMessage implements registry.HubSession.
func (s *AdcSession) PrivateMessage(ou *identity.OnlineUser, text string, thirdPerson bool) error {
	pm := s.OwnSID
	msg := &adc.ChatMessage{Text: text, ThirdPerson: thirdPerson, PM: &pm}
	if err := s.Outbox.Prepare(msg); err != nil {
		return err
	}
	if err := s.conn.WritePacketAs(adc.ClassEcho, s.OwnSID, ou.SID, "", adc.CmdMSG, msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return s.conn.Flush()
}

// Shutdown implements registry.HubSession.
func (s *AdcSession) Shutdown() {
	s.hbriV.Stop()
	s.Common.Shutdown()
	s.conn.Close()
}
