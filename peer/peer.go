// Package peer implements the peer connection manager: connection queue
// items, the handshake state machine, slot accounting, NAT traversal and
// the process-wide token registry, per spec §4.G.
package peer

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/identity"
)

// Kind is the purpose of a connection queue item or peer connection.
type Kind int

const (
	KindDownload Kind = iota
	KindUpload
	KindPM
)

// CQIState is a connection queue item's lifecycle state.
type CQIState int

const (
	Waiting CQIState = iota
	ConnectingState
	Active
	Running
)

// DownloadType distinguishes the ordinary per-user MCN bucket from the
// small-slot bucket used for filelists and tiny files (spec §4.G, scenario vi).
type DownloadType int

const (
	DownloadNormal DownloadType = iota
	DownloadSmall
)

// CQI (connection queue item) is one outstanding or active peer connection
// request, per spec §3.
type CQI struct {
	mu sync.Mutex

	User        *identity.User
	HubHint     string
	Token       string
	Kind        Kind
	DownloadTyp DownloadType
	State       CQIState
	LastAttempt time.Time
	Errors      int // -1 = hard protocol error, no auto-retry
	MultiSource bool
	BundleToken string
	MaxConns    int // from remote INF CO field
	Remove      bool
}

func (c *CQI) setState(s CQIState) {
	c.mu.Lock()
	c.State = s
	c.mu.Unlock()
}

func (c *CQI) getState() CQIState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

// BackoffDue reports whether enough time has passed since LastAttempt to
// retry, per the exponential backoff `60s * max(1, errors)` rule and the
// clamp from the open question in spec §9 (never less than one effective
// attempt per that window even if errors resets across rapid online
// toggles).
func (c *CQI) BackoffDue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Errors < 0 {
		return false // hard protocol error, no auto-retry
	}
	mult := c.Errors
	if mult < 1 {
		mult = 1
	}
	wait := time.Duration(mult) * 60 * time.Second
	return now.Sub(c.LastAttempt) >= wait
}

// PeerConnection is one established TCP/TLS socket to a peer.
type PeerConnection struct {
	Token      string
	Kind       Kind
	Secure     bool
	RemoteNick string
	RemoteCID  adc.CID
	HubHint    string

	mu       sync.Mutex
	features adc.ModFeatures
	state    HandshakeState
}

// HandshakeState walks CONNECT -> SUPNICK -> INF -> KEY -> IDLE|ACTIVE,
// per spec §4.G.
type HandshakeState int

const (
	HSConnect HandshakeState = iota
	HSSupNick
	HSInfo
	HSKey
	HSIdle
	HSActiveDownload
)

func (p *PeerConnection) SetState(s HandshakeState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *PeerConnection) State() HandshakeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerConnection) SetFeatures(f adc.ModFeatures) {
	p.mu.Lock()
	p.features = f
	p.mu.Unlock()
}

// NatRole marks which side of an NAT traversal round trip a pending token
// belongs to.
type NatRole int

const (
	NatRoleNone NatRole = iota
	NatRoleServer // we sent DNAT, then dial the remote on its RNT
	NatRoleClient // we received DNAT, dialing out ourselves
)

func (r NatRole) String() string {
	switch r {
	case NatRoleServer:
		return "server"
	case NatRoleClient:
		return "client"
	}
	return "none"
}

// PendingEntry is one row of the "pending expected-connection map" from
// spec §3: created when we send a CTM (or DNAT), consumed when the remote
// connects back and announces its token.
type PendingEntry struct {
	NickOrCID string
	HubURL    string
	Kind      Kind
	Role      NatRole
	CreatedAt time.Time
}

// TokenRegistry is the process-wide token -> kind map plus the pending
// expected-connection table, per spec §3.
type TokenRegistry struct {
	mu      sync.Mutex
	kinds   map[string]Kind
	pending map[string]PendingEntry
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{kinds: make(map[string]Kind), pending: make(map[string]PendingEntry)}
}

// Mint generates a unique, short random base32 token and registers it
// under kind.
func (t *TokenRegistry) Mint(kind Kind) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < 32; i++ {
		tok, err := randomToken()
		if err != nil {
			return "", err
		}
		if _, exists := t.kinds[tok]; !exists {
			t.kinds[tok] = kind
			return tok, nil
		}
	}
	return "", errors.New("peer: failed to mint a unique token")
}

func randomToken() (string, error) {
	var buf [5]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf[:]), nil
}

func (t *TokenRegistry) Kind(token string) (Kind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k, ok := t.kinds[token]
	return k, ok
}

// Expect registers a pending expected-connection entry for token.
func (t *TokenRegistry) Expect(token string, e PendingEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[token] = e
}

// Consume removes and returns the pending entry for token, if any, as
// happens when the remote connects back and announces it.
func (t *TokenRegistry) Consume(token string) (PendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[token]
	if ok {
		delete(t.pending, token)
		delete(t.kinds, token)
	}
	return e, ok
}

// SlotsPerUser implements the MCN slots-per-user table from spec §4.G.
func SlotsPerUser(downBitsPerSec int64) int {
	mbps := float64(downBitsPerSec) / 1_000_000
	switch {
	case mbps <= 10:
		return 2
	case mbps <= 25:
		return 3
	case mbps <= 50:
		return 4
	case mbps <= 100:
		return int(mbps/10) - 1
	default:
		return 15
	}
}

var ErrNotMCN = fmt.Errorf("peer: user does not support multi-connection negotiation")
