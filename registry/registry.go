// Package registry implements the process-wide client registry: CID
// interning, the hub-URL-to-session map, connect routing, private
// messages and SUDP-encrypted search replies, per spec §4.F.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/crypto"
	"github.com/direct-connect/dcpp-engine/identity"
	"github.com/direct-connect/dcpp-engine/share"
)

// ConnectResult is the outcome of Registry.Connect, per spec §4.F.
type ConnectResult int

const (
	ConnectSuccess ConnectResult = iota
	ConnectErrTLSRequired
	ConnectErrProtocolUnsupported
	ConnectErrBadState
	ConnectErrFeatureMissing
	ConnectErrProtocolGeneric
)

// HubSession is the subset of a hub session the registry needs: enough to
// route connect/PM/search-reply requests without importing the session
// package (which itself depends on identity, not registry).
type HubSession interface {
	URL() string
	Connect(ou *identity.OnlineUser, token string, kind int) (ConnectResult, error)
	PrivateMessage(ou *identity.OnlineUser, text string, thirdPerson bool) error
	Shutdown()
}

// Searcher is implemented by both hub session variants: it renders a
// protocol-agnostic SearchCriteria onto the hub's own wire and enqueues it
// on the session's per-hub FIFO (spec §3/§4.F). It is kept separate from
// HubSession so callers that only need routing/PM/shutdown (like Connect's
// locator-based fallback) don't have to stub it out.
type Searcher interface {
	Search(crit share.SearchCriteria) error
}

// Redirect is a pending hub-URL change the registry is carrying a Client
// through while keeping the session object (and any UI references) alive,
// per SPEC_FULL's supplemented features (airdcpp-core's redirectUrl).
type Redirect struct {
	OldURL string
	NewURL string
	At     time.Time
}

// Registry interns Users by CID and owns the hub-URL -> session map.
type Registry struct {
	graceWindow time.Duration

	mu      sync.RWMutex
	users   map[adc.CID]*identity.User
	clients map[string]HubSession

	redirMu sync.Mutex
	redirects map[string]*Redirect

	stopGC chan struct{}
}

func New() *Registry {
	r := &Registry{
		graceWindow: 10 * time.Minute,
		users:       make(map[adc.CID]*identity.User),
		clients:     make(map[string]HubSession),
		redirects:   make(map[string]*Redirect),
		stopGC:      make(chan struct{}),
	}
	go r.gcLoop()
	return r
}

// InternUser returns the interned User for cid, creating it lazily.
func (r *Registry) InternUser(cid adc.CID) *identity.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[cid]; ok {
		return u
	}
	u := identity.NewUser(cid)
	r.users[cid] = u
	return u
}

// CreateClient inserts a new hub session keyed by url. For a URL that is
// already registered it leaves the map unchanged and returns the existing
// session with false; it does not notify the existing session.
func (r *Registry) CreateClient(url string, session HubSession) (HubSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[url]; ok {
		return existing, false
	}
	r.clients[url] = session
	return session, true
}

// PutClient removes url from the map and shuts the session down. The
// teacher's deferred-delete-on-the-socket's-own-worker pattern is
// expressed here simply as Shutdown() running on the caller's goroutine;
// callers that need async semantics should call PutClient from their own
// worker rather than the registry's.
func (r *Registry) PutClient(url string) {
	r.mu.Lock()
	s, ok := r.clients[url]
	if ok {
		delete(r.clients, url)
	}
	r.mu.Unlock()
	if ok {
		s.Shutdown()
	}
}

// SetClientURL moves a session from oldURL to newURL while keeping the
// session object alive, recording a Redirect so observers following a
// QUI RD<url>/NMDC $ForceMove can see where it went.
func (r *Registry) SetClientURL(oldURL, newURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.clients[oldURL]
	if !ok {
		return fmt.Errorf("registry: unknown client %q", oldURL)
	}
	delete(r.clients, oldURL)
	r.clients[newURL] = s

	r.redirMu.Lock()
	r.redirects[oldURL] = &Redirect{OldURL: oldURL, NewURL: newURL, At: time.Now()}
	r.redirMu.Unlock()
	return nil
}

func (r *Registry) RedirectFor(oldURL string) (*Redirect, bool) {
	r.redirMu.Lock()
	defer r.redirMu.Unlock()
	rd, ok := r.redirects[oldURL]
	return rd, ok
}

func (r *Registry) Client(url string) (HubSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.clients[url]
	return s, ok
}

// OnlineUserLocator is implemented by whatever component tracks per-hub
// rosters (the session package), letting the registry find an OnlineUser
// for a CID without owning roster storage itself.
type OnlineUserLocator interface {
	FindOnlineUser(hubURL string, cid adc.CID) *identity.OnlineUser
}

// Connect routes a connect request for cid: it prefers hintURL, and if
// allowHubChange is set, falls back to any hub session in locators that
// has the user online.
func (r *Registry) Connect(locator OnlineUserLocator, cid adc.CID, hintURL, token string, allowHubChange bool, kind int) (ConnectResult, error) {
	r.mu.RLock()
	hintSession, hasHint := r.clients[hintURL]
	others := make([]HubSession, 0, len(r.clients))
	for url, s := range r.clients {
		if url != hintURL {
			others = append(others, s)
		}
	}
	r.mu.RUnlock()

	if hasHint {
		if ou := locator.FindOnlineUser(hintURL, cid); ou != nil {
			return hintSession.Connect(ou, token, kind)
		}
	}
	if !allowHubChange {
		return ConnectErrBadState, errors.New("registry: user not found on hinted hub")
	}
	for _, s := range others {
		if ou := locator.FindOnlineUser(s.URL(), cid); ou != nil {
			return s.Connect(ou, token, kind)
		}
	}
	return ConnectErrBadState, errors.New("registry: user not online on any known hub")
}

// PrivateMessage routes a PM to whichever hub session hosts cid.
func (r *Registry) PrivateMessage(locator OnlineUserLocator, cid adc.CID, text string, thirdPerson bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for url, s := range r.clients {
		if ou := locator.FindOnlineUser(url, cid); ou != nil {
			return s.PrivateMessage(ou, text, thirdPerson)
		}
	}
	return fmt.Errorf("registry: user %s not online on any known hub", cid)
}

// SendUDP serializes msg and, if key is non-empty, AES-128-CBC-encrypts it
// per spec §4.J before the caller transmits it over the UDP socket. It
// does not check whether the remote supports SUDP: any non-empty key
// encrypts.
func (r *Registry) SendUDP(msg adc.Message, key []byte) ([]byte, error) {
	p := &adc.Packet{Class: adc.ClassUDP, Name: msg.Cmd()}
	plain := p.Marshal(msg)
	if len(key) == 0 {
		return append(plain, '\n'), nil
	}
	return crypto.SUDPEncrypt(key, append(plain, '\n'))
}

// Search fans crit out to every registered hub session that implements
// Searcher, per spec §4.F. Each session renders and queues the search
// independently, so a hub that is mid-backoff on its own FIFO never
// delays another hub's dispatch; per-session send errors are collected
// but do not stop the fan-out.
func (r *Registry) Search(crit share.SearchCriteria) []error {
	r.mu.RLock()
	targets := make([]Searcher, 0, len(r.clients))
	for _, s := range r.clients {
		if sr, ok := s.(Searcher); ok {
			targets = append(targets, sr)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, sr := range targets {
		if err := sr.Search(crit); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Registry) gcLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-r.stopGC:
			return
		case now := <-t.C:
			r.gc(now)
		}
	}
}

func (r *Registry) gc(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, u := range r.users {
		if u.Reclaimable(r.graceWindow, now) {
			delete(r.users, cid)
		}
	}
}

func (r *Registry) Close() {
	select {
	case <-r.stopGC:
	default:
		close(r.stopGC)
	}
}
