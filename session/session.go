// Package session implements the hub session state machine shared by the
// ADC and NMDC client variants: PROTOCOL -> IDENTIFY -> VERIFY -> NORMAL,
// the SID-keyed user roster, the forbidden-command set, the queued-search
// rate gate and the outbound command hook chain.
package session

import (
	"sync"
	"time"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/identity"
)

// State is the hub session's protocol state, per spec §4.D.
type State int

const (
	Disconnected State = iota
	Connecting
	Protocol
	Identify
	Verify
	Normal
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Protocol:
		return "protocol"
	case Identify:
		return "identify"
	case Verify:
		return "verify"
	case Normal:
		return "normal"
	}
	return "unknown"
}

// searchSeeker tracks one seeker's hits within the sliding flood window.
type searchSeeker struct {
	hits      int
	windowEnd time.Time
	blacklist time.Time
}

// FloodGate implements the 5-second window / 120-second blacklist rate
// gate used for both SCH flood (spec §4.D) and, per SPEC_FULL's
// supplemented features, chat-message flood tracked separately. The window
// is fixed, not sliding: it opens at a key's first hit after the previous
// window has ended, and the hit count restarts with each new window.
type FloodGate struct {
	mu      sync.Mutex
	window  time.Duration
	ban     time.Duration
	limit   int
	seekers map[string]*searchSeeker
}

func NewFloodGate(window, ban time.Duration, limit int) *FloodGate {
	return &FloodGate{window: window, ban: ban, limit: limit, seekers: make(map[string]*searchSeeker)}
}

// Allow records one hit for key and reports whether it is currently
// blacklisted (false) or may proceed (true). now is threaded in rather
// than read from time.Now so tests can drive it deterministically.
func (g *FloodGate) Allow(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.seekers[key]
	if !ok {
		s = &searchSeeker{}
		g.seekers[key] = s
	}
	if !s.blacklist.IsZero() && now.Before(s.blacklist) {
		return false
	}
	if now.After(s.windowEnd) {
		s.hits = 0
		s.windowEnd = now.Add(g.window)
	}
	s.hits++
	if s.hits >= g.limit {
		s.blacklist = now.Add(g.ban)
		return false
	}
	return true
}

// SearchQueue implements the "queued-search FIFO with per-hub minimum
// interval" from spec §3 (Client data model): outbound searches enqueued
// faster than minInterval apart are sent in order, one per tick.
type SearchQueue struct {
	minInterval time.Duration

	mu    sync.Mutex
	queue []func()

	wake chan struct{}
	stop chan struct{}
}

func NewSearchQueue(minInterval time.Duration) *SearchQueue {
	q := &SearchQueue{
		minInterval: minInterval,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends a search action to the FIFO; fn performs the actual
// protocol-specific send and should not block.
func (q *SearchQueue) Enqueue(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *SearchQueue) run() {
	t := time.NewTimer(0)
	defer t.Stop()
	var last time.Time
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-t.C:
		}
		if !last.IsZero() && time.Since(last) < q.minInterval {
			continue // the timer reset after the last send fires when the interval is up
		}
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			continue
		}
		fn := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()
		fn()
		last = time.Now()
		t.Reset(q.minInterval)
	}
}

func (q *SearchQueue) Close() {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
}

// Common is the state shared by the ADC and NMDC session implementations:
// the fields spec §3 assigns to "Client (hub session)".
type Common struct {
	mu sync.RWMutex

	URL     string
	Profile string

	state State

	OwnSID adc.SID
	salt   []byte // set during VERIFY, consumed exactly once

	users   map[adc.SID]*identity.OnlineUser
	byCID   map[adc.CID]*identity.OnlineUser

	forbidden map[adc.FourCC]bool

	lastInfo map[string]string // last-emitted INF keys, for delta encoding

	searchGate *FloodGate
	chatGate   *FloodGate
	searchQ    *SearchQueue

	availableBytes int64

	autoReconnect  bool
	reconnectDelay time.Duration

	closed chan struct{}
}

// minSearchInterval is the default per-hub spacing between outbound
// searches enforced by Common's SearchQueue, per spec §3.
const minSearchInterval = 10 * time.Second

func NewCommon(url, profile string) *Common {
	return &Common{
		URL:            url,
		Profile:        profile,
		state:          Disconnected,
		users:          make(map[adc.SID]*identity.OnlineUser),
		byCID:          make(map[adc.CID]*identity.OnlineUser),
		forbidden:      make(map[adc.FourCC]bool),
		lastInfo:       make(map[string]string),
		searchGate:     NewFloodGate(5*time.Second, 120*time.Second, 8),
		chatGate:       NewFloodGate(5*time.Second, 120*time.Second, 12),
		searchQ:        NewSearchQueue(minSearchInterval),
		autoReconnect:  true,
		reconnectDelay: 5 * time.Second,
		closed:         make(chan struct{}),
	}
}

func (c *Common) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Common) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetSalt stores the GPA salt and transitions to VERIFY. A second call
// before ConsumeSalt replaces the stored salt.
func (c *Common) SetSalt(salt []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.salt = salt
	c.state = Verify
}

// ConsumeSalt returns and clears the stored salt.
func (c *Common) ConsumeSalt() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.salt
	c.salt = nil
	return s
}

func (c *Common) PutUser(ou *identity.OnlineUser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[ou.SID] = ou
	c.byCID[ou.User.CID] = ou
}

func (c *Common) RemoveUser(sid adc.SID) *identity.OnlineUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	ou, ok := c.users[sid]
	if !ok {
		return nil
	}
	delete(c.users, sid)
	delete(c.byCID, ou.User.CID)
	return ou
}

func (c *Common) UserBySID(sid adc.SID) *identity.OnlineUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users[sid]
}

func (c *Common) UserByCID(cid adc.CID) *identity.OnlineUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byCID[cid]
}

func (c *Common) Users() []*identity.OnlineUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*identity.OnlineUser, 0, len(c.users))
	for _, ou := range c.users {
		out = append(out, ou)
	}
	return out
}

// Forbid adds a FourCC to the session's monotonic forbidden-command set,
// per spec §4.D and invariant 6 in §8: it never shrinks before disconnect.
func (c *Common) Forbid(cmd adc.FourCC) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forbidden[cmd] = true
}

func (c *Common) IsForbidden(cmd adc.FourCC) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.forbidden[cmd]
}

// DiffInfo compares key/value against the last-emitted cache and reports
// whether it changed (and should be included in the next INF). Callers
// commit the new value via CommitInfo after a successful send.
func (c *Common) DiffInfo(key, value string) bool {
	c.mu.RLock()
	old, ok := c.lastInfo[key]
	c.mu.RUnlock()
	return !ok || old != value
}

func (c *Common) CommitInfo(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == "" {
		delete(c.lastInfo, key)
		return
	}
	c.lastInfo[key] = value
}

// ClearInfo drops a one-shot key (PID) from the diff cache after VERIFY.
func (c *Common) ClearInfo(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastInfo, key)
}

func (c *Common) AdjustAvailableBytes(delta int64) {
	c.mu.Lock()
	c.availableBytes += delta
	c.mu.Unlock()
}

func (c *Common) AvailableBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.availableBytes
}

func (c *Common) SearchGate() *FloodGate   { return c.searchGate }
func (c *Common) ChatGate() *FloodGate     { return c.chatGate }
func (c *Common) SearchQueue() *SearchQueue { return c.searchQ }

func (c *Common) SetAutoReconnect(v bool) {
	c.mu.Lock()
	c.autoReconnect = v
	c.mu.Unlock()
}

func (c *Common) AutoReconnect() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoReconnect
}

func (c *Common) SetReconnectDelay(d time.Duration) {
	c.mu.Lock()
	c.reconnectDelay = d
	c.mu.Unlock()
}

func (c *Common) ReconnectDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnectDelay
}

// Closed signals session teardown to any goroutine selecting on it.
func (c *Common) Closed() <-chan struct{} { return c.closed }

func (c *Common) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.state = Disconnected
	c.searchQ.Close()
}
