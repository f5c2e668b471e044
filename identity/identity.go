// Package identity holds the per-user state shared between the ADC and
// NMDC hub sessions: the interned User, its per-hub OnlineUser binding, the
// Identity attribute bag and the connect-mode classification used by the
// peer connection manager.
package identity

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"

	"github.com/direct-connect/dcpp-engine/adc"
)

// Flag is a named bit in a User's flag set, kept as a tagged bitset rather
// than a single bitmask so call sites read as Has(FlagBot) instead of
// unpacking a magic constant.
type Flag uint32

const (
	FlagBot Flag = 1 << iota
	FlagTLS
	FlagCCPM
	FlagPassive
	FlagNMDC
	FlagOnline
	FlagASCH
	FlagNoADC10
	FlagNoADCS010
	FlagNATTraversal
)

// Flags is a set of Flag bits with named accessors.
type Flags uint32

func (f Flags) Has(b Flag) bool  { return f&Flags(b) != 0 }
func (f Flags) Set(b Flag) Flags { return f | Flags(b) }
func (f Flags) Clear(b Flag) Flags { return f &^ Flags(b) }

// ConnectMode classifies a remote user's reachability relative to our own
// identity, per spec §4.D.
type ConnectMode int

const (
	ModeMe ConnectMode = iota
	ModeActiveV4
	ModeActiveV6
	ModePassiveV4
	ModePassiveV6
	ModeNoConnectPassive
	ModeNoConnectIP
)

func (m ConnectMode) String() string {
	switch m {
	case ModeMe:
		return "me"
	case ModeActiveV4:
		return "active-v4"
	case ModeActiveV6:
		return "active-v6"
	case ModePassiveV4:
		return "passive-v4"
	case ModePassiveV6:
		return "passive-v6"
	case ModeNoConnectPassive:
		return "no-connect-passive"
	case ModeNoConnectIP:
		return "no-connect-ip"
	}
	return "unknown"
}

// Identity is the mutable attribute bag owned by one OnlineUser: the
// aggregated view of everything a hub has told us about a user.
type Identity struct {
	mu sync.RWMutex

	Nick        string
	Description string
	Email       string
	Version     string // raw VE token, as advertised
	parsedVer   *semver.Version

	IP4, IP6   string
	UDPPort    string
	TCPPort    string
	BytesShared int64
	Slots       int

	DownSpeed int64 // bytes/sec, from DS / NMDC connection field
	UpSpeed   int64 // bytes/sec, from US

	Supports adc.ModFeatures

	Keyprint string // "SHA256/<base32>" as advertised in KP

	HubsNormal, HubsRegistered, HubsOp int

	// raw holds every 2-char key verbatim, including ones without a
	// dedicated field above, so unrecognized/forwarded keys survive.
	raw map[string]string
}

func NewIdentity() *Identity {
	return &Identity{raw: make(map[string]string), Supports: make(adc.ModFeatures)}
}

// Set stores a raw 2-char key/value pair and mirrors well-known keys into
// the typed fields. SS adjusts BytesShared via delta, matching the hub
// session's availableBytes accumulator bookkeeping described in spec §4.D.
func (id *Identity) Set(key, value string) (oldBytesShared int64, changed bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	old := id.raw[key]
	if old == value {
		return id.BytesShared, false
	}
	if value == "" {
		delete(id.raw, key)
	} else {
		id.raw[key] = value
	}
	switch key {
	case "NI":
		id.Nick = value
	case "DE":
		id.Description = value
	case "EM":
		id.Email = value
	case "VE":
		id.Version = value
		id.parsedVer = nil
	case "I4":
		id.IP4 = value
	case "I6":
		id.IP6 = value
	case "U4", "U6":
		id.UDPPort = value
	case "SL":
		id.Slots, _ = strconv.Atoi(value)
	case "SS":
		oldBytesShared = id.BytesShared
		id.BytesShared, _ = strconv.ParseInt(value, 10, 64)
		return oldBytesShared, true
	case "SU":
		id.Supports = adc.FeaturesFromList(splitSU(value))
	case "KP":
		id.Keyprint = value
	case "HN":
		id.HubsNormal, _ = strconv.Atoi(value)
	case "HR":
		id.HubsRegistered, _ = strconv.Atoi(value)
	case "HO":
		id.HubsOp, _ = strconv.Atoi(value)
	case "DS":
		id.DownSpeed = ParseConnectionSpeed(value)
	case "US":
		id.UpSpeed = ParseConnectionSpeed(value)
	}
	return id.BytesShared, true
}

func (id *Identity) Get(key string) (string, bool) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	v, ok := id.raw[key]
	return v, ok
}

// ParsedVersion lazily parses Version as a semver, tolerating the common
// "++ 1.2.3" / "EiskaltDC++ 2.2.9" style VE tokens that aren't strict
// dotted-triple semver by trimming to the trailing numeric run first.
func (id *Identity) ParsedVersion() (semver.Version, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.parsedVer != nil {
		return *id.parsedVer, true
	}
	v, ok := parseVersionToken(id.Version)
	if !ok {
		return semver.Version{}, false
	}
	id.parsedVer = &v
	return v, true
}

func parseVersionToken(s string) (semver.Version, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return semver.Version{}, false
	}
	last := fields[len(fields)-1]
	v, err := semver.ParseTolerant(last)
	if err != nil {
		return semver.Version{}, false
	}
	return v, true
}

func splitSU(v string) adc.ExtFeatures {
	parts := strings.Split(v, ",")
	out := make(adc.ExtFeatures, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, adc.Feature(p))
		}
	}
	return out
}

// ParseConnectionSpeed converts an ADC DS/US value or an NMDC $MyINFO
// connection-field string into bytes/sec. ADC values are already decimal
// bytes/sec; NMDC values are historical labels ("56Kbps", "LAN(T1)", ...).
// Unrecognized strings yield 0, matching the original's "unknown speed"
// fallback rather than an error, since the field is advisory only.
func ParseConnectionSpeed(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "lan(t3") || strings.Contains(lower, "lan(t4"):
		return 100 * 1000 * 1000 / 8
	case strings.Contains(lower, "lan(t2"):
		return 45 * 1000 * 1000 / 8
	case strings.Contains(lower, "lan(t1") || strings.Contains(lower, "lan"):
		return 10 * 1000 * 1000 / 8
	case strings.Contains(lower, "satellite"):
		return 1024 * 1000 / 8
	case strings.Contains(lower, "wireless"):
		return 512 * 1000 / 8
	case strings.Contains(lower, "dsl") || strings.Contains(lower, "cable"):
		return 1024 * 1000 / 8
	case strings.HasSuffix(lower, "kbps"):
		n, _ := strconv.ParseInt(strings.TrimSuffix(lower, "kbps"), 10, 64)
		return n * 1000 / 8
	case strings.HasSuffix(lower, "mbps"):
		n, _ := strconv.ParseInt(strings.TrimSuffix(lower, "mbps"), 10, 64)
		return n * 1000 * 1000 / 8
	}
	return 0
}

// User is interned globally per CID: the stable identity a registry hands
// out, shared by every OnlineUser binding for the same CID.
type User struct {
	CID adc.CID

	mu       sync.Mutex
	flags    Flags
	refcount int
	offlineAt time.Time
}

func NewUser(cid adc.CID) *User {
	return &User{CID: cid, refcount: 1}
}

func (u *User) Flags() Flags {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.flags
}

func (u *User) SetFlag(f Flag, on bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if on {
		u.flags = u.flags.Set(f)
	} else {
		u.flags = u.flags.Clear(f)
	}
}

func (u *User) Online() bool { return u.Flags().Has(FlagOnline) }

// Ref increments the refcount; Unref decrements it and, if it drops to 1
// (only the registry's own reference remains), stamps offlineAt so the
// registry's minute GC can reclaim it after the grace window.
func (u *User) Ref() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.refcount++
}

func (u *User) Unref() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.refcount--
	if u.refcount <= 1 {
		u.offlineAt = time.Now()
	}
}

func (u *User) Refcount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.refcount
}

// Reclaimable reports whether the grace window has elapsed since the user
// went offline (refcount dropped to the registry's own reference).
func (u *User) Reclaimable(grace time.Duration, now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.refcount > 1 {
		return false
	}
	if u.offlineAt.IsZero() {
		return false
	}
	return now.Sub(u.offlineAt) >= grace
}

// HubHandle is a non-owning reference to the hub session that hosts an
// OnlineUser: a stable handle rather than a raw back-pointer, per the
// back-reference design note — callers upgrade it only for the duration of
// a call and never hold it across a registry write-lock acquisition.
type HubHandle interface {
	URL() string
}

// OnlineUser binds a User to one SID within one hub session.
type OnlineUser struct {
	User *User
	SID  adc.SID
	Hub  HubHandle

	Identity *Identity

	mu   sync.RWMutex
	mode ConnectMode
}

func NewOnlineUser(u *User, sid adc.SID, hub HubHandle) *OnlineUser {
	return &OnlineUser{User: u, SID: sid, Hub: hub, Identity: NewIdentity()}
}

func (ou *OnlineUser) Mode() ConnectMode {
	ou.mu.RLock()
	defer ou.mu.RUnlock()
	return ou.mode
}

func (ou *OnlineUser) setMode(m ConnectMode) {
	ou.mu.Lock()
	defer ou.mu.Unlock()
	ou.mode = m
}

// ClassifyConnectMode implements spec §4.D's connect-mode classification:
// self always reports ModeMe, and otherwise it compares the remote's
// advertised IP/TCP-active support against our own to decide who must
// dial whom, if anyone can.
func ClassifyConnectMode(self, other *OnlineUser) ConnectMode {
	if self == other || (self != nil && other != nil && self.User == other.User) {
		other.setMode(ModeMe)
		return ModeMe
	}
	sid, od := self.Identity, other.Identity

	allowV4 := od.IP4 != "" && sid.IP4 != ""
	allowV6 := od.IP6 != "" && sid.IP6 != ""

	otherSup := od.Supports
	otherTCPActiveV4 := allowV4 && otherSup.IsSet(adc.FeaTCP4)
	otherTCPActiveV6 := allowV6 && otherSup.IsSet(adc.FeaTCP6)

	var mode ConnectMode
	switch {
	case otherTCPActiveV4:
		mode = ModeActiveV4
	case otherTCPActiveV6:
		mode = ModeActiveV6
	case allowV4 && (sid.Supports.IsSet(adc.FeaTCP4)):
		mode = ModePassiveV4
	case allowV6 && (sid.Supports.IsSet(adc.FeaTCP6)):
		mode = ModePassiveV6
	case allowV4 || allowV6:
		mode = ModeNoConnectPassive
	default:
		mode = ModeNoConnectIP
	}
	other.setMode(mode)
	return mode
}
