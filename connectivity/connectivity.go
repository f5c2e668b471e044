// Package connectivity implements the connectivity manager: auto-detect
// of public reachability per IP family, listen-socket ownership, and
// coordination with the port mapper, per spec §4.H/I.
package connectivity

import (
	"log"
	"net"
	"sync"

	"github.com/direct-connect/dcpp-engine/portmap"
)

var Debug bool

// Status is a single family's detected reachability state.
type Status int

const (
	Unknown Status = iota
	IncomingActive
	IncomingActiveUPnP
	IncomingPassive
)

func (s Status) String() string {
	switch s {
	case IncomingActive:
		return "active"
	case IncomingActiveUPnP:
		return "active-upnp"
	case IncomingPassive:
		return "passive"
	}
	return "unknown"
}

// Family is one auto-detect run's target IP family.
type Family int

const (
	V4 Family = iota
	V6
)

// famState holds one family's detected address, status and port mapper.
type famState struct {
	mu       sync.Mutex
	status   Status
	publicIP string
	autoDet  bool
	mapper   *portmap.Mapper
}

// Manager drives auto-detect and owns the per-family state. V4 and V6
// detection run independently, per spec §4.H/I.
type Manager struct {
	v4, v6 famState

	// ListenFn opens the actual listen socket(s) for a family; pluggable
	// so connectivity doesn't import peer directly (peer depends on
	// registry, which would create an import cycle back through cmd wiring).
	ListenFn func(fam Family) error

	backends func() []portmap.Backend
	port     int
}

func NewManager(port int, backends func() []portmap.Backend) *Manager {
	m := &Manager{port: port, backends: backends}
	m.v4.autoDet = true
	m.v6.autoDet = true
	return m
}

func (m *Manager) state(fam Family) *famState {
	if fam == V4 {
		return &m.v4
	}
	return &m.v6
}

// SetAutoDetect enables or disables auto-detection for a family; enabling
// clears its cached status and public address, per spec §4.H/I step (a).
// Disabling leaves the cached values in place.
func (m *Manager) SetAutoDetect(fam Family, on bool) {
	s := m.state(fam)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoDet = on
	if !on {
		return
	}
	s.status = Unknown
	s.publicIP = ""
}

// DetectPublicIP is supplied by the caller (typically a STUN-less
// best-effort local-interface check, or an externally-supplied override);
// connectivity.Manager treats an empty result as "no public address".
type DetectPublicIP func(fam Family) (string, error)

// Detect runs the auto-detect sequence for fam, per spec §4.H/I.
func (m *Manager) Detect(fam Family, detect DetectPublicIP) Status {
	s := m.state(fam)
	s.mu.Lock()
	if !s.autoDet {
		status := s.status
		s.mu.Unlock()
		return status
	}
	s.mu.Unlock()

	if m.ListenFn != nil {
		if err := m.ListenFn(fam); err != nil {
			if Debug {
				log.Println("connectivity: listen failed:", err)
			}
			s.mu.Lock()
			s.status = IncomingPassive
			s.mu.Unlock()
			return IncomingPassive
		}
	}

	ip, err := detect(fam)
	if err == nil && ip != "" {
		s.mu.Lock()
		s.status = IncomingActive
		s.publicIP = ip
		s.mu.Unlock()
		return IncomingActive
	}

	if m.backends == nil {
		s.mu.Lock()
		s.status = IncomingPassive
		s.mu.Unlock()
		return IncomingPassive
	}
	mapper := portmap.NewMapper(m.backends()...)
	if _, err := mapper.Open(m.port, portmap.TCP, "dcpp-engine"); err != nil {
		if Debug {
			log.Println("connectivity: port mapper failed:", err)
		}
		s.mu.Lock()
		s.status = IncomingPassive
		s.mu.Unlock()
		return IncomingPassive
	}
	extIP, _ := mapper.ExternalIP()
	s.mu.Lock()
	s.status = IncomingActiveUPnP
	s.publicIP = extIP
	s.mapper = mapper
	s.mu.Unlock()
	return IncomingActiveUPnP
}

func (m *Manager) Status(fam Family) Status {
	s := m.state(fam)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (m *Manager) PublicIP(fam Family) string {
	s := m.state(fam)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicIP
}

// LocalAddrs returns this host's non-loopback unicast addresses, used as
// a cheap substitute for a STUN round trip when no override is set.
func LocalAddrs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		out = append(out, ipnet.IP)
	}
	return out, nil
}
