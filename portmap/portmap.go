// Package portmap implements the pluggable port-mapping backends (UPnP,
// NAT-PMP) used by the connectivity manager, per spec §4.H/I.
package portmap

import (
	"fmt"
	"sync"
	"time"

	"github.com/direct-connect/dcpp-engine/metrics"
)

// Proto is the transport protocol being mapped.
type Proto string

const (
	TCP Proto = "TCP"
	UDP Proto = "UDP"
)

// Backend is one port-mapping implementation: UPnP, NAT-PMP, or (in
// tests) a fake. Backends are tried in preference order by Mapper.
type Backend interface {
	Name() string
	Init() error
	Open(port int, proto Proto, desc string) error
	Close(port int, proto Proto) error
	ExternalIP() (string, error)
	// Renewal returns the interval at which the mapping should be
	// re-opened to keep its lease alive, or 0 if the backend does not
	// require renewal.
	Renewal() time.Duration
}

// Mapper tries each backend in order until one succeeds, then owns that
// mapping's renewal timer.
type Mapper struct {
	mu       sync.Mutex
	backends []Backend
	active   Backend
	port     int
	proto    Proto
	desc     string

	stop chan struct{}
}

func NewMapper(backends ...Backend) *Mapper {
	return &Mapper{backends: backends, stop: make(chan struct{})}
}

// Open tries each backend in preference order and keeps the first that
// succeeds, starting its renewal timer if it wants one.
func (m *Mapper) Open(port int, proto Proto, desc string) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastErr error
	for _, b := range m.backends {
		if err := b.Init(); err != nil {
			lastErr = err
			continue
		}
		if err := b.Open(port, proto, desc); err != nil {
			lastErr = err
			continue
		}
		m.active = b
		m.port, m.proto, m.desc = port, proto, desc
		metrics.PortmapActive.WithLabelValues(b.Name()).Set(1)
		if every := b.Renewal(); every > 0 {
			go m.renewalLoop(b, every)
		}
		return b, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("portmap: no backends configured")
	}
	return nil, fmt.Errorf("portmap: all backends failed: %w", lastErr)
}

// ExternalIP returns the external address reported by the active backend.
func (m *Mapper) ExternalIP() (string, error) {
	m.mu.Lock()
	b := m.active
	m.mu.Unlock()
	if b == nil {
		return "", fmt.Errorf("portmap: no active backend")
	}
	return b.ExternalIP()
}

func (m *Mapper) renewalLoop(b Backend, ttl time.Duration) {
	t := time.NewTicker(ttl)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.mu.Lock()
			port, proto, desc := m.port, m.proto, m.desc
			m.mu.Unlock()
			if err := b.Open(port, proto, desc); err != nil {
				// a failed renewal kicks a full re-open on the next cycle,
				// per spec §4.H/I; the timer keeps running and retries.
				metrics.PortmapActive.WithLabelValues(b.Name()).Set(0)
				continue
			}
		}
	}
}

// Close tears down the active mapping and stops the renewal timer.
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	if m.active == nil {
		return nil
	}
	metrics.PortmapActive.WithLabelValues(m.active.Name()).Set(0)
	return m.active.Close(m.port, m.proto)
}
