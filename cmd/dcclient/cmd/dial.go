package cmd

import (
	"context"
	"fmt"
	"net"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/peer"
	"github.com/direct-connect/dcpp-engine/registry"
	"github.com/direct-connect/dcpp-engine/session"
)

// hubHandle is the subset of AdcSession/NmdcSession connect.go and
// search.go need: enough to register into the registry, print events and
// issue searches without caring which wire protocol is underneath.
type hubHandle interface {
	registry.HubSession
	registry.Searcher
	Listen() *session.Listeners
}

// adcHandle and nmdcHandle adapt the two concrete session types to
// hubHandle; they only differ in which field holds the Listeners value,
// since AdcSession and NmdcSession don't share a common base beyond
// *session.Common.
type adcHandle struct{ *session.AdcSession }

func (h adcHandle) Listen() *session.Listeners { return &h.Listeners }

type nmdcHandle struct{ *session.NmdcSession }

func (h nmdcHandle) Listen() *session.Listeners { return &h.Listeners }

// peerHandshake is handed established peer sockets by both session
// variants. Transfer negotiation itself is out of this core's scope (per
// spec §1/§6), so the composition root's job is just to log the handoff
// and hand the raw connection back to the peer manager's bookkeeping.
func (a *app) peerHandshake(conn net.Conn, secure bool, cid adc.CID, token string, role peer.NatRole) {
	logf("peer connection ready: cid=%s secure=%v role=%s token=%s", cid, secure, role, token)
	a.peers.Forget(conn)
	conn.Close()
}

// dialHub connects to raw per the scheme dcclient supports, registers the
// resulting session into the registry so registry.Search/Connect fan-out
// can reach it, and wires its events to a console sink.
func dialHub(ctx context.Context, a *app, conf *Config, raw string) (hubHandle, error) {
	u, isADC, _, err := parseHubURL(raw)
	if err != nil {
		return nil, err
	}
	addr := u.String()

	var h hubHandle
	if isADC {
		pid := a.pid
		acfg := session.AdcConfig{
			PID:      pid,
			Nick:     conf.Client.Nick,
			Desc:     conf.Client.Desc,
			Email:    conf.Client.Email,
			Slots:    conf.Client.Slots,
			Password: conf.Client.Password,
		}
		s, err := session.DialADC(ctx, addr, acfg, a.reg, nullShare{}, nullQueue{})
		if err != nil {
			return nil, fmt.Errorf("dial adc: %w", err)
		}
		s.OnPeerReady(a.peerHandshake)
		h = adcHandle{s}
	} else {
		ncfg := session.NmdcConfig{
			Nick:      conf.Client.Nick,
			Desc:      conf.Client.Desc,
			Email:     conf.Client.Email,
			Speed:     conf.Client.Speed,
			Slots:     conf.Client.Slots,
			Password:  conf.Client.Password,
			ShareSize: int64(conf.Client.ShareGB) << 30,
			Passive:   conf.Net.Passive,
		}
		s, err := session.DialNMDC(ctx, addr, ncfg, a.reg, nullShare{})
		if err != nil {
			return nil, fmt.Errorf("dial nmdc: %w", err)
		}
		s.OnPeerReady(a.peerHandshake)
		h = nmdcHandle{s}
	}
	if _, ok := a.reg.CreateClient(h.URL(), h); !ok {
		h.Shutdown()
		return nil, fmt.Errorf("dial: a session for %s is already open", h.URL())
	}
	forwardEvents(h.Listen(), h.URL(), consoleSink{hub: h.URL()})
	return h, nil
}
