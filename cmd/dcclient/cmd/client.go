package cmd

import (
	"crypto/rand"
	"fmt"
	"io/ioutil"
	"log"
	"net/url"
	"os"
	"path/filepath"

	"github.com/direct-connect/dcpp-engine/adc"
	"github.com/direct-connect/dcpp-engine/connectivity"
	"github.com/direct-connect/dcpp-engine/crypto"
	"github.com/direct-connect/dcpp-engine/identity"
	"github.com/direct-connect/dcpp-engine/peer"
	"github.com/direct-connect/dcpp-engine/portmap"
	"github.com/direct-connect/dcpp-engine/registry"
	"github.com/direct-connect/dcpp-engine/session"
	"github.com/direct-connect/dcpp-engine/share"
)

// loadOrCreatePID returns the client's persistent private ID, generating
// and saving a fresh one on first run so the derived CID stays stable
// across reconnects. The file is written with ioutil.WriteFile and is not
// fsynced, unlike the TLS cert/key pair crypto.SaveIdentity writes.
func loadOrCreatePID(dir string) (adc.PID, error) {
	path := filepath.Join(dir, "pid.bin")
	if b, err := ioutil.ReadFile(path); err == nil && len(b) == 24 {
		var pid adc.PID
		copy(pid[:], b)
		return pid, nil
	}
	var pid adc.PID
	if _, err := rand.Read(pid[:]); err != nil {
		return pid, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return pid, err
	}
	if err := ioutil.WriteFile(path, pid[:], 0600); err != nil {
		return pid, err
	}
	return pid, nil
}

// loadOrCreateTLSIdentity loads the saved client certificate, generating
// and persisting a new one (keyed off the own CID) the first time the
// client runs with a given identity directory, per spec §4.J.
func loadOrCreateTLSIdentity(dir string, cid adc.CID) (*crypto.Identity, error) {
	id, err := crypto.LoadIdentity(dir)
	if err == nil {
		return id, nil
	}
	id, err = crypto.GenerateIdentity(cid.String())
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveIdentity(dir, id); err != nil {
		return nil, err
	}
	return id, nil
}

// nullShare is the ShareProvider used when the client has nothing shared;
// it answers every search and bloom request as an empty set, per share's
// note that the file share itself is out of this core's scope.
type nullShare struct{}

func (nullShare) Search(and, not, ext []string, tth string, ge, le, eq int64, max int) ([]share.FileInfo, error) {
	return nil, nil
}
func (nullShare) FileCount() int    { return 0 }
func (nullShare) Hashes() []adc.TTH { return nil }

// nullQueue reports no queued work; a real client would back this with a
// download queue, per share.QueueProvider's contract.
type nullQueue struct{}

func (nullQueue) StartDownload(cid adc.CID, hub string, smallSlot bool) (bool, bool, string) {
	return false, false, ""
}

// consoleSink implements share.UISink by printing to stdout, standing in
// for a real UI the way the hub's own plugins print join/part lines.
type consoleSink struct{ hub string }

func (c consoleSink) StatusMessage(hubURL, text string) { fmt.Printf("[%s] %s\n", hubURL, text) }
func (c consoleSink) Failed(hubURL, reason string)      { fmt.Printf("[%s] FAILED: %s\n", hubURL, reason) }
func (c consoleSink) HubUpdated(hubURL string)          { fmt.Printf("[%s] hub info updated\n", hubURL) }
func (c consoleSink) UserConnected(hubURL string, cid adc.CID) {
	fmt.Printf("[%s] + %s\n", hubURL, cid)
}
func (c consoleSink) UserUpdated(hubURL string, cid adc.CID) {
	fmt.Printf("[%s] ~ %s\n", hubURL, cid)
}
func (c consoleSink) UserRemoved(hubURL string, cid adc.CID) {
	fmt.Printf("[%s] - %s\n", hubURL, cid)
}

// forwardEvents drains a session's Listeners onto a share.UISink, bridging
// the Event-based notification style to the collaborator interface that
// spec §1/§6 hands off to the surrounding application.
func forwardEvents(l *session.Listeners, hubURL string, sink share.UISink) {
	l.Subscribe(func(ev session.Event) {
		switch ev.Kind {
		case session.EventStatusMessage:
			sink.StatusMessage(hubURL, ev.Text)
		case session.EventFailed:
			reason := ev.Text
			if ev.Err != nil {
				reason = ev.Err.Error()
			}
			sink.Failed(hubURL, reason)
		case session.EventHubUpdated:
			sink.HubUpdated(hubURL)
		case session.EventUserConnected:
			if ev.User != nil {
				sink.UserConnected(hubURL, ev.User.User.CID)
			}
		case session.EventUserUpdated:
			if ev.User != nil {
				sink.UserUpdated(hubURL, ev.User.User.CID)
			}
		case session.EventUserRemoved:
			if ev.User != nil {
				sink.UserRemoved(hubURL, ev.User.User.CID)
			}
		case session.EventFloodDetected:
			sink.StatusMessage(hubURL, "flood gate tripped: "+ev.Text)
		}
	})
}

// rosterHub is satisfied by *session.AdcSession and *session.NmdcSession
// via their embedded *session.Common, letting app act as the
// registry.OnlineUserLocator the peer manager's connector needs without
// the registry package importing session (which would cycle back through
// registry.HubSession).
type rosterHub interface {
	UserByCID(cid adc.CID) *identity.OnlineUser
}

// app is the composition root: one registry, one peer manager, one
// connectivity manager shared by every hub session the process opens,
// mirroring how go-hub's serve command builds a single hub.Hub and wires
// the protocol listeners into it.
type app struct {
	reg    *registry.Registry
	peers  *peer.Manager
	conn   *connectivity.Manager
	mapper *portmap.Mapper
	idDir  string
	pid    adc.PID
	cid    adc.CID
	tls    *crypto.Identity
}

func (a *app) FindOnlineUser(hubURL string, cid adc.CID) *identity.OnlineUser {
	s, ok := a.reg.Client(hubURL)
	if !ok {
		return nil
	}
	rh, ok := s.(rosterHub)
	if !ok {
		return nil
	}
	return rh.UserByCID(cid)
}

// newApp builds the shared registry/peer/connectivity stack and loads (or
// generates) the client's persistent identity, per spec §3/§4.J.
func newApp(conf *Config) (*app, error) {
	pid, err := loadOrCreatePID(conf.Identity.Dir)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	cid := adc.HashPID(pid)
	tlsID, err := loadOrCreateTLSIdentity(conf.Identity.Dir, cid)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	a := &app{
		reg:    registry.New(),
		mapper: portmap.NewMapper(portmap.NewUPnPBackend(), portmap.NewNATPMPBackend()),
		idDir:  conf.Identity.Dir,
		pid:    pid,
		cid:    cid,
		tls:    tlsID,
	}
	a.conn = connectivity.NewManager(conf.Net.Port, func() []portmap.Backend {
		return []portmap.Backend{portmap.NewUPnPBackend(), portmap.NewNATPMPBackend()}
	})
	a.peers = peer.NewManager(a.reg, nullQueue{})
	return a, nil
}

// parseHubURL reports the wire protocol to dial for url's scheme, per
// spec §2's adc/adcs/nmdc/dchub scheme list. It normalizes the legacy
// "dchub" alias to "nmdc" since go-dc's own nmdc.ParseAddr only knows the
// latter two.
func parseHubURL(raw string) (u *url.URL, isADC, isSecure bool, err error) {
	u, err = url.Parse(raw)
	if err != nil {
		return nil, false, false, err
	}
	switch u.Scheme {
	case "adc":
		return u, true, false, nil
	case "adcs":
		return u, true, true, nil
	case "dchub":
		u.Scheme = "nmdc"
		return u, false, false, nil
	case "nmdc":
		return u, false, false, nil
	case "nmdcs":
		return u, false, true, nil
	default:
		return nil, false, false, fmt.Errorf("cmd: unsupported hub scheme %q", u.Scheme)
	}
}

func logf(format string, args ...interface{}) {
	log.Printf(format, args...)
}
