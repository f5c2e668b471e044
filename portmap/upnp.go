package portmap

import (
	"fmt"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway2"
)

// UPnPBackend maps ports via the WAN IP Connection service on an IGDv1/v2
// router, discovered via SSDP.
type UPnPBackend struct {
	client interface {
		AddPortMapping(string, uint16, string, uint16, string, bool, string, uint32) error
		DeletePortMapping(string, uint16, string) error
		GetExternalIPAddress() (string, error)
	}
	localIP string
}

func NewUPnPBackend() *UPnPBackend { return &UPnPBackend{} }

func (u *UPnPBackend) Name() string { return "upnp" }

func (u *UPnPBackend) Init() error {
	clients, errs, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return fmt.Errorf("portmap: upnp discovery: %w", err)
	}
	if len(clients) == 0 {
		if len(errs) > 0 {
			return fmt.Errorf("portmap: upnp: no gateway found: %w", errs[0])
		}
		return fmt.Errorf("portmap: upnp: no gateway found")
	}
	u.client = clients[0]

	ip, err := localOutboundIP()
	if err != nil {
		return err
	}
	u.localIP = ip
	return nil
}

func (u *UPnPBackend) Open(port int, proto Proto, desc string) error {
	if u.client == nil {
		return fmt.Errorf("portmap: upnp: not initialized")
	}
	return u.client.AddPortMapping("", uint16(port), string(proto), uint16(port), u.localIP, true, desc, 0)
}

func (u *UPnPBackend) Close(port int, proto Proto) error {
	if u.client == nil {
		return nil
	}
	return u.client.DeletePortMapping("", uint16(port), string(proto))
}

func (u *UPnPBackend) ExternalIP() (string, error) {
	if u.client == nil {
		return "", fmt.Errorf("portmap: upnp: not initialized")
	}
	return u.client.GetExternalIPAddress()
}

// Renewal reports zero: IGD port mappings in this client are opened with
// an indefinite lease (LeaseDuration 0), so no periodic renewal is needed.
func (u *UPnPBackend) Renewal() time.Duration { return 0 }

func localOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), nil
}
