package portmap

import (
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

// NATPMPBackend maps ports via NAT-PMP against the default gateway.
type NATPMPBackend struct {
	client  *natpmp.Client
	gateway net.IP
	ttl     time.Duration
}

func NewNATPMPBackend() *NATPMPBackend {
	return &NATPMPBackend{ttl: 1 * time.Hour}
}

func (n *NATPMPBackend) Name() string { return "nat-pmp" }

func (n *NATPMPBackend) Init() error {
	gw, err := defaultGateway()
	if err != nil {
		return fmt.Errorf("portmap: nat-pmp: %w", err)
	}
	n.gateway = gw
	n.client = natpmp.NewClient(gw)
	return nil
}

func (n *NATPMPBackend) Open(port int, proto Proto, desc string) error {
	if n.client == nil {
		return fmt.Errorf("portmap: nat-pmp: not initialized")
	}
	protoStr := "tcp"
	if proto == UDP {
		protoStr = "udp"
	}
	_, err := n.client.AddPortMapping(protoStr, port, port, int(n.ttl.Seconds()))
	return err
}

func (n *NATPMPBackend) Close(port int, proto Proto) error {
	if n.client == nil {
		return nil
	}
	protoStr := "tcp"
	if proto == UDP {
		protoStr = "udp"
	}
	_, err := n.client.AddPortMapping(protoStr, port, 0, 0)
	return err
}

func (n *NATPMPBackend) ExternalIP() (string, error) {
	if n.client == nil {
		return "", fmt.Errorf("portmap: nat-pmp: not initialized")
	}
	res, err := n.client.GetExternalAddress()
	if err != nil {
		return "", err
	}
	ip := res.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]).String(), nil
}

func (n *NATPMPBackend) Renewal() time.Duration { return n.ttl / 2 }

func defaultGateway() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			gw := ipnet.IP.Mask(ipnet.Mask)
			gw[len(gw)-1] |= 1
			return gw, nil
		}
	}
	return nil, fmt.Errorf("portmap: no usable network interface found")
}
