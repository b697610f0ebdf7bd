package session

import (
	"fmt"
	"net"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// ServiceType is the Bonjour service type RTP-MIDI peers browse for
const ServiceType = "_apple-midi._udp"

// Advertiser publishes the session over mDNS
type Advertiser struct {
	server *mdns.Server
}

// Advertise announces name on the session control port
func Advertise(name string, port int, logger *zap.Logger) (*Advertiser, error) {
	ips, err := localIPs()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(name, ServiceType, "", "", port, ips, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns server: %w", err)
	}

	if logger != nil {
		logger.Info("Advertising mDNS service",
			zap.String("name", name),
			zap.String("type", ServiceType),
			zap.Int("port", port))
	}
	return &Advertiser{server: server}, nil
}

// Shutdown stops answering mDNS queries
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// localIPs returns the IPv4 addresses of the interfaces that are up
func localIPs() ([]net.IP, error) {
	var ips []net.IP

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

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	return ips, nil
}
