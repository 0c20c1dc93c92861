package discovery

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"lanlink/pkg/transport"
)

// DefaultDomain is the mDNS domain used when none is configured.
const DefaultDomain = "local."

// ErrNoAddresses is returned when no usable interface address can be
// advertised.
var ErrNoAddresses = errors.New("discovery: no local addresses to advertise")

// Service describes one advertised instance.
type Service struct {
	Instance string
	Type     string // e.g. "_remote._tcp"
	Domain   string
	Port     int
	TXT      []string
}

// AdvertiseOptions narrows where a Service is announced.
type AdvertiseOptions struct {
	// Interface restricts the responder and address selection to one NIC.
	Interface string
	// IPs overrides address selection.
	IPs []net.IP
}

// Advertisement is a running mDNS responder for one Service.
type Advertisement struct {
	svc    Service
	server *mdns.Server
}

// Advertise starts answering mDNS queries for s. Name collisions and missing
// multicast support surface as errors here.
func Advertise(s Service, opts AdvertiseOptions) (*Advertisement, error) {
	if s.Instance == "" || s.Type == "" {
		return nil, errors.New("discovery: instance and type are required")
	}
	if s.Port <= 0 {
		return nil, fmt.Errorf("discovery: invalid port %d", s.Port)
	}
	if s.Domain == "" {
		s.Domain = DefaultDomain
	}
	ips := opts.IPs
	if len(ips) == 0 {
		var err error
		ips, err = localIPs(opts.Interface)
		if err != nil {
			return nil, err
		}
	}

	zone, err := mdns.NewMDNSService(s.Instance, s.Type, s.Domain, "", s.Port, ips, s.TXT)
	if err != nil {
		return nil, fmt.Errorf("create mdns service: %w", err)
	}
	cfg := &mdns.Config{Zone: zone}
	if opts.Interface != "" {
		iface, err := net.InterfaceByName(opts.Interface)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", opts.Interface, err)
		}
		cfg.Iface = iface
	}
	server, err := mdns.NewServer(cfg)
	if err != nil {
		return nil, fmt.Errorf("start mdns responder: %w", err)
	}
	zap.L().Info("advertising service",
		zap.String("instance", s.Instance),
		zap.String("type", s.Type),
		zap.Int("port", s.Port),
		zap.Int("ips", len(ips)))
	return &Advertisement{svc: s, server: server}, nil
}

func (a *Advertisement) Service() Service { return a.svc }

// Shutdown stops the responder. Safe on a nil Advertisement.
func (a *Advertisement) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// BuildTXT encodes the records a browser needs to rebuild an Endpoint.
func BuildTXT(id string, kind transport.Kind, service string) []string {
	txt := []string{"kind=" + kind.String(), "service=" + service}
	if id != "" {
		txt = append(txt, "id="+id)
	}
	return txt
}

// parseTXT turns key=value records into a map. Later keys win.
func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

// localIPs returns the up, non-loopback unicast addresses, IPv4 first. If there
// are none, loopback is used so single-host setups keep working.
func localIPs(ifaceName string) ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var v4, v6, loop []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if ifaceName != "" && iface.Name != ifaceName {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			switch {
			case ip.IsLoopback():
				loop = append(loop, ip)
			case ip.IsLinkLocalUnicast():
			case ip.To4() != nil:
				v4 = append(v4, ip)
			default:
				v6 = append(v6, ip)
			}
		}
	}
	out := append(v4, v6...)
	if len(out) == 0 {
		out = loop
	}
	if len(out) == 0 {
		return nil, ErrNoAddresses
	}
	return out, nil
}
