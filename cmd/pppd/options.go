package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/codelaboratoryltd/pppstack/pkg/ppp"
	"github.com/codelaboratoryltd/pppstack/pkg/serial"
)

var errNoTransport = errors.New("one of --device or --tcp is required")

// options is the validated form of the command line.
type options struct {
	Dialer serial.Dialer
	Redial time.Duration

	LCP  ppp.LCPConfig
	IPCP ppp.IPCPConfig

	PeerPool string
	TUNName  string
	NoTUN    bool
	Routes   []*net.IPNet
}

func optionsFromFlags() (*options, error) {
	o := &options{
		Redial:   redial,
		PeerPool: peerPool,
		TUNName:  tunName,
		NoTUN:    noTUN,
	}

	switch {
	case device != "" && tcpAddress != "":
		return nil, errors.New("--device and --tcp are mutually exclusive")
	case device != "":
		o.Dialer = serial.DeviceDialer{Name: device, Baud: baud}
	case tcpAddress != "":
		o.Dialer = serial.TCPDialer{Address: tcpAddress, Timeout: 10 * time.Second}
	default:
		return nil, errNoTransport
	}

	if mru < 64 || mru > 65535 {
		return nil, fmt.Errorf("invalid MRU: %d", mru)
	}

	base := ppp.DefaultInstanceConfig()
	base.FSM.RestartTimer = restartTimer
	base.FSM.MaxConfigure = maxConfigure
	base.FSM.MaxTerminate = maxTerminate

	o.LCP = ppp.DefaultLCPConfig()
	o.LCP.InstanceConfig = base
	o.LCP.MRU = uint16(mru)
	o.LCP.MagicNumber = magic
	if keepaliveInterval > 0 {
		o.LCP.KeepAlive.Enabled = true
		o.LCP.KeepAlive.Interval = keepaliveInterval
		o.LCP.KeepAlive.MaxFailures = keepaliveFailures
	}

	o.IPCP = ppp.DefaultIPCPConfig()
	o.IPCP.InstanceConfig = base
	o.IPCP.RequestDNS = requestDNS

	var err error
	if o.IPCP.LocalAddress, err = parseIPv4(localIP); err != nil {
		return nil, fmt.Errorf("--local-ip: %w", err)
	}
	if o.IPCP.PeerAddress, err = parseIPv4(peerIP); err != nil {
		return nil, fmt.Errorf("--peer-ip: %w", err)
	}
	if o.IPCP.PeerAddress != nil && peerPool != "" {
		return nil, errors.New("--peer-ip and --peer-pool are mutually exclusive")
	}

	dns, err := parseIPv4List(dnsServers)
	if err != nil {
		return nil, fmt.Errorf("--dns: %w", err)
	}
	if len(dns) > 2 {
		return nil, fmt.Errorf("--dns: at most 2 servers, got %d", len(dns))
	}
	if len(dns) > 0 {
		o.IPCP.PrimaryDNS = dns[0]
	}
	if len(dns) > 1 {
		o.IPCP.SecondaryDNS = dns[1]
	}

	if o.Routes, err = parseRoutes(routes); err != nil {
		return nil, fmt.Errorf("--routes: %w", err)
	}
	return o, nil
}

// shutdownTimeout bounds how long termination is negotiated on exit.
func (o *options) shutdownTimeout() time.Duration {
	fsmCfg := o.LCP.FSM
	return time.Duration(fsmCfg.MaxTerminate+1)*fsmCfg.RestartTimer + time.Second
}

func parseIPv4(s string) (net.IP, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid IPv4 address: %s", s)
	}
	return ip, nil
}

func parseIPv4List(s string) ([]net.IP, error) {
	var ips []net.IP
	for _, part := range splitAndTrim(s) {
		ip, err := parseIPv4(part)
		if err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

func parseRoutes(s string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, part := range splitAndTrim(s) {
		_, n, err := net.ParseCIDR(part)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func splitAndTrim(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
