package discovery

import (
	"fmt"
	"net"
)

// LocalIPv4 returns the first IPv4 address of the named interface, or of the
// first non-loopback interface that is up when name is empty.
func LocalIPv4(name string) (string, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return "", fmt.Errorf("discovery: interface %q: %w", name, err)
		}
		return ipv4Of(*iface)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("discovery: list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ip, err := ipv4Of(iface); err == nil {
			return ip, nil
		}
	}
	return "", fmt.Errorf("discovery: no IPv4 address on any active interface")
}

func ipv4Of(iface net.Interface) (string, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("discovery: addresses of %q: %w", iface.Name, err)
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("discovery: no IPv4 address on %q", iface.Name)
}
