// Package netutil finds the addresses the server can be reached at.
package netutil

import (
	"net"
)

// LocalIP returns the address of the outbound interface, falling back to
// the first non-loopback IPv4 interface address and then to 127.0.0.1.
func LocalIP() string {
	// UDP dial picks a route without sending anything
	if conn, err := net.Dial("udp", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	interfaces, _ := net.Interfaces()
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
					return ipnet.IP.String()
				}
			}
		}
	}

	return "127.0.0.1"
}

// AdvertiseAddr rewrites a listen address bound to every interface into one
// a client can connect to. Other addresses are returned unchanged.
func AdvertiseAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return listenAddr
	}
	return net.JoinHostPort(LocalIP(), port)
}
