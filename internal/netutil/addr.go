package netutil

import (
	"fmt"
	"net"
)

// ValidateDestination rejects destinations that would make the proxy
// dial its own listening socket, which would loop forever.
func ValidateDestination(
	dstAddrs []net.IPAddr,
	dstPort int,
	listenAddr *net.TCPAddr,
) (bool, error) {
	if listenAddr == nil || dstPort != listenAddr.Port {
		return true, nil
	}

	ifAddrs, err := net.InterfaceAddrs()

	for _, dstAddr := range dstAddrs {
		ip := dstAddr.IP
		if ip.IsLoopback() {
			return false, fmt.Errorf("loopback destination %v on own port", ip)
		}

		for _, addr := range ifAddrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return false, fmt.Errorf("interface destination %v on own port", ipnet)
			}
		}
	}

	return true, err
}
