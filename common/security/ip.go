package security

import (
	"fmt"
	"net"
)

// checkIP rejects addresses a media fetch must never reach
func checkIP(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("IP address is nil")
	}

	switch {
	case ip.IsLoopback():
		return fmt.Errorf("IP %s is blocked: loopback address", ip)
	case ip.IsPrivate():
		return fmt.Errorf("IP %s is blocked: private network", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		// 169.254.169.254 is the cloud metadata endpoint
		return fmt.Errorf("IP %s is blocked: link-local address", ip)
	case ip.IsMulticast():
		return fmt.Errorf("IP %s is blocked: multicast address", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("IP %s is blocked: unspecified address", ip)
	}

	return nil
}
