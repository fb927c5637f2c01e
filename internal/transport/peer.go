// =============================================================================
// 文件: internal/transport/peer.go
// 描述: 对端地址 - IPv4/IPv6 统一的注册表键
// =============================================================================
package transport

import (
	"net"
	"strconv"
)

// IsIPv6 检查地址是否是 IPv6
func IsIPv6(ip net.IP) bool {
	return ip != nil && ip.To4() == nil && ip.To16() != nil
}

// IsIPv4 检查地址是否是 IPv4 (含 IPv4 映射的 IPv6 地址)
func IsIPv4(ip net.IP) bool {
	return ip != nil && ip.To4() != nil
}

// peerKey 对端在注册表中的键
// 双栈套接字上 ::ffff:a.b.c.d 与 a.b.c.d 视为同一对端
func peerKey(addr net.Addr) string {
	udp, ok := addr.(*net.UDPAddr)
	if !ok || udp == nil {
		return addr.String()
	}

	ip := udp.IP
	if IsIPv4(ip) {
		ip = ip.To4()
	}
	host := ip.String()
	if IsIPv6(ip) && udp.Zone != "" {
		host += "%" + udp.Zone
	}
	return net.JoinHostPort(host, strconv.Itoa(udp.Port))
}
