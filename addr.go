package asyncsocket

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// resolve turns host and port into a sockaddr and its address family.
// An empty host means the IPv4 wildcard address.
func resolve(network, host string, port int) (unix.Sockaddr, int, error) {
	if host == "" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "resolve %s", net.JoinHostPort(host, strconv.Itoa(port)))
		}
		ip = addr.IP
	}

	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if network == "udp" {
		return nil, 0, errors.Errorf("udp socket is IPv4 only: %s", host)
	}

	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrIPPort(sa unix.Sockaddr) (net.IP, int, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(append([]byte(nil), a.Addr[:]...)), a.Port, true
	case *unix.SockaddrInet6:
		return net.IP(append([]byte(nil), a.Addr[:]...)), a.Port, true
	default:
		return nil, 0, false
	}
}

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	ip, port, ok := sockaddrIPPort(sa)
	if !ok {
		return nil
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	ip, port, ok := sockaddrIPPort(sa)
	if !ok {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: port}
}

func localTCPAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}

func remoteTCPAddr(fd int) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}

// isTemporary reports errors that only mean "try again later".
func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
