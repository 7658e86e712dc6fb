//go:build unix

package rfb

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDSCP marks outgoing packets with the given DSCP code point. The TOS /
// traffic class byte carries DSCP in its upper six bits.
func setDSCP(conn net.Conn, dscp int) error {
	if dscp < 0 || dscp > 63 {
		return fmt.Errorf("rfb: DSCP %d out of range 0-63", dscp)
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("rfb: connection %T does not expose a socket", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("rfb: socket handle: %w", err)
	}

	ipv6 := false
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok && addr.IP.To4() == nil {
		ipv6 = true
	}

	tos := dscp << 2
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if ipv6 {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
	if err != nil {
		return fmt.Errorf("rfb: socket control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("rfb: setsockopt TOS: %w", sockErr)
	}
	return nil
}
