//go:build linux

package shim

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// applySockOpt tunes fd for dataplane traffic on Linux: receive buffer
// sizing, DSCP marking via IP_TOS, and busy-poll to cut scheduling latency,
// matching the teacher's setSockOptForVoiceExtended/setSockOptDSCP.
func applySockOpt(conn *net.UDPConn, cfg SocketConfig) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = applyOnFD(int(fd), cfg)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func applyOnFD(fd int, cfg SocketConfig) error {
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, cfg.RecvBufBytes); err != nil {
		return fmt.Errorf("SO_RCVBUF: %w", err)
	}
	if cfg.DSCP > 0 {
		tos := cfg.DSCP << 2
		if err := syscall.SetsockoptInt(fd, syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
			return fmt.Errorf("IP_TOS: %w", err)
		}
		_ = syscall.SetsockoptInt(fd, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}
	// SO_BUSY_POLL reduces wakeup latency for the service loop's poll cycle;
	// unsupported kernels (containers, older hosts) just ignore it.
	_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, unix.SO_BUSY_POLL, 50)
	return nil
}
