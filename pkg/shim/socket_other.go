//go:build !linux

package shim

import (
	"fmt"
	"net"
)

// applySockOpt applies the portable subset of socket tuning on non-Linux
// platforms: receive buffer sizing only, via the standard library. DSCP
// marking and busy-poll are Linux-specific (§4.2 notes these as
// best-effort, platform-dependent optimizations).
func applySockOpt(conn *net.UDPConn, cfg SocketConfig) error {
	if err := conn.SetReadBuffer(cfg.RecvBufBytes); err != nil {
		return fmt.Errorf("set read buffer: %w", err)
	}
	return nil
}
