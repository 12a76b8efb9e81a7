// Package shim is the input shim: it owns the UDP sockets the dataplane
// polls, applies per-socket QoS/buffer tuning, and drives a cooperative
// round-robin scheduler across the filters bound to each socket (§4.2,
// §4.3). It is the layer between the kernel and pkg/rtp's receivers.
package shim

import (
	"fmt"
	"net"
	"time"
)

// SocketConfig tunes one UDP socket's kernel-level behavior (§4.2).
type SocketConfig struct {
	LocalAddr    string
	RecvBufBytes int
	DSCP         int // 0 disables explicit marking
	Multicast    net.IP
}

// DefaultRecvBufBytes mirrors the teacher's voice-optimized receive buffer:
// large enough to ride out a scheduling hiccup without the kernel dropping
// datagrams.
const DefaultRecvBufBytes = 1 << 16

// Socket wraps one bound, tuned UDP connection.
type Socket struct {
	Conn   *net.UDPConn
	Config SocketConfig
}

// Open binds a UDP socket per cfg and applies the platform socket options
// (buffer sizing, DSCP marking, multicast join), matching the teacher's
// "create then tune" sequencing in NewUDPTransport.
func Open(cfg SocketConfig) (*Socket, error) {
	if cfg.RecvBufBytes == 0 {
		cfg.RecvBufBytes = DefaultRecvBufBytes
	}
	addr, err := net.ResolveUDPAddr("udp4", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local addr: %w", err)
	}

	var conn *net.UDPConn
	if cfg.Multicast != nil {
		conn, err = net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: cfg.Multicast, Port: addr.Port})
	} else {
		conn, err = net.ListenUDP("udp4", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	if err := applySockOpt(conn, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tune socket: %w", err)
	}

	return &Socket{Conn: conn, Config: cfg}, nil
}

// Close releases the underlying connection.
func (s *Socket) Close() error { return s.Conn.Close() }

// SetReadDeadline sets a short read deadline so the polling loop never blocks
// indefinitely on one socket (§4.3's cooperative scheduling requirement).
func (s *Socket) SetReadDeadline(d time.Duration) error {
	return s.Conn.SetReadDeadline(time.Now().Add(d))
}
