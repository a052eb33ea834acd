// Package socket creates and tunes the kernel sockets under the QUIC
// endpoint and the TCP relay.
package socket

import (
	"context"
	"fmt"
	"net"
	"time"
)

// 8 MB socket buffers keep the NIC fed at high throughput.
const (
	recvBufferSize = 8 * 1024 * 1024
	sendBufferSize = 8 * 1024 * 1024
)

// ListenUDP binds the endpoint socket with SO_REUSEADDR, SO_REUSEPORT where
// the platform has it, and large kernel buffers.
func ListenUDP(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket on %s: %w", addr, err)
	}

	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}

	// Best effort: the kernel may clamp these below the requested size.
	_ = udpConn.SetReadBuffer(recvBufferSize)
	_ = udpConn.SetWriteBuffer(sendBufferSize)

	return udpConn, nil
}

// TuneTCP applies the relay socket options: no Nagle, large buffers,
// keep-alive probing at 60 s idle / 10 s interval.
func TuneTCP(c *net.TCPConn) {
	_ = c.SetNoDelay(true)
	_ = c.SetReadBuffer(recvBufferSize)
	_ = c.SetWriteBuffer(sendBufferSize)
	_ = c.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     60 * time.Second,
		Interval: 10 * time.Second,
	})
}
