// Package proxy contains the TCP and UDP relay engines.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"mytunnel/internal/flog"
	"mytunnel/internal/pool"
	"mytunnel/internal/socket"
)

const dialTimeout = 10 * time.Second

// TCPProxy pumps bytes between a QUIC stream and a dialed TCP target.
type TCPProxy struct {
	bufs *pool.BufferPool
}

func NewTCPProxy(bufs *pool.BufferPool) *TCPProxy {
	return &TCPProxy{bufs: bufs}
}

// Dial resolves and connects to the target with the relay socket options
// applied.
func (p *TCPProxy) Dial(ctx context.Context, target string) (*net.TCPConn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	c, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	tcpConn := c.(*net.TCPConn)
	socket.TuneTCP(tcpConn)
	return tcpConn, nil
}

// ProxyStream dials the target and runs the bidirectional pump until both
// directions reach EOF. onRx/onTx observe chunk sizes for traffic
// accounting; either may be nil.
func (p *TCPProxy) ProxyStream(ctx context.Context, stream io.ReadWriteCloser, target string, onRx, onTx func(n int)) error {
	tcpConn, err := p.Dial(ctx, target)
	if err != nil {
		return err
	}
	defer tcpConn.Close()

	flog.Debugf("tcp relay connected to %s", target)

	rx, tx := p.Pump(stream, tcpConn, onRx, onTx)
	flog.Debugf("tcp relay to %s done: rx=%d tx=%d", target, rx, tx)
	return nil
}

// Pump runs the two copy directions concurrently with pooled 16 KB buffers.
// Each direction ends at its own EOF: the tunnel side's EOF half-closes the
// TCP write side, the TCP side's EOF closes the tunnel send side. Returns
// total bytes per direction (rx = tunnel->target, tx = target->tunnel).
func (p *TCPProxy) Pump(stream io.ReadWriteCloser, target *net.TCPConn, onRx, onTx func(n int)) (rx, tx uint64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := p.bufs.AcquireOrAlloc(pool.Medium)
		defer buf.Release()

		data := buf.Bytes()
		for {
			n, err := stream.Read(data)
			if n > 0 {
				if _, werr := target.Write(data[:n]); werr != nil {
					break
				}
				rx += uint64(n)
				if onRx != nil {
					onRx(n)
				}
			}
			if err != nil {
				break
			}
		}
		// Tunnel side is done sending; let the target drain.
		_ = target.CloseWrite()
	}()

	go func() {
		defer wg.Done()
		buf := p.bufs.AcquireOrAlloc(pool.Medium)
		defer buf.Release()

		data := buf.Bytes()
		for {
			n, err := target.Read(data)
			if n > 0 {
				if _, werr := stream.Write(data[:n]); werr != nil {
					break
				}
				tx += uint64(n)
				if onTx != nil {
					onTx(n)
				}
			}
			if err != nil {
				break
			}
		}
		// Target reached EOF; finish the tunnel send side.
		_ = stream.Close()
	}()

	wg.Wait()
	return rx, tx
}
