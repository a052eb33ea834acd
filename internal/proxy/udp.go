package proxy

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"mytunnel/internal/flog"
	"mytunnel/internal/metrics"
	"mytunnel/internal/pool"
)

const (
	// SocketTTL bounds how long an idle egress socket stays pooled. Reuse
	// refreshes it; the janitor sweeps every twice this interval and closes
	// the sockets that have expired by then.
	SocketTTL = 60 * time.Second

	responseTimeout = 5 * time.Second
)

// UDPRelay forwards single datagrams to their target and waits for one
// response. Egress sockets are pooled per target address so repeated flows to
// the same host (DNS, QUIC, WebRTC) keep a stable NAT mapping.
type UDPRelay struct {
	bufs    *pool.BufferPool
	sockets *cache.Cache
	mu      sync.Mutex // serializes socket creation per miss
}

func NewUDPRelay(bufs *pool.BufferPool) *UDPRelay {
	c := cache.New(SocketTTL, 2*SocketTTL)
	c.OnEvicted(func(_ string, v any) {
		v.(*net.UDPConn).Close()
	})
	return &UDPRelay{bufs: bufs, sockets: c}
}

// RelayPacket sends payload to target and returns the first response, or a
// timeout error after 5 s. Losing either direction is within UDP's contract;
// the caller drops on error.
func (r *UDPRelay) RelayPacket(target string, payload []byte) ([]byte, error) {
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", target, err)
	}

	sock, err := r.getOrCreate(raddr)
	if err != nil {
		return nil, err
	}

	if _, err := sock.WriteToUDP(payload, raddr); err != nil {
		return nil, fmt.Errorf("failed to send UDP packet to %s: %w", target, err)
	}

	buf := r.bufs.AcquireOrAlloc(pool.Large)
	defer buf.Release()

	_ = sock.SetReadDeadline(time.Now().Add(responseTimeout))
	n, _, err := sock.ReadFromUDP(buf.Bytes())
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			metrics.M.Timeout()
			return nil, fmt.Errorf("UDP response timeout for %s", target)
		}
		return nil, err
	}

	resp := make([]byte, n)
	copy(resp, buf.Bytes()[:n])
	return resp, nil
}

func (r *UDPRelay) getOrCreate(target *net.UDPAddr) (*net.UDPConn, error) {
	key := target.String()

	if v, ok := r.sockets.Get(key); ok {
		sock := v.(*net.UDPConn)
		r.sockets.Set(key, sock, SocketTTL)
		return sock, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.sockets.Get(key); ok {
		return v.(*net.UDPConn), nil
	}

	network := "udp4"
	if target.IP.To4() == nil {
		network = "udp6"
	}
	sock, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to bind egress socket: %w", err)
	}

	r.sockets.Set(key, sock, SocketTTL)
	flog.Debugf("created egress socket %s -> %s", sock.LocalAddr(), key)
	return sock, nil
}

// PooledSockets reports the live egress socket count.
func (r *UDPRelay) PooledSockets() int { return r.sockets.ItemCount() }

// Close drops every pooled socket. Delete runs the eviction hook, which
// closes the socket.
func (r *UDPRelay) Close() {
	// Items skips expired entries the janitor has not swept yet.
	r.sockets.DeleteExpired()
	for key := range r.sockets.Items() {
		r.sockets.Delete(key)
	}
}
