// Package client maintains the QUIC tunnel to the server and runs the local
// proxy front-ends.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/txthinking/runnergroup"

	"mytunnel/internal/conf"
	"mytunnel/internal/flog"
	"mytunnel/internal/pool"
	"mytunnel/internal/protocol"
	"mytunnel/internal/proxy"
)

type Client struct {
	cfg *conf.Conf

	tlsConf  *tls.Config
	quicConf *quic.Config

	mu    sync.RWMutex
	qconn *quic.Conn

	bufs *pool.BufferPool
	tcp  *proxy.TCPProxy

	// Datagram responses are dispatched to UDP associations by target key.
	flowMu sync.Mutex
	flows  map[string]chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *conf.Conf) (*Client, error) {
	tlsConf := &tls.Config{
		ServerName:         cfg.Client.SNIName(),
		InsecureSkipVerify: cfg.Client.Insecure,
		NextProtos:         []string{"mytunnel"},
		MinVersion:         tls.VersionTLS13,
	}
	if cfg.Client.Insecure {
		flog.Warnf("TLS certificate verification disabled (insecure mode)")
	}

	bufs := pool.NewBufferPool(256, 256, 64)

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		tlsConf:  tlsConf,
		quicConf: cfg.QUIC.ClientQUICConfig(),
		bufs:     bufs,
		tcp:      proxy.NewTCPProxy(bufs),
		flows:    make(map[string]chan []byte),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start connects to the server and runs the enabled front-ends until a
// shutdown signal arrives.
func (c *Client) Start() error {
	if _, err := c.getConnection(c.ctx); err != nil {
		return fmt.Errorf("initial connection failed: %w", err)
	}
	go c.recvDatagrams()

	rg := runnergroup.New()

	if c.cfg.Client.Socks5Enabled {
		s5 := newSocks5Server(c, c.cfg.Client.Socks5Bind)
		rg.Add(&runnergroup.Runner{
			Start: s5.ListenAndServe,
			Stop:  s5.Close,
		})
		flog.Infof("SOCKS5 proxy listening on %s", c.cfg.Client.Socks5Bind)
	}

	if c.cfg.Client.HTTPEnabled {
		hp := newHTTPProxy(c, c.cfg.Client.HTTPBind)
		rg.Add(&runnergroup.Runner{
			Start: hp.ListenAndServe,
			Stop:  hp.Close,
		})
		flog.Infof("HTTP CONNECT proxy listening on %s", c.cfg.Client.HTTPBind)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		flog.Infof("shutdown signal received")
		c.Shutdown()
		_ = rg.Done()
	}()

	if !c.cfg.Client.Socks5Enabled && !c.cfg.Client.HTTPEnabled {
		flog.Warnf("no local proxies enabled; tunnel is idle")
		<-c.ctx.Done()
		return nil
	}

	return rg.Wait()
}

// Shutdown closes the tunnel connection.
func (c *Client) Shutdown() {
	c.cancel()
	c.mu.Lock()
	if c.qconn != nil {
		_ = c.qconn.CloseWithError(0, "client shutdown")
		c.qconn = nil
	}
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) (*quic.Conn, error) {
	addr := c.cfg.Client.ServerAddr
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	qconn, err := quic.DialAddr(dialCtx, udpAddr.String(), c.tlsConf, c.quicConf)
	if err != nil {
		return nil, fmt.Errorf("QUIC connection attempt failed: %w", err)
	}

	flog.Infof("connected to server %s", addr)
	return qconn, nil
}

// getConnection returns the live tunnel connection, redialing when the
// previous one died.
func (c *Client) getConnection(ctx context.Context) (*quic.Conn, error) {
	c.mu.RLock()
	qconn := c.qconn
	c.mu.RUnlock()

	if qconn != nil && qconn.Context().Err() == nil {
		return qconn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qconn != nil && c.qconn.Context().Err() == nil {
		return c.qconn, nil
	}

	qconn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.qconn = qconn
	return qconn, nil
}

// OpenStream opens a fresh bidirectional stream on the tunnel.
func (c *Client) OpenStream(ctx context.Context) (*quic.Stream, error) {
	qconn, err := c.getConnection(ctx)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	stream, err := qconn.OpenStreamSync(openCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return stream, nil
}

// EstablishTunnel opens a stream, sends the TCP tunnel request, and waits for
// the status byte. The returned stream carries raw bytes from then on.
func (c *Client) EstablishTunnel(ctx context.Context, host string, port uint16) (*quic.Stream, error) {
	stream, err := c.OpenStream(ctx)
	if err != nil {
		return nil, err
	}

	req, err := protocol.EncodeTCPRequest(host, port)
	if err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return nil, err
	}
	if _, err := stream.Write(req); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return nil, fmt.Errorf("failed to send tunnel request: %w", err)
	}

	var status [1]byte
	if _, err := stream.Read(status[:]); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return nil, fmt.Errorf("failed to read tunnel response: %w", err)
	}
	if status[0] != protocol.StatusOK {
		stream.CancelRead(0)
		_ = stream.Close()
		return nil, fmt.Errorf("server rejected tunnel to %s:%d", host, port)
	}

	return stream, nil
}

// SendDatagram forwards one encoded UDP relay frame over the tunnel.
func (c *Client) SendDatagram(ctx context.Context, data []byte) error {
	qconn, err := c.getConnection(ctx)
	if err != nil {
		return err
	}
	return qconn.SendDatagram(data)
}

// Pump bridges an established tunnel stream and a local TCP connection.
func (c *Client) Pump(stream *quic.Stream, local *net.TCPConn) {
	c.tcp.Pump(stream, local, nil, nil)
}

func flowKey(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// RegisterFlow subscribes to relay responses for one (host, port) target.
func (c *Client) RegisterFlow(host string, port uint16) chan []byte {
	key := flowKey(host, port)
	c.flowMu.Lock()
	defer c.flowMu.Unlock()

	if ch, ok := c.flows[key]; ok {
		return ch
	}
	ch := make(chan []byte, 64)
	c.flows[key] = ch
	return ch
}

func (c *Client) UnregisterFlow(host string, port uint16) {
	key := flowKey(host, port)
	c.flowMu.Lock()
	delete(c.flows, key)
	c.flowMu.Unlock()
}

// recvDatagrams dispatches relay responses to the association that asked for
// them. Unknown targets are dropped, matching UDP's contract.
func (c *Client) recvDatagrams() {
	for {
		qconn, err := c.getConnection(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			time.Sleep(time.Second)
			continue
		}

		data, err := qconn.ReceiveDatagram(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			// Connection died; the next getConnection call redials.
			continue
		}

		host, port, payload, err := protocol.DecodeUDPPacket(data)
		if err != nil {
			continue
		}

		c.flowMu.Lock()
		ch, ok := c.flows[flowKey(host, port)]
		c.flowMu.Unlock()
		if !ok {
			continue
		}

		resp := make([]byte, len(payload))
		copy(resp, payload)
		select {
		case ch <- resp:
		default:
		}
	}
}
