// Package server terminates QUIC connections and forwards their streams and
// datagrams to targets on the open internet.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	"mytunnel/internal/conf"
	"mytunnel/internal/conn"
	"mytunnel/internal/flog"
	"mytunnel/internal/pool"
	"mytunnel/internal/proxy"
	"mytunnel/internal/router"
	"mytunnel/internal/socket"
)

const drainTimeout = 30 * time.Second

type Server struct {
	cfg *conf.Conf

	mgr     *conn.Manager
	bufs    *pool.BufferPool
	handler *connHandler

	udpConn   *net.UDPConn
	transport *quic.Transport
	listener  *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *conf.Conf) (*Server, error) {
	bufs := pool.NewBufferPool(cfg.Pool.BufferCount4K, cfg.Pool.BufferCount16K, cfg.Pool.BufferCount64K)
	flog.Infof("buffer pool initialized: 4k=%d 16k=%d 64k=%d",
		cfg.Pool.BufferCount4K, cfg.Pool.BufferCount16K, cfg.Pool.BufferCount64K)

	// The QUIC transport's own idle timer is the primary authority; the sweep
	// is a safety net at twice that.
	mgr := conn.NewManager(conn.ManagerConfig{
		MaxConnections: cfg.Pool.ConnectionSlots,
		IdleTimeout:    2 * cfg.QUIC.IdleTimeout(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		bufs:   bufs,
		ctx:    ctx,
		cancel: cancel,
		handler: &connHandler{
			mgr:    mgr,
			bufs:   bufs,
			policy: router.FromConf(&cfg.Policy),
			tcp:    proxy.NewTCPProxy(bufs),
			udp:    proxy.NewUDPRelay(bufs),
		},
	}
	return s, nil
}

// Manager exposes the connection registry for the monitoring API.
func (s *Server) Manager() *conn.Manager { return s.mgr }

// BufferPool exposes pool statistics for the monitoring API.
func (s *Server) BufferPool() *pool.BufferPool { return s.bufs }

// Addr returns the bound endpoint address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// Listen binds the endpoint socket and starts the QUIC listener.
func (s *Server) Listen() error {
	tlsConf, err := s.cfg.TLS.ServerTLSConfig()
	if err != nil {
		return fmt.Errorf("could not build TLS config: %w", err)
	}

	udpConn, err := socket.ListenUDP(s.cfg.Server.BindAddr)
	if err != nil {
		return fmt.Errorf("could not bind endpoint socket: %w", err)
	}
	s.udpConn = udpConn
	s.transport = &quic.Transport{Conn: udpConn}

	listener, err := s.transport.Listen(tlsConf, s.cfg.QUIC.ServerQUICConfig())
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("could not start QUIC listener: %w", err)
	}
	s.listener = listener

	flog.Infof("server listening on %s (slots=%d, idle_timeout=%ds)",
		udpConn.LocalAddr(), s.cfg.Pool.ConnectionSlots, s.cfg.QUIC.IdleTimeoutSecs)
	return nil
}

// Serve runs the accept loop and the idle sweep until shutdown.
func (s *Server) Serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.idleSweep()
	}()

	s.acceptLoop()
	s.wg.Wait()
}

// Start binds the endpoint and serves until a shutdown signal arrives.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		flog.Infof("shutdown signal received, initiating graceful shutdown")
		s.Shutdown()
	}()

	s.Serve()
	flog.Infof("server shutdown completed")
	return nil
}

func (s *Server) acceptLoop() {
	for {
		qconn, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			flog.Errorf("failed to accept connection: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.handle(s.ctx, qconn)
		}()
	}
}

// idleSweep runs CleanupIdle at half the sweep threshold.
func (s *Server) idleSweep() {
	interval := s.cfg.QUIC.IdleTimeout()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mgr.CleanupIdle()
		}
	}
}

// Shutdown signals every connection task, drains up to the deadline, then
// force-closes the endpoint.
func (s *Server) Shutdown() {
	s.mgr.SignalShutdown()
	s.mgr.Drain(drainTimeout)

	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
	s.handler.udp.Close()
}
