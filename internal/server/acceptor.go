package server

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/quic-go/quic-go"

	"mytunnel/internal/conn"
	"mytunnel/internal/flog"
	"mytunnel/internal/metrics"
	"mytunnel/internal/pool"
	"mytunnel/internal/protocol"
	"mytunnel/internal/proxy"
	"mytunnel/internal/router"
)

// Application close codes on the QUIC connection.
const (
	codeOK         quic.ApplicationErrorCode = 0
	codeAtCapacity quic.ApplicationErrorCode = 1
)

// connHandler runs one accepted QUIC connection: registers it, demuxes
// bidirectional streams (TCP tunnels) and datagrams (UDP relays), and
// unregisters on exit. Stream and datagram failures stay local; only
// connection-level errors end the handler.
type connHandler struct {
	mgr    *conn.Manager
	bufs   *pool.BufferPool
	policy *router.Policy
	tcp    *proxy.TCPProxy
	udp    *proxy.UDPRelay
}

func (h *connHandler) handle(ctx context.Context, qconn *quic.Conn) {
	clientAddr := qconn.RemoteAddr().String()

	id, ok := h.mgr.Register(clientAddr)
	if !ok {
		flog.Warnf("connection from %s rejected: at capacity", clientAddr)
		metrics.M.ConnectionFailed()
		_ = qconn.CloseWithError(codeAtCapacity, "server at capacity")
		return
	}
	defer h.mgr.Unregister(id)

	// The transport hands us the connection post-handshake.
	h.mgr.Activate(id)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Shutdown watcher: closing the connection unblocks both demux loops.
	go func() {
		select {
		case <-h.mgr.SubscribeShutdown():
			flog.Infof("connection %s: closing for shutdown", id)
			_ = qconn.CloseWithError(codeOK, "server shutdown")
		case <-connCtx.Done():
		}
	}()

	go h.datagramLoop(connCtx, id, qconn)
	h.streamLoop(connCtx, id, qconn)
}

func (h *connHandler) streamLoop(ctx context.Context, id conn.ID, qconn *quic.Conn) {
	for {
		stream, err := qconn.AcceptStream(ctx)
		if err != nil {
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) {
				flog.Debugf("connection %s closed by peer", id)
			} else if ctx.Err() == nil {
				flog.Debugf("connection %s stream accept error: %v", id, err)
			}
			return
		}

		metrics.M.StreamOpened()
		h.mgr.StreamOpened(id)

		go func() {
			defer func() {
				metrics.M.StreamClosed()
				h.mgr.StreamClosed(id)
			}()
			h.handleStream(ctx, id, stream)
		}()
	}
}

func (h *connHandler) datagramLoop(ctx context.Context, id conn.ID, qconn *quic.Conn) {
	for {
		data, err := qconn.ReceiveDatagram(ctx)
		if err != nil {
			// Datagrams are lossy by contract; only connection teardown ends
			// the loop.
			var appErr *quic.ApplicationError
			if errors.As(err, &appErr) || ctx.Err() != nil || qconn.Context().Err() != nil {
				return
			}
			metrics.M.Error()
			continue
		}

		metrics.M.DatagramRx()
		go h.handleDatagram(id, qconn, data)
	}
}

// handleStream serves one TCP tunnel request: fixed header, policy check,
// target dial, status byte, then the bidirectional pump.
func (h *connHandler) handleStream(ctx context.Context, id conn.ID, stream *quic.Stream) {
	reqType, host, port, err := protocol.ReadTCPRequest(stream)
	if err != nil {
		flog.Debugf("connection %s: bad stream request: %v", id, err)
		metrics.M.Error()
		h.failStream(stream)
		return
	}

	if reqType != protocol.TCPConnect {
		flog.Warnf("connection %s: unknown request type 0x%02x", id, reqType)
		h.failStream(stream)
		return
	}

	decision := h.policy.Decide(&router.Request{
		Type:       router.TCPConnect,
		TargetHost: host,
		TargetPort: port,
	})
	if !decision.Allowed() {
		flog.Infof("connection %s: %s:%d denied: %s", id, host, port, decision.Reason)
		metrics.M.Error()
		h.failStream(stream)
		return
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	tcpConn, err := h.tcp.Dial(ctx, target)
	if err != nil {
		flog.Debugf("connection %s: dial %s failed: %v", id, target, err)
		metrics.M.Error()
		h.failStream(stream)
		return
	}
	defer tcpConn.Close()

	if _, err := stream.Write([]byte{protocol.StatusOK}); err != nil {
		return
	}

	h.tcp.Pump(stream, tcpConn,
		func(n int) { h.mgr.RecordTraffic(id, uint64(n), 0) },
		func(n int) { h.mgr.RecordTraffic(id, 0, uint64(n)) })
}

func (h *connHandler) failStream(stream *quic.Stream) {
	_, _ = stream.Write([]byte{protocol.StatusError})
	_ = stream.Close()
	stream.CancelRead(0)
}

// handleDatagram serves one UDP relay: parse, policy, relay with the 5 s
// response window, wrap and send back. Failures drop the datagram.
func (h *connHandler) handleDatagram(id conn.ID, qconn *quic.Conn, data []byte) {
	host, port, payload, err := protocol.DecodeUDPPacket(data)
	if err != nil {
		metrics.M.Error()
		return
	}

	decision := h.policy.Decide(&router.Request{
		Type:       router.UDPRelay,
		TargetHost: host,
		TargetPort: port,
	})
	if !decision.Allowed() {
		metrics.M.Error()
		return
	}

	h.mgr.UDPFlowOpened(id)
	defer h.mgr.UDPFlowClosed(id)

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	resp, err := h.udp.RelayPacket(target, payload)
	if err != nil {
		flog.Debugf("connection %s: udp relay to %s: %v", id, target, err)
		return
	}

	out, err := protocol.EncodeUDPPacket(host, port, resp)
	if err != nil {
		metrics.M.Error()
		return
	}

	// Best effort; no retry.
	if err := qconn.SendDatagram(out); err == nil {
		metrics.M.DatagramTx()
		h.mgr.RecordTraffic(id, uint64(len(payload)), uint64(len(resp)))
	}
}
