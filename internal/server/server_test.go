package server

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"mytunnel/internal/conf"
	"mytunnel/internal/metrics"
	"mytunnel/internal/protocol"
)

func testConf(t *testing.T, slots int) *conf.Conf {
	t.Helper()
	dir := t.TempDir()
	return &conf.Conf{
		Role:   "server",
		Server: conf.Server{BindAddr: "127.0.0.1:0"},
		QUIC: conf.QUIC{
			MaxConnections:    slots,
			MaxStreamsPerConn: 32,
			IdleTimeoutSecs:   10,
			MaxUDPPayload:     1350,
			CongestionControl: "bbr",
		},
		TLS: conf.TLS{
			CertPath:     filepath.Join(dir, "cert.pem"),
			KeyPath:      filepath.Join(dir, "key.pem"),
			AutoGenerate: true,
		},
		Pool: conf.Pool{
			BufferCount4K:   16,
			BufferCount16K:  16,
			BufferCount64K:  8,
			ConnectionSlots: slots,
		},
		Policy:  conf.Policy{DefaultAllow: true},
		Logging: conf.Logging{Level: "none", Format: "pretty"},
	}
}

func startTestServer(t *testing.T, cfg *conf.Conf) *Server {
	t.Helper()
	srv, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(srv.Shutdown)
	return srv
}

func dialTestServer(t *testing.T, addr string) *quic.Conn {
	t.Helper()
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"mytunnel"},
	}
	quicConf := &quic.Config{EnableDatagrams: true}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	qconn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return qconn
}

func startEchoTCP(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return ln.Addr().String()
}

func TestTunnelTCPEcho(t *testing.T) {
	srv := startTestServer(t, testConf(t, 16))
	echoAddr := startEchoTCP(t)

	qconn := dialTestServer(t, srv.Addr().String())
	defer qconn.CloseWithError(0, "test done")

	host, portStr, _ := net.SplitHostPort(echoAddr)
	portNum, _ := strconv.Atoi(portStr)
	port := uint16(portNum)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatal(err)
	}

	req, err := protocol.EncodeTCPRequest(host, port)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Write(req); err != nil {
		t.Fatal(err)
	}

	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	var status [1]byte
	if _, err := io.ReadFull(stream, status[:]); err != nil {
		t.Fatal(err)
	}
	if status[0] != protocol.StatusOK {
		t.Fatalf("status = 0x%02x, want 0x00", status[0])
	}

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q", buf)
	}

	snap := metrics.M.Snapshot()
	if snap.StreamsOpened < 1 {
		t.Error("streams_opened not bumped")
	}
	if snap.BytesReceived < 5 || snap.BytesSent < 5 {
		t.Errorf("traffic counters = (%d, %d)", snap.BytesReceived, snap.BytesSent)
	}

	stream.CancelRead(0)
	stream.Close()
}

func TestTunnelDeniedHost(t *testing.T) {
	cfg := testConf(t, 16)
	cfg.Policy.BlockedHosts = []string{"blocked.test"}
	srv := startTestServer(t, cfg)

	qconn := dialTestServer(t, srv.Addr().String())
	defer qconn.CloseWithError(0, "test done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := protocol.EncodeTCPRequest("blocked.test", 443)
	stream.Write(req)

	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	var status [1]byte
	if _, err := io.ReadFull(stream, status[:]); err != nil {
		t.Fatal(err)
	}
	if status[0] != protocol.StatusError {
		t.Errorf("status = 0x%02x, want 0xFF for denied host", status[0])
	}
}

func TestTunnelDialFailure(t *testing.T) {
	srv := startTestServer(t, testConf(t, 16))

	// Reserve a port with nothing behind it.
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	deadAddr := ln.Addr().String()
	ln.Close()
	host, portStr, _ := net.SplitHostPort(deadAddr)
	portNum, _ := strconv.Atoi(portStr)
	port := uint16(portNum)

	qconn := dialTestServer(t, srv.Addr().String())
	defer qconn.CloseWithError(0, "test done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := protocol.EncodeTCPRequest(host, port)
	stream.Write(req)

	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	var status [1]byte
	if _, err := io.ReadFull(stream, status[:]); err != nil {
		t.Fatal(err)
	}
	if status[0] != protocol.StatusError {
		t.Errorf("status = 0x%02x, want 0xFF for dial failure", status[0])
	}
}

func TestUnknownRequestType(t *testing.T) {
	srv := startTestServer(t, testConf(t, 16))

	qconn := dialTestServer(t, srv.Addr().String())
	defer qconn.CloseWithError(0, "test done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Type 0x02 is undefined.
	stream.Write([]byte{0x02, 0x01, 0xbb, 0x01, 'x'})

	stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	var status [1]byte
	if _, err := io.ReadFull(stream, status[:]); err != nil {
		t.Fatal(err)
	}
	if status[0] != protocol.StatusError {
		t.Errorf("status = 0x%02x, want 0xFF for unknown type", status[0])
	}
}

func TestUDPRelayThroughTunnel(t *testing.T) {
	srv := startTestServer(t, testConf(t, 16))

	// Local UDP echo target.
	echoSock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer echoSock.Close()
	go func() {
		buf := make([]byte, 65536)
		for {
			n, from, err := echoSock.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echoSock.WriteToUDP(buf[:n], from)
		}
	}()

	echoUDP := echoSock.LocalAddr().(*net.UDPAddr)

	qconn := dialTestServer(t, srv.Addr().String())
	defer qconn.CloseWithError(0, "test done")

	pkt, err := protocol.EncodeUDPPacket("127.0.0.1", uint16(echoUDP.Port), []byte("dns?"))
	if err != nil {
		t.Fatal(err)
	}
	if err := qconn.SendDatagram(pkt); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	data, err := qconn.ReceiveDatagram(ctx)
	if err != nil {
		t.Fatal(err)
	}

	host, port, payload, err := protocol.DecodeUDPPacket(data)
	if err != nil {
		t.Fatal(err)
	}
	if host != "127.0.0.1" || port != uint16(echoUDP.Port) {
		t.Errorf("response addressed to (%q, %d)", host, port)
	}
	if string(payload) != "dns?" {
		t.Errorf("payload = %q", payload)
	}
}

func TestCapacityRejection(t *testing.T) {
	srv := startTestServer(t, testConf(t, 1))

	failedBefore := metrics.M.Snapshot().ConnectionsFailed

	first := dialTestServer(t, srv.Addr().String())
	defer first.CloseWithError(0, "test done")

	// Give the server a moment to register the first connection.
	waitFor(t, time.Second, func() bool { return srv.Manager().ConnectionCount() == 1 })

	second := dialTestServer(t, srv.Addr().String())
	defer second.CloseWithError(0, "test done")

	// The second connection is closed with the capacity code; any operation
	// on it surfaces the application error.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := second.AcceptStream(ctx)
	if err == nil {
		t.Fatal("over-capacity connection stayed open")
	}

	waitFor(t, time.Second, func() bool {
		return metrics.M.Snapshot().ConnectionsFailed > failedBefore
	})
}

func TestGracefulShutdownDrains(t *testing.T) {
	cfg := testConf(t, 16)
	srv := startTestServer(t, cfg)

	conns := make([]*quic.Conn, 0, 4)
	for range 4 {
		conns = append(conns, dialTestServer(t, srv.Addr().String()))
	}
	waitFor(t, 2*time.Second, func() bool { return srv.Manager().ConnectionCount() == 4 })

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if got := srv.Manager().ConnectionCount(); got != 0 {
		t.Errorf("connections after drain = %d, want 0", got)
	}

	for _, c := range conns {
		c.CloseWithError(0, "")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
