package client

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	"mytunnel/internal/flog"
	"mytunnel/internal/protocol"
)

// udpAssociation is one SOCKS5 UDP ASSOCIATE session: a fresh ephemeral
// loopback socket facing the local application, bridged to QUIC datagrams on
// the tunnel side.
type udpAssociation struct {
	client *Client
	sock   *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	clientAddr *net.UDPAddr          // last local application address seen
	targets    map[string]flowTarget // targets being listened for
	wg         sync.WaitGroup
}

type flowTarget struct {
	host string
	port uint16
}

func newUDPAssociation(client *Client) (*udpAssociation, error) {
	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(client.ctx)
	return &udpAssociation{
		client:  client,
		sock:    sock,
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[string]flowTarget),
	}, nil
}

func (a *udpAssociation) LocalAddr() *net.UDPAddr {
	return a.sock.LocalAddr().(*net.UDPAddr)
}

func (a *udpAssociation) Close() {
	a.cancel()
	_ = a.sock.Close()

	a.mu.Lock()
	for _, t := range a.targets {
		a.client.UnregisterFlow(t.host, t.port)
	}
	a.targets = map[string]flowTarget{}
	a.mu.Unlock()

	a.wg.Wait()
}

// Run reads datagrams from the local application, forwards them through the
// tunnel, and spawns a response forwarder per target.
func (a *udpAssociation) Run() {
	buf := make([]byte, 65536)

	for {
		n, from, err := a.sock.ReadFromUDP(buf)
		if err != nil {
			return
		}

		host, port, payload, ok := parseSocksUDP(buf[:n])
		if !ok {
			continue
		}

		a.mu.Lock()
		a.clientAddr = from
		key := flowKey(host, port)
		_, known := a.targets[key]
		if !known {
			a.targets[key] = flowTarget{host: host, port: port}
		}
		a.mu.Unlock()

		if !known {
			ch := a.client.RegisterFlow(host, port)
			a.wg.Add(1)
			go a.forwardResponses(host, port, ch)
		}

		packet, err := protocol.EncodeUDPPacket(host, port, payload)
		if err != nil {
			continue
		}
		if err := a.client.SendDatagram(a.ctx, packet); err != nil {
			flog.Debugf("udp associate: send failed: %v", err)
		}
	}
}

// forwardResponses wraps relay responses in the SOCKS5 UDP header and hands
// them back to the local application.
func (a *udpAssociation) forwardResponses(host string, port uint16, ch chan []byte) {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case payload := <-ch:
			a.mu.Lock()
			dst := a.clientAddr
			a.mu.Unlock()
			if dst == nil {
				continue
			}

			resp := buildSocksUDP(host, port, payload)
			if _, err := a.sock.WriteToUDP(resp, dst); err != nil {
				return
			}
		}
	}
}

// parseSocksUDP splits a SOCKS5 UDP request:
// [RSV(2)][FRAG(1)][ATYP(1)][DST.ADDR][DST.PORT(2)][DATA]. Fragmented
// datagrams are not supported.
func parseSocksUDP(b []byte) (host string, port uint16, payload []byte, ok bool) {
	if len(b) < 10 {
		return "", 0, nil, false
	}
	if b[2] != 0 { // FRAG
		return "", 0, nil, false
	}

	var off int
	switch b[3] {
	case atypIPv4:
		host = net.IP(b[4:8]).String()
		off = 8
	case atypDomain:
		dlen := int(b[4])
		if len(b) < 7+dlen {
			return "", 0, nil, false
		}
		host = string(b[5 : 5+dlen])
		off = 5 + dlen
	case atypIPv6:
		if len(b) < 22 {
			return "", 0, nil, false
		}
		host = net.IP(b[4:20]).String()
		off = 20
	default:
		return "", 0, nil, false
	}

	if len(b) < off+2 {
		return "", 0, nil, false
	}
	port = binary.BigEndian.Uint16(b[off : off+2])
	return host, port, b[off+2:], true
}

// buildSocksUDP wraps a response payload with the SOCKS5 UDP header, using
// the domain address form.
func buildSocksUDP(host string, port uint16, payload []byte) []byte {
	buf := make([]byte, 0, 7+len(host)+len(payload))
	buf = append(buf, 0, 0, 0) // RSV, FRAG
	buf = append(buf, atypDomain)
	buf = append(buf, byte(len(host)))
	buf = append(buf, host...)
	buf = binary.BigEndian.AppendUint16(buf, port)
	buf = append(buf, payload...)
	return buf
}
