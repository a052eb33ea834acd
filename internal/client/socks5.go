package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"mytunnel/internal/flog"
)

// SOCKS5 protocol constants (RFC 1928).
const (
	socksVersion = 0x05

	authNone         = 0x00
	authNoAcceptable = 0xFF

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess          = 0x00
	repGeneralFailure   = 0x01
	repConnNotAllowed   = 0x02
	repHostUnreachable  = 0x04
	repCmdNotSupported  = 0x07
	repAtypNotSupported = 0x08
)

// socks5Server is the client-local SOCKS5 front-end. Only AUTH_NONE is
// accepted; CONNECT and UDP ASSOCIATE are supported, BIND is not.
type socks5Server struct {
	client *Client
	addr   string
	ln     net.Listener
}

func newSocks5Server(client *Client, addr string) *socks5Server {
	return &socks5Server{client: client, addr: addr}
}

func (s *socks5Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind SOCKS5 proxy to %s: %w", s.addr, err)
	}
	s.ln = ln

	for {
		c, err := ln.Accept()
		if err != nil {
			return nil
		}
		go func() {
			defer c.Close()
			if err := s.handle(c.(*net.TCPConn)); err != nil {
				flog.Debugf("socks5 client %s: %v", c.RemoteAddr(), err)
			}
		}()
	}
}

func (s *socks5Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *socks5Server) handle(c *net.TCPConn) error {
	if err := negotiate(c); err != nil {
		return err
	}

	var header [4]byte
	if _, err := io.ReadFull(c, header[:]); err != nil {
		return err
	}
	if header[0] != socksVersion {
		return fmt.Errorf("invalid request version: %d", header[0])
	}
	cmd := header[1]

	host, port, err := readAddr(c, header[3])
	if err != nil {
		_, _ = c.Write(encodeReply(repAtypNotSupported, zeroBindAddr()))
		return err
	}

	switch cmd {
	case cmdConnect:
		return s.handleConnect(c, host, port)
	case cmdUDPAssociate:
		return s.handleUDPAssociate(c)
	case cmdBind:
		_, _ = c.Write(encodeReply(repCmdNotSupported, zeroBindAddr()))
		return fmt.Errorf("BIND command not supported")
	default:
		_, _ = c.Write(encodeReply(repCmdNotSupported, zeroBindAddr()))
		return fmt.Errorf("unknown command: %d", cmd)
	}
}

func negotiate(c net.Conn) error {
	var header [2]byte
	if _, err := io.ReadFull(c, header[:]); err != nil {
		return err
	}
	if header[0] != socksVersion {
		return fmt.Errorf("invalid SOCKS version: %d", header[0])
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(c, methods); err != nil {
		return err
	}

	selected := byte(authNoAcceptable)
	for _, m := range methods {
		if m == authNone {
			selected = authNone
			break
		}
	}

	if _, err := c.Write([]byte{socksVersion, selected}); err != nil {
		return err
	}
	if selected == authNoAcceptable {
		return fmt.Errorf("no acceptable auth method")
	}
	return nil
}

// readAddr consumes the DST.ADDR and DST.PORT fields for the given address
// type.
func readAddr(r io.Reader, atyp byte) (string, uint16, error) {
	var host string

	switch atyp {
	case atypIPv4:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return "", 0, err
		}
		host = net.IP(buf[:]).String()
	case atypDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return "", 0, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return "", 0, err
		}
		host = string(domain)
	case atypIPv6:
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return "", 0, err
		}
		host = net.IP(buf[:]).String()
	default:
		return "", 0, fmt.Errorf("unsupported address type: %d", atyp)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return "", 0, err
	}
	return host, binary.BigEndian.Uint16(portBuf[:]), nil
}

// encodeReply builds a SOCKS5 reply advertising the given bind address.
func encodeReply(status byte, bind *net.UDPAddr) []byte {
	buf := make([]byte, 0, 22)
	buf = append(buf, socksVersion, status, 0x00)

	if ip4 := bind.IP.To4(); ip4 != nil {
		buf = append(buf, atypIPv4)
		buf = append(buf, ip4...)
	} else {
		buf = append(buf, atypIPv6)
		buf = append(buf, bind.IP.To16()...)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(bind.Port))
	return buf
}

func zeroBindAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: 0}
}

func (s *socks5Server) handleConnect(c *net.TCPConn, host string, port uint16) error {
	stream, err := s.client.EstablishTunnel(s.client.ctx, host, port)
	if err != nil {
		flog.Debugf("socks5 CONNECT %s:%d failed: %v", host, port, err)
		_, _ = c.Write(encodeReply(repConnNotAllowed, zeroBindAddr()))
		return err
	}

	if _, err := c.Write(encodeReply(repSuccess, zeroBindAddr())); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return err
	}

	flog.Debugf("socks5 CONNECT %s:%d established", host, port)
	s.client.Pump(stream, c)
	return nil
}

func (s *socks5Server) handleUDPAssociate(c *net.TCPConn) error {
	assoc, err := newUDPAssociation(s.client)
	if err != nil {
		_, _ = c.Write(encodeReply(repGeneralFailure, zeroBindAddr()))
		return err
	}
	defer assoc.Close()

	local := assoc.LocalAddr()
	if _, err := c.Write(encodeReply(repSuccess, local)); err != nil {
		return err
	}

	flog.Debugf("socks5 UDP associate on %s", local)

	go assoc.Run()

	// The association lives until the TCP control connection closes.
	var buf [1]byte
	_, _ = c.Read(buf[:])
	return nil
}
