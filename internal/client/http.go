package client

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"mytunnel/internal/flog"
)

// httpProxy is the client-local HTTP CONNECT front-end. Only the CONNECT
// method is served; everything else gets 405.
type httpProxy struct {
	client *Client
	addr   string
	ln     net.Listener
}

func newHTTPProxy(client *Client, addr string) *httpProxy {
	return &httpProxy{client: client, addr: addr}
}

func (p *httpProxy) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to bind HTTP proxy to %s: %w", p.addr, err)
	}
	p.ln = ln

	for {
		c, err := ln.Accept()
		if err != nil {
			return nil
		}
		go func() {
			defer c.Close()
			if err := p.handle(c.(*net.TCPConn)); err != nil {
				flog.Debugf("http client %s: %v", c.RemoteAddr(), err)
			}
		}()
	}
}

func (p *httpProxy) Close() error {
	if p.ln != nil {
		return p.ln.Close()
	}
	return nil
}

func (p *httpProxy) handle(c *net.TCPConn) error {
	r := bufio.NewReader(c)

	line, err := r.ReadString('\n')
	if err != nil {
		return err
	}

	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) != 3 {
		writeStatus(c, "400 Bad Request")
		return fmt.Errorf("malformed request line")
	}
	method, target := parts[0], parts[1]

	if method != "CONNECT" {
		writeStatus(c, "405 Method Not Allowed")
		return fmt.Errorf("method %s not supported", method)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		writeStatus(c, "400 Bad Request")
		return fmt.Errorf("invalid CONNECT target %q", target)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		writeStatus(c, "400 Bad Request")
		return fmt.Errorf("invalid CONNECT port %q", portStr)
	}

	// Discard headers until the blank line.
	for {
		h, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if h == "\r\n" || h == "\n" {
			break
		}
	}

	stream, err := p.client.EstablishTunnel(p.client.ctx, host, uint16(port))
	if err != nil {
		flog.Debugf("http CONNECT %s failed: %v", target, err)
		writeStatus(c, "502 Bad Gateway")
		return err
	}

	if _, err := fmt.Fprintf(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return err
	}

	// Bytes the client pipelined behind its headers are sitting in the
	// bufio buffer; flush them into the tunnel before handing off the raw
	// connection.
	if n := r.Buffered(); n > 0 {
		pending, _ := r.Peek(n)
		if _, err := stream.Write(pending); err != nil {
			stream.CancelRead(0)
			_ = stream.Close()
			return err
		}
	}

	flog.Debugf("http CONNECT %s established", target)
	p.client.Pump(stream, c)
	return nil
}

func writeStatus(c net.Conn, status string) {
	fmt.Fprintf(c, "HTTP/1.1 %s\r\nContent-Length: 0\r\n\r\n", status)
}
