// Package protocol implements the tunnel wire format.
//
// TCP tunnel request: [Type(1)][Port(2 BE)][HostLen(1)][Host(N)]
// UDP relay datagram: [Port(2 BE)][HostLen(1)][Host(N)][Payload]
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// Request types carried in the first byte of a stream.
const (
	TCPConnect byte = 0x01
)

// Response status bytes.
const (
	StatusOK    byte = 0x00
	StatusError byte = 0xFF
)

const (
	// MaxHostLen is the longest encodable host name.
	MaxHostLen = 255

	tcpHeaderLen = 4
	udpHeaderLen = 3
)

func checkHost(host string) error {
	if len(host) > MaxHostLen {
		return fmt.Errorf("host name too long: %d bytes (max %d)", len(host), MaxHostLen)
	}
	if !utf8.ValidString(host) {
		return fmt.Errorf("host name is not valid UTF-8")
	}
	if bytes.IndexByte([]byte(host), 0) >= 0 {
		return fmt.Errorf("host name contains NUL")
	}
	return nil
}

// EncodeTCPRequest builds a TCP tunnel request frame.
func EncodeTCPRequest(host string, port uint16) ([]byte, error) {
	if err := checkHost(host); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, tcpHeaderLen+len(host))
	buf = append(buf, TCPConnect)
	buf = binary.BigEndian.AppendUint16(buf, port)
	buf = append(buf, byte(len(host)))
	buf = append(buf, host...)
	return buf, nil
}

// ReadTCPRequest reads one request frame from the stream. The reader is
// consumed exactly up to the end of the host name.
func ReadTCPRequest(r io.Reader) (reqType byte, host string, port uint16, err error) {
	var header [tcpHeaderLen]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return 0, "", 0, fmt.Errorf("failed to read request header: %w", err)
	}

	reqType = header[0]
	port = binary.BigEndian.Uint16(header[1:3])
	hostLen := int(header[3])

	hostBuf := make([]byte, hostLen)
	if _, err = io.ReadFull(r, hostBuf); err != nil {
		return 0, "", 0, fmt.Errorf("failed to read host name: %w", err)
	}
	if !utf8.Valid(hostBuf) {
		return 0, "", 0, fmt.Errorf("host name is not valid UTF-8")
	}

	return reqType, string(hostBuf), port, nil
}

// EncodeUDPPacket builds a UDP relay datagram.
func EncodeUDPPacket(host string, port uint16, payload []byte) ([]byte, error) {
	if err := checkHost(host); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, udpHeaderLen+len(host)+len(payload))
	buf = binary.BigEndian.AppendUint16(buf, port)
	buf = append(buf, byte(len(host)))
	buf = append(buf, host...)
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeUDPPacket splits a UDP relay datagram into its parts. The payload
// aliases the input slice.
func DecodeUDPPacket(data []byte) (host string, port uint16, payload []byte, err error) {
	if len(data) < udpHeaderLen {
		return "", 0, nil, fmt.Errorf("datagram too short: %d bytes", len(data))
	}

	port = binary.BigEndian.Uint16(data[0:2])
	hostLen := int(data[2])
	if len(data) < udpHeaderLen+hostLen {
		return "", 0, nil, fmt.Errorf("datagram truncated: expected %d host bytes", hostLen)
	}

	hostBuf := data[udpHeaderLen : udpHeaderLen+hostLen]
	if !utf8.Valid(hostBuf) {
		return "", 0, nil, fmt.Errorf("host name is not valid UTF-8")
	}

	return string(hostBuf), port, data[udpHeaderLen+hostLen:], nil
}
