package minecraft

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

const (
	packetLogin    int32 = 3
	packetCommand  int32 = 2
	packetAuthResp int32 = 2
	packetResponse int32 = 0

	// id(4) + type(4) + two trailing NULs
	packetHeaderSize = 10
	maxPayload       = 4096
	maxPacketSize    = maxPayload + packetHeaderSize + 4
	authFailedID     = -1
)

var (
	// ErrConnect means the RCON endpoint could not be reached
	ErrConnect = errors.New("rcon: connect failed")
	// ErrAuth means the server rejected the password or the login exchange broke
	ErrAuth = errors.New("rcon: authentication failed")
	// ErrCommand means the command was sent but no usable response came back
	ErrCommand = errors.New("rcon: command failed")
)

type packet struct {
	id      int32
	typ     int32
	payload string
}

// RconConn is one authenticated RCON session. It is not safe for concurrent use.
type RconConn struct {
	conn    net.Conn
	timeout time.Duration
	nextID  atomic.Int32
}

// DialRcon connects to addr and logs in with password. Errors wrap ErrConnect
// or ErrAuth so callers can tell an offline server from a bad secret.
func DialRcon(ctx context.Context, addr, password string, timeout time.Duration) (*RconConn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", ErrConnect, addr, err)
	}

	c := &RconConn{conn: conn, timeout: timeout}
	if err := c.login(ctx, password); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying connection
func (c *RconConn) Close() error {
	return c.conn.Close()
}

func (c *RconConn) login(ctx context.Context, password string) error {
	id := c.nextID.Add(1)
	c.setDeadline(ctx)

	if err := writePacket(c.conn, packet{id: id, typ: packetLogin, payload: password}); err != nil {
		return fmt.Errorf("%w: sending login: %w", ErrAuth, err)
	}

	// Some servers send an empty response value before the auth response
	for {
		resp, err := readPacket(c.conn)
		if err != nil {
			return fmt.Errorf("%w: reading login response: %w", ErrAuth, err)
		}
		if resp.typ == packetResponse && resp.id == id {
			continue
		}
		if resp.id == authFailedID {
			return fmt.Errorf("%w: password rejected", ErrAuth)
		}
		if resp.typ != packetAuthResp || resp.id != id {
			return fmt.Errorf("%w: unexpected login response (id=%d type=%d)", ErrAuth, resp.id, resp.typ)
		}
		return nil
	}
}

// Execute runs a single command and returns the server's text response
func (c *RconConn) Execute(ctx context.Context, command string) (string, error) {
	if len(command) > maxPayload-2 {
		return "", fmt.Errorf("%w: command too long (%d bytes)", ErrCommand, len(command))
	}

	id := c.nextID.Add(1)
	c.setDeadline(ctx)

	if err := writePacket(c.conn, packet{id: id, typ: packetCommand, payload: command}); err != nil {
		return "", fmt.Errorf("%w: sending command: %w", ErrCommand, err)
	}

	resp, err := readPacket(c.conn)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %w", ErrCommand, err)
	}
	if resp.typ != packetResponse || resp.id != id {
		return "", fmt.Errorf("%w: unexpected response (id=%d type=%d)", ErrCommand, resp.id, resp.typ)
	}
	return resp.payload, nil
}

func (c *RconConn) setDeadline(ctx context.Context) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
}

// writePacket encodes a packet as: length | id | type | payload | 0x00 0x00
func writePacket(w io.Writer, p packet) error {
	var buf bytes.Buffer
	length := int32(len(p.payload) + packetHeaderSize)
	binary.Write(&buf, binary.LittleEndian, length)
	binary.Write(&buf, binary.LittleEndian, p.id)
	binary.Write(&buf, binary.LittleEndian, p.typ)
	buf.WriteString(p.payload)
	buf.Write([]byte{0, 0})

	_, err := w.Write(buf.Bytes())
	return err
}

// readPacket decodes one packet, rejecting lengths outside the protocol limits
func readPacket(r io.Reader) (packet, error) {
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return packet{}, err
	}
	if length < packetHeaderSize || length > maxPacketSize {
		return packet{}, fmt.Errorf("invalid packet length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return packet{}, err
	}

	p := packet{
		id:  int32(binary.LittleEndian.Uint32(body[0:4])),
		typ: int32(binary.LittleEndian.Uint32(body[4:8])),
	}
	// Payload is NUL terminated and followed by an empty NUL string
	p.payload = string(bytes.TrimRight(body[8:], "\x00"))
	return p, nil
}
