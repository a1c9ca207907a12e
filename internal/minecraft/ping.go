package minecraft

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/ernie/mcgate/internal/domain"
)

const (
	// -1 asks the server to report its own protocol version
	pingProtocolVersion = -1
	nextStateStatus     = 1
	maxStatusResponse   = 1 << 20
	maxVarIntBytes      = 5
)

var errVarIntTooBig = errors.New("varint too big")

// Pinger queries a Minecraft server with the Server List Ping protocol
type Pinger struct {
	addr    string
	timeout time.Duration
	now     func() time.Time
}

// NewPinger creates a Pinger for host:port
func NewPinger(addr string, timeout time.Duration) *Pinger {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Pinger{addr: addr, timeout: timeout, now: time.Now}
}

// statusResponse is the JSON document returned by the server.
// description is left out on purpose, it can be a string or a chat component.
type statusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players *struct {
		Max    *int `json:"max"`
		Online *int `json:"online"`
		Sample []struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"sample"`
	} `json:"players"`
}

// Query performs a single status request. Any failure, including a response
// without player counts, is returned as an error.
func (p *Pinger) Query(ctx context.Context) (*domain.ServerStatus, error) {
	host, portStr, err := net.SplitHostPort(p.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", p.addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", p.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	// Handshake followed by the empty status request
	var req bytes.Buffer
	writeFrame(&req, handshake(host, uint16(port)))
	writeFrame(&req, []byte{0x00})
	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	raw, err := readStatusFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return parseStatusResponse(p.addr, raw, p.now())
}

func handshake(host string, port uint16) []byte {
	var b bytes.Buffer
	b.WriteByte(0x00) // packet id
	b.Write(appendVarInt(nil, pingProtocolVersion))
	writeString(&b, host)
	binary.Write(&b, binary.BigEndian, port)
	b.Write(appendVarInt(nil, nextStateStatus))
	return b.Bytes()
}

func writeFrame(w *bytes.Buffer, body []byte) {
	w.Write(appendVarInt(nil, int32(len(body))))
	w.Write(body)
}

func writeString(w *bytes.Buffer, s string) {
	w.Write(appendVarInt(nil, int32(len(s))))
	w.WriteString(s)
}

// readStatusFrame reads one length-prefixed packet and returns its JSON string
func readStatusFrame(r *bufio.Reader) ([]byte, error) {
	length, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if length <= 0 || length > maxStatusResponse {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}

	body := io.LimitReader(r, int64(length))
	br := bufio.NewReader(body)

	id, err := readVarInt(br)
	if err != nil {
		return nil, err
	}
	if id != 0x00 {
		return nil, fmt.Errorf("unexpected packet id %#x", id)
	}

	strLen, err := readVarInt(br)
	if err != nil {
		return nil, err
	}
	if strLen < 0 || strLen > maxStatusResponse {
		return nil, fmt.Errorf("invalid string length %d", strLen)
	}

	raw := make([]byte, strLen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseStatusResponse turns the server's JSON into a snapshot
func parseStatusResponse(address string, raw []byte, now time.Time) (*domain.ServerStatus, error) {
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	if resp.Players == nil || resp.Players.Online == nil || resp.Players.Max == nil {
		return nil, fmt.Errorf("status has no player counts")
	}

	status := &domain.ServerStatus{
		Address:       address,
		Online:        true,
		PlayersOnline: *resp.Players.Online,
		PlayersMax:    *resp.Players.Max,
		Version:       resp.Version.Name,
		Protocol:      resp.Version.Protocol,
		LastUpdated:   now.UTC(),
	}
	for _, s := range resp.Players.Sample {
		if s.Name != "" {
			status.Players = append(status.Players, s.Name)
		}
	}
	return status, nil
}

func appendVarInt(b []byte, v int32) []byte {
	u := uint32(v)
	for {
		if u&^0x7f == 0 {
			return append(b, byte(u))
		}
		b = append(b, byte(u&0x7f|0x80))
		u >>= 7
	}
}

func readVarInt(r io.ByteReader) (int32, error) {
	var result uint32
	for i := 0; i < maxVarIntBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return int32(result), nil
		}
	}
	return 0, errVarIntTooBig
}
