package minecraft

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ernie/mcgate/internal/testutil"
)

// fakeRcon is a single-purpose RCON server that records the commands it receives
type fakeRcon struct {
	t        *testing.T
	ln       net.Listener
	password string
	// dropOnCommand closes the connection instead of answering a command
	dropOnCommand bool

	mu       sync.Mutex
	commands []string
	sessions int
}

func newFakeRcon(t *testing.T, password string, dropOnCommand bool) *fakeRcon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeRcon{t: t, ln: ln, password: password, dropOnCommand: dropOnCommand}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeRcon) addr() string { return f.ln.Addr().String() }

func (f *fakeRcon) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeRcon) Sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *fakeRcon) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.sessions++
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeRcon) handle(conn net.Conn) {
	defer conn.Close()
	authed := false
	for {
		p, err := readPacket(conn)
		if err != nil {
			return
		}
		switch p.typ {
		case packetLogin:
			if p.payload != f.password {
				writePacket(conn, packet{id: authFailedID, typ: packetAuthResp})
				return
			}
			authed = true
			writePacket(conn, packet{id: p.id, typ: packetAuthResp})
		case packetCommand:
			if !authed {
				return
			}
			f.mu.Lock()
			f.commands = append(f.commands, p.payload)
			f.mu.Unlock()
			if f.dropOnCommand {
				return
			}
			writePacket(conn, packet{id: p.id, typ: packetResponse, payload: "Added " + p.payload[len("whitelist add "):] + " to the whitelist"})
		}
	}
}

func TestPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePacket(&buf, packet{id: 7, typ: packetCommand, payload: "list"}))

	// 4 length + 4 id + 4 type + "list" + 2 NULs
	assert.Equal(t, 18, buf.Len())

	p, err := readPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(7), p.id)
	assert.Equal(t, packetCommand, p.typ)
	assert.Equal(t, "list", p.payload)
}

func TestReadPacketRejectsOversizedLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0x00, 0x00})
	_, err := readPacket(buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid packet length")
}

func TestWhitelistAdd(t *testing.T) {
	srv := newFakeRcon(t, "secret", false)
	wl := NewWhitelist(srv.addr(), "secret", time.Second, testutil.NopLogger())

	require.NoError(t, wl.Add(context.Background(), "Alice"))
	require.NoError(t, wl.Add(context.Background(), "Bob"))

	assert.Equal(t, []string{"whitelist add Alice", "whitelist add Bob"}, srv.Commands())
	assert.Equal(t, 2, srv.Sessions(), "each call opens its own session")
}

func TestWhitelistAddWrongPassword(t *testing.T) {
	srv := newFakeRcon(t, "secret", false)
	wl := NewWhitelist(srv.addr(), "wrong", time.Second, testutil.NopLogger())

	err := wl.Add(context.Background(), "Alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth), "got %v", err)
	assert.Empty(t, srv.Commands())
}

func TestWhitelistAddServerOffline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	wl := NewWhitelist(addr, "secret", time.Second, testutil.NopLogger())
	err = wl.Add(context.Background(), "Alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnect), "got %v", err)
}

func TestWhitelistAddNoResponse(t *testing.T) {
	srv := newFakeRcon(t, "secret", true)
	wl := NewWhitelist(srv.addr(), "secret", time.Second, testutil.NopLogger())

	err := wl.Add(context.Background(), "Alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommand), "got %v", err)
}

func TestWhitelistAddRejectsNamesWithSpaces(t *testing.T) {
	srv := newFakeRcon(t, "secret", false)
	wl := NewWhitelist(srv.addr(), "secret", time.Second, testutil.NopLogger())

	err := wl.Add(context.Background(), "Alice op Bob")
	require.ErrorIs(t, err, ErrCommand)
	assert.Zero(t, srv.Sessions())
}
