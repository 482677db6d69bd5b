package node

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/memcache/pkg/errs"
	"github.com/cachemir/memcache/pkg/events"
	"github.com/cachemir/memcache/pkg/wire/binary"
	"github.com/cachemir/memcache/pkg/wire/text"
)

// fakeServer listens on a local TCP port and runs handle for every
// accepted connection, so Node can be driven through a real socket
// without reaching out to an actual memcache process.
func fakeServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return ln.Addr().String()
}

func TestNodeConnectAndSingleLineCommand(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if line == "set foo 0 0 3\r\n" {
			payload := make([]byte, 5) // "bar" + CRLF
			_, _ = r.Read(payload)
			_, _ = conn.Write([]byte("STORED\r\n"))
		}
	})

	n := New("n1", Options{Address: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Connect(ctx))
	assert.True(t, n.IsConnected())

	cmd := Command{
		Line:  text.StorageCommand("set", "foo", 0, 0, []byte("bar")),
		Shape: text.SingleLine,
	}
	res, err := n.Command(ctx, cmd)
	require.NoError(t, err)
	require.NotNil(t, res.Line)
	assert.Equal(t, "STORED", res.Line.Literal)
}

func TestNodeCommandBeforeConnectRejected(t *testing.T) {
	n := New("n1", Options{Address: "127.0.0.1:1"})
	_, err := n.Command(context.Background(), Command{Line: []byte("x\r\n"), Shape: text.SingleLine})
	assert.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestNodeDisconnectRejectsPending(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		// Accept but never reply; node will be disconnected out from
		// under the pending request.
		buf := make([]byte, 256)
		_, _ = conn.Read(buf)
		<-make(chan struct{})
	})

	n := New("n1", Options{Address: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Connect(ctx))

	sub := n.Events().Subscribe(4)
	defer sub.Cancel()

	done := make(chan error, 1)
	go func() {
		_, err := n.Command(context.Background(), Command{
			Line:  text.CommandLine("get", "x"),
			Shape: text.Multiline,
		})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	n.Disconnect()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("command did not reject after disconnect")
	}
	assert.False(t, n.IsConnected())
}

func TestNodeEmitsConnectEvent(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	n := New("n1", Options{Address: addr})
	sub := n.Events().Subscribe(4)
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Connect(ctx))

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.Connect, ev.Kind)
		assert.Equal(t, "n1", ev.NodeID)
	case <-time.After(time.Second):
		t.Fatal("no connect event observed")
	}
}

// fakeBinarySASLServer speaks just enough of the binary protocol to
// drive Node.authenticate: it answers LIST_MECHS with StatusOK, then
// answers AUTH with authStatus. On success it keeps the connection
// open (mirroring a real server moving on to serve the ASCII data
// path), since Node.Connect starts its readLoop right after.
func fakeBinarySASLServer(t *testing.T, authStatus binary.Status) string {
	t.Helper()
	return fakeServer(t, func(conn net.Conn) {
		defer func() {
			if authStatus != binary.StatusOK {
				conn.Close()
			}
		}()

		listMechs, err := readBinaryFrame(conn)
		if err != nil || listMechs.Header.Opcode != binary.OpListMech {
			return
		}
		resp := binary.Frame{Header: binary.Header{
			Magic:  binary.MagicResponse,
			Opcode: binary.OpListMech,
			Status: binary.StatusOK,
			Opaque: listMechs.Header.Opaque,
		}, Value: []byte("PLAIN")}
		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}

		auth, err := readBinaryFrame(conn)
		if err != nil || auth.Header.Opcode != binary.OpAuth {
			return
		}
		resp = binary.Frame{Header: binary.Header{
			Magic:  binary.MagicResponse,
			Opcode: binary.OpAuth,
			Status: authStatus,
			Opaque: auth.Header.Opaque,
		}}
		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}
		if authStatus != binary.StatusOK {
			return
		}

		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})
}

func TestNodeSASLHandshakeSuccess(t *testing.T) {
	addr := fakeBinarySASLServer(t, binary.StatusOK)

	n := New("n1", Options{Address: addr, Username: "alice", Password: "s3cret"})
	sub := n.Events().Subscribe(4)
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Connect(ctx))

	assert.True(t, n.IsConnected())
	assert.True(t, n.IsAuthenticated())

	var sawAuthenticated bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.C():
			if ev.Kind == events.Authenticated {
				sawAuthenticated = true
			}
		case <-time.After(time.Second):
		}
	}
	assert.True(t, sawAuthenticated, "expected an Authenticated event")
}

func TestNodeSASLHandshakeAuthFailure(t *testing.T) {
	addr := fakeBinarySASLServer(t, binary.StatusAuthError)

	n := New("n1", Options{Address: addr, Username: "alice", Password: "wrong"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := n.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
	assert.False(t, n.IsConnected())
	assert.False(t, n.IsAuthenticated())
}

func TestNodeWeightSetter(t *testing.T) {
	n := New("n1", Options{Address: "127.0.0.1:1", Weight: 1})
	assert.Equal(t, 1, n.Weight())
	n.SetWeight(5)
	assert.Equal(t, 5, n.Weight())
}
