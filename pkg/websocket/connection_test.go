package websocket

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, role Role, cb Callbacks) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	nc := server
	if role == RoleClient {
		nc = client
	}
	return newConnection(nc, role, cb, nil, zerolog.Nop()), server
}

// TestEchoUnmaskedTextFrame reproduces spec.md §8 scenario 2.
func TestEchoUnmaskedTextFrame(t *testing.T) {
	var got []byte
	var gotType DataType
	messages := make(chan struct{}, 1)

	conn, server := newTestConnection(t, RoleServer, Callbacks{
		OnMessage: func(c *Connection, _ any, dt DataType, data []byte) {
			gotType = dt
			got = data
			messages <- struct{}{}
		},
	})
	conn.state = StateConnected

	replies := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		replies <- buf[:n]
	}()

	conn.ingest([]byte{0x81, 0x85, 0x37, 0xFA, 0x21, 0x3D, 0x7F, 0x9F, 0x4D, 0x51, 0x58})

	select {
	case <-messages:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}
	if gotType != Text || string(got) != "Hello" {
		t.Fatalf("OnMessage(dt=%v, data=%q), want (Text, %q)", gotType, got, "Hello")
	}

	if err := conn.Send(Text, []byte("Hello")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case reply := <-replies:
		want := []byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'}
		if string(reply) != string(want) {
			t.Errorf("reply = % x, want % x", reply, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply frame")
	}
}

// TestFragmentedTextValidUTF8 reproduces spec.md §8 scenario 3.
func TestFragmentedTextValidUTF8(t *testing.T) {
	messages := make(chan []byte, 1)
	conn, _ := newTestConnection(t, RoleServer, Callbacks{
		OnMessage: func(c *Connection, _ any, dt DataType, data []byte) {
			if dt == Text {
				messages <- data
			}
		},
	})
	conn.state = StateConnected

	var mask [4]byte // Zero mask keeps the payload bytes unchanged on the wire.
	conn.ingest(encodeFrame(opText, false, true, mask, []byte{0xE2, 0x82}))
	select {
	case <-messages:
		t.Fatal("OnMessage fired before the final fragment arrived")
	default:
	}
	conn.ingest(encodeFrame(opContinuation, true, true, mask, []byte{0xAC}))

	select {
	case data := <-messages:
		if string(data) != "€" {
			t.Errorf("OnMessage data = %q, want %q", data, "€")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnMessage")
	}
}

// TestFragmentedTextInvalidSplit reproduces spec.md §8 scenario 4.
func TestFragmentedTextInvalidSplit(t *testing.T) {
	var closeInfo CloseInfo
	messageDelivered := false
	closed := make(chan struct{}, 1)

	conn, server := newTestConnection(t, RoleServer, Callbacks{
		OnOpen: func(c *Connection, _ any) any { return nil },
		OnMessage: func(c *Connection, _ any, _ DataType, _ []byte) {
			messageDelivered = true
		},
		OnClose: func(c *Connection, _ any, info CloseInfo) {
			closeInfo = info
			closed <- struct{}{}
		},
	})
	conn.state = StateConnected
	conn.reachedConnected = true

	replies := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		replies <- buf[:n]
	}()

	var mask [4]byte
	conn.ingest(encodeFrame(opText, false, true, mask, []byte{0xC3}))
	conn.ingest(encodeFrame(opContinuation, true, true, mask, []byte{0x28}))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
	assert.False(t, messageDelivered, "OnMessage fired for an invalid UTF-8 message")
	assert.Equal(t, CloseInvalidPayloadData, closeInfo.Code)
	assert.Nil(t, closeInfo.Err)

	select {
	case reply := <-replies:
		// 1007, big-endian, and nothing else: the internal diagnostic
		// reason string passed to closeWithCodeLocked must never reach
		// the wire (spec.md §4.5's close-emission contract).
		want := []byte{0x88, 0x02, 0x03, 0xEF}
		if string(reply) != string(want) {
			t.Errorf("close frame = % x, want %x (code only, no reason bytes)", reply, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close frame")
	}
}

// TestPingRoundTrip reproduces spec.md §8 scenario 5.
func TestPingRoundTrip(t *testing.T) {
	conn, server := newTestConnection(t, RoleServer, Callbacks{})
	conn.state = StateConnected

	pongs := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		pongs <- buf[:n]
	}()

	var mask [4]byte
	conn.ingest(encodeFrame(opPing, true, true, mask, []byte("abc")))

	select {
	case pong := <-pongs:
		want := []byte{0x8A, 0x03, 'a', 'b', 'c'}
		if string(pong) != string(want) {
			t.Errorf("pong = % x, want % x", pong, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

// TestCloseHandshake reproduces spec.md §8 scenario 6.
func TestCloseHandshake(t *testing.T) {
	closeCount := 0
	closed := make(chan struct{}, 1)

	conn, server := newTestConnection(t, RoleServer, Callbacks{
		OnOpen:  func(c *Connection, _ any) any { return nil },
		OnClose: func(c *Connection, _ any, info CloseInfo) { closeCount++; closed <- struct{}{} },
	})
	conn.state = StateConnected
	conn.reachedConnected = true

	replies := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		replies <- buf[:n]
	}()

	payload := make([]byte, 2)
	payload[0], payload[1] = 0x03, 0xE8 // 1000, big-endian.
	var mask [4]byte
	conn.ingest(encodeFrame(opClose, true, true, mask, payload))

	select {
	case reply := <-replies:
		want := []byte{0x88, 0x02, 0x03, 0xE8}
		if string(reply) != string(want) {
			t.Errorf("close reply = % x, want % x", reply, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close reply")
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
	require.Equal(t, 1, closeCount, "OnClose must fire exactly once")
	assert.Equal(t, StateClosed, conn.State())
}

// TestServerRejectsUnmaskedFrame verifies the role/mask-bit invariant from
// spec.md §3 and §8: a server-role connection closes with 1002 on any
// frame with mask bit 0.
func TestServerRejectsUnmaskedFrame(t *testing.T) {
	var closeInfo CloseInfo
	closed := make(chan struct{}, 1)
	conn, server := newTestConnection(t, RoleServer, Callbacks{
		OnOpen:  func(c *Connection, _ any) any { return nil },
		OnClose: func(c *Connection, _ any, info CloseInfo) { closeInfo = info; closed <- struct{}{} },
	})
	conn.state = StateConnected
	conn.reachedConnected = true

	go func() {
		buf := make([]byte, 64)
		server.Read(buf)
	}()

	var mask [4]byte
	conn.ingest(encodeFrame(opText, true, false, mask, []byte("hi")))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
	if closeInfo.Code != CloseProtocolError {
		t.Errorf("close code = %v, want %v", closeInfo.Code, CloseProtocolError)
	}
}

// TestClientRejectsMaskedFrame verifies the client-side half of the same
// invariant: a client-role connection closes with 1002 on any masked
// inbound frame.
func TestClientRejectsMaskedFrame(t *testing.T) {
	var closeInfo CloseInfo
	closed := make(chan struct{}, 1)
	conn, server := newTestConnection(t, RoleClient, Callbacks{
		OnOpen:  func(c *Connection, _ any) any { return nil },
		OnClose: func(c *Connection, _ any, info CloseInfo) { closeInfo = info; closed <- struct{}{} },
	})
	conn.state = StateConnected
	conn.reachedConnected = true

	go func() {
		buf := make([]byte, 64)
		server.Read(buf)
	}()

	var mask [4]byte
	conn.ingest(encodeFrame(opText, true, true, mask, []byte("hi")))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
	if closeInfo.Code != CloseProtocolError {
		t.Errorf("close code = %v, want %v", closeInfo.Code, CloseProtocolError)
	}
}

// TestOnCloseFiresOnlyIfOnOpenDid verifies the spec.md §8 invariant: when a
// connection never leaves the Handshake state (no OnOpen call), a later
// transport failure must not invoke OnClose.
func TestOnCloseFiresOnlyIfOnOpenDid(t *testing.T) {
	onCloseCalled := false
	conn, _ := newTestConnection(t, RoleServer, Callbacks{
		OnClose: func(c *Connection, _ any, _ CloseInfo) { onCloseCalled = true },
	})
	// state remains StateHandshake (the zero value); reachedConnected is
	// never set because the handshake never completed.
	conn.closeFromTransportError(net.ErrClosed)

	if onCloseCalled {
		t.Error("OnClose fired for a connection that never completed its handshake")
	}
	if conn.State() != StateClosed {
		t.Errorf("State() = %v, want StateClosed", conn.State())
	}
}

// TestCloseConnectionRejectsInvalidCode verifies spec.md §6's close-code
// table is enforced on the outbound side: CloseConnection must refuse any
// code IsValidToSend reports as reserved/undefined rather than placing it
// on the wire.
func TestCloseConnectionRejectsInvalidCode(t *testing.T) {
	var closeInfo CloseInfo
	closed := make(chan struct{}, 1)
	conn, server := newTestConnection(t, RoleServer, Callbacks{
		OnOpen:  func(c *Connection, _ any) any { return nil },
		OnClose: func(c *Connection, _ any, info CloseInfo) { closeInfo = info; closed <- struct{}{} },
	})
	conn.state = StateConnected
	conn.reachedConnected = true

	replies := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		replies <- buf[:n]
	}()

	err := conn.CloseConnection(CloseCode(1005))
	require.ErrorIs(t, err, ErrInvalidCloseCode)

	select {
	case reply := <-replies:
		want := []byte{0x88, 0x02, 0x03, 0xEA} // 1002, big-endian.
		if string(reply) != string(want) {
			t.Errorf("close frame = % x, want % x", reply, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close frame")
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
	assert.Equal(t, CloseProtocolError, closeInfo.Code)
}

// TestCloseConnectionAcceptsValidCode verifies the non-error path still
// places the host-requested code on the wire unmodified, with no reason
// bytes appended per the close-emission contract (spec.md §4.5).
func TestCloseConnectionAcceptsValidCode(t *testing.T) {
	conn, server := newTestConnection(t, RoleServer, Callbacks{
		OnOpen: func(c *Connection, _ any) any { return nil },
	})
	conn.state = StateConnected
	conn.reachedConnected = true

	replies := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		replies <- buf[:n]
	}()

	err := conn.CloseConnection(CloseGoingAway)
	require.NoError(t, err)

	select {
	case reply := <-replies:
		want := []byte{0x88, 0x02, 0x03, 0xE9} // 1001, big-endian, no reason bytes.
		if string(reply) != string(want) {
			t.Errorf("close frame = % x, want % x", reply, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close frame")
	}
}

// TestMessageDeadlineAbandonsWithoutClosing exercises the §9 resolution of
// the timeout ambiguity: an incomplete message past the deadline is
// abandoned, but the connection itself is not closed.
func TestMessageDeadlineAbandonsWithoutClosing(t *testing.T) {
	conn, _ := newTestConnection(t, RoleServer, Callbacks{})
	conn.state = StateConnected
	conn.partial = partialMessage{dataType: Text, firstReceived: true}
	conn.msgDeadline = time.Now().Add(-messageCompletionTimeout - time.Second)

	conn.mu.Lock()
	conn.refreshMessageDeadlineLocked()
	conn.mu.Unlock()

	if conn.partial.firstReceived {
		t.Error("partial message was not abandoned past the deadline")
	}
	if conn.State() != StateConnected {
		t.Errorf("State() = %v, want StateConnected (timeout must not close the connection)", conn.State())
	}
}
