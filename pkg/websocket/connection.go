package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Role identifies which side of the handshake a Connection plays, which in
// turn determines masking direction (spec.md §3).
type Role int

const (
	// RoleServer is the accepting side: it MUST NOT mask outbound frames
	// and MUST reject inbound frames that are not masked.
	RoleServer Role = iota
	// RoleClient is the connecting side: it MUST mask outbound frames and
	// MUST reject inbound frames that are masked.
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ConnState is the lifecycle stage of a Connection, per spec.md §3: it
// moves monotonically Handshake -> Connected -> Closed, or Handshake ->
// Closed directly on a failed handshake.
type ConnState int

const (
	StateHandshake ConnState = iota
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// messageCompletionTimeout is the duration after which an incomplete
// message is abandoned, per spec.md §5.
const messageCompletionTimeout = 30 * time.Second

// CloseInfo describes why a Connection's onClose callback fired: a clean
// peer-initiated close carries Code and Reason; a protocol or encoding
// violation carries the code this side sent in its own Close reply; a
// transport failure carries a non-nil Err and no meaningful Code.
type CloseInfo struct {
	Code   CloseCode
	Reason string
	Err    error
}

// Callbacks are the host-supplied event handlers bound to every Connection
// an endpoint creates (spec.md §6). endpointUserData is the opaque value
// the host supplied when opening the Server or Client; OnOpen returns a
// second, connection-scoped opaque value that is thereafter passed back as
// connUserData to OnMessage and OnClose.
type Callbacks struct {
	OnOpen    func(c *Connection, endpointUserData any) any
	OnMessage func(c *Connection, connUserData any, dataType DataType, data []byte)
	OnClose   func(c *Connection, connUserData any, info CloseInfo)
}

// partialMessage is the per-connection reassembly slot described in
// spec.md §3: non-empty iff firstReceived and not complete.
type partialMessage struct {
	dataType      DataType
	data          []byte
	firstReceived bool
	complete      bool
	validator     utf8Validator
}

func (p *partialMessage) reset() {
	*p = partialMessage{}
}

// Connection is one live WebSocket connection, server-side or client-side.
// It owns the per-connection state machine described in spec.md §4.4: the
// opening handshake, the frame codec driven over a growable read buffer,
// the message reassembler, and the control-frame handler.
type Connection struct {
	id               uuid.UUID
	role             Role
	nc               net.Conn
	log              zerolog.Logger
	cb               Callbacks
	endpointUserData any
	userData         any

	// clientNonce and the handshake target are only meaningful for
	// RoleClient connections, set before the first ingest call.
	clientNonce    string
	clientAddress  string
	clientEndpoint string

	mu          sync.Mutex
	state       ConnState
	readBuf     []byte
	partial     partialMessage
	msgDeadline time.Time
	closeOnce   sync.Once

	writeMu sync.Mutex

	// opened is closed exactly once, the moment state first leaves
	// Handshake (to Connected or to Closed). OpenClient waits on it
	// instead of the source's busy-wait sleep loop (spec.md §9, Design
	// Note on "Busy-wait for handshake completion").
	opened     chan struct{}
	openedOnce sync.Once

	// reachedConnected tracks whether the handshake ever succeeded, so
	// OnClose fires if and only if OnOpen did (spec.md §8 invariant).
	reachedConnected bool
}

func newConnection(nc net.Conn, role Role, cb Callbacks, endpointUserData any, log zerolog.Logger) *Connection {
	id := uuid.New()
	return &Connection{
		id:               id,
		role:             role,
		nc:               nc,
		cb:               cb,
		endpointUserData: endpointUserData,
		log:              log.With().Str("conn_id", id.String()).Str("role", role.String()).Logger(),
		opened:           make(chan struct{}),
	}
}

// prepareClientHandshake generates the nonce and renders the upgrade
// request for a RoleClient connection. It must be called before the
// connection's first ingest, from the same goroutine that created it.
func (c *Connection) prepareClientHandshake(address, endpoint string) ([]byte, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	c.clientNonce = nonce
	c.clientAddress = address
	c.clientEndpoint = endpoint
	return buildClientHandshakeRequest(address, endpoint, nonce), nil
}

func (c *Connection) signalOpened() {
	c.openedOnce.Do(func() { close(c.opened) })
}

// ID returns the connection's host-observable identifier, used to
// correlate log lines and callback invocations for the same connection.
// This is an addition beyond spec.md (SPEC_FULL.md §3): the data model
// otherwise addresses a connection purely by its handle.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteAddr returns the underlying transport's remote address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// ingest is the entry point described in spec.md §4.4. It appends data to
// the read buffer and drives the state machine as far forward as the
// buffered bytes allow, consuming bytes from the front of the buffer as
// frames (or the handshake) complete.
func (c *Connection) ingest(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readBuf = append(c.readBuf, data...)

	switch c.state {
	case StateHandshake:
		c.ingestHandshakeLocked()
		if c.state == StateConnected {
			c.ingestConnectedLocked()
		}
	case StateConnected:
		c.ingestConnectedLocked()
	case StateClosed:
		c.readBuf = c.readBuf[:0]
	}
}

func (c *Connection) ingestHandshakeLocked() {
	if c.role == RoleServer {
		key, consumed, err := tryParseServerHandshakeRequest(c.readBuf)
		if err != nil {
			c.log.Warn().Err(err).Msg("server handshake failed")
			// Report consumed = full input (spec.md §4.4). The connection
			// stays in Handshake: no handshake timeout closes it, so its
			// transport stays open until a read on it fails (for example,
			// when the peer disconnects).
			c.readBuf = c.readBuf[:0]
			return
		}
		if consumed == 0 {
			return // Wait for more bytes.
		}
		c.readBuf = c.readBuf[consumed:]

		resp := buildServerHandshakeResponse(acceptKeyFor(key))
		if err := c.writeRawLocked(resp); err != nil {
			c.log.Warn().Err(err).Msg("failed to write handshake response")
			return
		}
		c.transitionToConnectedLocked()
		return
	}

	consumed, err := tryParseClientHandshakeResponse(c.readBuf, c.clientNonce)
	if err != nil {
		c.log.Warn().Err(err).Msg("client handshake failed")
		c.readBuf = c.readBuf[:0]
		return
	}
	if consumed == 0 {
		return // Wait for more bytes.
	}
	c.readBuf = c.readBuf[consumed:]
	c.transitionToConnectedLocked()
}

func (c *Connection) transitionToConnectedLocked() {
	c.state = StateConnected
	c.reachedConnected = true
	c.log.Info().Msg("handshake complete")
	if c.cb.OnOpen != nil {
		c.mu.Unlock()
		userData := c.cb.OnOpen(c, c.endpointUserData)
		c.mu.Lock()
		c.userData = userData
	}
	c.signalOpened()
}

func (c *Connection) ingestConnectedLocked() {
	for {
		if c.state != StateConnected {
			return
		}
		h, headerLen, status := parseFrameHeader(c.readBuf)
		switch status {
		case parseInvalid:
			c.closeWithCodeLocked(CloseProtocolError, "malformed frame", nil)
			return
		case parseNeedMore:
			c.refreshMessageDeadlineLocked()
			return
		}

		frameTotal := headerLen + int(h.payloadLength)
		if len(c.readBuf) < frameTotal {
			c.refreshMessageDeadlineLocked()
			return
		}

		if (c.role == RoleServer) != h.masked {
			c.closeWithCodeLocked(CloseProtocolError, "mask bit mismatch for role", nil)
			return
		}

		payload := make([]byte, h.payloadLength)
		if h.masked {
			maskBytes(payload, c.readBuf[headerLen:frameTotal], h.maskingKey)
		} else {
			copy(payload, c.readBuf[headerLen:frameTotal])
		}
		c.readBuf = c.readBuf[frameTotal:]

		c.dispatchFrameLocked(h, payload)
	}
}

// refreshMessageDeadlineLocked implements the timeout semantics resolved
// in spec.md §9 for an otherwise ambiguous comparison in the source this
// spec was distilled from: if the deadline is unset, start it now;
// otherwise, if it has been exceeded, abandon the partial message.
func (c *Connection) refreshMessageDeadlineLocked() {
	if !c.partial.firstReceived || c.partial.complete {
		return // No message in progress; nothing to time out.
	}
	now := time.Now()
	if c.msgDeadline.IsZero() {
		c.msgDeadline = now
		return
	}
	if now.Sub(c.msgDeadline) > messageCompletionTimeout {
		c.log.Error().Msg("abandoning incomplete message after timeout")
		c.partial.reset()
		c.msgDeadline = time.Time{}
	}
}

func (c *Connection) dispatchFrameLocked(h frameHeader, payload []byte) {
	switch h.opcode {
	case opText, opBinary:
		c.handleDataFrameLocked(h, payload)
	case opContinuation:
		c.handleContinuationFrameLocked(h, payload)
	case opPing:
		c.handlePingLocked(payload)
	case opPong:
		// Nothing to do; header-level validation already enforced
		// FIN=1 and payload length <= 125.
	case opClose:
		c.handleCloseFrameLocked(payload)
	}
}

func (c *Connection) handleDataFrameLocked(h frameHeader, payload []byte) {
	if c.partial.firstReceived && !c.partial.complete {
		c.closeWithCodeLocked(CloseProtocolError, "data frame while a message is already in progress", nil)
		return
	}

	dataType := Binary
	if h.opcode == opText {
		dataType = Text
	}

	c.partial = partialMessage{dataType: dataType}
	c.partial.data = append(c.partial.data, payload...)

	if dataType == Text {
		status := c.partial.validator.write(payload)
		if h.fin {
			if status != utf8OK || !c.partial.validator.complete() {
				c.closeWithCodeLocked(CloseInvalidPayloadData, "invalid UTF-8 in text message", nil)
				return
			}
		} else if status == utf8Fail {
			c.closeWithCodeLocked(CloseInvalidPayloadData, "invalid UTF-8 in text message", nil)
			return
		}
	}

	c.partial.firstReceived = true
	c.partial.complete = h.fin
	if h.fin {
		c.dispatchCompletedMessageLocked()
	}
}

func (c *Connection) handleContinuationFrameLocked(h frameHeader, payload []byte) {
	if !c.partial.firstReceived {
		c.closeWithCodeLocked(CloseProtocolError, "continuation frame without a preceding start frame", nil)
		return
	}

	c.partial.data = append(c.partial.data, payload...)

	if c.partial.dataType == Text {
		status := c.partial.validator.write(payload)
		if h.fin {
			if status != utf8OK || !c.partial.validator.complete() {
				c.closeWithCodeLocked(CloseInvalidPayloadData, "invalid UTF-8 in text message", nil)
				return
			}
		} else if status == utf8Fail {
			c.closeWithCodeLocked(CloseInvalidPayloadData, "invalid UTF-8 in text message", nil)
			return
		}
	}

	c.partial.complete = h.fin
	if h.fin {
		c.dispatchCompletedMessageLocked()
	}
}

func (c *Connection) dispatchCompletedMessageLocked() {
	dataType := c.partial.dataType
	data := c.partial.data
	c.partial.reset()
	c.msgDeadline = time.Time{}

	if c.cb.OnMessage != nil {
		c.mu.Unlock()
		c.cb.OnMessage(c, c.userData, dataType, data)
		c.mu.Lock()
	}
}

func (c *Connection) handlePingLocked(payload []byte) {
	// FIN=1 and payload <= 125 bytes are already enforced by
	// parseFrameHeader for all control frames.
	if err := c.writeControlFrameLocked(opPong, payload); err != nil {
		c.log.Warn().Err(err).Msg("failed to send pong")
	}
}

func (c *Connection) handleCloseFrameLocked(payload []byte) {
	switch {
	case len(payload) == 0:
		c.closeWithCodeLocked(CloseNormal, "", nil)
	case len(payload) == 1:
		c.closeWithCodeLocked(CloseProtocolError, "malformed close payload", nil)
	default:
		code := CloseCode(binary.BigEndian.Uint16(payload[:2]))
		reason := payload[2:]
		switch {
		case !code.IsValidToReceive():
			c.closeWithCodeLocked(CloseProtocolError, "invalid close code", nil)
		case !utf8.Valid(reason):
			c.closeWithCodeLocked(CloseInvalidPayloadData, "invalid UTF-8 in close reason", nil)
		default:
			// Echo the received payload back as our own Close reply.
			c.finishCloseLocked(code, string(reason), nil, payload)
		}
	}
}

// closeWithCodeLocked sends a Close frame carrying code and transitions to
// Closed, per the "Close emission contract" in spec.md §4.5: the outbound
// payload is the 2-byte big-endian code only. reason is never written to
// the wire here (it is either an internal diagnostic string for a
// locally-detected protocol/encoding error, or empty for a host-requested
// close) — it is surfaced to the host only via CloseInfo.Reason and the
// log line, never leaked into the bytes sent to the peer.
func (c *Connection) closeWithCodeLocked(code CloseCode, reason string, err error) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, uint16(code))
	c.finishCloseLocked(code, reason, err, payload)
}

func (c *Connection) finishCloseLocked(code CloseCode, reason string, transportErr error, replyPayload []byte) {
	if c.state == StateClosed {
		return
	}
	c.partial.reset()
	c.msgDeadline = time.Time{}

	if transportErr == nil {
		if err := c.writeControlFrameLocked(opClose, replyPayload); err != nil {
			c.log.Warn().Err(err).Msg("failed to send close frame")
		}
	}
	c.state = StateClosed
	_ = c.nc.Close()
	c.signalOpened()

	c.closeOnce.Do(func() {
		if c.cb.OnClose != nil && c.reachedConnected {
			info := CloseInfo{Code: code, Reason: reason, Err: transportErr}
			c.mu.Unlock()
			c.cb.OnClose(c, c.userData, info)
			c.mu.Lock()
		}
	})
}

// closeFromTransportError is invoked by the owning endpoint's read loop
// when the transport itself fails (read error, EOF): spec.md §7 treats
// this as fatal for the connection only, distinct from a protocol error.
func (c *Connection) closeFromTransportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.partial.reset()
	c.msgDeadline = time.Time{}
	c.state = StateClosed
	_ = c.nc.Close()
	c.signalOpened()

	c.closeOnce.Do(func() {
		if c.cb.OnClose != nil && c.reachedConnected {
			info := CloseInfo{Err: err}
			c.mu.Unlock()
			c.cb.OnClose(c, c.userData, info)
			c.mu.Lock()
		}
	})
}

// CloseConnection closes the connection with the given application- or
// library-supplied code, per spec.md §6 (close_connection). It is safe to
// call from any goroutine. code must be legal to place on the wire per
// spec.md §6's close-code table (IsValidToSend); an invalid code (e.g. a
// reserved code such as 1005/1006/1015, or any other undefined value) is
// rejected with ErrInvalidCloseCode and the connection is closed with
// CloseProtocolError instead, matching the taxonomy §4.5 already enforces
// on the inbound side.
func (c *Connection) CloseConnection(code CloseCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if !code.IsValidToSend() {
		c.closeWithCodeLocked(CloseProtocolError, "invalid close code requested by host", nil)
		return ErrInvalidCloseCode
	}
	c.closeWithCodeLocked(code, "", nil)
	return nil
}

var (
	// ErrNotConnected is returned by Send and the fragmented-send
	// operations when the connection has not completed its handshake or
	// has already closed.
	ErrNotConnected = errors.New("websocket: connection is not in the Connected state")
	// ErrControlPayloadTooLarge is returned when a ping/pong payload
	// exceeds the 125-byte control frame limit.
	ErrControlPayloadTooLarge = errors.New("websocket: control frame payload exceeds 125 bytes")
	// ErrInvalidCloseCode is returned by CloseConnection when asked to
	// send a close code that spec.md §6's table marks reserved or
	// otherwise illegal to place on the wire.
	ErrInvalidCloseCode = errors.New("websocket: close code is not valid to send")
)

// Send transmits a single, unfragmented message, per spec.md §6 (send).
func (c *Connection) Send(dataType DataType, data []byte) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return c.writeDataFrame(dataType.opcode(), true, data)
}

// Fragmenter issues a multi-frame message one piece at a time, per
// spec.md §6's send_fragment_start/send_fragment_cont pair. SPEC_FULL.md
// §3 collects those two free functions into a small stateful writer,
// which is the more idiomatic Go shape for an operation with hidden
// shared state (which opcode started the message).
type Fragmenter struct {
	conn    *Connection
	started bool
	done    bool
}

// NewFragmenter returns a Fragmenter bound to c.
func (c *Connection) NewFragmenter() *Fragmenter {
	return &Fragmenter{conn: c}
}

// Start begins a fragmented message with the given data type and first
// chunk of bytes (send_fragment_start).
func (f *Fragmenter) Start(dataType DataType, data []byte) error {
	if f.started {
		return errors.New("websocket: fragmenter already started")
	}
	f.conn.mu.Lock()
	connected := f.conn.state == StateConnected
	f.conn.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	f.started = true
	return f.conn.writeDataFrame(dataType.opcode(), false, data)
}

// Continue sends the next chunk of a fragmented message started with
// Start (send_fragment_cont). fin marks the final chunk.
func (f *Fragmenter) Continue(fin bool, data []byte) error {
	if !f.started || f.done {
		return errors.New("websocket: fragmenter has not been started, or already finished")
	}
	f.conn.mu.Lock()
	connected := f.conn.state == StateConnected
	f.conn.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if fin {
		f.done = true
	}
	return f.conn.writeDataFrame(opContinuation, fin, data)
}

func (c *Connection) writeDataFrame(op opcode, fin bool, payload []byte) error {
	masked := c.role == RoleClient
	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(rand.Reader, mask[:]); err != nil {
			return fmt.Errorf("failed to generate frame mask: %w", err)
		}
	}
	frame := encodeFrame(op, fin, masked, mask, payload)
	return c.writeRaw(frame)
}

func (c *Connection) writeControlFrameLocked(op opcode, payload []byte) error {
	if len(payload) > 125 {
		return ErrControlPayloadTooLarge
	}
	masked := c.role == RoleClient
	var mask [4]byte
	if masked {
		if _, err := io.ReadFull(rand.Reader, mask[:]); err != nil {
			return fmt.Errorf("failed to generate frame mask: %w", err)
		}
	}
	frame := encodeFrame(op, true, masked, mask, payload)
	return c.writeRawLocked(frame)
}

func (c *Connection) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(b)
	return err
}

// writeRawLocked is used from call sites that already hold c.mu (the
// ingest path). The write mutex is distinct from the state mutex so that
// a concurrent host-initiated Send does not block frame processing, and
// vice versa, beyond the time it takes to push bytes onto the socket.
func (c *Connection) writeRawLocked(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(b)
	return err
}
