package websocket

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// clientOpenTimeout bounds how long OpenClient waits for the handshake to
// reach Connected before giving up, per spec.md §5 ("Client open deadline:
// 30 seconds from TCP connect to reaching Connected").
const clientOpenTimeout = 30 * time.Second

// ClientOptions configures a Client at construction time.
type ClientOptions struct {
	Address  string
	Port     int
	Endpoint string
	Callback Callbacks
	UserData any
	Logger   zerolog.Logger
}

// Client is the connecting endpoint façade described in spec.md §4.6: it
// resolves the address, opens a TCP connection, creates one per-connection
// state with role=client, drives the handshake, and owns the single
// resulting Connection for the lifetime of the program.
type Client struct {
	conn *Connection
	log  zerolog.Logger
	done chan struct{}
}

// OpenClient dials address:port, sends the handshake request, and blocks
// up to 30 seconds waiting for the connection to reach Connected
// (client_open in spec.md §6). On timeout or handshake failure it tears
// down the connection and returns an error.
func OpenClient(opts ClientOptions) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", opts.Address, opts.Port)
	log := opts.Logger.With().Str("component", "client").Str("addr", addr).Logger()

	nc, err := net.DialTimeout("tcp", addr, clientOpenTimeout)
	if err != nil {
		return nil, fmt.Errorf("websocket: failed to dial %s: %w", addr, err)
	}

	conn := newConnection(nc, RoleClient, opts.Callback, opts.UserData, log)
	req, err := conn.prepareClientHandshake(addr, opts.Endpoint)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("websocket: failed to prepare handshake: %w", err)
	}
	if err := conn.writeRaw(req); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("websocket: failed to send handshake request: %w", err)
	}

	c := &Client{conn: conn, log: log, done: make(chan struct{})}

	go c.readLoop()

	select {
	case <-conn.opened:
		if conn.State() != StateConnected {
			<-c.done
			return nil, fmt.Errorf("websocket: handshake with %s failed", addr)
		}
	case <-time.After(clientOpenTimeout):
		conn.CloseConnection(CloseProtocolError)
		_ = nc.Close()
		<-c.done
		return nil, fmt.Errorf("websocket: handshake with %s timed out after %s", addr, clientOpenTimeout)
	}

	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	buf := make([]byte, 4096)
	for {
		if c.conn.State() == StateClosed {
			return
		}
		_ = c.conn.nc.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := c.conn.nc.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // Cycle back to recheck the closed state.
			}
			c.conn.closeFromTransportError(err)
			return
		}
		c.conn.ingest(buf[:n])
	}
}

// Connection returns the single Connection this Client owns.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Close closes the underlying connection (client_close in spec.md §6) and
// waits for the read loop to exit.
func (c *Client) Close() {
	c.conn.CloseConnection(CloseNormal)
	<-c.done
}
