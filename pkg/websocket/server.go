package websocket

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// readTimeout is how long a worker's blocking read waits before giving up
// control to recheck the shutdown flag, per spec.md §5 ("blocking reads
// from the transport with a 300 ms timeout").
const readTimeout = 300 * time.Millisecond

// ServerOptions configures a Server at construction time (SPEC_FULL.md §1,
// "Configuration"): a plain struct literal rather than a CLI-flag surface,
// since the library itself never parses flags.
type ServerOptions struct {
	Address  string
	Port     int
	Callback Callbacks
	UserData any
	Logger   zerolog.Logger
}

// Server is the accepting endpoint façade described in spec.md §4.6: it
// binds to an address and port, accepts connections, and instantiates a
// fresh per-connection state machine with role=server for each one.
type Server struct {
	opts ServerOptions
	log  zerolog.Logger
	ln   net.Listener

	mu      sync.Mutex
	conns   map[*Connection]struct{}
	closing bool
	wg      sync.WaitGroup
}

// OpenServer binds a listening socket and begins accepting connections in
// the background (server_open in spec.md §6). The acceptor thread runs
// until Close is called or Accept fails.
func OpenServer(opts ServerOptions) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", opts.Address, opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket: failed to listen on %s: %w", addr, err)
	}

	s := &Server{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "server").Str("addr", addr).Logger(),
		ln:    ln,
		conns: make(map[*Connection]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			return
		}

		conn := newConnection(nc, RoleServer, s.opts.Callback, s.opts.UserData, s.log)

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn *Connection) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	buf := make([]byte, 4096)
	for {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing {
			conn.CloseConnection(CloseGoingAway)
			return
		}
		if conn.State() == StateClosed {
			return
		}

		_ = conn.nc.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.nc.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // Cycle back to recheck the shutdown flag.
			}
			conn.closeFromTransportError(err)
			return
		}
		conn.ingest(buf[:n])
	}
}

// ConnectionCount reports the number of live connections this server
// currently owns (SPEC_FULL.md §3, "Idle-connection accounting").
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting new connections, requests closure of every live
// connection, and waits for every worker to exit (server_close, spec.md
// §5 "Cancellation").
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}
