package milter

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-milter"

	"github.com/pantosmime/pantosmime/internal/certstore"
	"github.com/pantosmime/pantosmime/internal/session"
)

// shutdownTimeout bounds how long shutdown waits for in-flight
// connections to finish.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for the milter listener.
type ServerConfig struct {
	// Network is "tcp" or "unix".
	Network string

	// Address is the listen address, e.g. "127.0.0.1:22666" or a
	// socket path.
	Address string

	// IdleTimeout bounds how long a connection may sit between
	// events before the transaction is aborted by the deadline.
	IdleTimeout time.Duration

	// Session carries the per-session policy inputs.
	Session session.Config

	// Store backs recipient-certificate lookups.
	Store *certstore.Store

	// Harvester receives inbound signed mail; may be nil.
	Harvester session.Harvester

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server accepts milter connections from the MTA and runs one session
// state machine per connection.
type Server struct {
	cfg ServerConfig
	ms  *milter.Server
	wg  sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// New creates a milter server. The negotiated actions cover exactly
// what message replacement needs: adding and changing headers plus
// replacing the body.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{cfg: cfg}
	s.ms = &milter.Server{
		NewMilter: func() milter.Milter {
			return &backend{
				sess: session.New(cfg.Session, cfg.Store, cfg.Harvester, cfg.Logger),
			}
		},
		Actions:  milter.OptAddHeader | milter.OptChangeHeader | milter.OptChangeBody,
		Protocol: 0,
	}
	return s
}

// ListenAndServe starts the listener and blocks until the context is
// cancelled. On cancellation the listener closes and in-flight
// connections are cut off by their idle deadlines.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.Network == "unix" {
		// A stale socket from a previous run blocks the bind.
		os.Remove(s.cfg.Address)
	}

	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	ln = &idleListener{Listener: ln, timeout: s.cfg.IdleTimeout, wg: &s.wg}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.cfg.Logger.Info("milter listening",
		"network", s.cfg.Network,
		"addr", ln.Addr().String(),
		"forced_addresses", len(s.cfg.Session.Forced),
	)

	go func() {
		<-ctx.Done()
		s.cfg.Logger.Info("shutting down milter server")
		ln.Close()
	}()

	err = s.ms.Serve(ln)
	if ctx.Err() != nil {
		// Expected error from listener close during shutdown.
		s.waitForConnections()
		return nil
	}
	return err
}

// waitForConnections waits for in-flight connections to complete, with
// a timeout to prevent indefinite blocking.
func (s *Server) waitForConnections() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cfg.Logger.Info("all connections completed")
	case <-time.After(shutdownTimeout):
		s.cfg.Logger.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
// Safe to call while ListenAndServe is starting up.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// idleListener wraps accepted connections so every read and write
// refreshes an idle deadline, and tracks connections in-flight for the
// shutdown drain.
type idleListener struct {
	net.Listener
	timeout time.Duration
	wg      *sync.WaitGroup
}

func (l *idleListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.wg.Add(1)
	return &idleConn{Conn: conn, timeout: l.timeout, wg: l.wg}, nil
}

type idleConn struct {
	net.Conn
	timeout   time.Duration
	wg        *sync.WaitGroup
	closeOnce sync.Once
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.refreshDeadline(); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if err := c.refreshDeadline(); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

func (c *idleConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(c.wg.Done)
	return err
}

func (c *idleConn) refreshDeadline() error {
	if c.timeout <= 0 {
		return nil
	}
	return c.Conn.SetDeadline(time.Now().Add(c.timeout))
}
