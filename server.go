package htcore

import (
	"net"

	"github.com/badu/htcore/transport"
)

// Server is a convenience wrapper around the accept loop a caller needs
// to actually run a WebApp: accept a net.Conn, wire it to a
// ConnectionDriver through a transport.Adapter, track it in the idle
// pruner's Pool, and repeat. It is not part of the streaming core spec
// proper (§1 scopes the socket accept loop out as "the transport"), but
// every one of the example programs in this corpus ships something in
// this shape, so htcore ships one too rather than leaving wiring as an
// exercise for every caller.
type Server struct {
	WebApp         WebApp
	Options        *Options
	UpgradeHandler UpgradeHandler

	pool *transport.Pool
}

// NewServer constructs a Server. opts may be nil to take every default.
func NewServer(app WebApp, opts *Options) *Server {
	if opts == nil {
		opts = NewOptions()
	}
	return &Server{
		WebApp:  app,
		Options: opts,
		pool:    transport.NewPool(),
	}
}

// Serve accepts connections from ln until it returns an error (including
// when ln is closed), dispatching each to its own ConnectionDriver.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	adapter := transport.New(conn, s.Options.Logger, s.Options.Metrics)
	driver := NewConnectionDriver(s.WebApp, adapter, s.Options.Metrics, s.Options)
	if s.UpgradeHandler != nil {
		driver.SetUpgradeHandler(s.UpgradeHandler)
	}
	adapter.SetDriver(driver)
	s.pool.Track(adapter, driver)
	adapter.Start()
}

// Pool exposes the idle-pruner Pool so a caller can start its periodic
// sweep (transport.Pool.Run) alongside Serve.
func (s *Server) Pool() *transport.Pool { return s.pool }
