package network

import (
	"fmt"
	"net"
	"sync"
)

// Server accepts inbound TCP connections and wraps them as transport
// sessions. The logical handshake is driven by the orchestrator.
type Server struct {
	listener net.Listener

	incoming chan *TransportSession
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string) (*Server, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		incoming: make(chan *TransportSession, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted transport sessions awaiting a handshake.
func (s *Server) Incoming() <-chan *TransportSession {
	return s.incoming
}

// Errors returns asynchronous accept errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		session := NewTransportSession(conn)
		select {
		case s.incoming <- session:
		case <-s.closed:
			_ = session.Close()
			return
		}
	}
}
