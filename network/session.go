package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"lanlink/crypto"
	"lanlink/protocol"
)

// DefaultDialTimeout bounds TCP dial plus handshake duration.
const DefaultDialTimeout = 15 * time.Second

// ErrSessionClosed indicates an operation on a closed transport session.
var ErrSessionClosed = errors.New("network: transport session closed")

// TransportSession wraps one TCP byte stream with framed, optionally
// encrypted message send/receive.
//
// Before the logical handshake completes, frames travel in clear and any
// decode failure is fatal to the session. After EnableEncryption and
// MarkEstablished, frame payloads are AES-GCM sealed and decode failures are
// logged and dropped.
type TransportSession struct {
	conn net.Conn

	sendMu sync.Mutex

	keyMu      sync.RWMutex
	sessionKey []byte

	established atomic.Bool

	inbound chan protocol.Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewTransportSession wraps an accepted or dialed connection and starts its
// receive loop.
func NewTransportSession(conn net.Conn) *TransportSession {
	s := &TransportSession{
		conn:    conn,
		inbound: make(chan protocol.Message, 64),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// DialTransport connects to a peer endpoint and returns a live session.
func DialTransport(address string, timeout time.Duration) (*TransportSession, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return NewTransportSession(conn), nil
}

// RemoteAddr returns the peer's transport address.
func (s *TransportSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Done is closed when the session is fully torn down.
func (s *TransportSession) Done() <-chan struct{} {
	return s.closed
}

// Err returns the terminal session error, if any.
func (s *TransportSession) Err() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// EnableEncryption seals every subsequent frame with the session key.
func (s *TransportSession) EnableEncryption(sessionKey []byte) {
	s.keyMu.Lock()
	s.sessionKey = append([]byte(nil), sessionKey...)
	s.keyMu.Unlock()
}

// MarkEstablished switches decode-failure handling from abort-the-attempt to
// log-and-drop. Called once the logical handshake completes.
func (s *TransportSession) MarkEstablished() {
	s.established.Store(true)
}

func (s *TransportSession) currentKey() []byte {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.sessionKey
}

// Send encodes, optionally seals, and writes one message frame.
func (s *TransportSession) Send(msg protocol.Message) error {
	select {
	case <-s.closed:
		if err := s.Err(); err != nil {
			return err
		}
		return ErrSessionClosed
	default:
	}

	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	if key := s.currentKey(); key != nil {
		payload, err = crypto.Seal(key, payload)
		if err != nil {
			return err
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := protocol.WriteFrame(s.conn, payload); err != nil {
		s.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Receive waits for the next decoded inbound message.
func (s *TransportSession) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-s.inbound:
		return msg, nil
	case <-s.closed:
		if err := s.Err(); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{}, io.EOF
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Close terminates the session.
func (s *TransportSession) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *TransportSession) readLoop() {
	for {
		select {
		case <-s.closed:
			return
		default:
		}

		// Block until a full frame or a transport failure. A per-frame read
		// deadline cannot be used here: a deadline expiring after the length
		// header was partially consumed would leave the next read starting
		// mid-stream. Idle sessions stay open; liveness comes from heartbeat
		// writes failing.
		payload, err := protocol.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.closeWithError(nil)
				return
			}

			s.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		if len(payload) == 0 {
			continue
		}

		if key := s.currentKey(); key != nil {
			payload, err = crypto.Open(key, payload)
			if err != nil {
				s.closeWithError(fmt.Errorf("unseal frame: %w", err))
				return
			}
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			if !s.established.Load() {
				// Handshake phase: any malformed frame aborts the attempt.
				s.closeWithError(err)
				return
			}
			logrus.WithError(err).WithField("remote", s.conn.RemoteAddr()).
				Warn("dropping undecodable message")
			continue
		}

		select {
		case s.inbound <- msg:
		case <-s.closed:
			return
		}
	}
}

func (s *TransportSession) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		_ = s.conn.Close()
		close(s.closed)
	})
}
