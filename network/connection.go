package network

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanlink/protocol"
)

// HeartbeatInterval is how often a connected, idle peer is pinged.
const HeartbeatInterval = 10 * time.Second

// connectionHooks funnel per-peer events back to the orchestrator.
type connectionHooks struct {
	onMessage     func(pc *PeerConnection, msg protocol.Message)
	onStateChange func(peerID string, state PeerConnectionState)
	onClosed      func(pc *PeerConnection, err error)
}

// PeerConnection owns one handshaked transport session plus per-peer
// lifecycle state, heartbeat, and a generation-tagged receive loop.
//
// The generation token is freshly minted on creation and on any transport
// replacement. Receive loop and heartbeat capture the generation at start
// and verify it before acting on any result; a stale task exits silently.
// This is the sole mechanism preventing superseded asynchronous work from
// corrupting a connection that was already replaced or torn down.
type PeerConnection struct {
	id       string
	identity protocol.PeerIdentity
	localID  string
	session  *TransportSession

	genMu      sync.RWMutex
	generation string

	stateMu sync.RWMutex
	state   PeerConnectionState

	transferring atomic.Bool

	transferMu sync.Mutex
	transfer   *FileTransferSession

	callMu       sync.Mutex
	activeCallID string

	hooks             connectionHooks
	heartbeatInterval time.Duration
}

func newPeerConnection(localID string, identity protocol.PeerIdentity, session *TransportSession, hooks connectionHooks) *PeerConnection {
	return &PeerConnection{
		id:                identity.ID,
		identity:          identity,
		localID:           localID,
		session:           session,
		generation:        uuid.NewString(),
		state:             PeerConnectionState{Phase: PeerPhaseConnecting},
		hooks:             hooks,
		heartbeatInterval: HeartbeatInterval,
	}
}

// ID returns the peer's stable identity id (the registry key).
func (pc *PeerConnection) ID() string {
	return pc.id
}

// Identity returns the peer's handshake identity.
func (pc *PeerConnection) Identity() protocol.PeerIdentity {
	return pc.identity
}

// State returns the current per-peer lifecycle state.
func (pc *PeerConnection) State() PeerConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Generation returns the current generation token.
func (pc *PeerConnection) Generation() string {
	pc.genMu.RLock()
	defer pc.genMu.RUnlock()
	return pc.generation
}

func (pc *PeerConnection) isCurrentGeneration(gen string) bool {
	pc.genMu.RLock()
	defer pc.genMu.RUnlock()
	return pc.generation == gen
}

// bumpGeneration mints a fresh token, invalidating every in-flight task tied
// to the previous one.
func (pc *PeerConnection) bumpGeneration() string {
	pc.genMu.Lock()
	defer pc.genMu.Unlock()
	pc.generation = uuid.NewString()
	return pc.generation
}

// Transferring reports whether a file transfer is active on this peer.
func (pc *PeerConnection) Transferring() bool {
	return pc.transferring.Load()
}

func (pc *PeerConnection) setTransferring(active bool) {
	pc.transferring.Store(active)
}

// TransferSession returns the active transfer session, if any.
func (pc *PeerConnection) TransferSession() *FileTransferSession {
	pc.transferMu.Lock()
	defer pc.transferMu.Unlock()
	return pc.transfer
}

// setTransferSession tracks the peer's transfer without flipping the
// transferring flag; an offered transfer only counts once it is accepted.
func (pc *PeerConnection) setTransferSession(session *FileTransferSession) {
	pc.transferMu.Lock()
	pc.transfer = session
	pc.transferMu.Unlock()
	if session == nil {
		pc.setTransferring(false)
	}
}

// ActiveCallID returns the in-progress call id, or empty.
func (pc *PeerConnection) ActiveCallID() string {
	pc.callMu.Lock()
	defer pc.callMu.Unlock()
	return pc.activeCallID
}

func (pc *PeerConnection) setActiveCall(callID string) {
	pc.callMu.Lock()
	pc.activeCallID = callID
	pc.callMu.Unlock()
}

// Send writes one message on the peer's transport session.
func (pc *PeerConnection) Send(msg protocol.Message) error {
	return pc.session.Send(msg)
}

// start marks the connection established and launches its receive loop and
// heartbeat, both tagged with the current generation.
func (pc *PeerConnection) start() {
	pc.setState(PeerConnectionState{Phase: PeerPhaseConnected})

	gen := pc.Generation()
	go pc.receiveLoop(gen)
	go pc.heartbeatLoop(gen)
}

// Close tears down the transport; the receive loop reports the disconnect.
func (pc *PeerConnection) Close() error {
	return pc.session.Close()
}

// invalidate bumps the generation and silently closes the transport without
// firing lifecycle callbacks. Used when a connection is replaced.
func (pc *PeerConnection) invalidate() {
	pc.bumpGeneration()
	_ = pc.session.Close()
}

func (pc *PeerConnection) setState(state PeerConnectionState) {
	pc.stateMu.Lock()
	if pc.state.Phase == state.Phase {
		pc.stateMu.Unlock()
		return
	}
	pc.state = state
	pc.stateMu.Unlock()

	if pc.hooks.onStateChange != nil {
		pc.hooks.onStateChange(pc.id, state)
	}
}

func (pc *PeerConnection) receiveLoop(gen string) {
	for {
		msg, err := pc.session.Receive(context.Background())
		if !pc.isCurrentGeneration(gen) {
			return
		}

		if err != nil {
			state := PeerConnectionState{Phase: PeerPhaseFailed, Reason: err.Error()}
			if errors.Is(err, io.EOF) || errors.Is(err, ErrSessionClosed) {
				state = PeerConnectionState{Phase: PeerPhaseDisconnected}
			}
			pc.setState(state)
			if pc.hooks.onClosed != nil {
				pc.hooks.onClosed(pc, err)
			}
			return
		}

		switch msg.Type {
		case protocol.TypePing:
			if err := pc.Send(protocol.NewMessage(protocol.TypePong, pc.localID)); err != nil {
				logrus.WithError(err).WithField("peer_id", pc.id).Debug("pong send failed")
			}
		case protocol.TypePong:
			// Liveness is inferred from transport-level failures, not from
			// pong bookkeeping.
		default:
			if pc.hooks.onMessage != nil {
				pc.hooks.onMessage(pc, msg)
			}
		}
	}
}

func (pc *PeerConnection) heartbeatLoop(gen string) {
	ticker := time.NewTicker(pc.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !pc.isCurrentGeneration(gen) || !pc.State().IsConnected() {
				return
			}
			if pc.Transferring() {
				continue
			}
			if err := pc.Send(protocol.NewMessage(protocol.TypePing, pc.localID)); err != nil {
				// A failed ping alone does not force disconnection; the
				// receive loop reacts to transport failure.
				logrus.WithError(err).WithField("peer_id", pc.id).Warn("heartbeat send failed")
			}
		case <-pc.session.Done():
			return
		}
	}
}
