package network

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ConnectionPhase is the engine-wide connection lifecycle phase.
type ConnectionPhase string

const (
	PhaseIdle            ConnectionPhase = "IDLE"
	PhaseDiscovering     ConnectionPhase = "DISCOVERING"
	PhasePeerFound       ConnectionPhase = "PEER_FOUND"
	PhaseRequesting      ConnectionPhase = "REQUESTING"
	PhaseIncomingRequest ConnectionPhase = "INCOMING_REQUEST"
	PhaseConnecting      ConnectionPhase = "CONNECTING"
	PhaseConnected       ConnectionPhase = "CONNECTED"
	PhaseTransferring    ConnectionPhase = "TRANSFERRING"
	PhaseVoiceCall       ConnectionPhase = "VOICE_CALL"
	PhaseDisconnected    ConnectionPhase = "DISCONNECTED"
	PhaseRejected        ConnectionPhase = "REJECTED"
	PhaseFailed          ConnectionPhase = "FAILED"
)

// ConnectionState is the single engine-wide connection state. Transferring
// carries a progress fraction and Failed carries a reason.
type ConnectionState struct {
	Phase    ConnectionPhase
	Progress float64
	Reason   string
}

func (s ConnectionState) String() string {
	switch s.Phase {
	case PhaseTransferring:
		return fmt.Sprintf("%s(%.0f%%)", s.Phase, s.Progress*100)
	case PhaseFailed:
		if s.Reason != "" {
			return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
		}
	}
	return string(s.Phase)
}

// transitionTable is the fixed adjacency table for the engine state machine.
// A transition absent from the table is a logged no-op, never an error.
var transitionTable = map[ConnectionPhase][]ConnectionPhase{
	PhaseIdle:            {PhaseDiscovering},
	PhaseDiscovering:     {PhasePeerFound, PhaseIdle, PhaseIncomingRequest},
	PhasePeerFound:       {PhaseRequesting, PhaseDiscovering, PhaseIncomingRequest, PhaseIdle},
	PhaseRequesting:      {PhaseConnecting, PhaseRejected, PhaseFailed, PhaseDisconnected},
	PhaseIncomingRequest: {PhaseConnecting, PhaseConnected, PhaseDiscovering, PhaseRejected, PhaseFailed},
	PhaseConnecting:      {PhaseConnected, PhaseFailed, PhaseDisconnected},
	PhaseConnected:       {PhaseTransferring, PhaseVoiceCall, PhaseDisconnected, PhaseFailed},
	PhaseTransferring:    {PhaseConnected, PhaseVoiceCall, PhaseDisconnected, PhaseFailed},
	PhaseVoiceCall:       {PhaseConnected, PhaseTransferring, PhaseDisconnected, PhaseFailed},
	PhaseDisconnected:    {PhaseIdle, PhaseDiscovering},
	PhaseRejected:        {PhaseIdle, PhaseDiscovering},
	PhaseFailed:          {PhaseIdle, PhaseDiscovering},
}

// CanTransition reports whether the adjacency table allows from→to.
func CanTransition(from, to ConnectionPhase) bool {
	for _, allowed := range transitionTable[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// stateMachine guards the engine-wide state behind the adjacency table.
// It is mutated only by the orchestrator, under the orchestrator's lock.
type stateMachine struct {
	state ConnectionState
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: ConnectionState{Phase: PhaseIdle}}
}

func (m *stateMachine) current() ConnectionState {
	return m.state
}

// transition applies the target state if the table allows it and reports
// whether the state changed.
func (m *stateMachine) transition(target ConnectionState) bool {
	if target.Phase == m.state.Phase {
		if target == m.state {
			return false
		}
		// Same phase, refreshed payload (e.g. transfer progress).
		m.state = target
		return true
	}

	if !CanTransition(m.state.Phase, target.Phase) {
		logrus.WithFields(logrus.Fields{
			"from": m.state.Phase,
			"to":   target.Phase,
		}).Warn("ignoring invalid state transition")
		return false
	}

	m.state = target
	return true
}

// PeerConnectionPhase is the per-peer lifecycle phase.
type PeerConnectionPhase string

const (
	PeerPhaseConnecting   PeerConnectionPhase = "CONNECTING"
	PeerPhaseConnected    PeerConnectionPhase = "CONNECTED"
	PeerPhaseDisconnected PeerConnectionPhase = "DISCONNECTED"
	PeerPhaseFailed       PeerConnectionPhase = "FAILED"
)

// PeerConnectionState is one peer's lifecycle state; Failed carries a reason.
type PeerConnectionState struct {
	Phase  PeerConnectionPhase
	Reason string
}

// IsActive reports whether the peer is connecting or connected.
func (s PeerConnectionState) IsActive() bool {
	return s.Phase == PeerPhaseConnecting || s.Phase == PeerPhaseConnected
}

// IsConnected reports whether the peer completed its handshake.
func (s PeerConnectionState) IsConnected() bool {
	return s.Phase == PeerPhaseConnected
}
