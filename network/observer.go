package network

import (
	"context"

	"lanlink/protocol"
)

// ConnectionObserver receives engine callbacks. Collaborators register one
// observer; all methods are invoked outside the engine's locks.
type ConnectionObserver interface {
	// OnStateChange reports every engine-wide state change.
	OnStateChange(state ConnectionState)
	// OnPeerConnectionChange reports per-peer lifecycle changes.
	OnPeerConnectionChange(peerID string, state PeerConnectionState)
	// OnMessageReceived delivers decoded application messages in the order
	// they arrived on that peer's transport.
	OnMessageReceived(msg protocol.Message, fromPeerID string)
	// OnTransferProgress reports file transfer progress as a 0..1 fraction.
	OnTransferProgress(peerID string, fraction float64)
	// OnDisconnected fires after a peer is removed from the registry.
	OnDisconnected(peerID string)
}

// ConsentDecider resolves pending connection requests. The engine calls it
// with a deadline context; the decider blocks until the user answers or the
// context expires.
type ConsentDecider interface {
	DecideConnection(ctx context.Context, peer protocol.PeerIdentity) (bool, error)
}

// ChatSink consumes decoded chat payloads: text, media, receipts, typing
// indicators, and reactions.
type ChatSink interface {
	ConsumeChat(msg protocol.Message, fromPeerID string)
}

// CallSink consumes call signaling: requests, answers, SDP, and ICE.
type CallSink interface {
	ConsumeSignal(msg protocol.Message, fromPeerID string)
}

// StorageChecker reports available space before a file offer is accepted.
type StorageChecker interface {
	AvailableSpace(dir string) (int64, error)
}

// ConsentDeciderFunc adapts a function to the ConsentDecider interface.
type ConsentDeciderFunc func(ctx context.Context, peer protocol.PeerIdentity) (bool, error)

// DecideConnection implements ConsentDecider.
func (f ConsentDeciderFunc) DecideConnection(ctx context.Context, peer protocol.PeerIdentity) (bool, error) {
	return f(ctx, peer)
}
