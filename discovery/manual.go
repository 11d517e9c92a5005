package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ManualBackend tracks peers the user entered as host:port. Entries have no
// peer identity until a handshake completes, so they are keyed by endpoint.
type ManualBackend struct {
	mu      sync.RWMutex
	entries map[string]DiscoveredPeer

	events   chan Event
	stopOnce sync.Once
}

// NewManualBackend creates an empty manual peer backend.
func NewManualBackend() *ManualBackend {
	return &ManualBackend{
		entries: make(map[string]DiscoveredPeer),
		events:  make(chan Event, 32),
	}
}

// Source identifies this backend as manually fed.
func (b *ManualBackend) Source() Source {
	return SourceManual
}

// Start is a no-op; manual entries arrive via AddPeer.
func (b *ManualBackend) Start() error {
	return nil
}

// Stop closes the event stream.
func (b *ManualBackend) Stop() {
	b.stopOnce.Do(func() {
		close(b.events)
	})
}

// Suspend is a no-op; manual entries do not poll the network.
func (b *ManualBackend) Suspend() {}

// Resume is a no-op.
func (b *ManualBackend) Resume() error {
	return nil
}

// Refresh is a no-op; manual entries do not go stale on their own.
func (b *ManualBackend) Refresh(ctx context.Context) error {
	return nil
}

// Events provides updates when entries are added or removed.
func (b *ManualBackend) Events() <-chan Event {
	return b.events
}

// AddPeer registers a manually entered endpoint and emits an upsert event.
func (b *ManualBackend) AddPeer(host string, port int, displayName string) (DiscoveredPeer, error) {
	if host == "" {
		return DiscoveredPeer{}, errors.New("host is required")
	}
	if port <= 0 || port > 65535 {
		return DiscoveredPeer{}, errors.New("port must be in 1..65535")
	}
	if displayName == "" {
		displayName = net.JoinHostPort(host, strconv.Itoa(port))
	}

	peer := DiscoveredPeer{
		DisplayName: displayName,
		Source:      SourceManual,
		LastSeen:    time.Now(),
		Endpoint: Endpoint{
			Host: host,
			Port: port,
		},
	}

	b.mu.Lock()
	b.entries[peer.key()] = peer
	b.mu.Unlock()

	b.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
	return peer, nil
}

// RemovePeer drops a manually entered endpoint and emits a remove event.
func (b *ManualBackend) RemovePeer(host string, port int) bool {
	key := "manual|" + net.JoinHostPort(host, strconv.Itoa(port))

	b.mu.Lock()
	peer, exists := b.entries[key]
	if exists {
		delete(b.entries, key)
	}
	b.mu.Unlock()

	if exists {
		b.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
	}
	return exists
}

// ListPeers returns the current manual entries.
func (b *ManualBackend) ListPeers() []DiscoveredPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(b.entries))
	for _, peer := range b.entries {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Endpoint.DialAddress() < out[j].Endpoint.DialAddress()
	})
	return out
}

func (b *ManualBackend) emitEvent(event Event) {
	select {
	case b.events <- event:
	default:
	}
}
