// Package discovery finds reachable LAN peers. It merges one or more
// discovery backends (mDNS broadcast and manually entered endpoints) into a
// single deduplicated, live peer list.
package discovery

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Source identifies which backend produced a discovered peer.
type Source string

const (
	// SourceMDNS marks peers found via zeroconf browsing.
	SourceMDNS Source = "mdns"
	// SourceManual marks peers entered by the user as host:port.
	SourceManual Source = "manual"
)

// EventType identifies peer list updates.
type EventType string

const (
	// EventPeerUpserted is emitted when a peer appears or its metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// Event carries one peer list update.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// Endpoint locates a peer on the network. mDNS peers carry the service
// instance triple plus resolved addresses; manual peers carry host and port.
type Endpoint struct {
	InstanceName string
	ServiceType  string
	Domain       string
	Host         string
	Port         int
	Addresses    []string
}

// DialAddress returns the host:port string to dial, preferring resolved
// addresses over the advertised hostname.
func (e Endpoint) DialAddress() string {
	host := e.Host
	if len(e.Addresses) > 0 {
		host = e.Addresses[0]
	}
	if host == "" || e.Port <= 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// DiscoveredPeer is one live peer candidate. Ephemeral: replaced on every
// discovery refresh and never persisted.
type DiscoveredPeer struct {
	ID             string
	DisplayName    string
	KeyFingerprint string
	Version        int
	Endpoint       Endpoint
	Source         Source
	LastSeen       time.Time
}

// key returns the deduplication key for the merged peer list. Manual entries
// have no identity until a handshake completes, so they key on the endpoint.
func (p DiscoveredPeer) key() string {
	if p.ID != "" {
		return p.ID
	}
	return "manual|" + p.Endpoint.DialAddress()
}

// Backend produces discovery events from one peer source.
type Backend interface {
	Start() error
	Stop()
	// Suspend pauses the backend without closing its event stream; Resume
	// restarts it. Used when the hosting process moves to the background.
	Suspend()
	Resume() error
	Refresh(ctx context.Context) error
	Events() <-chan Event
	Source() Source
}
