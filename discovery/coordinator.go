package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Coordinator merges multiple discovery backends into one deduplicated live
// peer list and a single event stream.
type Coordinator struct {
	backends []Backend

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator over the given backends.
func NewCoordinator(backends ...Backend) (*Coordinator, error) {
	if len(backends) == 0 {
		return nil, errors.New("at least one discovery backend is required")
	}

	return &Coordinator{
		backends: backends,
		peers:    make(map[string]DiscoveredPeer),
		events:   make(chan Event, 128),
	}, nil
}

// Start starts every backend and begins merging their events.
func (c *Coordinator) Start() error {
	var startErr error
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(context.Background())

		started := make([]Backend, 0, len(c.backends))
		for _, backend := range c.backends {
			if err := backend.Start(); err != nil {
				for _, b := range started {
					b.Stop()
				}
				startErr = err
				return
			}
			started = append(started, backend)
		}

		for _, backend := range c.backends {
			c.wg.Add(1)
			go c.mergeLoop(backend)
		}
	})
	return startErr
}

// Stop stops all backends and closes the merged event stream.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		for _, backend := range c.backends {
			backend.Stop()
		}
		c.wg.Wait()
		close(c.events)
	})
}

// Suspend pauses every backend; discovered peers are kept.
func (c *Coordinator) Suspend() {
	for _, backend := range c.backends {
		backend.Suspend()
	}
}

// Resume restarts every suspended backend.
func (c *Coordinator) Resume() error {
	var firstErr error
	for _, backend := range c.backends {
		if err := backend.Resume(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Refresh triggers an immediate refresh on every backend.
func (c *Coordinator) Refresh(ctx context.Context) error {
	var firstErr error
	for _, backend := range c.backends {
		if err := backend.Refresh(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Events provides merged, deduplicated discovery updates.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// ListPeers returns a snapshot of the merged live peer list.
func (c *Coordinator) ListPeers() []DiscoveredPeer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(c.peers))
	for _, peer := range c.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].key() < out[j].key()
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

func (c *Coordinator) mergeLoop(backend Backend) {
	defer c.wg.Done()

	for {
		select {
		case event, ok := <-backend.Events():
			if !ok {
				return
			}
			c.applyEvent(backend, event)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) applyEvent(backend Backend, event Event) {
	key := event.Peer.key()

	c.mu.Lock()
	switch event.Type {
	case EventPeerUpserted:
		if existing, exists := c.peers[key]; exists && existing.Source != event.Peer.Source {
			// Same identity visible through two backends: the freshest
			// sighting wins, older endpoint data is replaced.
			logrus.WithFields(logrus.Fields{
				"peer_id":    key,
				"old_source": existing.Source,
				"new_source": event.Peer.Source,
			}).Debug("peer re-discovered through different backend")
		}
		c.peers[key] = event.Peer
	case EventPeerRemoved:
		existing, exists := c.peers[key]
		if !exists || existing.Source != backend.Source() {
			// Another backend still sees this peer; keep it.
			c.mu.Unlock()
			return
		}
		delete(c.peers, key)
	}
	c.mu.Unlock()

	select {
	case c.events <- event:
	default:
	}
}
