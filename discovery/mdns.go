package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls mDNS advertisement and browsing.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfID         string
	DisplayName    string
	ListeningPort  int
	KeyFingerprint string
	Version        int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Version == 0 {
		out.Version = 1
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validate() error {
	if strings.TrimSpace(c.SelfID) == "" {
		return errors.New("self peer ID is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// MDNSBackend advertises the local device and browses for peers via zeroconf.
type MDNSBackend struct {
	cfg MDNSConfig

	browse browseFunc

	serverMu sync.Mutex
	server   *zeroconf.Server

	mu        sync.RWMutex
	peers     map[string]DiscoveredPeer
	suspended bool

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewMDNSBackend creates an mDNS discovery backend.
func NewMDNSBackend(config MDNSConfig) (*MDNSBackend, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &MDNSBackend{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Source identifies this backend as mDNS-based.
func (b *MDNSBackend) Source() Source {
	return SourceMDNS
}

// Start registers the advertisement and begins background browsing.
func (b *MDNSBackend) Start() error {
	var startErr error
	b.startOnce.Do(func() {
		if err := b.register(); err != nil {
			startErr = err
			return
		}
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(1)
		go b.loop()
	})
	return startErr
}

// Stop permanently stops advertising and browsing.
func (b *MDNSBackend) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		b.shutdownServer()
		close(b.events)
	})
}

// Suspend withdraws the advertisement and pauses browsing.
func (b *MDNSBackend) Suspend() {
	b.mu.Lock()
	b.suspended = true
	b.mu.Unlock()
	b.shutdownServer()
}

// Resume re-registers the advertisement and resumes browsing.
func (b *MDNSBackend) Resume() error {
	b.mu.Lock()
	wasSuspended := b.suspended
	b.suspended = false
	b.mu.Unlock()

	if !wasSuspended {
		return nil
	}
	return b.register()
}

// Events provides asynchronous peer list updates.
func (b *MDNSBackend) Events() <-chan Event {
	return b.events
}

// Refresh triggers an immediate browse and waits for it to finish.
func (b *MDNSBackend) Refresh(ctx context.Context) error {
	if b.ctx == nil {
		return errors.New("mdns backend is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case b.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("mdns backend is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("mdns backend is stopped")
	}
}

// ListPeers returns the current snapshot of browsed peers.
func (b *MDNSBackend) ListPeers() []DiscoveredPeer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(b.peers))
	for _, peer := range b.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (b *MDNSBackend) register() error {
	txt := []string{
		"peer_id=" + b.cfg.SelfID,
		"version=" + strconv.Itoa(b.cfg.Version),
		"key_fingerprint=" + b.cfg.KeyFingerprint,
	}

	server, err := b.cfg.registerFn(b.cfg.DisplayName, b.cfg.Service, b.cfg.Domain, b.cfg.ListeningPort, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	b.serverMu.Lock()
	b.server = server
	b.serverMu.Unlock()
	return nil
}

func (b *MDNSBackend) shutdownServer() {
	b.serverMu.Lock()
	defer b.serverMu.Unlock()
	if b.server != nil {
		b.server.Shutdown()
		b.server = nil
	}
}

func (b *MDNSBackend) isSuspended() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.suspended
}

func (b *MDNSBackend) loop() {
	defer b.wg.Done()

	// Prime the peer list immediately.
	if err := b.runScan(context.Background()); err != nil {
		logrus.WithError(err).Debug("initial mDNS scan failed")
	}

	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if b.isSuspended() {
				continue
			}
			if err := b.runScan(context.Background()); err != nil {
				logrus.WithError(err).Debug("periodic mDNS scan failed")
			}
		case req := <-b.refreshRequests:
			if b.isSuspended() {
				req.done <- errors.New("mdns backend is suspended")
				continue
			}
			req.done <- b.runScan(req.ctx)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *MDNSBackend) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := b.parseEntry(entry)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collectedMu.Lock()
				collected[peer.ID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	if err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	b.applySnapshot(next)

	// A deadline just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *MDNSBackend) applySnapshot(next map[string]DiscoveredPeer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	previous := b.peers
	b.peers = next

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !peersEqual(old, peer) {
			b.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			b.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (b *MDNSBackend) emitEvent(event Event) {
	select {
	case b.events <- event:
	default:
	}
}

func (b *MDNSBackend) parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" || peerID == b.cfg.SelfID {
		return DiscoveredPeer{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = peerID
	}

	return DiscoveredPeer{
		ID:             peerID,
		DisplayName:    name,
		KeyFingerprint: strings.TrimSpace(txt["key_fingerprint"]),
		Version:        version,
		Source:         SourceMDNS,
		Endpoint: Endpoint{
			InstanceName: entry.Instance,
			ServiceType:  entry.Service,
			Domain:       entry.Domain,
			Host:         entry.HostName,
			Port:         entry.Port,
			Addresses:    addresses,
		},
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.ID != b.ID ||
		a.DisplayName != b.DisplayName ||
		a.KeyFingerprint != b.KeyFingerprint ||
		a.Version != b.Version ||
		a.Endpoint.Host != b.Endpoint.Host ||
		a.Endpoint.Port != b.Endpoint.Port ||
		len(a.Endpoint.Addresses) != len(b.Endpoint.Addresses) {
		return false
	}
	for i := range a.Endpoint.Addresses {
		if a.Endpoint.Addresses[i] != b.Endpoint.Addresses[i] {
			return false
		}
	}
	return true
}
