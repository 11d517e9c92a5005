package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func testMDNSConfig() MDNSConfig {
	return MDNSConfig{
		SelfID:         "self-device",
		DisplayName:    "Self",
		ListeningPort:  42424,
		KeyFingerprint: "ab:cd:ef",
		ScanTimeout:    50 * time.Millisecond,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}
}

func newTestBackend(t *testing.T, cfg MDNSConfig) *MDNSBackend {
	t.Helper()
	backend, err := NewMDNSBackend(cfg)
	if err != nil {
		t.Fatalf("NewMDNSBackend: %v", err)
	}
	return backend
}

func serviceEntry(instance, peerID string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     53317,
		Text: []string{
			"peer_id=" + peerID,
			"version=1",
			"key_fingerprint=11:22:33",
		},
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.20")},
	}
}

func TestMDNSConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*MDNSConfig)
	}{
		{"missing self ID", func(c *MDNSConfig) { c.SelfID = " " }},
		{"missing display name", func(c *MDNSConfig) { c.DisplayName = "" }},
		{"missing port", func(c *MDNSConfig) { c.ListeningPort = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testMDNSConfig()
			tc.mutate(&cfg)
			if _, err := NewMDNSBackend(cfg); err == nil {
				t.Fatal("expected config validation error")
			}
		})
	}
}

func TestParseEntryReadsTXTRecords(t *testing.T) {
	backend := newTestBackend(t, testMDNSConfig())

	entry := serviceEntry("Kitchen Laptop", "peer-1")
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20"), net.ParseIP("10.0.0.4"), net.ParseIP("192.168.1.20")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	peer, ok := backend.parseEntry(entry)
	if !ok {
		t.Fatal("expected entry to parse")
	}
	if peer.ID != "peer-1" {
		t.Fatalf("peer ID = %q", peer.ID)
	}
	if peer.DisplayName != "Kitchen Laptop" {
		t.Fatalf("display name = %q", peer.DisplayName)
	}
	if peer.KeyFingerprint != "11:22:33" {
		t.Fatalf("fingerprint = %q", peer.KeyFingerprint)
	}
	if peer.Version != 1 {
		t.Fatalf("version = %d", peer.Version)
	}
	if peer.Source != SourceMDNS {
		t.Fatalf("source = %v", peer.Source)
	}
	if peer.Endpoint.Port != 53317 {
		t.Fatalf("port = %d", peer.Endpoint.Port)
	}

	// Duplicates collapse and the rest comes back sorted.
	want := []string{"10.0.0.4", "192.168.1.20", "fe80::1"}
	if len(peer.Endpoint.Addresses) != len(want) {
		t.Fatalf("addresses = %v", peer.Endpoint.Addresses)
	}
	for i, addr := range want {
		if peer.Endpoint.Addresses[i] != addr {
			t.Fatalf("addresses = %v, want %v", peer.Endpoint.Addresses, want)
		}
	}
}

func TestParseEntryFiltersSelfAndAnonymous(t *testing.T) {
	backend := newTestBackend(t, testMDNSConfig())

	if _, ok := backend.parseEntry(serviceEntry("Self", "self-device")); ok {
		t.Fatal("own advertisement must be filtered out")
	}

	anonymous := serviceEntry("Mystery", "peer-1")
	anonymous.Text = []string{"version=1"}
	if _, ok := backend.parseEntry(anonymous); ok {
		t.Fatal("entry without peer_id must be ignored")
	}
}

func TestParseEntryNameFallback(t *testing.T) {
	backend := newTestBackend(t, testMDNSConfig())

	entry := serviceEntry("", "peer-1")
	entry.HostName = "den-pc.local."
	peer, ok := backend.parseEntry(entry)
	if !ok {
		t.Fatal("expected entry to parse")
	}
	if peer.DisplayName != "den-pc.local." {
		t.Fatalf("display name = %q, want hostname fallback", peer.DisplayName)
	}

	entry = serviceEntry("", "peer-2")
	entry.HostName = ""
	peer, ok = backend.parseEntry(entry)
	if !ok {
		t.Fatal("expected entry to parse")
	}
	if peer.DisplayName != "peer-2" {
		t.Fatalf("display name = %q, want peer ID fallback", peer.DisplayName)
	}
}

func TestTxtToMapSkipsMalformedPairs(t *testing.T) {
	out := txtToMap([]string{
		"peer_id=peer-1",
		"flag",
		"=orphan",
		" key_fingerprint = aa:bb ",
		"note=a=b",
	})
	if out["peer_id"] != "peer-1" {
		t.Fatalf("peer_id = %q", out["peer_id"])
	}
	if out["key_fingerprint"] != "aa:bb" {
		t.Fatalf("key_fingerprint = %q", out["key_fingerprint"])
	}
	if out["note"] != "a=b" {
		t.Fatalf("note = %q, value may contain =", out["note"])
	}
	if _, exists := out["flag"]; exists {
		t.Fatal("bare flag should be skipped")
	}
	if _, exists := out[""]; exists {
		t.Fatal("empty key should be skipped")
	}
}

func TestApplySnapshotEmitsUpsertsAndRemovals(t *testing.T) {
	backend := newTestBackend(t, testMDNSConfig())

	first, _ := backend.parseEntry(serviceEntry("One", "peer-1"))
	second, _ := backend.parseEntry(serviceEntry("Two", "peer-2"))

	backend.applySnapshot(map[string]DiscoveredPeer{first.ID: first, second.ID: second})
	seen := map[string]EventType{}
	for i := 0; i < 2; i++ {
		select {
		case event := <-backend.Events():
			seen[event.Peer.ID] = event.Type
		default:
			t.Fatal("expected two upsert events")
		}
	}
	if seen["peer-1"] != EventPeerUpserted || seen["peer-2"] != EventPeerUpserted {
		t.Fatalf("events = %v", seen)
	}

	// Same snapshot again is quiet.
	backend.applySnapshot(map[string]DiscoveredPeer{first.ID: first, second.ID: second})
	select {
	case event := <-backend.Events():
		t.Fatalf("unexpected event for unchanged snapshot: %+v", event)
	default:
	}

	// Dropping a peer emits a removal.
	backend.applySnapshot(map[string]DiscoveredPeer{first.ID: first})
	select {
	case event := <-backend.Events():
		if event.Type != EventPeerRemoved || event.Peer.ID != "peer-2" {
			t.Fatalf("event = %+v, want removal of peer-2", event)
		}
	default:
		t.Fatal("expected a removal event")
	}
}

func TestBackendScanCollectsPeers(t *testing.T) {
	cfg := testMDNSConfig()
	cfg.RefreshInterval = time.Hour
	cfg.browseFn = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		if service != DefaultService || domain != DefaultDomain {
			t.Errorf("browse called with service=%q domain=%q", service, domain)
		}
		entries <- serviceEntry("Den PC", "peer-1")
		entries <- serviceEntry("Self", "self-device")
		return nil
	}
	backend := newTestBackend(t, cfg)

	if err := backend.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer backend.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := backend.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	peers := backend.ListPeers()
	if len(peers) != 1 {
		t.Fatalf("ListPeers = %v, want the one remote peer", peers)
	}
	if peers[0].ID != "peer-1" || peers[0].Endpoint.Port != 53317 {
		t.Fatalf("peer = %+v", peers[0])
	}
}

func TestBackendRefreshRejectedWhileSuspended(t *testing.T) {
	cfg := testMDNSConfig()
	cfg.RefreshInterval = time.Hour
	backend := newTestBackend(t, cfg)

	if err := backend.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer backend.Stop()

	backend.Suspend()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := backend.Refresh(ctx); err == nil {
		t.Fatal("refresh should fail while suspended")
	}

	if err := backend.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := backend.Refresh(ctx2); err != nil {
		t.Fatalf("Refresh after resume: %v", err)
	}
}
