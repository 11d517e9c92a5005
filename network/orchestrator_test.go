package network

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	appcrypto "lanlink/crypto"
	"lanlink/discovery"
	"lanlink/protocol"
)

// recordingObserver captures engine callbacks for assertions.
type recordingObserver struct {
	mu           sync.Mutex
	states       []ConnectionState
	peerStates   map[string][]PeerConnectionState
	disconnected []string
	progress     []float64
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{peerStates: make(map[string][]PeerConnectionState)}
}

func (r *recordingObserver) OnStateChange(state ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recordingObserver) OnPeerConnectionChange(peerID string, state PeerConnectionState) {
	r.mu.Lock()
	r.peerStates[peerID] = append(r.peerStates[peerID], state)
	r.mu.Unlock()
}

func (r *recordingObserver) OnMessageReceived(protocol.Message, string) {}

func (r *recordingObserver) OnTransferProgress(_ string, fraction float64) {
	r.mu.Lock()
	r.progress = append(r.progress, fraction)
	r.mu.Unlock()
}

func (r *recordingObserver) OnDisconnected(peerID string) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, peerID)
	r.mu.Unlock()
}

func (r *recordingObserver) sawPhase(phase ConnectionPhase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.Phase == phase {
			return true
		}
	}
	return false
}

// chatRecorder collects chat messages per sender.
type chatRecorder struct {
	mu       sync.Mutex
	messages []protocol.Message
}

func (c *chatRecorder) ConsumeChat(msg protocol.Message, _ string) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

func (c *chatRecorder) firstOfType(msgType protocol.MessageType) *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].Type == msgType {
			return &c.messages[i]
		}
	}
	return nil
}

// fixedStorage reports a fixed number of free bytes.
type fixedStorage struct {
	free int64
}

func (s fixedStorage) AvailableSpace(string) (int64, error) {
	return s.free, nil
}

type testEngine struct {
	engine   *Orchestrator
	observer *recordingObserver
	chat     *chatRecorder
	incoming string
}

func newTestEngine(t *testing.T, id string, accept bool) *testEngine {
	t.Helper()

	observer := newRecordingObserver()
	chat := &chatRecorder{}
	incoming := t.TempDir()

	engine, err := NewOrchestrator(OrchestratorConfig{
		Identity:    testIdentity(t, id, "Device "+id),
		IncomingDir: incoming,
		Consent: ConsentDeciderFunc(func(context.Context, protocol.PeerIdentity) (bool, error) {
			return accept, nil
		}),
		Chat:           chat,
		Storage:        fixedStorage{free: 1 << 30},
		RequestTimeout: 2 * time.Second,
		ConsentTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	engine.RegisterObserver(observer)

	if err := engine.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start engine %s: %v", id, err)
	}
	t.Cleanup(engine.Stop)

	return &testEngine{engine: engine, observer: observer, chat: chat, incoming: incoming}
}

func (e *testEngine) asDiscoveredPeer(t *testing.T, id string) discovery.DiscoveredPeer {
	t.Helper()
	host, portStr, err := net.SplitHostPort(e.engine.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return discovery.DiscoveredPeer{
		ID:       id,
		Source:   discovery.SourceManual,
		Endpoint: discovery.Endpoint{Host: host, Port: port},
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectedTo(e *testEngine, peerID string) func() bool {
	return func() bool {
		for _, peer := range e.engine.ConnectedPeers() {
			if peer.ID == peerID {
				return true
			}
		}
		return false
	}
}

func TestEnginesConnectAndExchangeText(t *testing.T) {
	alpha := newTestEngine(t, "engine-alpha", true)
	beta := newTestEngine(t, "engine-beta", true)

	if err := alpha.engine.Connect(beta.asDiscoveredPeer(t, "engine-beta")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 5*time.Second, "alpha to register beta", connectedTo(alpha, "engine-beta"))
	waitFor(t, 5*time.Second, "beta to register alpha", connectedTo(beta, "engine-alpha"))

	if alpha.engine.State().Phase != PhaseConnected {
		t.Fatalf("expected alpha connected, got %s", alpha.engine.State())
	}

	msgID, err := alpha.engine.SendText("engine-beta", "hello over the lan")
	if err != nil {
		t.Fatalf("send text: %v", err)
	}

	waitFor(t, 5*time.Second, "beta to receive the text", func() bool {
		msg := beta.chat.firstOfType(protocol.TypeTextMessage)
		return msg != nil && msg.Chat.Content == "hello over the lan"
	})
	waitFor(t, 5*time.Second, "alpha to receive the delivery receipt", func() bool {
		msg := alpha.chat.firstOfType(protocol.TypeMessageReceipt)
		return msg != nil && msg.Receipt.MessageID == msgID && msg.Receipt.Status == "delivered"
	})
}

func TestConsentRejectionReportsRejectedState(t *testing.T) {
	alpha := newTestEngine(t, "engine-alpha", true)
	beta := newTestEngine(t, "engine-beta", false)

	if err := alpha.engine.Connect(beta.asDiscoveredPeer(t, "engine-beta")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 5*time.Second, "alpha to observe the rejection", func() bool {
		return alpha.observer.sawPhase(PhaseRejected)
	})
	if len(alpha.engine.ConnectedPeers()) != 0 {
		t.Fatalf("rejected attempt must not register a connection")
	}
}

func TestUnresponsivePeerFailsTheAttempt(t *testing.T) {
	alpha := newTestEngine(t, "engine-alpha", true)

	// A listener that accepts and then says nothing.
	silent, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()
	go func() {
		for {
			conn, err := silent.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	host, portStr, _ := net.SplitHostPort(silent.Addr().String())
	port, _ := strconv.Atoi(portStr)
	peer := discovery.DiscoveredPeer{
		ID:       "engine-mute",
		Source:   discovery.SourceManual,
		Endpoint: discovery.Endpoint{Host: host, Port: port},
	}

	if err := alpha.engine.Connect(peer); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, 10*time.Second, "alpha to observe the failure", func() bool {
		return alpha.observer.sawPhase(PhaseFailed)
	})
	waitFor(t, 5*time.Second, "discovery to resume", func() bool {
		return alpha.engine.State().Phase == PhaseDiscovering
	})
}

func TestDisconnectRemovesPeerAndResumesDiscovery(t *testing.T) {
	alpha := newTestEngine(t, "engine-alpha", true)
	beta := newTestEngine(t, "engine-beta", true)

	if err := alpha.engine.Connect(beta.asDiscoveredPeer(t, "engine-beta")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 5*time.Second, "alpha to register beta", connectedTo(alpha, "engine-beta"))
	waitFor(t, 5*time.Second, "beta to register alpha", connectedTo(beta, "engine-alpha"))

	if err := alpha.engine.Disconnect("engine-beta"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	waitFor(t, 5*time.Second, "alpha registry to empty", func() bool {
		return len(alpha.engine.ConnectedPeers()) == 0
	})
	waitFor(t, 5*time.Second, "beta registry to empty", func() bool {
		return len(beta.engine.ConnectedPeers()) == 0
	})
	waitFor(t, 5*time.Second, "alpha discovery to resume", func() bool {
		return alpha.engine.State().Phase == PhaseDiscovering
	})
}

func TestFileTransferAcrossEngines(t *testing.T) {
	alpha := newTestEngine(t, "engine-alpha", true)
	beta := newTestEngine(t, "engine-beta", true)

	if err := alpha.engine.Connect(beta.asDiscoveredPeer(t, "engine-beta")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 5*time.Second, "engines to connect", connectedTo(alpha, "engine-beta"))

	content := make([]byte, TransferChunkSize+512)
	for i := range content {
		content[i] = byte(i % 251)
	}
	src := writeTempFile(t, t.TempDir(), "payload.bin", content)

	if _, err := alpha.engine.OfferFile("engine-beta", src); err != nil {
		t.Fatalf("offer file: %v", err)
	}

	dest := filepath.Join(beta.incoming, "payload.bin")
	waitFor(t, 10*time.Second, "beta to receive the file", func() bool {
		got, err := os.ReadFile(dest)
		return err == nil && len(got) == len(content)
	})

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	for i := range got {
		if got[i] != content[i] {
			t.Fatalf("content mismatch at byte %d", i)
		}
	}

	waitFor(t, 5*time.Second, "engines to settle back to connected", func() bool {
		return alpha.engine.State().Phase == PhaseConnected &&
			beta.engine.State().Phase == PhaseConnected
	})
}

func TestFileOfferRejectedWhenStorageInsufficient(t *testing.T) {
	alpha := newTestEngine(t, "engine-alpha", true)

	beta := newTestEngine(t, "engine-beta", true)
	beta.engine.storage = fixedStorage{free: 16}

	if err := alpha.engine.Connect(beta.asDiscoveredPeer(t, "engine-beta")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 5*time.Second, "engines to connect", connectedTo(alpha, "engine-beta"))

	src := writeTempFile(t, t.TempDir(), "big.bin", make([]byte, 4096))
	if _, err := alpha.engine.OfferFile("engine-beta", src); err != nil {
		t.Fatalf("offer file: %v", err)
	}

	waitFor(t, 5*time.Second, "alpha to see the offer rejected", func() bool {
		pc, err := alpha.engine.connection("engine-beta")
		return err == nil && pc.TransferSession() == nil
	})

	entries, err := os.ReadDir(beta.incoming)
	if err != nil {
		t.Fatalf("read incoming dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected offer must not create files, found %d entries", len(entries))
	}
	if beta.engine.State().Phase != PhaseConnected {
		t.Fatalf("rejected offer must leave the engine connected, got %s", beta.engine.State())
	}
}

func TestRegistryEnforcesConnectionLimit(t *testing.T) {
	engine, err := NewOrchestrator(OrchestratorConfig{
		Identity:    testIdentity(t, "engine-full", "Full"),
		IncomingDir: t.TempDir(),
		Consent: ConsentDeciderFunc(func(context.Context, protocol.PeerIdentity) (bool, error) {
			return true, nil
		}),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	engine.started = true

	for i := 0; i < MaxConnections; i++ {
		id := "peer-" + strconv.Itoa(i)
		engine.conns[id] = dummyConnection(t, engine, id)
	}

	if _, reason := engine.admitIncoming("peer-extra"); reason != "connection limit reached" {
		t.Fatalf("expected capacity rejection, got %q", reason)
	}
	if _, reason := engine.admitIncoming("peer-0"); reason != "already connected" {
		t.Fatalf("expected duplicate rejection, got %q", reason)
	}
}

func TestSimultaneousConnectTieBreak(t *testing.T) {
	// The lexicographically larger ID keeps its outgoing attempt and rejects
	// the inbound request.
	larger, err := NewOrchestrator(OrchestratorConfig{
		Identity:    testIdentity(t, "zz-device", "Larger"),
		IncomingDir: t.TempDir(),
		Consent: ConsentDeciderFunc(func(context.Context, protocol.PeerIdentity) (bool, error) {
			return true, nil
		}),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	larger.started = true
	larger.attempts["aa-device"] = "gen-1"

	auto, reason := larger.admitIncoming("aa-device")
	if auto || reason != "simultaneous connection" {
		t.Fatalf("larger id must reject the inbound request, got auto=%v reason=%q", auto, reason)
	}
	if _, ok := larger.attempts["aa-device"]; !ok {
		t.Fatalf("larger id must keep its outgoing attempt")
	}

	// The smaller ID cancels its attempt and adopts the inbound request
	// without a second consent prompt.
	smaller, err := NewOrchestrator(OrchestratorConfig{
		Identity:    testIdentity(t, "aa-device", "Smaller"),
		IncomingDir: t.TempDir(),
		Consent: ConsentDeciderFunc(func(context.Context, protocol.PeerIdentity) (bool, error) {
			return true, nil
		}),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	smaller.started = true
	smaller.attempts["zz-device"] = "gen-2"

	auto, reason = smaller.admitIncoming("zz-device")
	if !auto || reason != "" {
		t.Fatalf("smaller id must auto-accept the inbound request, got auto=%v reason=%q", auto, reason)
	}
	if _, ok := smaller.attempts["zz-device"]; ok {
		t.Fatalf("smaller id must cancel its outgoing attempt")
	}
}

func TestConsentPromptIsSingleSlot(t *testing.T) {
	engine, err := NewOrchestrator(OrchestratorConfig{
		Identity:    testIdentity(t, "engine-busy", "Busy"),
		IncomingDir: t.TempDir(),
		Consent: ConsentDeciderFunc(func(context.Context, protocol.PeerIdentity) (bool, error) {
			return true, nil
		}),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	engine.started = true

	if auto, reason := engine.admitIncoming("peer-one"); auto || reason != "" {
		t.Fatalf("first request must be admitted, got auto=%v reason=%q", auto, reason)
	}
	if _, reason := engine.admitIncoming("peer-two"); reason != "another request is pending" {
		t.Fatalf("second request must be rejected, got %q", reason)
	}

	engine.clearPendingConsent("peer-one")
	if _, reason := engine.admitIncoming("peer-two"); reason != "" {
		t.Fatalf("slot must free after the first decision, got %q", reason)
	}
}

// dummyConnection builds a registry entry backed by an in-memory pipe.
func dummyConnection(t *testing.T, o *Orchestrator, id string) *PeerConnection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	session := NewTransportSession(client)
	t.Cleanup(func() { session.Close() })
	return newPeerConnection(o.identity.ID, protocol.PeerIdentity{ID: id}, session, connectionHooks{})
}

func TestGlobalStateSkipsDeadRegistryEntries(t *testing.T) {
	// Between a receive-loop failure and deregistration a dead entry still
	// sits in the registry; it must not keep the global state at Connected.
	engine, err := NewOrchestrator(OrchestratorConfig{
		Identity:    testIdentity(t, "engine-dead", "Dead"),
		IncomingDir: t.TempDir(),
		Consent: ConsentDeciderFunc(func(context.Context, protocol.PeerIdentity) (bool, error) {
			return true, nil
		}),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	engine.started = true
	engine.discovered["peer-1"] = discovery.DiscoveredPeer{ID: "peer-1"}

	pc := dummyConnection(t, engine, "peer-1")
	engine.conns["peer-1"] = pc

	pc.setState(PeerConnectionState{Phase: PeerPhaseFailed, Reason: "read frame: broken pipe"})
	if got := engine.computeTargetLocked().Phase; got != PhasePeerFound {
		t.Fatalf("phase = %s, want PEER_FOUND while the only entry is dead", got)
	}

	pc.setState(PeerConnectionState{Phase: PeerPhaseConnected})
	if got := engine.computeTargetLocked().Phase; got != PhaseConnected {
		t.Fatalf("phase = %s, want CONNECTED", got)
	}
}

func TestConnectionCancelAbortsConsentPrompt(t *testing.T) {
	observer := newRecordingObserver()
	deciderDone := make(chan struct{})
	engine, err := NewOrchestrator(OrchestratorConfig{
		Identity:    testIdentity(t, "engine-host", "Host"),
		IncomingDir: t.TempDir(),
		Consent: ConsentDeciderFunc(func(ctx context.Context, _ protocol.PeerIdentity) (bool, error) {
			// A prompt the user never answers.
			<-ctx.Done()
			close(deciderDone)
			return false, ctx.Err()
		}),
		RequestTimeout: 2 * time.Second,
		ConsentTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	engine.RegisterObserver(observer)
	if err := engine.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(engine.Stop)

	conn, err := net.Dial("tcp", engine.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	session := NewTransportSession(conn)
	defer session.Close()

	initiator := testIdentity(t, "engine-guest", "Guest")
	_, ephemeralPub, err := appcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("ephemeral keypair: %v", err)
	}
	hello, err := buildHello(initiator, ephemeralPub)
	if err != nil {
		t.Fatalf("build hello: %v", err)
	}
	if err := session.Send(hello); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	if err := session.Send(protocol.NewMessage(protocol.TypeConnectionRequest, initiator.ID)); err != nil {
		t.Fatalf("send request: %v", err)
	}

	waitFor(t, 5*time.Second, "consent prompt to open", func() bool {
		return engine.State().Phase == PhaseIncomingRequest
	})

	// The initiator gives up; the prompt must come down without waiting out
	// the 30s consent window.
	if err := session.Send(protocol.NewMessage(protocol.TypeConnectionCancel, initiator.ID)); err != nil {
		t.Fatalf("send cancel: %v", err)
	}

	waitFor(t, 5*time.Second, "prompt teardown", func() bool {
		return engine.State().Phase == PhaseDiscovering
	})
	select {
	case <-deciderDone:
	case <-time.After(5 * time.Second):
		t.Fatal("consent decider context was not cancelled")
	}

	engine.mu.Lock()
	pending := engine.pendingConsent
	engine.mu.Unlock()
	if pending != "" {
		t.Fatalf("pendingConsent = %q, want cleared", pending)
	}
}

func TestSimultaneousConnectConvergesToOneConnection(t *testing.T) {
	// Both sides dial each other at once. The tie-break must leave exactly
	// one live connection per side, owned by the larger ID's attempt.
	smaller := newTestEngine(t, "engine-aa", true)
	larger := newTestEngine(t, "engine-zz", true)

	var wg sync.WaitGroup
	start := make(chan struct{})
	dial := func(e *testEngine, peer discovery.DiscoveredPeer) {
		defer wg.Done()
		<-start
		// ErrAlreadyConnected just means the other attempt won the race
		// outright before ours got going.
		if err := e.engine.Connect(peer); err != nil && !errors.Is(err, ErrAlreadyConnected) {
			t.Errorf("connect from %s: %v", e.engine.identity.ID, err)
		}
	}
	wg.Add(2)
	go dial(smaller, larger.asDiscoveredPeer(t, "engine-zz"))
	go dial(larger, smaller.asDiscoveredPeer(t, "engine-aa"))
	close(start)
	wg.Wait()

	waitFor(t, 10*time.Second, "aa to see zz", connectedTo(smaller, "engine-zz"))
	waitFor(t, 10*time.Second, "zz to see aa", connectedTo(larger, "engine-aa"))

	// Let any losing attempt finish resolving, then check for duplicates.
	waitFor(t, 5*time.Second, "registries to settle at one entry each", func() bool {
		smaller.engine.mu.Lock()
		aaConns, aaAttempts := len(smaller.engine.conns), len(smaller.engine.attempts)
		smaller.engine.mu.Unlock()
		larger.engine.mu.Lock()
		zzConns, zzAttempts := len(larger.engine.conns), len(larger.engine.attempts)
		larger.engine.mu.Unlock()
		return aaConns == 1 && zzConns == 1 && aaAttempts == 0 && zzAttempts == 0
	})

	// The surviving link carries traffic both ways.
	if _, err := smaller.engine.SendText("engine-zz", "hello from aa"); err != nil {
		t.Fatalf("send aa->zz: %v", err)
	}
	waitFor(t, 5*time.Second, "text delivery", func() bool {
		return larger.chat.firstOfType(protocol.TypeTextMessage) != nil
	})
}
