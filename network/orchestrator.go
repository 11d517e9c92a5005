package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appcrypto "lanlink/crypto"
	"lanlink/discovery"
	"lanlink/protocol"
	"lanlink/resilience"
	"lanlink/store"
)

const (
	// MaxConnections caps the peer registry size.
	MaxConnections = 5
	// DefaultRequestTimeout bounds an outgoing request awaiting the peer's
	// accept or reject.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultConsentTimeout bounds how long an incoming request waits for
	// the local user's decision.
	DefaultConsentTimeout = 30 * time.Second

	// rejectedRediscoverDelay is how long the engine lingers in the rejected
	// state before resuming discovery.
	rejectedRediscoverDelay = 3 * time.Second
)

var (
	ErrEngineStopped    = errors.New("network: engine not running")
	ErrRegistryFull     = errors.New("network: connection limit reached")
	ErrAlreadyConnected = errors.New("network: peer already connected")
	ErrBreakerOpen      = errors.New("network: circuit breaker open for peer")
	ErrAttemptInFlight  = errors.New("network: connection attempt already in flight")
	ErrPeerNotConnected = errors.New("network: peer not connected")
)

// rejectionError distinguishes an explicit peer rejection from a failure.
type rejectionError struct {
	reason string
}

func (e *rejectionError) Error() string {
	if e.reason == "" {
		return "connection rejected by peer"
	}
	return "connection rejected by peer: " + e.reason
}

// PeerDirectory persists known peers and their pinned public keys. Satisfied
// by *store.Store.
type PeerDirectory interface {
	PinnedKey(peerID string) (string, error)
	UpsertPeer(peer store.KnownPeer) error
}

// OrchestratorConfig wires the engine's collaborators. Identity, Consent,
// and IncomingDir are required; the rest are optional.
type OrchestratorConfig struct {
	Identity      LocalIdentity
	ListenAddress string
	IncomingDir   string

	Consent ConsentDecider
	Chat    ChatSink
	Calls   CallSink
	Storage StorageChecker

	Directory   PeerDirectory
	Coordinator *discovery.Coordinator

	RequestTimeout time.Duration
	ConsentTimeout time.Duration
}

// Orchestrator is the connection engine. It owns the listener, the discovery
// coordinator, the peer registry, the global state machine, and all handshake
// and dispatch logic. Collaborators observe it through ConnectionObserver and
// feed it through the sink interfaces.
type Orchestrator struct {
	identity    LocalIdentity
	incomingDir string

	consent   ConsentDecider
	chat      ChatSink
	calls     CallSink
	storage   StorageChecker
	directory PeerDirectory

	requestTimeout time.Duration
	consentTimeout time.Duration

	server      *Server
	coordinator *discovery.Coordinator
	breaker     *resilience.CircuitBreaker

	mu             sync.Mutex
	machine        *stateMachine
	conns          map[string]*PeerConnection
	attempts       map[string]string // peer id -> attempt generation
	retries        map[string]*resilience.RetryController
	discovered     map[string]discovery.DiscoveredPeer
	pendingConsent string // peer id of the single in-flight consent prompt
	batches        map[string]*outgoingBatch
	observers      []ConnectionObserver
	started        bool

	closed chan struct{}
	wg     sync.WaitGroup
}

// outgoingBatch queues files offered in one user action; they stream one at
// a time and the batch is bracketed with batch_start/batch_complete frames.
type outgoingBatch struct {
	id    string
	queue []*FileTransferSession
}

// NewOrchestrator validates the configuration and builds a stopped engine.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.Identity.validate(); err != nil {
		return nil, err
	}
	if cfg.Consent == nil {
		return nil, errors.New("network: a consent decider is required")
	}
	if cfg.IncomingDir == "" {
		return nil, errors.New("network: an incoming directory is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ConsentTimeout <= 0 {
		cfg.ConsentTimeout = DefaultConsentTimeout
	}

	return &Orchestrator{
		identity:       cfg.Identity,
		incomingDir:    cfg.IncomingDir,
		consent:        cfg.Consent,
		chat:           cfg.Chat,
		calls:          cfg.Calls,
		storage:        cfg.Storage,
		directory:      cfg.Directory,
		requestTimeout: cfg.RequestTimeout,
		consentTimeout: cfg.ConsentTimeout,
		coordinator:    cfg.Coordinator,
		breaker:        resilience.NewCircuitBreaker(),
		machine:        newStateMachine(),
		conns:          make(map[string]*PeerConnection),
		attempts:       make(map[string]string),
		retries:        make(map[string]*resilience.RetryController),
		discovered:     make(map[string]discovery.DiscoveredPeer),
		batches:        make(map[string]*outgoingBatch),
		closed:         make(chan struct{}),
	}, nil
}

// RegisterObserver adds an engine observer. Safe before and after Start.
func (o *Orchestrator) RegisterObserver(obs ConnectionObserver) {
	o.mu.Lock()
	o.observers = append(o.observers, obs)
	o.mu.Unlock()
}

// Start binds the listener, starts discovery, and moves to discovering.
func (o *Orchestrator) Start(listenAddress string) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("network: engine already started")
	}
	o.started = true
	o.mu.Unlock()

	server, err := Listen(listenAddress)
	if err != nil {
		return err
	}
	o.server = server

	if o.coordinator != nil {
		if err := o.coordinator.Start(); err != nil {
			server.Close()
			return fmt.Errorf("start discovery: %w", err)
		}
		o.wg.Add(1)
		go o.discoveryLoop()
	}

	o.wg.Add(1)
	go o.acceptLoop()

	o.transition(ConnectionState{Phase: PhaseDiscovering})
	logrus.WithFields(logrus.Fields{
		"peer_id": o.identity.ID,
		"address": server.Addr().String(),
	}).Info("connection engine started")
	return nil
}

// Stop tears down every connection, discovery, and the listener.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	close(o.closed)
	conns := make([]*PeerConnection, 0, len(o.conns))
	for _, pc := range o.conns {
		conns = append(conns, pc)
	}
	o.conns = make(map[string]*PeerConnection)
	o.attempts = make(map[string]string)
	o.mu.Unlock()

	for _, pc := range conns {
		_ = pc.Send(protocol.NewMessage(protocol.TypeDisconnect, o.identity.ID))
		pc.invalidate()
	}
	if o.coordinator != nil {
		o.coordinator.Stop()
	}
	if o.server != nil {
		o.server.Close()
	}
	o.wg.Wait()

	o.transition(ConnectionState{Phase: PhaseIdle})
	logrus.Info("connection engine stopped")
}

// EnterBackground withdraws the mDNS advertisement and pauses browsing while
// keeping established connections alive.
func (o *Orchestrator) EnterBackground() {
	if o.coordinator != nil {
		o.coordinator.Suspend()
	}
}

// EnterForeground re-registers the advertisement and resumes browsing.
func (o *Orchestrator) EnterForeground() error {
	if o.coordinator == nil {
		return nil
	}
	return o.coordinator.Resume()
}

// RefreshDiscovery forces an immediate re-scan on every backend.
func (o *Orchestrator) RefreshDiscovery(ctx context.Context) error {
	if o.coordinator == nil {
		return nil
	}
	return o.coordinator.Refresh(ctx)
}

// Addr returns the engine's listening address, nil before Start.
func (o *Orchestrator) Addr() net.Addr {
	if o.server == nil {
		return nil
	}
	return o.server.Addr()
}

// State returns the current engine-wide connection state.
func (o *Orchestrator) State() ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.current()
}

// ConnectedPeers lists the identities currently in the registry.
func (o *Orchestrator) ConnectedPeers() []protocol.PeerIdentity {
	o.mu.Lock()
	defer o.mu.Unlock()
	peers := make([]protocol.PeerIdentity, 0, len(o.conns))
	for _, pc := range o.conns {
		peers = append(peers, pc.Identity())
	}
	return peers
}

// DiscoveredPeers lists the current merged discovery snapshot.
func (o *Orchestrator) DiscoveredPeers() []discovery.DiscoveredPeer {
	o.mu.Lock()
	defer o.mu.Unlock()
	peers := make([]discovery.DiscoveredPeer, 0, len(o.discovered))
	for _, peer := range o.discovered {
		peers = append(peers, peer)
	}
	return peers
}

// Connect starts an outgoing connection attempt to a discovered peer.
func (o *Orchestrator) Connect(peer discovery.DiscoveredPeer) error {
	address := peer.Endpoint.DialAddress()
	if address == "" {
		return fmt.Errorf("network: peer %q has no dialable endpoint", peer.ID)
	}

	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return ErrEngineStopped
	}
	if peer.ID != "" {
		if _, ok := o.conns[peer.ID]; ok {
			o.mu.Unlock()
			return ErrAlreadyConnected
		}
		if _, ok := o.attempts[peer.ID]; ok {
			o.mu.Unlock()
			return ErrAttemptInFlight
		}
		if !o.breaker.ShouldAttemptConnection(peer.ID) {
			o.mu.Unlock()
			return ErrBreakerOpen
		}
	}
	if len(o.conns) >= MaxConnections {
		o.mu.Unlock()
		return ErrRegistryFull
	}

	gen := uuid.NewString()
	o.attempts[attemptKey(peer)] = gen
	changes := o.applyStateLocked(ConnectionState{Phase: PhaseRequesting})
	o.wg.Add(1)
	o.mu.Unlock()
	o.notifyStates(changes)

	go o.runOutgoing(peer, gen)
	return nil
}

// Disconnect cleanly closes the connection to one peer.
func (o *Orchestrator) Disconnect(peerID string) error {
	pc, err := o.connection(peerID)
	if err != nil {
		return err
	}
	_ = pc.Send(protocol.NewMessage(protocol.TypeDisconnect, o.identity.ID))
	return pc.Close()
}

func attemptKey(peer discovery.DiscoveredPeer) string {
	if peer.ID != "" {
		return peer.ID
	}
	return "manual|" + peer.Endpoint.DialAddress()
}

func (o *Orchestrator) connection(peerID string) (*PeerConnection, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pc, ok := o.conns[peerID]
	if !ok {
		return nil, ErrPeerNotConnected
	}
	return pc, nil
}

// --- discovery -------------------------------------------------------------

func (o *Orchestrator) discoveryLoop() {
	defer o.wg.Done()
	events := o.coordinator.Events()
	for {
		select {
		case <-o.closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			o.applyDiscoveryEvent(event)
		}
	}
}

func (o *Orchestrator) applyDiscoveryEvent(event discovery.Event) {
	key := event.Peer.ID
	if key == "" {
		key = "manual|" + event.Peer.Endpoint.DialAddress()
	}

	o.mu.Lock()
	switch event.Type {
	case discovery.EventPeerUpserted:
		if event.Peer.ID == o.identity.ID {
			o.mu.Unlock()
			return
		}
		o.discovered[key] = event.Peer
	case discovery.EventPeerRemoved:
		delete(o.discovered, key)
	}

	var changes []ConnectionState
	current := o.machine.current().Phase
	switch {
	case len(o.discovered) > 0 && current == PhaseDiscovering:
		changes = o.applyStateLocked(ConnectionState{Phase: PhasePeerFound})
	case len(o.discovered) == 0 && current == PhasePeerFound:
		changes = o.applyStateLocked(ConnectionState{Phase: PhaseDiscovering})
	}
	o.mu.Unlock()
	o.notifyStates(changes)
}

// --- outgoing handshake ------------------------------------------------------

func (o *Orchestrator) runOutgoing(peer discovery.DiscoveredPeer, gen string) {
	defer o.wg.Done()

	session, err := DialTransport(peer.Endpoint.DialAddress(), o.requestTimeout)
	if err != nil {
		o.finishOutgoing(peer, gen, nil, nil, err)
		return
	}

	verified, err := o.outgoingHandshake(session, peer)
	o.finishOutgoing(peer, gen, session, verified, err)
}

// outgoingHandshake drives the initiator side: hello and connection_request
// out, accept (or reject) plus the acceptor's hello back, then key agreement.
func (o *Orchestrator) outgoingHandshake(session *TransportSession, peer discovery.DiscoveredPeer) (*verifiedHello, error) {
	ephPrivate, ephPublic, err := appcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	hello, err := buildHello(o.identity, ephPublic)
	if err != nil {
		return nil, err
	}
	if err := session.Send(hello); err != nil {
		return nil, err
	}
	if err := session.Send(protocol.NewMessage(protocol.TypeConnectionRequest, o.identity.ID)); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout)
	defer cancel()

	msg, err := o.nextHandshakeMessage(ctx, session)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case protocol.TypeConnectionAccept:
	case protocol.TypeConnectionReject:
		reason := ""
		if msg.Reject != nil {
			reason = msg.Reject.Reason
		}
		return nil, &rejectionError{reason: reason}
	default:
		return nil, fmt.Errorf("%w: got %s awaiting accept", ErrUnexpectedMessage, msg.Type)
	}

	msg, err = o.nextHandshakeMessage(ctx, session)
	if err != nil {
		return nil, err
	}
	verified, err := verifyHello(msg, o.pinnedKey(msg.SenderID))
	if err != nil {
		return nil, err
	}
	if peer.ID != "" && verified.Identity.ID != peer.ID {
		return nil, fmt.Errorf("network: dialed peer %q but reached %q", peer.ID, verified.Identity.ID)
	}

	key, err := appcrypto.DeriveSessionKey(ephPrivate, verified.EphemeralKey, o.identity.ID, verified.Identity.ID)
	if err != nil {
		return nil, err
	}
	session.EnableEncryption(key)
	session.MarkEstablished()
	return verified, nil
}

// nextHandshakeMessage reads the next non-ping frame during a handshake.
func (o *Orchestrator) nextHandshakeMessage(ctx context.Context, session *TransportSession) (protocol.Message, error) {
	for {
		msg, err := session.Receive(ctx)
		if err != nil {
			return protocol.Message{}, err
		}
		if msg.Type == protocol.TypePing {
			_ = session.Send(protocol.NewMessage(protocol.TypePong, o.identity.ID))
			continue
		}
		return msg, nil
	}
}

// finishOutgoing resolves one attempt. A superseded generation discards the
// result silently; otherwise the outcome drives registration, the rejected
// pause, or failure bookkeeping with retry scheduling.
func (o *Orchestrator) finishOutgoing(peer discovery.DiscoveredPeer, gen string, session *TransportSession, verified *verifiedHello, handshakeErr error) {
	key := attemptKey(peer)

	o.mu.Lock()
	if o.attempts[key] != gen {
		o.mu.Unlock()
		if session != nil {
			session.Close()
		}
		return
	}
	delete(o.attempts, key)
	o.mu.Unlock()

	if handshakeErr == nil {
		o.mu.Lock()
		var changes []ConnectionState
		if o.machine.current().Phase == PhaseRequesting {
			changes = o.applyStateLocked(ConnectionState{Phase: PhaseConnecting})
		}
		o.mu.Unlock()
		o.notifyStates(changes)
		if err := o.register(verified, session, peer.Endpoint); err != nil {
			session.Close()
			o.recordAttemptFailure(peer, err)
		}
		return
	}

	var rejected *rejectionError
	if errors.As(handshakeErr, &rejected) {
		session.Close()
		logrus.WithFields(logrus.Fields{
			"peer_id": peer.ID,
			"reason":  rejected.reason,
		}).Info("connection request rejected")

		o.mu.Lock()
		var changes []ConnectionState
		if o.machine.current().Phase == PhaseRequesting {
			changes = o.applyStateLocked(ConnectionState{Phase: PhaseRejected, Reason: rejected.reason})
		}
		o.mu.Unlock()
		o.notifyStates(changes)
		o.scheduleRediscover()
		return
	}

	if session != nil {
		if errors.Is(handshakeErr, context.DeadlineExceeded) {
			// Best effort; the peer may still be showing the prompt.
			_ = session.Send(protocol.NewMessage(protocol.TypeConnectionCancel, o.identity.ID))
		}
		session.Close()
	}
	o.recordAttemptFailure(peer, handshakeErr)
}

func (o *Orchestrator) recordAttemptFailure(peer discovery.DiscoveredPeer, err error) {
	logrus.WithError(err).WithField("peer_id", peer.ID).Warn("connection attempt failed")
	if peer.ID != "" {
		o.breaker.RecordFailure(peer.ID)
	}

	// Only flip the global state when this attempt owned it; a failed
	// attempt toward an additional peer leaves an established engine alone.
	o.mu.Lock()
	var changes []ConnectionState
	if phase := o.machine.current().Phase; phase == PhaseRequesting || phase == PhaseConnecting {
		changes = append(changes, o.applyStateLocked(ConnectionState{Phase: PhaseFailed, Reason: err.Error()})...)
		changes = append(changes, o.applyStateLocked(o.computeTargetLocked())...)
	}
	o.mu.Unlock()

	o.notifyStates(changes)
	o.scheduleRetry(peer)
}

// scheduleRediscover resumes discovery a moment after a rejection, unless
// something else already moved the engine on.
func (o *Orchestrator) scheduleRediscover() {
	time.AfterFunc(rejectedRediscoverDelay, func() {
		o.mu.Lock()
		var changes []ConnectionState
		if o.machine.current().Phase == PhaseRejected {
			changes = o.applyStateLocked(o.computeTargetLocked())
		}
		o.mu.Unlock()
		o.notifyStates(changes)
	})
}

// scheduleRetry arms the per-peer backoff timer. The attempt fires only if
// the peer is still discovered, the breaker allows it, and the engine runs.
func (o *Orchestrator) scheduleRetry(peer discovery.DiscoveredPeer) {
	if peer.ID == "" {
		return
	}

	o.mu.Lock()
	rc, ok := o.retries[peer.ID]
	if !ok {
		rc = resilience.NewRetryController()
		o.retries[peer.ID] = rc
	}
	delay, more := rc.NextDelay()
	attempts := rc.Attempts()
	o.mu.Unlock()

	if !more {
		logrus.WithFields(logrus.Fields{
			"peer_id":  peer.ID,
			"attempts": attempts,
		}).Warn("reconnect attempts exhausted")
		return
	}

	logrus.WithFields(logrus.Fields{
		"peer_id": peer.ID,
		"delay":   delay,
	}).Debug("reconnect scheduled")

	time.AfterFunc(delay, func() {
		select {
		case <-o.closed:
			return
		default:
		}

		o.mu.Lock()
		latest, known := o.discovered[peer.ID]
		o.mu.Unlock()
		if !known {
			return
		}
		if err := o.Connect(latest); err != nil &&
			!errors.Is(err, ErrAlreadyConnected) && !errors.Is(err, ErrAttemptInFlight) {
			logrus.WithError(err).WithField("peer_id", peer.ID).Debug("reconnect attempt not started")
		}
	})
}

// --- incoming handshake ------------------------------------------------------

func (o *Orchestrator) acceptLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.closed:
			return
		case session, ok := <-o.server.Incoming():
			if !ok {
				return
			}
			o.wg.Add(1)
			go o.runIncoming(session)
		case err, ok := <-o.server.Errors():
			if !ok {
				return
			}
			logrus.WithError(err).Warn("listener accept error")
		}
	}
}

func (o *Orchestrator) runIncoming(session *TransportSession) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), o.requestTimeout)
	msg, err := o.nextHandshakeMessage(ctx, session)
	if err != nil {
		cancel()
		session.Close()
		return
	}
	verified, err := verifyHello(msg, o.pinnedKey(msg.SenderID))
	if err != nil {
		cancel()
		logrus.WithError(err).Warn("rejecting inbound connection: hello verification failed")
		session.Close()
		return
	}

	msg, err = o.nextHandshakeMessage(ctx, session)
	cancel()
	if err != nil || msg.Type != protocol.TypeConnectionRequest {
		session.Close()
		return
	}

	autoAccept, rejectReason := o.admitIncoming(verified.Identity.ID)
	if rejectReason != "" {
		o.sendReject(session, rejectReason)
		session.Close()
		return
	}

	accepted := autoAccept
	reason := ""
	if !accepted {
		var withdrawn bool
		accepted, reason, withdrawn = o.awaitConsent(session, verified.Identity)
		if withdrawn {
			o.clearPendingConsent(verified.Identity.ID)
			session.Close()
			o.recompute()
			return
		}
	}
	o.clearPendingConsent(verified.Identity.ID)

	if !accepted {
		o.sendReject(session, reason)
		session.Close()
		o.recompute()
		return
	}

	o.notifyStates(o.transitionStates(ConnectionState{Phase: PhaseConnecting}))

	if err := o.acceptIncoming(session, verified); err != nil {
		logrus.WithError(err).WithField("peer_id", verified.Identity.ID).Warn("incoming handshake failed")
		session.Close()

		o.mu.Lock()
		var changes []ConnectionState
		if phase := o.machine.current().Phase; phase == PhaseConnecting || phase == PhaseIncomingRequest {
			changes = append(changes, o.applyStateLocked(ConnectionState{Phase: PhaseFailed, Reason: err.Error()})...)
			changes = append(changes, o.applyStateLocked(o.computeTargetLocked())...)
		}
		o.mu.Unlock()
		o.notifyStates(changes)
	}
}

// awaitConsent runs the consent prompt while watching the session so an
// initiator that gives up waiting tears the prompt down immediately instead
// of leaving it up for the full consent timeout. withdrawn is true when the
// initiator sent a ConnectionCancel or the session died mid-prompt.
func (o *Orchestrator) awaitConsent(session *TransportSession, peer protocol.PeerIdentity) (accepted bool, reason string, withdrawn bool) {
	consentCtx, consentCancel := context.WithTimeout(context.Background(), o.consentTimeout)
	defer consentCancel()

	type consentOutcome struct {
		decision bool
		err      error
	}
	decisionCh := make(chan consentOutcome, 1)
	go func() {
		decision, err := o.consent.DecideConnection(consentCtx, peer)
		decisionCh <- consentOutcome{decision: decision, err: err}
	}()

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	withdrawnCh := make(chan struct{}, 1)
	go func() {
		for {
			msg, err := session.Receive(watchCtx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					withdrawnCh <- struct{}{}
				}
				return
			}
			switch msg.Type {
			case protocol.TypeConnectionCancel:
				withdrawnCh <- struct{}{}
				return
			case protocol.TypePing:
				_ = session.Send(protocol.NewMessage(protocol.TypePong, o.identity.ID))
			}
		}
	}()

	select {
	case out := <-decisionCh:
		switch {
		case errors.Is(out.err, context.DeadlineExceeded):
			return false, "request timed out", false
		case out.err != nil:
			logrus.WithError(out.err).Debug("consent decider failed")
			return false, "request declined", false
		case !out.decision:
			return false, "request declined", false
		default:
			return true, "", false
		}
	case <-consentCtx.Done():
		return false, "request timed out", false
	case <-withdrawnCh:
		logrus.WithField("peer_id", peer.ID).Debug("connection request withdrawn during consent prompt")
		return false, "", true
	}
}

// admitIncoming applies the simultaneous-connect tie-break, the registry
// limits, and the single-prompt rule. It returns autoAccept=true when this
// request supersedes our own cancelled attempt to the same peer, and a
// non-empty reason when the request must be rejected outright.
func (o *Orchestrator) admitIncoming(peerID string) (autoAccept bool, rejectReason string) {
	autoAccept, rejectReason, changes := o.admitIncomingLocked(peerID)
	o.notifyStates(changes)
	return autoAccept, rejectReason
}

func (o *Orchestrator) admitIncomingLocked(peerID string) (autoAccept bool, rejectReason string, changes []ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return false, "engine shutting down", nil
	}

	if _, inFlight := o.attempts[peerID]; inFlight {
		if o.identity.ID > peerID {
			// Our outgoing attempt wins the tie; the peer's own inbound
			// handler accepts ours.
			return false, "simultaneous connection", nil
		}
		// Their attempt wins. Invalidate ours and adopt theirs without a
		// second consent prompt.
		delete(o.attempts, peerID)
		autoAccept = true
	}

	if _, ok := o.conns[peerID]; ok {
		return false, "already connected", nil
	}
	if len(o.conns) >= MaxConnections {
		return false, "connection limit reached", nil
	}
	if o.pendingConsent != "" && o.pendingConsent != peerID {
		return false, "another request is pending", nil
	}

	o.pendingConsent = peerID
	changes = o.applyStateLocked(ConnectionState{Phase: PhaseIncomingRequest})
	return autoAccept, "", changes
}

func (o *Orchestrator) clearPendingConsent(peerID string) {
	o.mu.Lock()
	if o.pendingConsent == peerID {
		o.pendingConsent = ""
	}
	o.mu.Unlock()
}

// acceptIncoming drives the acceptor side: accept frame plus our hello out,
// then key agreement and registration.
func (o *Orchestrator) acceptIncoming(session *TransportSession, verified *verifiedHello) error {
	ephPrivate, ephPublic, err := appcrypto.GenerateEphemeralKeyPair()
	if err != nil {
		return err
	}

	if err := session.Send(protocol.NewMessage(protocol.TypeConnectionAccept, o.identity.ID)); err != nil {
		return err
	}
	hello, err := buildHello(o.identity, ephPublic)
	if err != nil {
		return err
	}
	if err := session.Send(hello); err != nil {
		return err
	}

	key, err := appcrypto.DeriveSessionKey(ephPrivate, verified.EphemeralKey, o.identity.ID, verified.Identity.ID)
	if err != nil {
		return err
	}
	session.EnableEncryption(key)
	session.MarkEstablished()

	return o.register(verified, session, discovery.Endpoint{})
}

func (o *Orchestrator) sendReject(session *TransportSession, reason string) {
	msg := protocol.NewMessage(protocol.TypeConnectionReject, o.identity.ID)
	msg.Reject = &protocol.RejectPayload{Reason: reason}
	_ = session.Send(msg)
}

// --- registry ----------------------------------------------------------------

// register places a handshaked session into the registry and starts its
// lifecycle loops.
func (o *Orchestrator) register(verified *verifiedHello, session *TransportSession, endpoint discovery.Endpoint) error {
	peerID := verified.Identity.ID

	pc := newPeerConnection(o.identity.ID, verified.Identity, session, connectionHooks{
		onMessage:     o.dispatch,
		onStateChange: o.notifyPeerState,
		onClosed:      o.handlePeerClosed,
	})

	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return ErrEngineStopped
	}
	if _, ok := o.conns[peerID]; ok {
		o.mu.Unlock()
		return ErrAlreadyConnected
	}
	if len(o.conns) >= MaxConnections {
		o.mu.Unlock()
		return ErrRegistryFull
	}
	o.conns[peerID] = pc
	delete(o.retries, peerID)
	o.breaker.RecordSuccess(peerID)
	changes := o.applyStateLocked(ConnectionState{Phase: PhaseConnected})
	o.mu.Unlock()

	pc.start()
	o.notifyStates(changes)
	o.persistPeer(verified, endpoint)

	logrus.WithFields(logrus.Fields{
		"peer_id":      peerID,
		"display_name": verified.Identity.DisplayName,
	}).Info("peer connected")
	return nil
}

func (o *Orchestrator) persistPeer(verified *verifiedHello, endpoint discovery.Endpoint) {
	if o.directory == nil {
		return
	}

	now := time.Now().Unix()
	peer := store.KnownPeer{
		PeerID:         verified.Identity.ID,
		DisplayName:    verified.Identity.DisplayName,
		PublicKey:      base64Key(verified.PublicKey),
		KeyFingerprint: appcrypto.KeyFingerprint(verified.PublicKey),
		LastHost:       endpoint.Host,
		LastPort:       endpoint.Port,
		AddedAt:        now,
		LastSeenAt:     now,
	}
	if err := o.directory.UpsertPeer(peer); err != nil {
		logrus.WithError(err).WithField("peer_id", peer.PeerID).Warn("persisting known peer failed")
	}
}

func (o *Orchestrator) pinnedKey(peerID string) string {
	if o.directory == nil || peerID == "" {
		return ""
	}
	key, err := o.directory.PinnedKey(peerID)
	if err != nil {
		logrus.WithError(err).WithField("peer_id", peerID).Debug("pinned key lookup failed")
		return ""
	}
	return key
}

// handlePeerClosed removes a finished connection from the registry and, on
// unclean failure, feeds the breaker and arms a reconnect.
func (o *Orchestrator) handlePeerClosed(pc *PeerConnection, err error) {
	peerID := pc.ID()

	o.mu.Lock()
	if o.conns[peerID] != pc {
		o.mu.Unlock()
		return
	}
	delete(o.conns, peerID)
	delete(o.batches, peerID)
	changes := o.applyStateLocked(o.computeTargetLocked())
	discoveredPeer, stillDiscovered := o.discovered[peerID]
	o.mu.Unlock()

	if ts := pc.TransferSession(); ts != nil {
		ts.fail("connection lost")
	}

	o.notifyStates(changes)
	o.notify(func(obs ConnectionObserver) { obs.OnDisconnected(peerID) })

	clean := pc.State().Phase == PeerPhaseDisconnected
	if clean {
		logrus.WithField("peer_id", peerID).Info("peer disconnected")
		return
	}

	logrus.WithError(err).WithField("peer_id", peerID).Warn("peer connection failed")
	o.breaker.RecordFailure(peerID)
	if stillDiscovered {
		o.scheduleRetry(discoveredPeer)
	}
}

// --- state -------------------------------------------------------------------

// computeTargetLocked derives the engine-wide state from the registry with
// the precedence transferring > voice call > connected > peer found >
// discovering.
func (o *Orchestrator) computeTargetLocked() ConnectionState {
	var (
		transferring bool
		progress     float64
		inCall       bool
		connected    bool
	)
	for _, pc := range o.conns {
		if !pc.State().IsConnected() {
			continue
		}
		connected = true
		if pc.Transferring() {
			transferring = true
			if ts := pc.TransferSession(); ts != nil {
				if p := ts.Progress(); p > progress {
					progress = p
				}
			}
		}
		if pc.ActiveCallID() != "" {
			inCall = true
		}
	}

	switch {
	case transferring:
		return ConnectionState{Phase: PhaseTransferring, Progress: progress}
	case inCall:
		return ConnectionState{Phase: PhaseVoiceCall}
	case connected:
		// A registry entry whose receive loop already failed but has not yet
		// deregistered must not count as connected.
		return ConnectionState{Phase: PhaseConnected}
	case len(o.discovered) > 0:
		return ConnectionState{Phase: PhasePeerFound}
	default:
		return ConnectionState{Phase: PhaseDiscovering}
	}
}

// routingHops are the intermediate phases the engine may pass through when
// the adjacency table lacks a direct edge to a computed target.
var routingHops = [][]ConnectionPhase{
	nil,
	{PhaseDisconnected},
	{PhaseDiscovering},
	{PhasePeerFound},
	{PhaseDiscovering, PhasePeerFound},
	{PhaseDisconnected, PhaseDiscovering},
	{PhaseDisconnected, PhaseDiscovering, PhasePeerFound},
}

func routeTo(current, target ConnectionPhase) []ConnectionPhase {
	for _, hops := range routingHops {
		path := make([]ConnectionPhase, 0, len(hops)+1)
		path = append(path, hops...)
		path = append(path, target)

		from := current
		valid := true
		for _, phase := range path {
			if !CanTransition(from, phase) {
				valid = false
				break
			}
			from = phase
		}
		if valid {
			return path
		}
	}
	return nil
}

// applyStateLocked moves the machine toward target, routing through
// disconnected and discovering when the adjacency table lacks a direct edge.
// It returns the state changes to report, in order.
func (o *Orchestrator) applyStateLocked(target ConnectionState) []ConnectionState {
	current := o.machine.current().Phase

	if current == target.Phase {
		if o.machine.transition(target) {
			return []ConnectionState{o.machine.current()}
		}
		return nil
	}

	path := routeTo(current, target.Phase)
	if path == nil {
		// Logged no-op.
		o.machine.transition(target)
		return nil
	}

	var changes []ConnectionState
	for _, phase := range path[:len(path)-1] {
		if o.machine.transition(ConnectionState{Phase: phase}) {
			changes = append(changes, o.machine.current())
		}
	}
	if o.machine.transition(target) {
		changes = append(changes, o.machine.current())
	}
	return changes
}

func (o *Orchestrator) transition(target ConnectionState) {
	o.notifyStates(o.transitionStates(target))
}

func (o *Orchestrator) transitionStates(target ConnectionState) []ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.applyStateLocked(target)
}

// recompute re-derives and applies the engine-wide state.
func (o *Orchestrator) recompute() {
	o.mu.Lock()
	changes := o.applyStateLocked(o.computeTargetLocked())
	o.mu.Unlock()
	o.notifyStates(changes)
}

// --- observers -----------------------------------------------------------------

func (o *Orchestrator) notify(fn func(ConnectionObserver)) {
	o.mu.Lock()
	observers := make([]ConnectionObserver, len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()

	for _, obs := range observers {
		fn(obs)
	}
}

func (o *Orchestrator) notifyStates(states []ConnectionState) {
	for _, state := range states {
		s := state
		o.notify(func(obs ConnectionObserver) { obs.OnStateChange(s) })
	}
}

func (o *Orchestrator) notifyPeerState(peerID string, state PeerConnectionState) {
	o.notify(func(obs ConnectionObserver) { obs.OnPeerConnectionChange(peerID, state) })
}
