package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"lanlink/config"
	"lanlink/crypto"
	"lanlink/discovery"
	"lanlink/network"
	"lanlink/protocol"
	"lanlink/store"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while loading config")
	}
	dataDir := filepath.Dir(cfgPath)

	privateKey, publicKey, err := crypto.EnsureIdentityKeyPair(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while preparing identity keypair")
	}

	fingerprint := crypto.KeyFingerprint(publicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			logrus.WithError(err).Fatal("startup failed while persisting key fingerprint")
		}
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DisplayName)
	fmt.Printf("Fingerprint:     %s\n", cfg.KeyFingerprint)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	peerStore, err := store.Open(cfg.StorePath)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while opening peer database")
	}
	defer func() {
		if err := peerStore.Close(); err != nil {
			logrus.WithError(err).Warn("peer database close error")
		}
	}()

	listenPort := 0
	if cfg.PortMode == config.PortModeFixed {
		listenPort = cfg.ListeningPort
	}

	mdns, err := discovery.NewMDNSBackend(discovery.MDNSConfig{
		SelfID:         cfg.DeviceID,
		DisplayName:    cfg.DisplayName,
		ListeningPort:  listenPortOrDefault(listenPort),
		KeyFingerprint: cfg.KeyFingerprint,
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while preparing mDNS discovery")
	}
	coordinator, err := discovery.NewCoordinator(mdns, discovery.NewManualBackend())
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while preparing discovery")
	}

	engine, err := network.NewOrchestrator(network.OrchestratorConfig{
		Identity: network.LocalIdentity{
			ID:          cfg.DeviceID,
			DisplayName: cfg.DisplayName,
			PrivateKey:  privateKey,
			PublicKey:   publicKey,
		},
		IncomingDir: config.IncomingDir(dataDir),
		Consent:     network.ConsentDeciderFunc(logAndAccept),
		Chat:        chatLogger{},
		Calls:       callLogger{},
		Storage:     network.DiskSpaceChecker{},
		Directory:   peerStore,
		Coordinator: coordinator,
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while building the connection engine")
	}
	engine.RegisterObserver(engineLogger{})

	if err := engine.Start(fmt.Sprintf(":%d", listenPort)); err != nil {
		logrus.WithError(err).Fatal("startup failed while starting the connection engine")
	}
	defer engine.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func listenPortOrDefault(port int) int {
	if port > 0 {
		return port
	}
	return config.DefaultListeningPort
}

// logAndAccept greets every incoming request; a real frontend would prompt.
func logAndAccept(_ context.Context, peer protocol.PeerIdentity) (bool, error) {
	logrus.WithFields(logrus.Fields{
		"peer_id":      peer.ID,
		"display_name": peer.DisplayName,
	}).Info("accepting incoming connection request")
	return true, nil
}

type chatLogger struct{}

func (chatLogger) ConsumeChat(msg protocol.Message, fromPeerID string) {
	if msg.Type == protocol.TypeTextMessage && msg.Chat != nil {
		fmt.Printf("[%s] %s\n", fromPeerID, msg.Chat.Content)
		return
	}
	logrus.WithFields(logrus.Fields{
		"peer_id": fromPeerID,
		"type":    msg.Type,
	}).Debug("chat event")
}

type callLogger struct{}

func (callLogger) ConsumeSignal(msg protocol.Message, fromPeerID string) {
	logrus.WithFields(logrus.Fields{
		"peer_id": fromPeerID,
		"type":    msg.Type,
	}).Info("call signaling event")
}

type engineLogger struct{}

func (engineLogger) OnStateChange(state network.ConnectionState) {
	logrus.WithField("state", state.String()).Info("engine state")
}

func (engineLogger) OnPeerConnectionChange(peerID string, state network.PeerConnectionState) {
	logrus.WithFields(logrus.Fields{
		"peer_id": peerID,
		"phase":   state.Phase,
	}).Info("peer state")
}

func (engineLogger) OnMessageReceived(msg protocol.Message, fromPeerID string) {
	logrus.WithFields(logrus.Fields{
		"peer_id": fromPeerID,
		"type":    msg.Type,
	}).Debug("message received")
}

func (engineLogger) OnTransferProgress(peerID string, fraction float64) {
	logrus.WithFields(logrus.Fields{
		"peer_id":  peerID,
		"progress": fmt.Sprintf("%.0f%%", fraction*100),
	}).Info("transfer progress")
}

func (engineLogger) OnDisconnected(peerID string) {
	logrus.WithField("peer_id", peerID).Info("peer disconnected")
}
