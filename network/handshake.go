package network

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	appcrypto "lanlink/crypto"
	"lanlink/protocol"
)

var (
	// ErrKeyChanged indicates a known peer presented a different public key.
	ErrKeyChanged = errors.New("network: peer public key changed")
	// ErrInvalidSignature indicates hello signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid hello signature")
	// ErrUnexpectedMessage indicates a protocol violation during handshake.
	ErrUnexpectedMessage = errors.New("network: unexpected handshake message")
)

// LocalIdentity contains the local device values required for handshakes.
type LocalIdentity struct {
	ID          string
	DisplayName string
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
}

func (id LocalIdentity) validate() error {
	if id.ID == "" {
		return errors.New("local peer ID is required")
	}
	if id.DisplayName == "" {
		return errors.New("local display name is required")
	}
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is invalid")
	}
	if len(id.PublicKey) != ed25519.PublicKeySize {
		return errors.New("local Ed25519 public key is invalid")
	}
	return nil
}

// PeerIdentity returns the wire representation of the local identity.
func (id LocalIdentity) PeerIdentity() protocol.PeerIdentity {
	return protocol.PeerIdentity{
		ID:                     id.ID,
		DisplayName:            id.DisplayName,
		CertificateFingerprint: appcrypto.KeyFingerprint(id.PublicKey),
	}
}

// buildHello creates the signed hello message for one handshake attempt.
func buildHello(identity LocalIdentity, ephemeralPublicKey *ecdh.PublicKey) (protocol.Message, error) {
	msg := protocol.NewMessage(protocol.TypeHello, identity.ID)
	msg.Hello = &protocol.HelloPayload{
		Identity:     identity.PeerIdentity(),
		PublicKey:    base64.StdEncoding.EncodeToString(identity.PublicKey),
		EphemeralKey: base64.StdEncoding.EncodeToString(ephemeralPublicKey.Bytes()),
	}

	signable, err := helloSignable(msg)
	if err != nil {
		return protocol.Message{}, err
	}
	signature, err := appcrypto.Sign(identity.PrivateKey, signable)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("sign hello: %w", err)
	}
	msg.Hello.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// verifiedHello holds the authenticated contents of a received hello.
type verifiedHello struct {
	Identity     protocol.PeerIdentity
	PublicKey    ed25519.PublicKey
	EphemeralKey *ecdh.PublicKey
}

// verifyHello authenticates a received hello against the protocol version and
// an optional pinned key for the sender (trust on first use).
func verifyHello(msg protocol.Message, pinnedKeyBase64 string) (*verifiedHello, error) {
	if msg.Type != protocol.TypeHello || msg.Hello == nil {
		return nil, ErrUnexpectedMessage
	}
	if msg.ProtocolVersion != protocol.ProtocolVersion {
		return nil, protocol.ErrVersionMismatch
	}
	hello := msg.Hello
	if hello.Identity.ID == "" || hello.Identity.ID != msg.SenderID {
		return nil, fmt.Errorf("hello identity mismatch: %q vs sender %q", hello.Identity.ID, msg.SenderID)
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(hello.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode hello public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid hello public key size")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	if pinnedKeyBase64 != "" && pinnedKeyBase64 != hello.PublicKey {
		return nil, ErrKeyChanged
	}

	if hello.Identity.CertificateFingerprint != "" &&
		hello.Identity.CertificateFingerprint != appcrypto.KeyFingerprint(publicKey) {
		return nil, errors.New("hello fingerprint does not match public key")
	}

	signature, err := base64.StdEncoding.DecodeString(hello.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode hello signature: %w", err)
	}
	signable, err := helloSignable(msg)
	if err != nil {
		return nil, err
	}
	if !appcrypto.Verify(publicKey, signable, signature) {
		return nil, ErrInvalidSignature
	}

	ephemeralRaw, err := base64.StdEncoding.DecodeString(hello.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("decode hello ephemeral key: %w", err)
	}
	ephemeralKey, err := appcrypto.ParsePeerEphemeralKey(ephemeralRaw)
	if err != nil {
		return nil, err
	}

	return &verifiedHello{
		Identity:     hello.Identity,
		PublicKey:    publicKey,
		EphemeralKey: ephemeralKey,
	}, nil
}

// helloSignable marshals the hello envelope with its signature cleared.
func helloSignable(msg protocol.Message) ([]byte, error) {
	clone := msg
	payload := *msg.Hello
	payload.Signature = ""
	clone.Hello = &payload

	signable, err := json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	return signable, nil
}
