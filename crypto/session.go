package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralKeyPair creates a fresh X25519 keypair for one handshake.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 keypair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParsePeerEphemeralKey parses raw X25519 public key bytes received in a handshake.
func ParsePeerEphemeralKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse peer X25519 public key: %w", err)
	}
	return publicKey, nil
}

// DeriveSessionKey computes the shared AES-256 session key for one connection.
//
// The HKDF info binds the key to the unordered peer-id pair so both sides
// derive the same key independent of who initiated.
func DeriveSessionKey(localPrivate *ecdh.PrivateKey, peerPublic *ecdh.PublicKey, peerIDA, peerIDB string) ([]byte, error) {
	if localPrivate == nil || peerPublic == nil {
		return nil, errors.New("ephemeral keys are required")
	}

	sharedSecret, err := localPrivate.ECDH(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	low, high := peerIDA, peerIDB
	if low > high {
		low, high = high, low
	}
	info := []byte("lanlink-session|" + low + "|" + high)

	key := make([]byte, sessionKeySize)
	reader := hkdf.New(sha256.New, sharedSecret, nil, info)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM and returns nonce||ciphertext.
func Seal(sessionKey, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func Open(sessionKey, sealed []byte) ([]byte, error) {
	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) <= aead.NonceSize() {
		return nil, errors.New("sealed payload too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}
	return plaintext, nil
}

func newAEAD(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != sessionKeySize {
		return nil, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), sessionKeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
