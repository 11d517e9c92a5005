package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// pemKeyFile binds one on-disk PEM file to the key size and permissions it
// must carry.
type pemKeyFile struct {
	path    string
	pemType string
	keySize int
	mode    os.FileMode
}

func privateKeyFile(path string) pemKeyFile {
	return pemKeyFile{path: path, pemType: "ED25519 PRIVATE KEY", keySize: ed25519.PrivateKeySize, mode: 0o600}
}

func publicKeyFile(path string) pemKeyFile {
	return pemKeyFile{path: path, pemType: "ED25519 PUBLIC KEY", keySize: ed25519.PublicKeySize, mode: 0o644}
}

func (f pemKeyFile) load() ([]byte, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", f.path, err)
	}

	block, _ := pem.Decode(raw)
	switch {
	case block == nil:
		return nil, fmt.Errorf("decode %q: no PEM block", f.path)
	case block.Type != f.pemType:
		return nil, fmt.Errorf("decode %q: unexpected type %q", f.path, block.Type)
	case len(block.Bytes) != f.keySize:
		return nil, fmt.Errorf("decode %q: invalid key size %d", f.path, len(block.Bytes))
	}
	return block.Bytes, nil
}

func (f pemKeyFile) save(key []byte) error {
	raw := pem.EncodeToMemory(&pem.Block{Type: f.pemType, Bytes: key})
	if err := os.WriteFile(f.path, raw, f.mode); err != nil {
		return fmt.Errorf("write %q: %w", f.path, err)
	}
	return nil
}

// EnsureIdentityKeyPair loads the device Ed25519 keypair from disk, generating
// it on first run. A missing or mismatched public key file is rewritten from
// the private key, which is the single source of truth.
func EnsureIdentityKeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privFile := privateKeyFile(privatePath)
	pubFile := publicKeyFile(publicPath)

	keyBytes, err := privFile.load()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return generateIdentity(privFile, pubFile)
	case err != nil:
		return nil, nil, err
	}

	privateKey := ed25519.PrivateKey(keyBytes)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	if stored, err := pubFile.load(); err != nil || !bytes.Equal(stored, publicKey) {
		if err := pubFile.save(publicKey); err != nil {
			return nil, nil, err
		}
	}
	return privateKey, publicKey, nil
}

func generateIdentity(privFile, pubFile pemKeyFile) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := privFile.save(privateKey); err != nil {
		return nil, nil, err
	}
	if err := pubFile.save(publicKey); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// LoadIdentityPrivateKey reads an Ed25519 private key from PEM.
func LoadIdentityPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyBytes, err := privateKeyFile(path).load()
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// LoadIdentityPublicKey reads an Ed25519 public key from PEM.
func LoadIdentityPublicKey(path string) (ed25519.PublicKey, error) {
	keyBytes, err := publicKeyFile(path).load()
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(keyBytes), nil
}

// Sign signs data using an Ed25519 identity private key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, data, signature)
}

// KeyFingerprint returns a short hex SHA-256 fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}
