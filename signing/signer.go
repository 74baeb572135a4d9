package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Signer produces server signatures without exposing where the private key lives.
type Signer interface {
	Sign(ctx context.Context, data []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
	KeyID() string
}

// Ed25519Signer keeps the private key in process memory. It is read-only
// after construction and safe for concurrent use.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Signer generates an ephemeral key pair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{priv: priv, pub: pub, keyID: KeyID(pub)}, nil
}

// NewEd25519SignerFromSeed builds a signer from a hex-encoded 32-byte seed,
// as delivered by the external secret store.
func NewEd25519SignerFromSeed(seedHex string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, fmt.Errorf("%w: decode seed: %v", ErrSignatureFailure, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrSignatureFailure, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{priv: priv, pub: pub, keyID: KeyID(pub)}, nil
}

func (s *Ed25519Signer) Sign(_ context.Context, data []byte) ([]byte, error) {
	return Sign(data, s.priv)
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

func (s *Ed25519Signer) KeyID() string {
	return s.keyID
}

// PublicKeyHex returns the hex encoding of the signer's public key.
func PublicKeyHex(s Signer) string {
	return hex.EncodeToString(s.PublicKey())
}

// Keyring resolves the public keys that verification accepts, by key id.
type Keyring map[string]ed25519.PublicKey

// NewKeyring builds a keyring holding the given public keys.
func NewKeyring(keys ...ed25519.PublicKey) Keyring {
	kr := make(Keyring, len(keys))
	for _, k := range keys {
		kr[KeyID(k)] = k
	}
	return kr
}

// Lookup returns the key registered under id.
func (k Keyring) Lookup(id string) (ed25519.PublicKey, bool) {
	pub, ok := k[id]
	return pub, ok
}
