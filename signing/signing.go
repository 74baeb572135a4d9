// Package signing wraps the hash and signature primitives used by the ledger.
// It performs no I/O; key custody lives behind the Signer interface.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DigestSize is the byte length of a ledger hash.
const DigestSize = sha256.Size

// Algorithm names the signature scheme recorded alongside public keys.
const Algorithm = "ed25519"

var (
	// ErrSignatureFailure signals malformed key material or a failed signing attempt.
	ErrSignatureFailure = errors.New("signing: signature failure")
	// ErrInvalidPublicKey signals a structurally invalid public key.
	ErrInvalidPublicKey = errors.New("signing: invalid public key")
)

// GenesisHash is the predecessor hash of the first ledger entry: DigestSize zero bytes, hex encoded.
var GenesisHash = strings.Repeat("0", DigestSize*2)

// Digest is a SHA-256 hash.
type Digest [DigestSize]byte

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) Digest {
	return sha256.Sum256(data)
}

// GenerateKeyPair produces a fresh Ed25519 key pair.
func GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate key: %v", ErrSignatureFailure, err)
	}
	return priv, pub, nil
}

// Sign signs the exact input bytes. Ed25519 is deterministic so the same
// key and data always produce the same signature.
func Sign(data []byte, priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrSignatureFailure, ed25519.PrivateKeySize, len(priv))
	}
	return ed25519.Sign(priv, data), nil
}

// Verify reports whether sig is a valid signature of data under pub.
// A malformed or mismatched signature yields false without an error; only a
// wrong-length public key is reported as an error.
func Verify(data, sig []byte, pub ed25519.PublicKey) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(pub))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, data, sig), nil
}

// VerifyHex is Verify over a hex-encoded signature. Undecodable hex is a
// malformed signature and yields false.
func VerifyHex(data []byte, sigHex string, pub ed25519.PublicKey) (bool, error) {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		if len(pub) != ed25519.PublicKeySize {
			return false, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(pub))
		}
		return false, nil
	}
	return Verify(data, sig, pub)
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// KeyID derives a stable identifier for a public key: the first 16 hex
// characters of its SHA-256 fingerprint.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}
