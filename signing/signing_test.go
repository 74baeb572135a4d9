package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("batch-42"))
	b := Hash([]byte("batch-42"))
	c := Hash([]byte("batch-43"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.Hex(), DigestSize*2)
}

func TestGenesisHash_IsAllZeroDigestLength(t *testing.T) {
	require.Len(t, GenesisHash, DigestSize*2)
	assert.Equal(t, strings.Repeat("0", 64), GenesisHash)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("prev|actor|STEP_SIGN|{}|1700000000000")
	sig, err := Sign(data, priv)
	require.NoError(t, err)

	again, err := Sign(data, priv)
	require.NoError(t, err)
	assert.Equal(t, sig, again, "ed25519 signatures are deterministic")

	ok, err := Verify(data, sig, pub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("tampered"), sig, pub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_MalformedSignatureIsFalseNotError(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	ok, err := Verify([]byte("data"), []byte{0x01, 0x02}, pub)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifyHex([]byte("data"), "not-hex", pub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_WrongLengthKeyIsError(t *testing.T) {
	_, err := Verify([]byte("data"), make([]byte, ed25519.SignatureSize), ed25519.PublicKey{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPublicKey))
}

func TestSign_WrongLengthKeyIsSignatureFailure(t *testing.T) {
	_, err := Sign([]byte("data"), ed25519.PrivateKey{1, 2, 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignatureFailure)
}

func TestEd25519SignerFromSeed(t *testing.T) {
	seed := strings.Repeat("ab", ed25519.SeedSize)
	s1, err := NewEd25519SignerFromSeed(seed)
	require.NoError(t, err)
	s2, err := NewEd25519SignerFromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, s1.KeyID(), s2.KeyID())
	assert.Equal(t, hex.EncodeToString(s1.PublicKey()), PublicKeyHex(s2))

	sig, err := s1.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)
	ok, err := Verify([]byte("payload"), sig, s2.PublicKey())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewEd25519SignerFromSeed("abcd")
	assert.ErrorIs(t, err, ErrSignatureFailure)
	_, err = NewEd25519SignerFromSeed("zz")
	assert.ErrorIs(t, err, ErrSignatureFailure)
}

func TestKeyringAndParsePublicKey(t *testing.T) {
	signer, err := NewEd25519Signer()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(PublicKeyHex(signer))
	require.NoError(t, err)

	kr := NewKeyring(parsed)
	got, ok := kr.Lookup(signer.KeyID())
	require.True(t, ok)
	assert.Equal(t, signer.PublicKey(), got)

	_, ok = kr.Lookup("missing")
	assert.False(t, ok)

	_, err = ParsePublicKey("abcd")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}
