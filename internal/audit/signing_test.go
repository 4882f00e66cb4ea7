package audit

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPairSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "journal.pub")
	privPath := filepath.Join(dir, "journal.priv")

	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, SaveKeyPair(pub, priv, pubPath, privPath))

	loadedPub, err := LoadPublicKey(pubPath)
	require.NoError(t, err)
	require.Equal(t, pub, loadedPub)

	loadedPriv, err := LoadPrivateKey(privPath)
	require.NoError(t, err)
	require.Equal(t, priv, loadedPriv)
}

func TestEnsureKeyPairGeneratesOnce(t *testing.T) {
	dir := t.TempDir()
	pubPath := filepath.Join(dir, "journal.pub")
	privPath := filepath.Join(dir, "journal.priv")

	pub, _, generated, err := EnsureKeyPair(pubPath, privPath)
	require.NoError(t, err)
	require.True(t, generated)

	again, _, generated, err := EnsureKeyPair(pubPath, privPath)
	require.NoError(t, err)
	require.False(t, generated)
	require.Equal(t, pub, again)
}

func TestVerifySignature(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("entry-hash")
	sig := hex.EncodeToString(ed25519.Sign(priv, data))

	ok, err := VerifySignature(pub, data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifySignature(pub, []byte("other"), sig)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = VerifySignatureFromHex(hex.EncodeToString(pub), data, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLoadPrivateKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.priv")
	require.NoError(t, os.WriteFile(path, []byte("not-hex"), 0o600))
	_, err := LoadPrivateKey(path)
	require.Error(t, err)
}
