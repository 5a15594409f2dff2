package keychain

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Keychain {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keychain.db")
	k, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestGetGeneratesAndPersistsKeyPair(t *testing.T) {
	k := openTemp(t)

	kp1, err := k.Get("doc1")
	require.NoError(t, err)
	assert.NotEqual(t, [32]byte{}, kp1.PublicKey)

	kp2, err := k.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, kp1, kp2)
}

func TestGetIsPerDocument(t *testing.T) {
	k := openTemp(t)

	kp1, err := k.Get("doc1")
	require.NoError(t, err)
	kp2, err := k.Get("doc2")
	require.NoError(t, err)

	assert.NotEqual(t, kp1.PublicKey, kp2.PublicKey)
}

func TestDiscoveryIDIsStableAndKeyless(t *testing.T) {
	k := openTemp(t)

	id1, err := k.DiscoveryID("doc1")
	require.NoError(t, err)
	id2, err := k.DiscoveryID("doc1")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	kp, err := k.Get("doc1")
	require.NoError(t, err)
	assert.NotContains(t, id1, string(kp.PublicKey[:]))
}

func TestKnownDocumentIDs(t *testing.T) {
	k := openTemp(t)
	_, err := k.Get("doc1")
	require.NoError(t, err)
	_, err = k.Get("doc2")
	require.NoError(t, err)

	ids, err := k.KnownDocumentIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc1", "doc2"}, ids)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openTemp(t)
	kp, err := src.Get("doc1")
	require.NoError(t, err)

	bundle, err := src.Export("doc1")
	require.NoError(t, err)

	dst := openTemp(t)
	require.NoError(t, dst.Import(bundle))

	imported, err := dst.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, kp, imported)
}

func TestExportUnknownDocumentFails(t *testing.T) {
	k := openTemp(t)
	_, err := k.Export("nonexistent")
	assert.Error(t, err)
}

func TestImportMalformedBundleFails(t *testing.T) {
	k := openTemp(t)
	err := k.Import(Bundle{DocumentID: "doc1", PublicKey: "not-base64!!", SecretKey: "also-not"})
	assert.Error(t, err)
}
