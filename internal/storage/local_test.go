package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/database"
)

func newSigner(t *testing.T) *auth.EthSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return auth.NewEthSigner(key)
}

func signed(t *testing.T, s auth.Signer) auth.Proof {
	t.Helper()
	p, err := s.Sign(auth.BuildMessage(s.Ref(), "storage-test", time.Now()))
	require.NoError(t, err)
	return p
}

func newLocalClient(t *testing.T) *LocalClient {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	c, err := NewLocalClient(db, "correct horse battery staple", auth.NewVerifier(nil))
	require.NoError(t, err)
	c.scryptN = 1 << 10
	return c
}

func TestNewLocalClientRequiresSecret(t *testing.T) {
	_, err := NewLocalClient(nil, "", auth.NewVerifier(nil))
	assert.Error(t, err)
}

func TestLocalUploadDownload(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	owner := newSigner(t)

	res, err := c.EncryptAndUpload(ctx, []byte("proof payload"), owner.Ref(), signed(t, owner))
	require.NoError(t, err)
	assert.Len(t, res.ContentID, 64)
	assert.Contains(t, res.AccessCondition, owner.Ref())

	payload, err := c.DecryptAndDownload(ctx, res.ContentID, strings.ToUpper(owner.Ref()[2:]))
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Nil(t, payload)

	payload, err = c.DecryptAndDownload(ctx, res.ContentID, owner.Ref())
	require.NoError(t, err)
	assert.Equal(t, "proof payload", string(payload))
}

func TestLocalCiphertextIsNotPlaintext(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	owner := newSigner(t)

	res, err := c.EncryptAndUpload(ctx, []byte("secret email body"), owner.Ref(), signed(t, owner))
	require.NoError(t, err)

	var obj database.StoredObject
	require.NoError(t, c.db.Where("content_id = ?", res.ContentID).First(&obj).Error)
	assert.NotContains(t, string(obj.Ciphertext), "secret email body")
	assert.Len(t, obj.Salt, saltSize)
	assert.Len(t, obj.Nonce, nonceSize)
}

func TestLocalUploadRequiresOwnerSignature(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	owner := newSigner(t)
	other := newSigner(t)

	_, err := c.EncryptAndUpload(ctx, []byte("x"), owner.Ref(), signed(t, other))
	assert.ErrorIs(t, err, auth.ErrSignerMismatch)

	_, err = c.EncryptAndUpload(ctx, nil, owner.Ref(), signed(t, owner))
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestLocalShareExtendsAccess(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	owner := newSigner(t)
	buyer := newSigner(t)
	proof := signed(t, owner)

	res, err := c.EncryptAndUpload(ctx, []byte("data"), owner.Ref(), proof)
	require.NoError(t, err)

	allowed, err := c.CheckAccess(ctx, res.ContentID, buyer.Ref())
	require.NoError(t, err)
	assert.False(t, allowed)

	ok, err := c.ShareAccess(ctx, res.ContentID, []string{buyer.Ref(), buyer.Ref(), ""}, owner.Ref(), proof)
	require.NoError(t, err)
	assert.True(t, ok)

	// Sharing twice is harmless.
	ok, err = c.ShareAccess(ctx, res.ContentID, []string{buyer.Ref()}, owner.Ref(), proof)
	require.NoError(t, err)
	assert.True(t, ok)

	allowed, err = c.CheckAccess(ctx, res.ContentID, buyer.Ref())
	require.NoError(t, err)
	assert.True(t, allowed)

	payload, err := c.DecryptAndDownload(ctx, res.ContentID, buyer.Ref())
	require.NoError(t, err)
	assert.Equal(t, "data", string(payload))
}

func TestLocalShareOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	owner := newSigner(t)
	other := newSigner(t)

	res, err := c.EncryptAndUpload(ctx, []byte("data"), owner.Ref(), signed(t, owner))
	require.NoError(t, err)

	_, err = c.ShareAccess(ctx, res.ContentID, []string{other.Ref()}, other.Ref(), signed(t, other))
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestLocalUnknownObject(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)

	_, err := c.CheckAccess(ctx, strings.Repeat("0", 64), "someone")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.DecryptAndDownload(ctx, "not-a-cid", "someone")
	assert.ErrorIs(t, err, ErrNotFound)
}
