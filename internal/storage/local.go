package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/database"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

const (
	saltSize  = 32
	nonceSize = 12
	keySize   = 32

	defaultScryptN = 1 << 15
)

// LocalClient keeps sealed objects and their access lists in SQLite. Each
// object is encrypted with AES-256-GCM under a key derived by scrypt from the
// master secret and a per-object salt.
type LocalClient struct {
	db       *gorm.DB
	secret   []byte
	verifier *auth.Verifier
	scryptN  int
}

func NewLocalClient(db *gorm.DB, masterSecret string, verifier *auth.Verifier) (*LocalClient, error) {
	if masterSecret == "" {
		return nil, errors.New("storage master secret is not configured")
	}
	if verifier == nil {
		return nil, errors.New("a signature verifier is required")
	}
	return &LocalClient{
		db:       db,
		secret:   []byte(masterSecret),
		verifier: verifier,
		scryptN:  defaultScryptN,
	}, nil
}

func (c *LocalClient) deriveKey(salt []byte) ([]byte, error) {
	return scrypt.Key(c.secret, salt, c.scryptN, 8, 1, keySize)
}

func (c *LocalClient) seal(payload []byte) (salt, nonce, ciphertext []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, nonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}

	key, err := c.deriveKey(salt)
	if err != nil {
		return nil, nil, nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, err
	}
	return salt, nonce, aesgcm.Seal(nil, nonce, payload, nil), nil
}

func (c *LocalClient) open(obj *database.StoredObject) ([]byte, error) {
	key, err := c.deriveKey(obj.Salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, obj.Nonce, obj.Ciphertext, nil)
}

func (c *LocalClient) EncryptAndUpload(ctx context.Context, payload []byte, ownerRef string, authProof auth.Proof) (*UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	owner := auth.NormalizeRef(ownerRef)
	if err := c.verifier.CheckSignature(owner, authProof); err != nil {
		return nil, fmt.Errorf("upload not authorized: %w", err)
	}

	salt, nonce, ciphertext, err := c.seal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	digest := sha256.New()
	digest.Write(salt)
	digest.Write(nonce)
	digest.Write(ciphertext)
	contentID := hex.EncodeToString(digest.Sum(nil))

	obj := database.StoredObject{
		ContentID:       contentID,
		Owner:           owner,
		Salt:            salt,
		Nonce:           nonce,
		Ciphertext:      ciphertext,
		AccessCondition: describeAccess(owner),
	}
	if err := c.db.WithContext(ctx).Create(&obj).Error; err != nil {
		return nil, fmt.Errorf("failed to store object: %w", err)
	}

	logger.Info("Encrypted object stored", "cid", contentID, "owner", owner, "size", len(payload))
	return &UploadResult{ContentID: contentID, AccessCondition: obj.AccessCondition}, nil
}

func (c *LocalClient) ShareAccess(ctx context.Context, contentID string, granteeRefs []string, ownerRef string, authProof auth.Proof) (bool, error) {
	owner := auth.NormalizeRef(ownerRef)
	if err := c.verifier.CheckSignature(owner, authProof); err != nil {
		return false, fmt.Errorf("share not authorized: %w", err)
	}

	obj, err := c.load(ctx, contentID)
	if err != nil {
		return false, err
	}
	if obj.Owner != owner {
		return false, ErrNotOwner
	}

	grantees := normalizeRefs(granteeRefs)
	if len(grantees) == 0 {
		return true, nil
	}

	grants := make([]database.ObjectGrant, 0, len(grantees))
	for _, g := range grantees {
		grants = append(grants, database.ObjectGrant{ContentID: obj.ContentID, Grantee: g})
	}
	err = c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&grants).Error
	if err != nil {
		return false, fmt.Errorf("failed to extend access list: %w", err)
	}

	logger.Info("Access shared", "cid", obj.ContentID, "grantees", len(grantees))
	return true, nil
}

func (c *LocalClient) DecryptAndDownload(ctx context.Context, contentID, requesterRef string) ([]byte, error) {
	obj, err := c.load(ctx, contentID)
	if err != nil {
		return nil, err
	}
	allowed, err := c.allowed(ctx, obj, requesterRef)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrAccessDenied
	}

	payload, err := c.open(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt object: %w", err)
	}
	return payload, nil
}

func (c *LocalClient) CheckAccess(ctx context.Context, contentID, requesterRef string) (bool, error) {
	obj, err := c.load(ctx, contentID)
	if err != nil {
		return false, err
	}
	return c.allowed(ctx, obj, requesterRef)
}

func (c *LocalClient) load(ctx context.Context, contentID string) (*database.StoredObject, error) {
	if !validContentID(contentID) {
		return nil, ErrNotFound
	}
	var obj database.StoredObject
	err := c.db.WithContext(ctx).Where("content_id = ?", hexLower(contentID)).First(&obj).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &obj, nil
}

func (c *LocalClient) allowed(ctx context.Context, obj *database.StoredObject, requesterRef string) (bool, error) {
	requester := auth.NormalizeRef(requesterRef)
	if requester == "" {
		return false, nil
	}
	if requester == obj.Owner {
		return true, nil
	}
	var count int64
	err := c.db.WithContext(ctx).Model(&database.ObjectGrant{}).
		Where("content_id = ? AND grantee = ?", obj.ContentID, requester).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func hexLower(s string) string {
	b, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	return hex.EncodeToString(b)
}
