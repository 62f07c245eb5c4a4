package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Maphikza/datafi-verifier.git/internal/database"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

const (
	ChallengeUnused  = "unused"
	ChallengeUsed    = "used"
	ChallengeExpired = "expired"

	DefaultChallengeTTL = 2 * time.Minute
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeUsed     = errors.New("challenge already used")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeSubject  = errors.New("challenge was issued to a different signer")
)

// Challenge is the nonce a wallet must sign, along with the exact message text.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	Subject   string    `json:"subject"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ChallengeStore issues single-use nonces and consumes them when a signature
// over them is accepted.
type ChallengeStore struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewChallengeStore(db *gorm.DB, ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeStore{db: db, ttl: ttl, now: time.Now}
}

// Issue creates a fresh nonce bound to subject (a wallet address or nostr key).
func (c *ChallengeStore) Issue(subject string) (*Challenge, error) {
	subject = NormalizeRef(subject)
	nonce, hash, err := generateNonce(c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}

	row := database.Challenge{
		Nonce:   nonce,
		Hash:    hash,
		Subject: subject,
		Status:  ChallengeUnused,
	}
	row.CreatedAt = c.now()
	if err := c.db.Create(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to save challenge: %w", err)
	}

	return &Challenge{
		Nonce:     nonce,
		Message:   BuildMessage(subject, nonce, row.CreatedAt),
		Subject:   subject,
		IssuedAt:  row.CreatedAt,
		ExpiresAt: row.CreatedAt.Add(c.ttl),
	}, nil
}

// Consume marks nonce as used if it is unused, unexpired and was issued to subject.
func (c *ChallengeStore) Consume(nonce, subject string) error {
	var row database.Challenge
	if err := c.db.Where("nonce = ?", nonce).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChallengeNotFound
		}
		return err
	}

	switch row.Status {
	case ChallengeUsed:
		return ErrChallengeUsed
	case ChallengeExpired:
		return ErrChallengeExpired
	}

	now := c.now()
	if now.Sub(row.CreatedAt) > c.ttl {
		c.db.Model(&row).Updates(map[string]interface{}{"status": ChallengeExpired, "expired_at": now})
		return ErrChallengeExpired
	}

	if row.Subject != "" && row.Subject != NormalizeRef(subject) {
		return ErrChallengeSubject
	}

	// Conditional update so two concurrent consumers cannot both succeed.
	result := c.db.Model(&database.Challenge{}).
		Where("nonce = ? AND status = ?", nonce, ChallengeUnused).
		Updates(map[string]interface{}{"status": ChallengeUsed, "used_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChallengeUsed
	}
	return nil
}

// ExpireOld marks every stale unused challenge as expired.
func (c *ChallengeStore) ExpireOld() error {
	now := c.now()
	result := c.db.Model(&database.Challenge{}).
		Where("status = ? AND created_at < ?", ChallengeUnused, now.Add(-c.ttl)).
		Updates(map[string]interface{}{"status": ChallengeExpired, "expired_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		logger.Debug("Expired stale challenges", "count", int(result.RowsAffected))
	}
	return nil
}

func generateNonce(now time.Time) (string, string, error) {
	letters := []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	for i := range buf {
		buf[i] = letters[buf[i]%byte(len(letters))]
	}
	nonce := fmt.Sprintf("%s-%d", string(buf), now.UnixNano())
	hash := sha256.Sum256([]byte(nonce))
	return nonce, hex.EncodeToString(hash[:]), nil
}
