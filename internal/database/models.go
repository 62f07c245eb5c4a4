package database

import (
	"time"

	"gorm.io/gorm"
)

// StateEntry is one versioned value of the local key-value store.
type StateEntry struct {
	gorm.Model
	Key           string `gorm:"uniqueIndex"`
	SchemaVersion int
	Value         []byte
}

// TrackerRecord is the persisted form of a data tracker record.
type TrackerRecord struct {
	CreatedAt          time.Time
	UpdatedAt          time.Time
	RecordID           string    `gorm:"primaryKey"`
	Type               string    `gorm:"index"` // verification, data_submission, purchase
	Timestamp          time.Time `gorm:"index"`
	UserAddress        string    `gorm:"index"`
	PoolAddress        string    `gorm:"index"`
	StorageReferenceID string
	ProofHash          string
	SharedWith         string // JSON array
	DataPreview        string
	Status             string `gorm:"index"` // encrypted, shared, purchased
	Metadata           string // JSON object
}

// SubmissionReview holds a pool owner's decision on a submission.
type SubmissionReview struct {
	gorm.Model
	RecordID    string `gorm:"uniqueIndex"`
	PoolAddress string `gorm:"index"`
	Decision    string // approved, rejected
	TxHash      string
}

// Challenge is a single-use nonce handed out for wallet signatures.
type Challenge struct {
	gorm.Model
	Nonce     string    `gorm:"uniqueIndex"`
	Hash      string    `gorm:"uniqueIndex"`
	Subject   string    `gorm:"index"`
	Status    string    `gorm:"index"` // unused, used, expired
	UsedAt    *time.Time
	ExpiredAt *time.Time
}

// StoredObject is an encrypted blob held by the local storage backend.
type StoredObject struct {
	gorm.Model
	ContentID       string `gorm:"uniqueIndex"`
	Owner           string `gorm:"index"`
	Salt            []byte
	Nonce           []byte
	Ciphertext      []byte
	AccessCondition string
}

// ObjectGrant gives a grantee read access to a stored object.
type ObjectGrant struct {
	gorm.Model
	ContentID string `gorm:"uniqueIndex:idx_content_grantee"`
	Grantee   string `gorm:"uniqueIndex:idx_content_grantee"`
}
