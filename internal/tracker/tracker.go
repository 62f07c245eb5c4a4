// Package tracker keeps the local record of verification, submission and
// purchase events that feeds the dashboards. Records live only on this
// device. Writers are not coordinated beyond SQLite itself, so concurrent
// updates to the same record are last-write-wins.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Maphikza/datafi-verifier.git/internal/database"
	"github.com/Maphikza/datafi-verifier.git/internal/events"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

type RecordType string

const (
	TypeVerification   RecordType = "verification"
	TypeDataSubmission RecordType = "data_submission"
	TypePurchase       RecordType = "purchase"
)

type Status string

const (
	StatusEncrypted Status = "encrypted"
	StatusShared    Status = "shared"
	StatusPurchased Status = "purchased"
)

var statusRank = map[Status]int{
	StatusEncrypted: 0,
	StatusShared:    1,
	StatusPurchased: 2,
}

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrInvalidStatus     = errors.New("invalid record status")
	ErrInvalidTransition = errors.New("record status can only move forward")
	ErrInvalidType       = errors.New("invalid record type")
)

// DataRecord is one tracked event. SharedWith lists the intended recipients;
// it is what this client asked for, not a confirmation from the storage
// service.
type DataRecord struct {
	ID                 string            `json:"id"`
	Type               RecordType        `json:"type"`
	Timestamp          time.Time         `json:"timestamp"`
	UserAddress        string            `json:"userAddress"`
	PoolAddress        string            `json:"poolAddress"`
	StorageReferenceID string            `json:"storageReferenceId"`
	ProofHash          string            `json:"proofHash,omitempty"`
	SharedWith         []string          `json:"sharedWith"`
	DataPreview        string            `json:"dataPreview"`
	Status             Status            `json:"status"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type Tracker struct {
	db  *gorm.DB
	bus *events.Bus
}

func New(db *gorm.DB, bus *events.Bus) *Tracker {
	return &Tracker{db: db, bus: bus}
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// AddRecord stores r with a fresh id. A zero timestamp becomes now and an
// empty status becomes encrypted.
func (t *Tracker) AddRecord(r DataRecord) (*DataRecord, error) {
	switch r.Type {
	case TypeVerification, TypeDataSubmission, TypePurchase:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, r.Type)
	}
	if r.Status == "" {
		r.Status = StatusEncrypted
	}
	if _, ok := statusRank[r.Status]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	r.ID = uuid.NewString()
	r.UserAddress = normalize(r.UserAddress)
	r.PoolAddress = normalize(r.PoolAddress)
	shared := make([]string, 0, len(r.SharedWith))
	for _, s := range r.SharedWith {
		shared = append(shared, normalize(s))
	}
	r.SharedWith = shared

	row, err := toRow(&r)
	if err != nil {
		return nil, err
	}
	if err := t.db.Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to add record: %w", err)
	}

	logger.Info("Tracker record added", "id", r.ID, "type", string(r.Type), "pool", r.PoolAddress)
	t.bus.Publish(events.Event{Type: events.RecordAdded, Pool: r.PoolAddress, User: r.UserAddress, Message: r.ID})
	return &r, nil
}

// UpdateStatus moves a record along encrypted, shared, purchased. Setting the
// current status again is a no-op; moving backwards is rejected.
func (t *Tracker) UpdateStatus(id string, status Status) (*DataRecord, error) {
	next, ok := statusRank[status]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var row database.TrackerRecord
	err := t.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("record_id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if next < statusRank[Status(row.Status)] {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, row.Status, status)
		}
		row.Status = string(status)
		return tx.Model(&row).Update("status", row.Status).Error
	})
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

func (t *Tracker) GetRecord(id string) (*DataRecord, error) {
	var row database.TrackerRecord
	if err := t.db.Where("record_id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return fromRow(&row)
}

// Records returns every record, newest first.
func (t *Tracker) Records() ([]DataRecord, error) {
	return t.find(t.db)
}

func (t *Tracker) RecordsByPool(pool string) ([]DataRecord, error) {
	return t.find(t.db.Where("pool_address = ?", normalize(pool)))
}

func (t *Tracker) RecordsByUser(user string) ([]DataRecord, error) {
	return t.find(t.db.Where("user_address = ?", normalize(user)))
}

func (t *Tracker) RecordsByType(recordType RecordType) ([]DataRecord, error) {
	return t.find(t.db.Where("type = ?", string(recordType)))
}

// RecordsSharedWith returns the records whose intended recipients include ref.
func (t *Tracker) RecordsSharedWith(ref string) ([]DataRecord, error) {
	ref = normalize(ref)
	candidates, err := t.find(t.db.Where("shared_with LIKE ?", "%"+ref+"%"))
	if err != nil {
		return nil, err
	}
	return sharedWith(candidates, ref), nil
}

// sharedWith drops the LIKE false positives, such as ref being a substring
// of a longer recipient.
func sharedWith(candidates []DataRecord, ref string) []DataRecord {
	out := make([]DataRecord, 0, len(candidates))
	for _, r := range candidates {
		for _, s := range r.SharedWith {
			if s == ref {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Filter narrows Find. Empty fields match everything.
type Filter struct {
	Pool       string
	User       string
	SharedWith string
	Type       RecordType
	// VisibleTo keeps the records ref owns or is a recipient of.
	VisibleTo string
}

// Find returns the records matching every set field of f, newest first.
func (t *Tracker) Find(f Filter) ([]DataRecord, error) {
	q := t.db
	if f.Pool != "" {
		q = q.Where("pool_address = ?", normalize(f.Pool))
	}
	if f.User != "" {
		q = q.Where("user_address = ?", normalize(f.User))
	}
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	ref := normalize(f.SharedWith)
	if ref != "" {
		q = q.Where("shared_with LIKE ?", "%"+ref+"%")
	}
	viewer := normalize(f.VisibleTo)
	if viewer != "" {
		q = q.Where("(user_address = ? OR shared_with LIKE ?)", viewer, "%"+viewer+"%")
	}

	records, err := t.find(q)
	if err != nil {
		return nil, err
	}
	if ref != "" {
		records = sharedWith(records, ref)
	}
	if viewer != "" {
		records = visibleTo(records, viewer)
	}
	return records, nil
}

func visibleTo(candidates []DataRecord, ref string) []DataRecord {
	out := make([]DataRecord, 0, len(candidates))
	for _, r := range candidates {
		if r.UserAddress == ref || len(sharedWith([]DataRecord{r}, ref)) == 1 {
			out = append(out, r)
		}
	}
	return out
}

// ClearAll deletes every record.
func (t *Tracker) ClearAll() error {
	result := t.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&database.TrackerRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to clear records: %w", result.Error)
	}
	logger.Info("Tracker cleared", "removed", int(result.RowsAffected))
	return nil
}

// ClearUser deletes the records owned by user and reports how many went.
func (t *Tracker) ClearUser(user string) (int, error) {
	user = normalize(user)
	if user == "" {
		return 0, errors.New("user is required")
	}
	result := t.db.Where("user_address = ?", user).Delete(&database.TrackerRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clear records: %w", result.Error)
	}
	logger.Info("Tracker records cleared", "user", user, "removed", int(result.RowsAffected))
	return int(result.RowsAffected), nil
}

func (t *Tracker) find(q *gorm.DB) ([]DataRecord, error) {
	var rows []database.TrackerRecord
	if err := q.Order("timestamp desc").Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]DataRecord, 0, len(rows))
	for i := range rows {
		r, err := fromRow(&rows[i])
		if err != nil {
			logger.Warn("Skipping unreadable tracker record", "id", rows[i].RecordID, "error", err)
			continue
		}
		records = append(records, *r)
	}
	return records, nil
}

func toRow(r *DataRecord) (*database.TrackerRecord, error) {
	shared := r.SharedWith
	if shared == nil {
		shared = []string{}
	}
	sharedJSON, err := json.Marshal(shared)
	if err != nil {
		return nil, err
	}
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, err
	}

	return &database.TrackerRecord{
		RecordID:           r.ID,
		Type:               string(r.Type),
		Timestamp:          r.Timestamp,
		UserAddress:        r.UserAddress,
		PoolAddress:        r.PoolAddress,
		StorageReferenceID: r.StorageReferenceID,
		ProofHash:          r.ProofHash,
		SharedWith:         string(sharedJSON),
		DataPreview:        r.DataPreview,
		Status:             string(r.Status),
		Metadata:           string(metaJSON),
	}, nil
}

func fromRow(row *database.TrackerRecord) (*DataRecord, error) {
	r := &DataRecord{
		ID:                 row.RecordID,
		Type:               RecordType(row.Type),
		Timestamp:          row.Timestamp.UTC(),
		UserAddress:        row.UserAddress,
		PoolAddress:        row.PoolAddress,
		StorageReferenceID: row.StorageReferenceID,
		ProofHash:          row.ProofHash,
		DataPreview:        row.DataPreview,
		Status:             Status(row.Status),
	}
	if err := json.Unmarshal([]byte(row.SharedWith), &r.SharedWith); err != nil {
		return nil, fmt.Errorf("bad shared_with: %w", err)
	}
	if row.Metadata != "" && row.Metadata != "null" {
		if err := json.Unmarshal([]byte(row.Metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("bad metadata: %w", err)
		}
	}
	return r, nil
}
