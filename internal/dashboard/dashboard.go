// Package dashboard is the read model behind the pool list, pool detail and
// pool owner review pages. It composes chain state with the local tracker.
//
// Review decisions use their own vocabulary (pending, approved, rejected) and
// are kept apart from the tracker's record status, which only ever describes
// storage state (encrypted, shared, purchased).
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/database"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
	"github.com/Maphikza/datafi-verifier.git/internal/storage"
	"github.com/Maphikza/datafi-verifier.git/internal/tracker"
)

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

var (
	ErrAlreadyReviewed = errors.New("submission already reviewed")
	ErrNotSubmission   = errors.New("record is not a submission for this pool")
	ErrAlreadyBought   = errors.New("submission already purchased")
	ErrNoData          = errors.New("submission has no stored data")
)

type PoolView struct {
	contract.Pool
	SellerCount   int  `json:"sellerCount"`
	Joined        bool `json:"joined"`
	FullyVerified bool `json:"fullyVerified"`
	Open          bool `json:"open"`
}

type Submission struct {
	tracker.DataRecord
	Review     ReviewStatus `json:"review"`
	ReviewedAt *time.Time   `json:"reviewedAt,omitempty"`
	ReviewTx   string       `json:"reviewTx,omitempty"`
}

type Dashboard struct {
	gateway contract.Gateway
	tracker *tracker.Tracker
	storage storage.Client
	db      *gorm.DB
	now     func() time.Time
}

func New(gateway contract.Gateway, t *tracker.Tracker, store storage.Client, db *gorm.DB) *Dashboard {
	return &Dashboard{gateway: gateway, tracker: t, storage: store, db: db, now: time.Now}
}

// Pools lists every pool as seen by user. A zero user skips the membership
// lookups.
func (d *Dashboard) Pools(ctx context.Context, user common.Address) ([]PoolView, error) {
	pools, err := d.gateway.ListPools(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]PoolView, 0, len(pools))
	for _, p := range pools {
		v, err := d.view(ctx, p, user)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (d *Dashboard) Pool(ctx context.Context, pool, user common.Address) (*PoolView, error) {
	p, err := d.gateway.GetPoolInfo(ctx, pool)
	if err != nil {
		return nil, err
	}
	return d.view(ctx, *p, user)
}

func (d *Dashboard) view(ctx context.Context, p contract.Pool, user common.Address) (*PoolView, error) {
	sellers, err := d.gateway.GetSellers(ctx, p.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to load sellers of %s: %w", p.Address.Hex(), err)
	}

	v := &PoolView{Pool: p, SellerCount: len(sellers), Open: p.IsOpen(d.now())}
	if user == (common.Address{}) {
		return v, nil
	}
	if v.Joined, err = d.gateway.HasUserJoined(ctx, p.Address, user); err != nil {
		return nil, err
	}
	if v.Joined {
		if v.FullyVerified, err = d.gateway.IsUserFullyVerified(ctx, p.Address, user); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func isSubmission(r *tracker.DataRecord) bool {
	return r.Type == tracker.TypeVerification || r.Type == tracker.TypeDataSubmission
}

// Submissions projects the tracker records for pool with their review state,
// newest first.
func (d *Dashboard) Submissions(ctx context.Context, pool common.Address) ([]Submission, error) {
	records, err := d.tracker.RecordsByPool(pool.Hex())
	if err != nil {
		return nil, err
	}

	var reviews []database.SubmissionReview
	err = d.db.WithContext(ctx).
		Where("pool_address = ?", strings.ToLower(pool.Hex())).
		Find(&reviews).Error
	if err != nil {
		return nil, err
	}
	byRecord := make(map[string]*database.SubmissionReview, len(reviews))
	for i := range reviews {
		byRecord[reviews[i].RecordID] = &reviews[i]
	}

	out := make([]Submission, 0, len(records))
	for _, r := range records {
		if !isSubmission(&r) {
			continue
		}
		out = append(out, withReview(r, byRecord[r.ID]))
	}
	return out, nil
}

func withReview(r tracker.DataRecord, review *database.SubmissionReview) Submission {
	s := Submission{DataRecord: r, Review: ReviewPending}
	if review != nil {
		reviewed := review.UpdatedAt
		s.Review = ReviewStatus(review.Decision)
		s.ReviewedAt = &reviewed
		s.ReviewTx = review.TxHash
	}
	return s
}

// Review records the pool owner's decision on a submission and reports it to
// the pool contract. Nothing is stored if the transaction fails.
func (d *Dashboard) Review(ctx context.Context, pool common.Address, recordID string, approve bool) (*Submission, error) {
	record, err := d.tracker.GetRecord(recordID)
	if err != nil {
		return nil, err
	}
	if !isSubmission(record) || record.PoolAddress != strings.ToLower(pool.Hex()) {
		return nil, ErrNotSubmission
	}

	var existing database.SubmissionReview
	err = d.db.WithContext(ctx).Where("record_id = ?", recordID).First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyReviewed, existing.Decision)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	seller := common.HexToAddress(record.UserAddress)
	receipt, err := d.gateway.VerifySeller(ctx, pool, seller, approve)
	if err != nil {
		return nil, fmt.Errorf("failed to record decision on chain: %w", err)
	}

	decision := ReviewRejected
	if approve {
		decision = ReviewApproved
	}
	review := database.SubmissionReview{
		RecordID:    recordID,
		PoolAddress: record.PoolAddress,
		Decision:    string(decision),
		TxHash:      receipt.TxHash,
	}
	if err := d.db.WithContext(ctx).Create(&review).Error; err != nil {
		return nil, fmt.Errorf("failed to save review: %w", err)
	}

	logger.Info("Submission reviewed", "pool", record.PoolAddress, "record", recordID, "decision", string(decision))
	s := withReview(*record, &review)
	return &s, nil
}

// Purchase buys the seller data behind a submission for the pool creator. The
// submission moves to purchased and a purchase record is tracked for the
// buyer, shared with the seller.
func (d *Dashboard) Purchase(ctx context.Context, pool common.Address, recordID string) (*tracker.DataRecord, error) {
	record, err := d.tracker.GetRecord(recordID)
	if err != nil {
		return nil, err
	}
	if !isSubmission(record) || record.PoolAddress != strings.ToLower(pool.Hex()) {
		return nil, ErrNotSubmission
	}
	if record.Status == tracker.StatusPurchased {
		return nil, ErrAlreadyBought
	}

	info, err := d.gateway.GetPoolInfo(ctx, pool)
	if err != nil {
		return nil, err
	}
	seller := common.HexToAddress(record.UserAddress)
	receipt, err := d.gateway.PurchaseData(ctx, pool, seller)
	if err != nil {
		return nil, fmt.Errorf("failed to purchase data on chain: %w", err)
	}

	if _, err := d.tracker.UpdateStatus(record.ID, tracker.StatusPurchased); err != nil {
		return nil, err
	}
	purchase, err := d.tracker.AddRecord(tracker.DataRecord{
		Type:               tracker.TypePurchase,
		UserAddress:        info.Creator.Hex(),
		PoolAddress:        pool.Hex(),
		StorageReferenceID: record.StorageReferenceID,
		SharedWith:         []string{seller.Hex()},
		DataPreview:        record.DataPreview,
		Status:             tracker.StatusPurchased,
		Metadata: map[string]string{
			"submission":  record.ID,
			"seller":      strings.ToLower(seller.Hex()),
			"transaction": receipt.TxHash,
			"price":       info.PricePerData.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Submission purchased", "pool", record.PoolAddress, "record", record.ID, "seller", seller.Hex())
	return purchase, nil
}

// SubmissionData decrypts the payload behind a submission on behalf of
// requester. The storage grant is checked before anything is downloaded.
func (d *Dashboard) SubmissionData(ctx context.Context, pool common.Address, recordID string, requester common.Address) (*tracker.DataRecord, []byte, error) {
	record, err := d.tracker.GetRecord(recordID)
	if err != nil {
		return nil, nil, err
	}
	if !isSubmission(record) || record.PoolAddress != strings.ToLower(pool.Hex()) {
		return nil, nil, ErrNotSubmission
	}
	if record.StorageReferenceID == "" {
		return nil, nil, ErrNoData
	}

	ref := strings.ToLower(requester.Hex())
	allowed, err := d.storage.CheckAccess(ctx, record.StorageReferenceID, ref)
	if err != nil {
		return nil, nil, err
	}
	if !allowed {
		logger.Warn("Submission data not shared with requester", "pool", record.PoolAddress, "record", record.ID, "requester", ref)
		return nil, nil, storage.ErrAccessDenied
	}
	payload, err := d.storage.DecryptAndDownload(ctx, record.StorageReferenceID, ref)
	if err != nil {
		return nil, nil, err
	}
	return record, payload, nil
}
