package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	seller  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func samplePool(t *testing.T, m *MemoryGateway) common.Address {
	t.Helper()
	addr, receipt, err := m.CreatePool(context.Background(), PoolParams{
		Name: "Readers",
		Requirements: []ProofRequirement{
			{Name: "age", ProofType: ProofAge, IsRequired: true},
			{Name: "invite", ProofType: ProofInvitation, IsRequired: true},
			{Name: "bonus", ProofType: ProofCustom, IsRequired: false},
		},
		PricePerData: big.NewInt(10),
		TotalBudget:  big.NewInt(20),
	})
	require.NoError(t, err)
	require.True(t, receipt.Confirmed)
	return addr
}

func TestProofTypeText(t *testing.T) {
	pt, err := ParseProofType("invitation")
	require.NoError(t, err)
	assert.Equal(t, ProofInvitation, pt)
	assert.Equal(t, "NATIONALITY", ProofNationality.String())

	_, err = ParseProofType("DNA")
	assert.Error(t, err)
}

func TestPoolIsOpen(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	p := Pool{IsActive: true, RemainingBudget: big.NewInt(5), Deadline: now.Add(time.Hour)}
	assert.True(t, p.IsOpen(now))
	assert.False(t, p.IsOpen(now.Add(time.Hour)))

	p.RemainingBudget = big.NewInt(0)
	assert.False(t, p.IsOpen(now))

	p = Pool{IsActive: false, RemainingBudget: big.NewInt(5)}
	assert.False(t, p.IsOpen(now))
}

func TestMemoryJoinAndSubmit(t *testing.T) {
	m := NewMemoryGateway(creator)
	ctx := context.Background()
	pool := samplePool(t, m)

	_, err := m.SubmitProof(ctx, pool, seller, "invite", "aa")
	assert.ErrorIs(t, err, ErrReverted)

	_, err = m.JoinPool(ctx, pool, seller)
	require.NoError(t, err)
	_, err = m.JoinPool(ctx, pool, seller)
	assert.ErrorIs(t, err, ErrReverted)

	joined, err := m.HasUserJoined(ctx, pool, seller)
	require.NoError(t, err)
	assert.True(t, joined)

	_, err = m.SubmitProof(ctx, pool, seller, "nope", "aa")
	assert.ErrorIs(t, err, ErrReverted)

	_, err = m.SubmitProof(ctx, pool, seller, "invite", "aa")
	require.NoError(t, err)
	verified, err := m.IsUserFullyVerified(ctx, pool, seller)
	require.NoError(t, err)
	assert.False(t, verified)

	_, err = m.SubmitSelfProof(ctx, pool, seller, SelfProof{Proof: []byte("attestation")})
	require.NoError(t, err)
	verified, err = m.IsUserFullyVerified(ctx, pool, seller)
	require.NoError(t, err)
	assert.True(t, verified)

	sellers, err := m.GetSellers(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{seller}, sellers)
}

func TestMemoryVerifySellerCreatorOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryGateway(creator)
	pool := samplePool(t, m)
	_, err := m.JoinPool(ctx, pool, seller)
	require.NoError(t, err)

	_, err = m.VerifySeller(ctx, pool, seller, false)
	require.NoError(t, err)
	verified, err := m.IsUserFullyVerified(ctx, pool, seller)
	require.NoError(t, err)
	assert.False(t, verified)

	m.actor = seller
	_, err = m.VerifySeller(ctx, pool, seller, true)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestMemoryPurchaseClosesPool(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryGateway(creator)
	pool := samplePool(t, m)
	second := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	unverified := common.HexToAddress("0x00000000000000000000000000000000000000b3")
	for _, s := range []common.Address{seller, second, unverified} {
		_, err := m.JoinPool(ctx, pool, s)
		require.NoError(t, err)
	}
	for _, s := range []common.Address{seller, second} {
		_, err := m.VerifySeller(ctx, pool, s, true)
		require.NoError(t, err)
	}

	_, err := m.PurchaseData(ctx, pool, unverified)
	assert.ErrorIs(t, err, ErrReverted)

	receipt, err := m.PurchaseData(ctx, pool, seller)
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	_, err = m.PurchaseData(ctx, pool, seller)
	assert.ErrorIs(t, err, ErrReverted, "one purchase per seller")

	_, err = m.PurchaseData(ctx, pool, second)
	require.NoError(t, err)

	p, err := m.GetPoolInfo(ctx, pool)
	require.NoError(t, err)
	assert.False(t, p.IsOpen(time.Now()))
	assert.Equal(t, int64(20), p.TotalBudget.Int64())
	assert.Zero(t, p.RemainingBudget.Sign())

	_, err = m.JoinPool(ctx, pool, common.HexToAddress("0x00000000000000000000000000000000000000b4"))
	assert.ErrorIs(t, err, ErrReverted)
}

func TestMemoryPurchaseIsCreatorOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryGateway(creator)
	pool := samplePool(t, m)
	_, err := m.JoinPool(ctx, pool, seller)
	require.NoError(t, err)
	_, err = m.VerifySeller(ctx, pool, seller, true)
	require.NoError(t, err)

	m.actor = seller
	_, err = m.PurchaseData(ctx, pool, seller)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestMemoryPoolInfoIsACopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryGateway(creator)
	pool := samplePool(t, m)

	p, err := m.GetPoolInfo(ctx, pool)
	require.NoError(t, err)
	p.RemainingBudget.SetInt64(0)
	p.ProofRequirements[0].Name = "changed"

	again, err := m.GetPoolInfo(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(20), again.RemainingBudget.Int64())
	assert.Equal(t, "age", again.ProofRequirements[0].Name)
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryGateway(creator)
	pool := samplePool(t, m)
	_, err := m.JoinPool(ctx, pool, seller)
	require.NoError(t, err)

	boom := errors.New("rpc unavailable")
	m.Fail("SubmitProof", boom)
	_, err = m.SubmitProof(ctx, pool, seller, "invite", "aa")
	assert.ErrorIs(t, err, boom)

	m.Fail("SubmitProof", nil)
	_, err = m.SubmitProof(ctx, pool, seller, "invite", "aa")
	assert.NoError(t, err)
}

func TestMemoryUnknownPool(t *testing.T) {
	m := NewMemoryGateway(creator)
	_, err := m.GetPoolInfo(context.Background(), common.HexToAddress("0x99"))
	assert.ErrorIs(t, err, ErrPoolNotFound)
}

func TestSeedSamplePool(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryGateway(creator)
	pool, err := m.SeedSamplePool(ctx, seller)
	require.NoError(t, err)

	pools, err := m.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, pool, pools[0].Address)
	assert.Equal(t, creator, pools[0].Creator)

	joined, err := m.HasUserJoined(ctx, pool, seller)
	require.NoError(t, err)
	assert.True(t, joined)
}
