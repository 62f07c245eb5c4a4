package contract

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	_ Gateway = (*EthGateway)(nil)
	_ Gateway = (*MemoryGateway)(nil)
)

type memoryPool struct {
	info      Pool
	sellers   []common.Address
	joined    map[common.Address]bool
	submitted map[common.Address]map[string]string
	verified  map[common.Address]bool
	purchased map[common.Address]bool
}

// MemoryGateway is an in-process ledger with the same rules as the deployed
// contracts. It backs development mode and tests.
type MemoryGateway struct {
	mutex    sync.Mutex
	pools    map[common.Address]*memoryPool
	order    []common.Address
	actor    common.Address
	block    uint64
	failures map[string]error
	now      func() time.Time
}

// NewMemoryGateway returns an empty ledger. actor is the account that signs
// creator-only calls such as VerifySeller and CreatePool.
func NewMemoryGateway(actor common.Address) *MemoryGateway {
	return &MemoryGateway{
		pools:    make(map[common.Address]*memoryPool),
		actor:    actor,
		failures: make(map[string]error),
		now:      time.Now,
	}
}

func (m *MemoryGateway) Signer() common.Address {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.actor
}

// Fail makes every later call to method return err. A nil err clears it.
func (m *MemoryGateway) Fail(method string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *MemoryGateway) injected(method string) error {
	return m.failures[method]
}

func (m *MemoryGateway) receipt() *Receipt {
	m.block++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], m.block)
	hash := sha256.Sum256(buf[:])
	return &Receipt{
		TxHash:      common.BytesToHash(hash[:]).Hex(),
		BlockNumber: m.block,
		Confirmed:   true,
	}
}

func (m *MemoryGateway) lookup(addr common.Address) (*memoryPool, error) {
	p, ok := m.pools[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, addr.Hex())
	}
	return p, nil
}

func reverted(reason string) error {
	return fmt.Errorf("%w: %s", ErrReverted, reason)
}

func copyPool(p Pool) Pool {
	p.ProofRequirements = append([]ProofRequirement(nil), p.ProofRequirements...)
	p.PricePerData = new(big.Int).Set(p.PricePerData)
	p.TotalBudget = new(big.Int).Set(p.TotalBudget)
	p.RemainingBudget = new(big.Int).Set(p.RemainingBudget)
	return p
}

func (m *MemoryGateway) ListPools(ctx context.Context) ([]Pool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("ListPools"); err != nil {
		return nil, err
	}

	pools := make([]Pool, 0, len(m.order))
	for _, addr := range m.order {
		pools = append(pools, copyPool(m.pools[addr].info))
	}
	return pools, nil
}

func (m *MemoryGateway) GetPoolInfo(ctx context.Context, addr common.Address) (*Pool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("GetPoolInfo"); err != nil {
		return nil, err
	}

	p, err := m.lookup(addr)
	if err != nil {
		return nil, err
	}
	info := copyPool(p.info)
	return &info, nil
}

func (m *MemoryGateway) GetSellers(ctx context.Context, addr common.Address) ([]common.Address, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("GetSellers"); err != nil {
		return nil, err
	}

	p, err := m.lookup(addr)
	if err != nil {
		return nil, err
	}
	return append([]common.Address(nil), p.sellers...), nil
}

func (m *MemoryGateway) HasUserJoined(ctx context.Context, addr, user common.Address) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("HasUserJoined"); err != nil {
		return false, err
	}

	p, err := m.lookup(addr)
	if err != nil {
		return false, err
	}
	return p.joined[user], nil
}

// IsUserFullyVerified is true once the creator has verified the seller or the
// seller has submitted every required proof, unless the creator rejected them.
func (m *MemoryGateway) IsUserFullyVerified(ctx context.Context, addr, user common.Address) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("IsUserFullyVerified"); err != nil {
		return false, err
	}

	p, err := m.lookup(addr)
	if err != nil {
		return false, err
	}
	return fullyVerified(p, user), nil
}

func fullyVerified(p *memoryPool, user common.Address) bool {
	if verdict, ok := p.verified[user]; ok {
		return verdict
	}
	if !p.joined[user] {
		return false
	}
	for _, r := range p.info.ProofRequirements {
		if !r.IsRequired {
			continue
		}
		if _, ok := p.submitted[user][r.Name]; !ok {
			return false
		}
	}
	return true
}

func (m *MemoryGateway) JoinPool(ctx context.Context, addr, user common.Address) (*Receipt, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("JoinPool"); err != nil {
		return nil, err
	}

	p, err := m.lookup(addr)
	if err != nil {
		return nil, err
	}
	if !p.info.IsOpen(m.now()) {
		return nil, reverted("pool is closed")
	}
	if p.joined[user] {
		return nil, reverted("already joined")
	}
	p.joined[user] = true
	p.sellers = append(p.sellers, user)
	return m.receipt(), nil
}

func (m *MemoryGateway) VerifySeller(ctx context.Context, addr, seller common.Address, verified bool) (*Receipt, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("VerifySeller"); err != nil {
		return nil, err
	}

	p, err := m.lookup(addr)
	if err != nil {
		return nil, err
	}
	if !p.info.IsCreator(m.actor) {
		return nil, reverted("only the pool creator can verify sellers")
	}
	if !p.joined[seller] {
		return nil, reverted("seller has not joined")
	}
	p.verified[seller] = verified
	return m.receipt(), nil
}

func (m *MemoryGateway) SubmitProof(ctx context.Context, addr, user common.Address, proofName, proofHash string) (*Receipt, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("SubmitProof"); err != nil {
		return nil, err
	}

	p, err := m.lookup(addr)
	if err != nil {
		return nil, err
	}
	if !p.joined[user] {
		return nil, reverted("not a pool member")
	}
	if !p.info.IsOpen(m.now()) {
		return nil, reverted("pool is closed")
	}
	found := false
	for _, r := range p.info.ProofRequirements {
		if r.Name == proofName {
			found = true
			break
		}
	}
	if !found {
		return nil, reverted(fmt.Sprintf("unknown proof %q", proofName))
	}

	m.record(p, user, proofName, proofHash)
	return m.receipt(), nil
}

// SubmitSelfProof satisfies every AGE and NATIONALITY requirement of the pool.
func (m *MemoryGateway) SubmitSelfProof(ctx context.Context, addr, user common.Address, proof SelfProof) (*Receipt, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("SubmitSelfProof"); err != nil {
		return nil, err
	}

	p, err := m.lookup(addr)
	if err != nil {
		return nil, err
	}
	if !p.joined[user] {
		return nil, reverted("not a pool member")
	}
	if len(proof.Proof) == 0 {
		return nil, reverted("empty identity proof")
	}

	digest := sha256.Sum256(proof.Proof)
	for _, r := range p.info.ProofRequirements {
		if r.ProofType == ProofAge || r.ProofType == ProofNationality {
			m.record(p, user, r.Name, common.Bytes2Hex(digest[:]))
		}
	}
	return m.receipt(), nil
}

func (m *MemoryGateway) record(p *memoryPool, user common.Address, name, hash string) {
	if p.submitted[user] == nil {
		p.submitted[user] = make(map[string]string)
	}
	p.submitted[user][name] = hash
}

func (m *MemoryGateway) CreatePool(ctx context.Context, params PoolParams) (common.Address, *Receipt, error) {
	if err := params.Validate(); err != nil {
		return common.Address{}, nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("CreatePool"); err != nil {
		return common.Address{}, nil, err
	}

	receipt := m.receipt()
	addr := common.BytesToAddress(common.FromHex(receipt.TxHash)[12:])
	m.pools[addr] = &memoryPool{
		info: Pool{
			Address:           addr,
			Name:              params.Name,
			Description:       params.Description,
			DataType:          params.DataType,
			ProofRequirements: append([]ProofRequirement(nil), params.Requirements...),
			PricePerData:      new(big.Int).Set(params.PricePerData),
			TotalBudget:       new(big.Int).Set(params.TotalBudget),
			RemainingBudget:   new(big.Int).Set(params.TotalBudget),
			Creator:           m.actor,
			IsActive:          true,
			CreatedAt:         m.now().UTC().Truncate(time.Second),
			Deadline:          params.Deadline,
		},
		joined:    make(map[common.Address]bool),
		submitted: make(map[common.Address]map[string]string),
		verified:  make(map[common.Address]bool),
		purchased: make(map[common.Address]bool),
	}
	m.order = append(m.order, addr)
	return addr, receipt, nil
}

// PurchaseData pays seller one unit of the pool's budget, closing the pool
// when what is left cannot cover another purchase.
func (m *MemoryGateway) PurchaseData(ctx context.Context, addr, seller common.Address) (*Receipt, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err := m.injected("PurchaseData"); err != nil {
		return nil, err
	}

	p, err := m.lookup(addr)
	if err != nil {
		return nil, err
	}
	if !p.info.IsCreator(m.actor) {
		return nil, reverted("only the pool creator can purchase data")
	}
	if !p.info.IsOpen(m.now()) {
		return nil, reverted("pool is closed")
	}
	if !fullyVerified(p, seller) {
		return nil, reverted("seller is not verified")
	}
	if p.purchased[seller] {
		return nil, reverted("data already purchased")
	}

	p.purchased[seller] = true
	p.info.RemainingBudget.Sub(p.info.RemainingBudget, p.info.PricePerData)
	if p.info.RemainingBudget.Cmp(p.info.PricePerData) < 0 {
		p.info.RemainingBudget.SetInt64(0)
	}
	return m.receipt(), nil
}

// SeedSamplePool creates the pool development mode starts with and joins user
// to it.
func (m *MemoryGateway) SeedSamplePool(ctx context.Context, user common.Address) (common.Address, error) {
	addr, _, err := m.CreatePool(ctx, PoolParams{
		Name:        "Newsletter readers",
		Description: "Verified adult readers invited to the DataFi beta.",
		DataType:    "email_engagement",
		Requirements: []ProofRequirement{
			{Name: "age_over_18", Description: "Seller is at least 18", ProofType: ProofAge, IsRequired: true},
			{Name: "beta_invite", Description: "Invitation email from DataFi", ProofType: ProofInvitation, IsRequired: true},
			{Name: "newsletter", Description: "Subscription confirmation email", ProofType: ProofEmail, IsRequired: true},
		},
		PricePerData: big.NewInt(1_000_000_000_000_000),
		TotalBudget:  big.NewInt(100_000_000_000_000_000),
		Deadline:     m.now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second),
	})
	if err != nil {
		return common.Address{}, err
	}
	if user != (common.Address{}) {
		if _, err := m.JoinPool(ctx, addr, user); err != nil {
			return addr, err
		}
	}
	return addr, nil
}
