package contract

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

// Backend is the part of an RPC client the gateway uses. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type EthConfig struct {
	RPCURL         string
	ChainID        int64
	FactoryAddress common.Address
	PrivateKey     *ecdsa.PrivateKey
	TxTimeout      time.Duration
}

// EthGateway talks to deployed contracts over JSON-RPC. Writes are signed by
// the configured key, so they can only be made on behalf of that account.
type EthGateway struct {
	backend   Backend
	chainID   *big.Int
	factory   *bind.BoundContract
	key       *ecdsa.PrivateKey
	signer    common.Address
	txTimeout time.Duration
}

// DialEthGateway connects to cfg.RPCURL and returns a gateway bound to it.
func DialEthGateway(ctx context.Context, cfg EthConfig) (*EthGateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.RPCURL, err)
	}
	return NewEthGateway(client, cfg)
}

func NewEthGateway(backend Backend, cfg EthConfig) (*EthGateway, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("a signer key is required")
	}
	if cfg.FactoryAddress == (common.Address{}) {
		return nil, errors.New("pool factory address is not configured")
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 2 * time.Minute
	}

	return &EthGateway{
		backend:   backend,
		chainID:   big.NewInt(cfg.ChainID),
		factory:   bind.NewBoundContract(cfg.FactoryAddress, poolFactoryABI, backend, backend, backend),
		key:       cfg.PrivateKey,
		signer:    crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		txTimeout: cfg.TxTimeout,
	}, nil
}

// Signer is the account every transaction is sent from.
func (g *EthGateway) Signer() common.Address {
	return g.signer
}

func (g *EthGateway) pool(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, poolABI, g.backend, g.backend, g.backend)
}

func (g *EthGateway) call(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		if errors.Is(err, bind.ErrNoCode) {
			return nil, ErrPoolNotFound
		}
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	return out, nil
}

func (g *EthGateway) ListPools(ctx context.Context) ([]Pool, error) {
	out, err := g.call(ctx, g.factory, "getAllPools")
	if err != nil {
		return nil, err
	}
	addrs := *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)

	pools := make([]Pool, 0, len(addrs))
	for _, addr := range addrs {
		p, err := g.GetPoolInfo(ctx, addr)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, nil
}

func (g *EthGateway) GetPoolInfo(ctx context.Context, addr common.Address) (*Pool, error) {
	c := g.pool(addr)

	info, err := g.call(ctx, c, "getPoolInfo")
	if err != nil {
		return nil, err
	}
	reqs, err := g.call(ctx, c, "getProofRequirements")
	if err != nil {
		return nil, err
	}

	p := &Pool{
		Address:         addr,
		Name:            *abi.ConvertType(info[0], new(string)).(*string),
		Description:     *abi.ConvertType(info[1], new(string)).(*string),
		DataType:        *abi.ConvertType(info[2], new(string)).(*string),
		PricePerData:    *abi.ConvertType(info[3], new(*big.Int)).(**big.Int),
		TotalBudget:     *abi.ConvertType(info[4], new(*big.Int)).(**big.Int),
		RemainingBudget: *abi.ConvertType(info[5], new(*big.Int)).(**big.Int),
		Creator:         *abi.ConvertType(info[6], new(common.Address)).(*common.Address),
		IsActive:        *abi.ConvertType(info[7], new(bool)).(*bool),
		CreatedAt:       unixTime(*abi.ConvertType(info[8], new(*big.Int)).(**big.Int)),
		Deadline:        unixTime(*abi.ConvertType(info[9], new(*big.Int)).(**big.Int)),
	}

	names := *abi.ConvertType(reqs[0], new([]string)).(*[]string)
	descriptions := *abi.ConvertType(reqs[1], new([]string)).(*[]string)
	proofTypes := *abi.ConvertType(reqs[2], new([]uint8)).(*[]uint8)
	required := *abi.ConvertType(reqs[3], new([]bool)).(*[]bool)
	if len(descriptions) != len(names) || len(proofTypes) != len(names) || len(required) != len(names) {
		return nil, fmt.Errorf("pool %s returned inconsistent proof requirements", addr.Hex())
	}
	for i := range names {
		p.ProofRequirements = append(p.ProofRequirements, ProofRequirement{
			Name:        names[i],
			Description: descriptions[i],
			ProofType:   ProofType(proofTypes[i]),
			IsRequired:  required[i],
		})
	}
	return p, nil
}

func (g *EthGateway) GetSellers(ctx context.Context, pool common.Address) ([]common.Address, error) {
	out, err := g.call(ctx, g.pool(pool), "getSellers")
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address), nil
}

func (g *EthGateway) HasUserJoined(ctx context.Context, pool, user common.Address) (bool, error) {
	out, err := g.call(ctx, g.pool(pool), "hasUserJoined", user)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (g *EthGateway) IsUserFullyVerified(ctx context.Context, pool, user common.Address) (bool, error) {
	out, err := g.call(ctx, g.pool(pool), "isUserFullyVerified", user)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (g *EthGateway) JoinPool(ctx context.Context, pool, user common.Address) (*Receipt, error) {
	if err := g.checkActor(user); err != nil {
		return nil, err
	}
	_, receipt, err := g.transact(ctx, g.pool(pool), nil, "joinPool")
	return receipt, err
}

// VerifySeller is only accepted by the contract from the pool creator.
func (g *EthGateway) VerifySeller(ctx context.Context, pool, seller common.Address, verified bool) (*Receipt, error) {
	_, receipt, err := g.transact(ctx, g.pool(pool), nil, "verifySeller", seller, verified)
	return receipt, err
}

func (g *EthGateway) SubmitProof(ctx context.Context, pool, user common.Address, proofName, proofHash string) (*Receipt, error) {
	if err := g.checkActor(user); err != nil {
		return nil, err
	}
	_, receipt, err := g.transact(ctx, g.pool(pool), nil, "submitProof", proofName, proofHash)
	return receipt, err
}

func (g *EthGateway) SubmitSelfProof(ctx context.Context, pool, user common.Address, proof SelfProof) (*Receipt, error) {
	if err := g.checkActor(user); err != nil {
		return nil, err
	}
	signals := proof.PublicSignals
	if signals == nil {
		signals = []*big.Int{}
	}
	_, receipt, err := g.transact(ctx, g.pool(pool), nil, "submitSelfProof", proof.Proof, signals)
	return receipt, err
}

// PurchaseData pays seller from the pool's budget. Only the creator can buy.
func (g *EthGateway) PurchaseData(ctx context.Context, pool, seller common.Address) (*Receipt, error) {
	_, receipt, err := g.transact(ctx, g.pool(pool), nil, "purchaseData", seller)
	return receipt, err
}

// CreatePool deploys a pool through the factory, funding it with the total
// budget, and returns the new pool's address from the PoolCreated event.
func (g *EthGateway) CreatePool(ctx context.Context, params PoolParams) (common.Address, *Receipt, error) {
	if err := params.Validate(); err != nil {
		return common.Address{}, nil, err
	}

	var (
		names        []string
		descriptions []string
		proofTypes   []uint8
		required     []bool
	)
	for _, r := range params.Requirements {
		names = append(names, r.Name)
		descriptions = append(descriptions, r.Description)
		proofTypes = append(proofTypes, uint8(r.ProofType))
		required = append(required, r.IsRequired)
	}

	var deadline int64
	if !params.Deadline.IsZero() {
		deadline = params.Deadline.Unix()
	}

	raw, receipt, err := g.transact(ctx, g.factory, params.TotalBudget, "createPool",
		params.Name, params.Description, params.DataType,
		names, descriptions, proofTypes, required,
		params.PricePerData, big.NewInt(deadline))
	if err != nil {
		return common.Address{}, receipt, err
	}

	created := poolFactoryABI.Events["PoolCreated"].ID
	for _, l := range raw.Logs {
		if len(l.Topics) >= 2 && l.Topics[0] == created {
			return common.BytesToAddress(l.Topics[1].Bytes()), receipt, nil
		}
	}
	return common.Address{}, receipt, errors.New("pool creation receipt carries no PoolCreated event")
}

func (g *EthGateway) checkActor(user common.Address) error {
	if user != g.signer {
		return fmt.Errorf("%w: acting as %s, signer is %s", ErrSignerMismatch, user.Hex(), g.signer.Hex())
	}
	return nil
}

func (g *EthGateway) transact(ctx context.Context, c *bind.BoundContract, value *big.Int, method string, args ...interface{}) (*types.Receipt, *Receipt, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(g.key, g.chainID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := c.Transact(opts, method, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("%s transaction failed: %w", method, err)
	}
	logger.Info("Transaction sent", "method", method, "tx", tx.Hash().Hex())

	waitCtx, cancel := context.WithTimeout(ctx, g.txTimeout)
	defer cancel()

	mined, err := bind.WaitMined(waitCtx, g.backend, tx)
	if err != nil {
		return nil, nil, fmt.Errorf("waiting for %s: %w", tx.Hash().Hex(), err)
	}

	receipt := &Receipt{
		TxHash:      mined.TxHash.Hex(),
		BlockNumber: mined.BlockNumber.Uint64(),
		Confirmed:   mined.Status == types.ReceiptStatusSuccessful,
	}
	if !receipt.Confirmed {
		logger.Warn("Transaction reverted", "method", method, "tx", receipt.TxHash)
		return mined, receipt, fmt.Errorf("%w: %s (%s)", ErrReverted, method, receipt.TxHash)
	}
	return mined, receipt, nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
