package contract

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Gateway is everything the rest of the daemon needs from the chain.
type Gateway interface {
	// Signer is the account write calls are sent from.
	Signer() common.Address

	ListPools(ctx context.Context) ([]Pool, error)
	GetPoolInfo(ctx context.Context, pool common.Address) (*Pool, error)
	GetSellers(ctx context.Context, pool common.Address) ([]common.Address, error)
	HasUserJoined(ctx context.Context, pool, user common.Address) (bool, error)
	IsUserFullyVerified(ctx context.Context, pool, user common.Address) (bool, error)

	JoinPool(ctx context.Context, pool, user common.Address) (*Receipt, error)
	VerifySeller(ctx context.Context, pool, seller common.Address, verified bool) (*Receipt, error)
	SubmitProof(ctx context.Context, pool, user common.Address, proofName, proofHash string) (*Receipt, error)
	SubmitSelfProof(ctx context.Context, pool, user common.Address, proof SelfProof) (*Receipt, error)
	PurchaseData(ctx context.Context, pool, seller common.Address) (*Receipt, error)
	CreatePool(ctx context.Context, params PoolParams) (common.Address, *Receipt, error)
}
