// Package contract is the access layer for the pool factory and pool
// contracts. Every write is treated as complete only once its transaction is
// mined with a successful status.
package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type ProofType uint8

const (
	ProofAge ProofType = iota
	ProofNationality
	ProofEmail
	ProofInvitation
	ProofCustom
)

var proofTypeNames = map[ProofType]string{
	ProofAge:         "AGE",
	ProofNationality: "NATIONALITY",
	ProofEmail:       "EMAIL",
	ProofInvitation:  "INVITATION",
	ProofCustom:      "CUSTOM",
}

func (p ProofType) String() string {
	if name, ok := proofTypeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("ProofType(%d)", uint8(p))
}

func (p ProofType) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ProofType) UnmarshalText(text []byte) error {
	parsed, err := ParseProofType(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseProofType accepts the upper or lower case name of a proof type.
func ParseProofType(s string) (ProofType, error) {
	for t, name := range proofTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown proof type %q", s)
}

var (
	ErrReverted       = errors.New("transaction reverted")
	ErrSignerMismatch = errors.New("transaction must be signed by the acting user")
	ErrPoolNotFound   = errors.New("pool not found")
)

type ProofRequirement struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ProofType   ProofType `json:"proofType"`
	IsRequired  bool      `json:"isRequired"`
}

type Pool struct {
	Address           common.Address     `json:"address"`
	Name              string             `json:"name"`
	Description       string             `json:"description"`
	DataType          string             `json:"dataType"`
	ProofRequirements []ProofRequirement `json:"proofRequirements"`
	PricePerData      *big.Int           `json:"pricePerData"`
	TotalBudget       *big.Int           `json:"totalBudget"`
	RemainingBudget   *big.Int           `json:"remainingBudget"`
	Creator           common.Address     `json:"creator"`
	IsActive          bool               `json:"isActive"`
	CreatedAt         time.Time          `json:"createdAt"`
	Deadline          time.Time          `json:"deadline"`
}

// IsOpen reports whether the pool still accepts sellers at now. A pool is
// terminal once its deadline has passed or its budget is exhausted.
func (p *Pool) IsOpen(now time.Time) bool {
	if !p.IsActive {
		return false
	}
	if !p.Deadline.IsZero() && !now.Before(p.Deadline) {
		return false
	}
	return p.RemainingBudget != nil && p.RemainingBudget.Sign() > 0
}

// IsCreator reports whether addr created the pool.
func (p *Pool) IsCreator(addr common.Address) bool {
	return p.Creator == addr
}

type PoolParams struct {
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	DataType     string             `json:"dataType"`
	Requirements []ProofRequirement `json:"requirements"`
	PricePerData *big.Int           `json:"pricePerData"`
	TotalBudget  *big.Int           `json:"totalBudget"`
	Deadline     time.Time          `json:"deadline"`
}

func (p PoolParams) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("pool name is required")
	}
	if p.PricePerData == nil || p.PricePerData.Sign() <= 0 {
		return errors.New("price per data must be positive")
	}
	if p.TotalBudget == nil || p.TotalBudget.Cmp(p.PricePerData) < 0 {
		return errors.New("total budget must cover at least one purchase")
	}
	for _, r := range p.Requirements {
		if strings.TrimSpace(r.Name) == "" {
			return errors.New("proof requirement name is required")
		}
	}
	return nil
}

// SelfProof is the attestation produced by the identity widget, passed
// through to the pool contract unchanged.
type SelfProof struct {
	Proof         []byte     `json:"proof"`
	PublicSignals []*big.Int `json:"publicSignals"`
}

type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Confirmed   bool   `json:"confirmed"`
}
