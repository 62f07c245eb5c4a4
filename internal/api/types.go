package api

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/zkemail"
)

type challengeRequest struct {
	Subject string `json:"subject"`
}

type verifyRequest struct {
	Proof auth.Proof `json:"proof"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type beginIdentityResponse struct {
	URL string `json:"url"`
}

// emailRequest carries an .eml upload. Content is base64 in JSON.
type emailRequest struct {
	Kind         zkemail.Kind `json:"kind"`
	FileName     string       `json:"fileName"`
	Content      []byte       `json:"content"`
	Auth         auth.Proof   `json:"auth"`
	Counterparty string       `json:"counterparty,omitempty"`
}

type reviewRequest struct {
	Approve bool `json:"approve"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type clearedResponse struct {
	Cleared bool `json:"cleared"`
	Removed int  `json:"removed"`
}

// createPoolRequest carries wei amounts as decimal strings.
type createPoolRequest struct {
	Name         string                      `json:"name"`
	Description  string                      `json:"description"`
	DataType     string                      `json:"dataType"`
	Requirements []contract.ProofRequirement `json:"requirements"`
	PricePerData string                      `json:"pricePerData"`
	TotalBudget  string                      `json:"totalBudget"`
	Deadline     time.Time                   `json:"deadline"`
}

func (req createPoolRequest) params() (contract.PoolParams, error) {
	price, ok := new(big.Int).SetString(req.PricePerData, 10)
	if !ok {
		return contract.PoolParams{}, fmt.Errorf("%w: pricePerData %q is not an integer", errBadRequest, req.PricePerData)
	}
	budget, ok := new(big.Int).SetString(req.TotalBudget, 10)
	if !ok {
		return contract.PoolParams{}, fmt.Errorf("%w: totalBudget %q is not an integer", errBadRequest, req.TotalBudget)
	}
	params := contract.PoolParams{
		Name:         req.Name,
		Description:  req.Description,
		DataType:     req.DataType,
		Requirements: req.Requirements,
		PricePerData: price,
		TotalBudget:  budget,
		Deadline:     req.Deadline,
	}
	if err := params.Validate(); err != nil {
		return contract.PoolParams{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return params, nil
}

type createPoolResponse struct {
	Address common.Address    `json:"address"`
	Receipt *contract.Receipt `json:"receipt"`
}

type submissionData struct {
	RecordID  string `json:"recordId"`
	ContentID string `json:"contentId"`
	Data      []byte `json:"data"`
}
