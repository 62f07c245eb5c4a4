package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/ipc"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
	"github.com/Maphikza/datafi-verifier.git/internal/tracker"
	"github.com/Maphikza/datafi-verifier.git/internal/verification"
	"github.com/Maphikza/datafi-verifier.git/internal/zkemail"
)

// Socket commands understood by the daemon.
const (
	cmdStatus         = "status"
	cmdPools          = "pools"
	cmdPool           = "pool"
	cmdFlow           = "flow"
	cmdAdvance        = "advance"
	cmdIdentityBegin  = "identity-begin"
	cmdIdentitySubmit = "identity-submit"
	cmdEmailUpload    = "email-upload"
	cmdRecords        = "records"
	cmdRecordsClear   = "records-clear"
	cmdSubmissions    = "submissions"
	cmdReview         = "review"
	cmdJoin           = "join"
	cmdPoolCreate     = "pool-create"
	cmdSubmissionData = "submission-fetch"
	cmdPurchase       = "purchase"
)

// commandTimeout bounds a single socket command. Chain writes wait for a
// receipt, so it is generous.
const commandTimeout = 5 * time.Minute

type statusResult struct {
	Signer  string `json:"signer"`
	DevMode bool   `json:"devMode"`
}

type identityBeginResult struct {
	URL string `json:"url"`
}

type poolCreateResult struct {
	Address common.Address    `json:"address"`
	Receipt *contract.Receipt `json:"receipt"`
}

type submissionDataResult struct {
	RecordID  string `json:"recordId"`
	ContentID string `json:"contentId"`
	Data      []byte `json:"data"`
}

// handle runs one socket command on behalf of the daemon's own signer.
func (a *app) handle(cmd ipc.Command) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	logger.Debug("Socket command", "id", cmd.ID, "command", cmd.Command)

	switch cmd.Command {
	case cmdStatus:
		return statusResult{Signer: a.user.Hex(), DevMode: a.devMode}, nil

	case cmdPools:
		return a.dashboard.Pools(ctx, a.user)

	case cmdPool:
		pool, err := addressArg(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		return a.dashboard.Pool(ctx, pool, a.user)

	case cmdJoin:
		pool, err := addressArg(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		if _, err := a.gateway.JoinPool(ctx, pool, a.user); err != nil {
			return nil, err
		}
		return a.dashboard.Pool(ctx, pool, a.user)

	case cmdPoolCreate:
		if len(cmd.Args) != 1 {
			return nil, fmt.Errorf("pool-create expects the pool parameters as JSON")
		}
		var params contract.PoolParams
		if err := json.Unmarshal([]byte(cmd.Args[0]), &params); err != nil {
			return nil, fmt.Errorf("invalid pool parameters: %w", err)
		}
		addr, receipt, err := a.gateway.CreatePool(ctx, params)
		if err != nil {
			return nil, err
		}
		return poolCreateResult{Address: addr, Receipt: receipt}, nil

	case cmdFlow, cmdAdvance:
		flow, err := a.openFlow(ctx, cmd.Args)
		if err != nil {
			return nil, err
		}
		if cmd.Command == cmdAdvance {
			flow.Advance()
		}
		return flow.View(), nil

	case cmdIdentityBegin:
		flow, err := a.openFlow(ctx, cmd.Args)
		if err != nil {
			return nil, err
		}
		u, err := flow.BeginIdentityStep(ctx)
		if err != nil {
			return nil, err
		}
		return identityBeginResult{URL: u}, nil

	case cmdIdentitySubmit:
		flow, err := a.openFlow(ctx, cmd.Args)
		if err != nil {
			return nil, err
		}
		return flow.SubmitIdentityProof(ctx)

	case cmdEmailUpload:
		return a.uploadEmail(ctx, cmd.Args)

	case cmdRecords:
		return a.tracker.Find(tracker.Filter{
			Pool:       optionalArg(cmd.Args, 0),
			User:       optionalArg(cmd.Args, 1),
			SharedWith: optionalArg(cmd.Args, 2),
			Type:       tracker.RecordType(optionalArg(cmd.Args, 3)),
		})

	case cmdRecordsClear:
		if err := a.tracker.ClearAll(); err != nil {
			return nil, err
		}
		return map[string]bool{"cleared": true}, nil

	case cmdSubmissions:
		pool, err := addressArg(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		return a.dashboard.Submissions(ctx, pool)

	case cmdReview:
		if len(cmd.Args) != 3 {
			return nil, fmt.Errorf("review expects pool, record id and approve|reject")
		}
		pool, err := addressArg(cmd.Args, 0)
		if err != nil {
			return nil, err
		}
		var approve bool
		switch cmd.Args[2] {
		case "approve":
			approve = true
		case "reject":
		default:
			return nil, fmt.Errorf("decision must be approve or reject, got %q", cmd.Args[2])
		}
		return a.dashboard.Review(ctx, pool, cmd.Args[1], approve)

	case cmdSubmissionData:
		if len(cmd.Args) != 2 {
			return nil, fmt.Errorf("submission-fetch expects pool and record id")
		}
		pool, err := a.requireCreator(ctx, cmd.Args)
		if err != nil {
			return nil, err
		}
		record, payload, err := a.dashboard.SubmissionData(ctx, pool, cmd.Args[1], a.user)
		if err != nil {
			return nil, err
		}
		return submissionDataResult{RecordID: record.ID, ContentID: record.StorageReferenceID, Data: payload}, nil

	case cmdPurchase:
		if len(cmd.Args) != 2 {
			return nil, fmt.Errorf("purchase expects pool and record id")
		}
		pool, err := a.requireCreator(ctx, cmd.Args)
		if err != nil {
			return nil, err
		}
		return a.dashboard.Purchase(ctx, pool, cmd.Args[1])

	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
}

// requireCreator resolves the pool in args and checks the daemon's signer
// created it.
func (a *app) requireCreator(ctx context.Context, args []string) (common.Address, error) {
	pool, err := addressArg(args, 0)
	if err != nil {
		return common.Address{}, err
	}
	info, err := a.gateway.GetPoolInfo(ctx, pool)
	if err != nil {
		return common.Address{}, err
	}
	if !info.IsCreator(a.user) {
		return common.Address{}, fmt.Errorf("%s did not create pool %s", a.user.Hex(), pool.Hex())
	}
	return pool, nil
}

func (a *app) openFlow(ctx context.Context, args []string) (*verification.Flow, error) {
	pool, err := addressArg(args, 0)
	if err != nil {
		return nil, err
	}
	return a.orchestrator.Open(ctx, pool, a.user)
}

// uploadEmail expects pool, kind, file name, base64 content and an optional
// counterparty. The daemon signs a fresh challenge for the upload itself.
func (a *app) uploadEmail(ctx context.Context, args []string) (interface{}, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("email upload expects pool, kind, file name and content")
	}
	flow, err := a.openFlow(ctx, args)
	if err != nil {
		return nil, err
	}
	content, err := base64.StdEncoding.DecodeString(args[3])
	if err != nil {
		return nil, fmt.Errorf("invalid file content: %w", err)
	}
	proof, err := auth.SignChallenge(a.challenges, a.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign upload: %w", err)
	}

	return flow.UploadEmailProof(ctx, verification.UploadRequest{
		Kind:         zkemail.Kind(args[1]),
		FileName:     args[2],
		Content:      content,
		Auth:         proof,
		Counterparty: optionalArg(args, 4),
	})
}

func addressArg(args []string, i int) (common.Address, error) {
	if len(args) <= i {
		return common.Address{}, fmt.Errorf("missing pool address")
	}
	if !common.IsHexAddress(args[i]) {
		return common.Address{}, fmt.Errorf("invalid address %q", args[i])
	}
	return common.HexToAddress(args[i]), nil
}

func optionalArg(args []string, i int) string {
	if len(args) <= i {
		return ""
	}
	return args[i]
}
