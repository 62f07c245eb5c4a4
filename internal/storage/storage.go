// Package storage is the encrypted object store client. Payloads are sealed
// before they leave the process and can only be read back by their owner or
// by a grantee the owner has shared them with. Access can be extended but
// never revoked.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
)

var (
	ErrAccessDenied = errors.New("requester is not on the access list")
	ErrNotFound     = errors.New("object not found")
	ErrNotOwner     = errors.New("only the owner can share an object")
	ErrEmptyPayload = errors.New("payload is empty")
)

type UploadResult struct {
	ContentID       string `json:"contentId"`
	AccessCondition string `json:"accessCondition"`
}

// Client is implemented by every storage backend. Mutating calls require a
// signature by ownerRef. Failures are returned as is; nothing is retried.
type Client interface {
	EncryptAndUpload(ctx context.Context, payload []byte, ownerRef string, authProof auth.Proof) (*UploadResult, error)
	ShareAccess(ctx context.Context, contentID string, granteeRefs []string, ownerRef string, authProof auth.Proof) (bool, error)
	DecryptAndDownload(ctx context.Context, contentID, requesterRef string) ([]byte, error)
	CheckAccess(ctx context.Context, contentID, requesterRef string) (bool, error)
}

// accessCondition describes who may decrypt an object.
type accessCondition struct {
	Rule  string `json:"rule"`
	Owner string `json:"owner"`
}

func describeAccess(owner string) string {
	raw, _ := json.Marshal(accessCondition{Rule: "owner-or-grantee", Owner: owner})
	return string(raw)
}

func normalizeRefs(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		r = auth.NormalizeRef(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func validContentID(id string) bool {
	if len(id) != 64 {
		return false
	}
	return strings.Trim(strings.ToLower(id), "0123456789abcdef") == ""
}
