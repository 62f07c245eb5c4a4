// Package proof holds the proof generation interface and its mock.
//
// MockGenerator does not perform any zero-knowledge computation. The proof
// bytes are random and the reference is a hex rendering of the claimed email
// fields. Neither is a cryptographic commitment: references can collide and
// nothing about them can be verified. A real circuit plugs in by implementing
// Generator.
package proof

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ReferenceLength is the length in hex characters of every proof reference.
const ReferenceLength = 64

// EmailClaim is what an uploaded email claims about itself.
type EmailClaim struct {
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Timestamp int64  `json:"timestamp"`
}

type Proof struct {
	Data      []byte `json:"data"`
	Reference string `json:"reference"`
	Mocked    bool   `json:"mocked"`
}

type Generator interface {
	Generate(ctx context.Context, claim EmailClaim) (Proof, error)
}

// GenerateProofReference returns a 64 character hex identifier for claim.
// It is an opaque placeholder with no integrity guarantee.
func GenerateProofReference(claim EmailClaim) string {
	summary, err := json.Marshal(claim)
	if err != nil {
		// EmailClaim always marshals; keep the length contract regardless.
		summary = []byte(fmt.Sprintf("%v", claim))
	}

	ref := hex.EncodeToString(summary)
	if len(ref) >= ReferenceLength {
		return ref[:ReferenceLength]
	}
	return ref + strings.Repeat("0", ReferenceLength-len(ref))
}

// MockGenerator is the stand-in for a zero-knowledge prover.
type MockGenerator struct{}

func (MockGenerator) Generate(ctx context.Context, claim EmailClaim) (Proof, error) {
	if err := ctx.Err(); err != nil {
		return Proof{}, err
	}

	data := make([]byte, 32)
	if _, err := rand.Read(data); err != nil {
		return Proof{}, fmt.Errorf("failed to generate mock proof: %w", err)
	}

	return Proof{
		Data:      data,
		Reference: GenerateProofReference(claim),
		Mocked:    true,
	}, nil
}

// IsReference reports whether s has the shape of a proof reference.
func IsReference(s string) bool {
	if len(s) != ReferenceLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil && strings.ToLower(s) == s
}
