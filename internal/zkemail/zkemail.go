// Package zkemail is the mocked zero-knowledge email verifier. It parses an
// uploaded .eml file, checks that the headers a real circuit would bind to are
// present and hands the claim to a proof.Generator. The content of the email is
// not validated against the pool's requirements.
package zkemail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/mail"
	"path/filepath"
	"strings"
	"time"

	"github.com/Maphikza/datafi-verifier.git/internal/logger"
	"github.com/Maphikza/datafi-verifier.git/internal/proof"
)

const AcceptedExtension = ".eml"

// Kind is which email proof is being submitted.
type Kind string

const (
	KindInvitation   Kind = "invitation"
	KindSubscription Kind = "subscription"
)

var (
	ErrInvalidFileType = errors.New("only .eml files are accepted")
	ErrMalformedEmail  = errors.New("email is missing From, Subject or Date")
	ErrUnknownKind     = errors.New("unknown email proof kind")
)

type Result struct {
	Success    bool             `json:"success"`
	Kind       Kind             `json:"kind"`
	Claim      proof.EmailClaim `json:"claim"`
	Proof      proof.Proof      `json:"proof"`
	ProofHash  string           `json:"proofHash"`
	VerifiedAt time.Time        `json:"verifiedAt"`
}

// CheckFileName rejects files that do not carry the accepted extension.
func CheckFileName(name string) error {
	if !strings.EqualFold(filepath.Ext(name), AcceptedExtension) {
		return fmt.Errorf("%w: %q", ErrInvalidFileType, name)
	}
	return nil
}

// ParseEmail reads the claim headers from a raw RFC 5322 message.
func ParseEmail(content []byte) (proof.EmailClaim, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(content))
	if err != nil {
		return proof.EmailClaim{}, fmt.Errorf("%w: %v", ErrMalformedEmail, err)
	}

	from := strings.TrimSpace(msg.Header.Get("From"))
	subject := strings.TrimSpace(msg.Header.Get("Subject"))
	if from == "" || subject == "" {
		return proof.EmailClaim{}, ErrMalformedEmail
	}

	date, err := msg.Header.Date()
	if err != nil {
		return proof.EmailClaim{}, fmt.Errorf("%w: %v", ErrMalformedEmail, err)
	}

	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}

	return proof.EmailClaim{
		From:      from,
		Subject:   subject,
		Timestamp: date.Unix(),
	}, nil
}

type Verifier struct {
	generator proof.Generator
}

func NewVerifier(generator proof.Generator) *Verifier {
	if generator == nil {
		generator = proof.MockGenerator{}
	}
	return &Verifier{generator: generator}
}

// Verify checks the file name, parses the email and generates its proof. The
// file name check happens before anything else is touched.
func (v *Verifier) Verify(ctx context.Context, fileName string, content []byte, kind Kind) (*Result, error) {
	if err := CheckFileName(fileName); err != nil {
		return nil, err
	}
	if kind != KindInvitation && kind != KindSubscription {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	claim, err := ParseEmail(content)
	if err != nil {
		return nil, err
	}

	p, err := v.generator.Generate(ctx, claim)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}

	logger.Debug("Email proof generated", "kind", string(kind), "from", claim.From, "mocked", p.Mocked)

	return &Result{
		Success:    true,
		Kind:       kind,
		Claim:      claim,
		Proof:      p,
		ProofHash:  p.Reference,
		VerifiedAt: time.Now().UTC(),
	}, nil
}
