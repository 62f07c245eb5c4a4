package auth

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nbd-wtf/go-nostr"
)

// Scheme names how a proof was signed.
type Scheme string

const (
	SchemeEIP191 Scheme = "eip191"
	SchemeNostr  Scheme = "nostr"

	// NostrAuthKind is the event kind used for signed authentication messages.
	NostrAuthKind = 22242

	messagePrefix = "DataFi authentication"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrSignerMismatch   = errors.New("signature does not belong to the expected signer")
	ErrMissingNonce     = errors.New("signed message carries no nonce")
	ErrUnknownScheme    = errors.New("unknown signature scheme")
)

// Proof is a wallet signature over an authentication message.
type Proof struct {
	Scheme    Scheme       `json:"scheme"`
	Signer    string       `json:"signer"`
	Message   string       `json:"message,omitempty"`
	Signature string       `json:"signature,omitempty"`
	Event     *nostr.Event `json:"event,omitempty"`
}

// BuildMessage renders the text a wallet signs for nonce.
func BuildMessage(subject, nonce string, issued time.Time) string {
	return fmt.Sprintf("%s\nsigner: %s\nnonce: %s\nissued: %s",
		messagePrefix, subject, nonce, issued.UTC().Format(time.RFC3339))
}

// NonceFromMessage extracts the nonce line of a message built by BuildMessage.
func NonceFromMessage(message string) (string, error) {
	for _, line := range strings.Split(message, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "nonce: "); ok && v != "" {
			return v, nil
		}
	}
	return "", ErrMissingNonce
}

// NormalizeRef lowercases wallet addresses and nostr keys so they compare equal.
func NormalizeRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}

// IsAddress reports whether ref is an EVM address.
func IsAddress(ref string) bool {
	return strings.HasPrefix(ref, "0x") && common.IsHexAddress(ref)
}

// Verifier checks wallet signatures and, when a challenge store is present,
// consumes the nonce they carry so a signature is accepted only once.
type Verifier struct {
	challenges *ChallengeStore
}

func NewVerifier(challenges *ChallengeStore) *Verifier {
	return &Verifier{challenges: challenges}
}

// CheckSignature validates that p was signed by owner. It does not touch the
// nonce, so it can be repeated for every call made within one operation.
func (v *Verifier) CheckSignature(owner string, p Proof) error {
	if NormalizeRef(p.Signer) != NormalizeRef(owner) {
		return ErrSignerMismatch
	}

	switch p.Scheme {
	case SchemeEIP191:
		return verifyEIP191(owner, p.Message, p.Signature)
	case SchemeNostr:
		if p.Event == nil {
			return ErrInvalidSignature
		}
		return verifyNostrEvent(owner, p.Event)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScheme, p.Scheme)
	}
}

// Verify checks the signature and consumes its nonce.
func (v *Verifier) Verify(ctx context.Context, owner string, p Proof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := v.CheckSignature(owner, p); err != nil {
		return err
	}
	if v.challenges == nil {
		return nil
	}

	nonce, err := NonceFromMessage(p.SignedText())
	if err != nil {
		return err
	}
	return v.challenges.Consume(nonce, owner)
}

// SignedText is the message the signature covers.
func (p Proof) SignedText() string {
	if p.Scheme == SchemeNostr && p.Event != nil {
		return p.Event.Content
	}
	return p.Message
}

func verifyEIP191(owner, message, signature string) error {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if !strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), owner) {
		return ErrSignerMismatch
	}
	return nil
}

func verifyNostrEvent(owner string, event *nostr.Event) error {
	if NormalizeRef(event.PubKey) != NormalizeRef(owner) {
		return ErrSignerMismatch
	}
	if event.GetID() != event.ID {
		return ErrInvalidSignature
	}

	hash, err := hex.DecodeString(event.ID)
	if err != nil {
		return ErrInvalidSignature
	}
	sigBytes, err := hex.DecodeString(event.Sig)
	if err != nil {
		return ErrInvalidSignature
	}
	pubBytes, err := hex.DecodeString(event.PubKey)
	if err != nil {
		return ErrInvalidSignature
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrInvalidSignature
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return ErrInvalidSignature
	}
	if !sig.Verify(hash, pub) {
		return ErrInvalidSignature
	}
	return nil
}

// Signer produces authentication proofs with a key held by this process.
type Signer interface {
	Ref() string
	Sign(message string) (Proof, error)
}

// EthSigner signs EIP-191 personal messages.
type EthSigner struct {
	key *ecdsa.PrivateKey
}

func NewEthSigner(key *ecdsa.PrivateKey) *EthSigner {
	return &EthSigner{key: key}
}

func (s *EthSigner) Ref() string {
	return NormalizeRef(crypto.PubkeyToAddress(s.key.PublicKey).Hex())
}

func (s *EthSigner) Sign(message string) (Proof, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), s.key)
	if err != nil {
		return Proof{}, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return Proof{
		Scheme:    SchemeEIP191,
		Signer:    s.Ref(),
		Message:   message,
		Signature: hexutil.Encode(sig),
	}, nil
}

// NostrSigner signs authentication messages as nostr events.
type NostrSigner struct {
	secretKey string
	publicKey string
}

func NewNostrSigner(secretKey string) (*NostrSigner, error) {
	pub, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid nostr secret key: %w", err)
	}
	return &NostrSigner{secretKey: secretKey, publicKey: pub}, nil
}

func (s *NostrSigner) Ref() string {
	return s.publicKey
}

func (s *NostrSigner) Sign(message string) (Proof, error) {
	nonce, err := NonceFromMessage(message)
	if err != nil {
		return Proof{}, err
	}

	event := &nostr.Event{
		PubKey:    s.publicKey,
		CreatedAt: nostr.Now(),
		Kind:      NostrAuthKind,
		Tags:      nostr.Tags{nostr.Tag{"nonce", nonce}},
		Content:   message,
	}
	if err := event.Sign(s.secretKey); err != nil {
		return Proof{}, fmt.Errorf("failed to sign event: %w", err)
	}

	return Proof{Scheme: SchemeNostr, Signer: s.publicKey, Event: event}, nil
}

// SignChallenge issues a challenge for signer and signs it in one step. The
// daemon uses this for operations it performs on its own user's behalf.
func SignChallenge(store *ChallengeStore, signer Signer) (Proof, error) {
	ch, err := store.Issue(signer.Ref())
	if err != nil {
		return Proof{}, err
	}
	return signer.Sign(ch.Message)
}
