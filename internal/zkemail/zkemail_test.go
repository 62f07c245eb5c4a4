package zkemail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maphikza/datafi-verifier.git/internal/proof"
)

const validEmail = "From: DataFi Invites <invites@datafi.xyz>\r\n" +
	"To: seller@example.com\r\n" +
	"Subject: You're invited to DataFi\r\n" +
	"Date: Mon, 02 Jun 2025 10:00:00 +0000\r\n" +
	"\r\n" +
	"Welcome aboard.\r\n"

type countingGenerator struct {
	calls int
}

func (g *countingGenerator) Generate(ctx context.Context, claim proof.EmailClaim) (proof.Proof, error) {
	g.calls++
	return proof.MockGenerator{}.Generate(ctx, claim)
}

func TestCheckFileName(t *testing.T) {
	assert.NoError(t, CheckFileName("invite.eml"))
	assert.NoError(t, CheckFileName("INVITE.EML"))
	assert.ErrorIs(t, CheckFileName("invite.txt"), ErrInvalidFileType)
	assert.ErrorIs(t, CheckFileName("invite.eml.pdf"), ErrInvalidFileType)
	assert.ErrorIs(t, CheckFileName("eml"), ErrInvalidFileType)
}

func TestParseEmail(t *testing.T) {
	claim, err := ParseEmail([]byte(validEmail))
	require.NoError(t, err)
	assert.Equal(t, "invites@datafi.xyz", claim.From)
	assert.Equal(t, "You're invited to DataFi", claim.Subject)
	assert.Equal(t, int64(1748858400), claim.Timestamp)
}

func TestParseEmailMissingHeaders(t *testing.T) {
	cases := map[string]string{
		"no subject": "From: a@b.c\r\nDate: Mon, 02 Jun 2025 10:00:00 +0000\r\n\r\nbody",
		"no from":    "Subject: hi\r\nDate: Mon, 02 Jun 2025 10:00:00 +0000\r\n\r\nbody",
		"bad date":   "From: a@b.c\r\nSubject: hi\r\nDate: yesterday\r\n\r\nbody",
		"no headers": "just some text",
	}
	for name, raw := range cases {
		_, err := ParseEmail([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedEmail, name)
	}
}

func TestVerifyRejectsWrongExtensionWithoutGenerating(t *testing.T) {
	gen := &countingGenerator{}
	v := NewVerifier(gen)

	_, err := v.Verify(context.Background(), "invite.pdf", []byte(validEmail), KindInvitation)
	assert.ErrorIs(t, err, ErrInvalidFileType)
	assert.Zero(t, gen.calls)
}

func TestVerifySuccess(t *testing.T) {
	gen := &countingGenerator{}
	v := NewVerifier(gen)

	res, err := v.Verify(context.Background(), "invite.eml", []byte(validEmail), KindInvitation)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, KindInvitation, res.Kind)
	assert.True(t, proof.IsReference(res.ProofHash))
	assert.Equal(t, 1, gen.calls)
}

func TestVerifyUnknownKind(t *testing.T) {
	_, err := NewVerifier(nil).Verify(context.Background(), "invite.eml", []byte(validEmail), Kind("other"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}
