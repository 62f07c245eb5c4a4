package proof

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceAlwaysSixtyFourHex(t *testing.T) {
	claims := []EmailClaim{
		{},
		{From: "a@b.c"},
		{From: "invites@datafi.xyz", Subject: "You're invited", Timestamp: 1718000000},
		{From: strings.Repeat("x", 500), Subject: strings.Repeat("é", 300), Timestamp: -1},
	}

	for _, c := range claims {
		ref := GenerateProofReference(c)
		assert.Len(t, ref, ReferenceLength)
		assert.True(t, IsReference(ref), "not hex: %s", ref)
	}
}

func TestReferenceIsStableForSameClaim(t *testing.T) {
	c := EmailClaim{From: "news@example.com", Subject: "Welcome", Timestamp: 42}
	assert.Equal(t, GenerateProofReference(c), GenerateProofReference(c))
}

func TestMockGenerator(t *testing.T) {
	g := MockGenerator{}
	claim := EmailClaim{From: "news@example.com", Subject: "Welcome", Timestamp: 42}

	p1, err := g.Generate(context.Background(), claim)
	require.NoError(t, err)
	p2, err := g.Generate(context.Background(), claim)
	require.NoError(t, err)

	assert.Len(t, p1.Data, 32)
	assert.True(t, p1.Mocked)
	assert.Equal(t, p1.Reference, p2.Reference)
	assert.NotEqual(t, p1.Data, p2.Data)
}

func TestMockGeneratorHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := MockGenerator{}.Generate(ctx, EmailClaim{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsReference(t *testing.T) {
	assert.False(t, IsReference("abc"))
	assert.False(t, IsReference(strings.Repeat("G", 64)))
	assert.False(t, IsReference(strings.Repeat("A", 64)))
	assert.True(t, IsReference(strings.Repeat("a", 64)))
}
