package verification

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/url"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/database"
	"github.com/Maphikza/datafi-verifier.git/internal/events"
	"github.com/Maphikza/datafi-verifier.git/internal/identity"
	"github.com/Maphikza/datafi-verifier.git/internal/state"
	"github.com/Maphikza/datafi-verifier.git/internal/storage"
	"github.com/Maphikza/datafi-verifier.git/internal/tracker"
	"github.com/Maphikza/datafi-verifier.git/internal/zkemail"
)

const inviteEmail = "From: DataFi Invites <invites@datafi.xyz>\r\n" +
	"To: seller@example.com\r\n" +
	"Subject: You're invited to DataFi\r\n" +
	"Date: Mon, 02 Jun 2025 10:00:00 +0000\r\n" +
	"\r\n" +
	"Welcome aboard.\r\n"

var creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")

type harness struct {
	orch       *Orchestrator
	gateway    *contract.MemoryGateway
	store      *storage.LocalClient
	tracker    *tracker.Tracker
	state      *state.Store
	challenges *auth.ChallengeStore
	bus        *events.Bus
	signer     *auth.EthSigner
	user       common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "verification.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{
		gateway:    contract.NewMemoryGateway(creator),
		state:      state.New(db, nil),
		challenges: auth.NewChallengeStore(db, 0),
		bus:        events.NewBus(),
		signer:     auth.NewEthSigner(key),
		user:       crypto.PubkeyToAddress(key.PublicKey),
	}
	h.tracker = tracker.New(db, h.bus)

	verifier := auth.NewVerifier(h.challenges)
	h.store, err = storage.NewLocalClient(db, "test master secret", verifier)
	require.NoError(t, err)

	h.orch = New(Deps{
		Gateway: h.gateway,
		Storage: h.store,
		Widget: identity.NewWidget(identity.Config{
			WidgetURL:   "https://redirect.self.xyz",
			AppName:     "DataFi",
			CallbackURL: "http://localhost/pools/{pool}/identity/callback",
		}, h.bus),
		Tracker: h.tracker,
		State:   h.state,
		Auth:    verifier,
		Bus:     h.bus,
	})
	return h
}

func (h *harness) pool(t *testing.T, types ...contract.ProofType) common.Address {
	t.Helper()
	var reqs []contract.ProofRequirement
	for i, pt := range types {
		reqs = append(reqs, contract.ProofRequirement{
			Name:       pt.String() + "_" + string(rune('a'+i)),
			ProofType:  pt,
			IsRequired: true,
		})
	}
	addr, _, err := h.gateway.CreatePool(context.Background(), contract.PoolParams{
		Name:         "Test pool",
		Requirements: reqs,
		PricePerData: big.NewInt(1),
		TotalBudget:  big.NewInt(100),
	})
	require.NoError(t, err)
	_, err = h.gateway.JoinPool(context.Background(), addr, h.user)
	require.NoError(t, err)
	return addr
}

func (h *harness) open(t *testing.T, pool common.Address) *Flow {
	t.Helper()
	f, err := h.orch.Open(context.Background(), pool, h.user)
	require.NoError(t, err)
	return f
}

func (h *harness) proof(t *testing.T) auth.Proof {
	t.Helper()
	p, err := auth.SignChallenge(h.challenges, h.signer)
	require.NoError(t, err)
	return p
}

func successfulIdentity(t *testing.T) *identity.Result {
	t.Helper()
	res, err := identity.ParseCallback([]byte(`{"status":"success","userId":"u","proof":{"pi_a":["1","2"]},"publicSignals":["3"]}`))
	require.NoError(t, err)
	return res
}

func (h *harness) verifyIdentity(t *testing.T, f *Flow) {
	t.Helper()
	_, err := f.BeginIdentityStep(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.CompleteIdentityStep(context.Background(), successfulIdentity(t)))
	_, err = f.SubmitIdentityProof(context.Background())
	require.NoError(t, err)
}

func TestDeriveStepsPrecedenceAndOmission(t *testing.T) {
	all := []contract.ProofType{
		contract.ProofEmail, contract.ProofCustom, contract.ProofInvitation,
		contract.ProofNationality, contract.ProofAge,
	}

	for mask := 0; mask < 1<<len(all); mask++ {
		var reqs []contract.ProofRequirement
		want := map[StepType]bool{}
		for i, pt := range all {
			if mask&(1<<i) == 0 {
				continue
			}
			reqs = append(reqs, contract.ProofRequirement{Name: pt.String(), ProofType: pt})
			if st, ok := stepFor(pt); ok {
				want[st] = true
			}
		}

		steps := DeriveSteps(reqs)
		require.Len(t, steps, len(want), "mask %b", mask)

		last := -1
		for _, s := range steps {
			assert.True(t, want[s.Type])
			idx := -1
			for i, st := range stepOrder {
				if st == s.Type {
					idx = i
				}
			}
			assert.Greater(t, idx, last, "mask %b out of order", mask)
			last = idx
			assert.Equal(t, StatusPending, s.Status)
			assert.NotEmpty(t, s.ProofNames)
		}
	}
}

func TestDeriveStepsGroupsProofNames(t *testing.T) {
	steps := DeriveSteps([]contract.ProofRequirement{
		{Name: "nationality", ProofType: contract.ProofNationality},
		{Name: "age", ProofType: contract.ProofAge},
	})
	require.Len(t, steps, 1)
	assert.Equal(t, []string{"nationality", "age"}, steps[0].ProofNames)
}

func TestOpenRequiresMembership(t *testing.T) {
	h := newHarness(t)
	addr, _, err := h.gateway.CreatePool(context.Background(), contract.PoolParams{
		Name:         "closed club",
		PricePerData: big.NewInt(1),
		TotalBudget:  big.NewInt(1),
	})
	require.NoError(t, err)

	_, err = h.orch.Open(context.Background(), addr, h.user)
	assert.ErrorIs(t, err, ErrNotPoolMember)
}

func TestPoolWithoutStepsIsCompleted(t *testing.T) {
	h := newHarness(t)
	f := h.open(t, h.pool(t, contract.ProofCustom))

	assert.Equal(t, StateAllCompleted, f.State())
	assert.Nil(t, f.Current())
	assert.Equal(t, ActionNone, f.NextAction())
}

func TestIdleBeforeOpen(t *testing.T) {
	var f *Flow
	assert.Equal(t, StateIdle, f.State())
}

func TestIdentityThenInvitationScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := h.pool(t, contract.ProofAge, contract.ProofInvitation)

	f := h.open(t, pool)
	steps := f.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, StepIdentity, steps[0].Type)
	assert.Equal(t, StatusActive, steps[0].Status)
	assert.Equal(t, StepInvitationEmail, steps[1].Type)
	assert.Equal(t, StatusPending, steps[1].Status)
	assert.Equal(t, ActionBeginIdentity, f.NextAction())

	u, err := f.BeginIdentityStep(ctx)
	require.NoError(t, err)
	assert.Contains(t, u, "selfApp=")
	assert.True(t, f.ReturningFromWidget())

	require.NoError(t, f.CompleteIdentityStep(ctx, successfulIdentity(t)))
	assert.False(t, f.ReturningFromWidget())
	assert.Equal(t, StatusReadyToSubmit, f.Steps()[0].Status)
	assert.False(t, f.Steps()[0].Completed)

	_, err = f.SubmitIdentityProof(ctx)
	require.NoError(t, err)

	steps = f.Steps()
	assert.True(t, steps[0].Completed)
	assert.Equal(t, StatusCompleted, steps[0].Status)
	require.NotNil(t, f.Current())
	assert.Equal(t, StepInvitationEmail, f.Current().Type)
	assert.Equal(t, StatusActive, steps[1].Status)

	sig := h.proof(t)
	_, err = f.UploadEmailProof(ctx, UploadRequest{
		Kind: zkemail.KindInvitation, FileName: "invite.pdf", Content: []byte(inviteEmail), Auth: sig,
	})
	assert.ErrorIs(t, err, zkemail.ErrInvalidFileType)
	assert.Equal(t, StepInvitationEmail, f.Current().Type)
	assert.False(t, f.Steps()[1].Completed)

	// The rejected upload did not use up the signature.
	out, err := f.UploadEmailProof(ctx, UploadRequest{
		Kind: zkemail.KindInvitation, FileName: "invite.eml", Content: []byte(inviteEmail), Auth: sig,
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Len(t, out.ProofHash, 64)
	assert.NotEmpty(t, out.TransactionRef)

	assert.True(t, f.Steps()[1].Completed)
	assert.Equal(t, StateAllCompleted, f.State())

	verified, err := h.gateway.IsUserFullyVerified(ctx, pool, h.user)
	require.NoError(t, err)
	assert.True(t, verified)

	// The pool creator can read the stored artifact.
	payload, err := h.store.DecryptAndDownload(ctx, out.StorageReferenceID, creator.Hex())
	require.NoError(t, err)
	assert.Contains(t, string(payload), "invites@datafi.xyz")

	records, err := h.tracker.RecordsByPool(pool.Hex())
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// A fresh load sees the same progress.
	assert.Equal(t, StateAllCompleted, h.open(t, pool).State())
}

func TestCachedIdentityOffersSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := h.pool(t, contract.ProofAge)

	f := h.open(t, pool)
	_, err := f.BeginIdentityStep(ctx)
	require.NoError(t, err)
	require.NoError(t, f.CompleteIdentityStep(ctx, successfulIdentity(t)))

	reloaded := h.open(t, pool)
	assert.Equal(t, ActionSubmitIdentity, reloaded.NextAction())
	assert.Equal(t, StatusReadyToSubmit, reloaded.Steps()[0].Status)
	_, err = reloaded.BeginIdentityStep(ctx)
	assert.ErrorIs(t, err, ErrIdentityAlreadyVerified)
}

func TestSubmitIdentityRequiresCachedSuccess(t *testing.T) {
	h := newHarness(t)
	f := h.open(t, h.pool(t, contract.ProofNationality))

	_, err := f.SubmitIdentityProof(context.Background())
	assert.ErrorIs(t, err, ErrIdentityNotVerified)
}

func TestIdentityRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	f := h.open(t, h.pool(t, contract.ProofAge))

	_, err := f.BeginIdentityStep(ctx)
	require.NoError(t, err)
	err = f.CompleteIdentityStep(ctx, &identity.Result{Success: false, Reason: "expired passport"})
	assert.ErrorIs(t, err, ErrIdentityRejected)
	assert.Equal(t, ActionBeginIdentity, f.NextAction())
	assert.Equal(t, StatusActive, f.Steps()[0].Status)
	assert.False(t, f.ReturningFromWidget())
}

func TestIdentityRevertLeavesReadyToSubmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	f := h.open(t, h.pool(t, contract.ProofAge))

	_, err := f.BeginIdentityStep(ctx)
	require.NoError(t, err)
	require.NoError(t, f.CompleteIdentityStep(ctx, successfulIdentity(t)))

	h.gateway.Fail("SubmitSelfProof", contract.ErrReverted)
	_, err = f.SubmitIdentityProof(ctx)
	assert.ErrorIs(t, err, contract.ErrReverted)
	assert.False(t, f.Steps()[0].Completed)
	assert.Equal(t, StatusReadyToSubmit, f.Steps()[0].Status)

	h.gateway.Fail("SubmitSelfProof", nil)
	_, err = f.SubmitIdentityProof(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAllCompleted, f.State())
}

func TestEmailStepNeverCompletesOnPartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := h.pool(t, contract.ProofInvitation)

	h.gateway.Fail("SubmitProof", errors.New("rpc down"))
	f := h.open(t, pool)
	_, err := f.UploadEmailProof(ctx, UploadRequest{
		Kind: zkemail.KindInvitation, FileName: "invite.eml", Content: []byte(inviteEmail), Auth: h.proof(t),
	})
	require.Error(t, err)
	assert.False(t, f.Steps()[0].Completed)
	assert.Equal(t, StateInProgress, f.State())

	records, err := h.tracker.RecordsByPool(pool.Hex())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, StateInProgress, h.open(t, pool).State())

	h.gateway.Fail("SubmitProof", nil)
	_, err = f.UploadEmailProof(ctx, UploadRequest{
		Kind: zkemail.KindInvitation, FileName: "invite.eml", Content: []byte(inviteEmail), Auth: h.proof(t),
	})
	require.NoError(t, err)
	assert.Equal(t, StateAllCompleted, f.State())
}

func TestEmailUploadRejectsBadOrReplayedSignature(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	f := h.open(t, h.pool(t, contract.ProofInvitation, contract.ProofEmail))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	stranger := auth.NewEthSigner(key)
	foreign, err := auth.SignChallenge(h.challenges, stranger)
	require.NoError(t, err)

	_, err = f.UploadEmailProof(ctx, UploadRequest{
		Kind: zkemail.KindInvitation, FileName: "a.eml", Content: []byte(inviteEmail), Auth: foreign,
	})
	assert.ErrorIs(t, err, auth.ErrSignerMismatch)

	sig := h.proof(t)
	_, err = f.UploadEmailProof(ctx, UploadRequest{
		Kind: zkemail.KindInvitation, FileName: "a.eml", Content: []byte(inviteEmail), Auth: sig,
	})
	require.NoError(t, err)

	_, err = f.UploadEmailProof(ctx, UploadRequest{
		Kind: zkemail.KindSubscription, FileName: "b.eml", Content: []byte(inviteEmail), Auth: sig,
	})
	assert.ErrorIs(t, err, auth.ErrChallengeUsed)
	assert.False(t, f.Steps()[1].Completed)
}

func TestUploadForWrongStep(t *testing.T) {
	h := newHarness(t)
	f := h.open(t, h.pool(t, contract.ProofAge, contract.ProofEmail))

	_, err := f.UploadEmailProof(context.Background(), UploadRequest{
		Kind: zkemail.KindSubscription, FileName: "b.eml", Content: []byte(inviteEmail), Auth: h.proof(t),
	})
	assert.ErrorIs(t, err, ErrStepNotActive)

	_, err = f.UploadEmailProof(context.Background(), UploadRequest{Kind: "other"})
	assert.ErrorIs(t, err, zkemail.ErrUnknownKind)
}

func TestAdvanceIsNoOpUntilCompleted(t *testing.T) {
	h := newHarness(t)
	f := h.open(t, h.pool(t, contract.ProofAge, contract.ProofInvitation))

	assert.False(t, f.Advance())
	assert.Equal(t, StepIdentity, f.Current().Type)

	h.verifyIdentity(t, f)
	assert.Equal(t, StepInvitationEmail, f.Current().Type)
	assert.False(t, f.Advance())
}

func TestMalformedStoredResultIsNotCompleted(t *testing.T) {
	h := newHarness(t)
	pool := h.pool(t, contract.ProofInvitation)
	f := h.open(t, pool)

	require.NoError(t, h.state.Put(f.stepKey(StepInvitationEmail), "not a result"))
	assert.Equal(t, StateInProgress, h.open(t, pool).State())

	// A result without a confirmed transaction is not completion either.
	require.NoError(t, h.state.Put(f.stepKey(StepInvitationEmail), Result{Success: true}))
	assert.Equal(t, StateInProgress, h.open(t, pool).State())
}

func TestFlowPublishesProgress(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.bus.Subscribe(32)
	defer cancel()

	f := h.open(t, h.pool(t, contract.ProofAge))
	h.verifyIdentity(t, f)

	seen := map[events.Type]bool{}
	for len(ch) > 0 {
		seen[(<-ch).Type] = true
	}
	assert.True(t, seen[events.IdentityStarted])
	assert.True(t, seen[events.IdentitySucceeded])
	assert.True(t, seen[events.StepCompleted])
	assert.True(t, seen[events.FlowCompleted])
	assert.True(t, seen[events.RecordAdded])
}

func TestViewSnapshot(t *testing.T) {
	h := newHarness(t)
	pool := h.pool(t, contract.ProofAge, contract.ProofEmail)
	v := h.open(t, pool).View()

	assert.Equal(t, StateInProgress, v.State)
	assert.Equal(t, ActionBeginIdentity, v.NextAction)
	require.NotNil(t, v.Current)
	assert.Equal(t, StepIdentity, v.Current.Type)
	assert.Len(t, v.Steps, 2)
}

// widgetSessionOf pulls the callback session out of a widget URL.
func widgetSessionOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	payload, err := base64.RawURLEncoding.DecodeString(u.Query().Get("selfApp"))
	require.NoError(t, err)
	var app struct {
		Endpoint string `json:"endpoint"`
	}
	require.NoError(t, json.Unmarshal(payload, &app))
	endpoint, err := url.Parse(app.Endpoint)
	require.NoError(t, err)
	return endpoint.Query().Get(identity.SessionParam)
}

func TestWidgetCallbackNeedsSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := h.pool(t, contract.ProofAge)
	f := h.open(t, pool)

	err := f.AcceptWidgetCallback(ctx, "anything", successfulIdentity(t))
	assert.ErrorIs(t, err, ErrNoWidgetSession)

	u, err := f.BeginIdentityStep(ctx)
	require.NoError(t, err)
	session := widgetSessionOf(t, u)
	require.Len(t, session, 32)

	err = f.AcceptWidgetCallback(ctx, "0123456789abcdef0123456789abcdef", successfulIdentity(t))
	assert.ErrorIs(t, err, ErrWidgetSession)
	assert.True(t, f.ReturningFromWidget())
	assert.Equal(t, ActionBeginIdentity, f.NextAction())

	require.NoError(t, f.AcceptWidgetCallback(ctx, session, successfulIdentity(t)))
	assert.False(t, f.ReturningFromWidget())
	assert.Equal(t, ActionSubmitIdentity, f.NextAction())

	err = f.AcceptWidgetCallback(ctx, session, successfulIdentity(t))
	assert.ErrorIs(t, err, ErrNoWidgetSession, "a session is good for one callback")
}

func TestBeginRotatesWidgetSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := h.pool(t, contract.ProofAge)
	f := h.open(t, pool)

	first, err := f.BeginIdentityStep(ctx)
	require.NoError(t, err)
	second, err := f.BeginIdentityStep(ctx)
	require.NoError(t, err)

	stale := widgetSessionOf(t, first)
	assert.NotEqual(t, stale, widgetSessionOf(t, second))
	assert.ErrorIs(t, f.AcceptWidgetCallback(ctx, stale, successfulIdentity(t)), ErrWidgetSession)
}

func TestConcurrentFlowsSubmitOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pool := h.pool(t, contract.ProofAge, contract.ProofInvitation)

	setup := h.open(t, pool)
	_, err := setup.BeginIdentityStep(ctx)
	require.NoError(t, err)
	require.NoError(t, setup.CompleteIdentityStep(ctx, successfulIdentity(t)))

	// Both flows are opened before either submits, as two requests would.
	flows := []*Flow{h.open(t, pool), h.open(t, pool)}
	errs := make([]error, len(flows))
	var wg sync.WaitGroup
	for i, f := range flows {
		wg.Add(1)
		go func(i int, f *Flow) {
			defer wg.Done()
			_, errs[i] = f.SubmitIdentityProof(ctx)
		}(i, f)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrStepNotActive)
	}
	assert.Equal(t, 1, succeeded)

	records, err := h.tracker.RecordsByPool(pool.Hex())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
