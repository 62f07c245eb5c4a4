// Package verification drives a seller through the ordered verification
// steps a pool requires. Steps are rebuilt from the pool's requirements and
// the locally persisted results every time a flow is opened, so a user can
// leave and resume at any point.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/events"
	"github.com/Maphikza/datafi-verifier.git/internal/identity"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
	"github.com/Maphikza/datafi-verifier.git/internal/state"
	"github.com/Maphikza/datafi-verifier.git/internal/storage"
	"github.com/Maphikza/datafi-verifier.git/internal/tracker"
	"github.com/Maphikza/datafi-verifier.git/internal/zkemail"
)

var (
	ErrNotPoolMember           = errors.New("user has not joined this pool")
	ErrStepNotActive           = errors.New("step is not the current step")
	ErrIdentityNotVerified     = errors.New("no successful identity verification on record")
	ErrIdentityAlreadyVerified = errors.New("identity already verified, submit it instead")
	ErrIdentityRejected        = errors.New("identity verification failed")
	ErrAllCompleted            = errors.New("verification already completed")
	ErrNoWidgetSession         = errors.New("no identity verification in progress")
	ErrWidgetSession           = errors.New("identity callback does not match the verification in progress")
)

type State string

const (
	StateIdle         State = "idle"
	StateInProgress   State = "in_progress"
	StateAllCompleted State = "all_completed"
)

type Action string

const (
	ActionBeginIdentity      Action = "begin_identity"
	ActionSubmitIdentity     Action = "submit_identity"
	ActionUploadInvitation   Action = "upload_invitation_email"
	ActionUploadSubscription Action = "upload_subscription_email"
	ActionNone               Action = "none"
)

// Result is produced once per completed step and never changed afterwards.
type Result struct {
	Success              bool      `json:"success"`
	ProofHash            string    `json:"proofHash"`
	EncryptedReferenceID string    `json:"encryptedReferenceId,omitempty"`
	TransactionRef       string    `json:"transactionRef,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Gateway contract.Gateway
	Storage storage.Client
	Emails  *zkemail.Verifier
	Widget  *identity.Widget
	Tracker *tracker.Tracker
	State   *state.Store
	Auth    *auth.Verifier
	Bus     *events.Bus
}

type Orchestrator struct {
	deps Deps

	mutex sync.Mutex
	locks map[string]*sync.Mutex
}

func New(deps Deps) *Orchestrator {
	if deps.Emails == nil {
		deps.Emails = zkemail.NewVerifier(nil)
	}
	return &Orchestrator{deps: deps, locks: make(map[string]*sync.Mutex)}
}

// lockFor returns the lock shared by every flow of user in pool, so two
// requests for the same seller never submit the same step twice.
func (o *Orchestrator) lockFor(pool, user common.Address) *sync.Mutex {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	k := ref(pool) + "/" + ref(user)
	l, ok := o.locks[k]
	if !ok {
		l = &sync.Mutex{}
		o.locks[k] = l
	}
	return l
}

// Flow is one user's progress through one pool.
type Flow struct {
	mutex   *sync.Mutex
	o       *Orchestrator
	pool    *contract.Pool
	user    common.Address
	steps   []Step
	current int
}

// Open loads the pool, checks membership and rebuilds the step list.
func (o *Orchestrator) Open(ctx context.Context, pool, user common.Address) (*Flow, error) {
	info, err := o.deps.Gateway.GetPoolInfo(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool: %w", err)
	}
	joined, err := o.deps.Gateway.HasUserJoined(ctx, pool, user)
	if err != nil {
		return nil, fmt.Errorf("failed to check membership: %w", err)
	}
	if !joined {
		return nil, ErrNotPoolMember
	}

	f := &Flow{
		mutex: o.lockFor(pool, user),
		o:     o,
		pool:  info,
		user:  user,
		steps: DeriveSteps(info.ProofRequirements),
	}
	f.mutex.Lock()
	f.resync()
	f.mutex.Unlock()
	return f, nil
}

// resync reloads progress from the store. Another flow for the same user may
// have completed a step since this one was opened.
func (f *Flow) resync() {
	f.rebuild()
	f.current = f.firstIncomplete()
	f.refreshStatuses()
}

func ref(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func (f *Flow) key(parts ...string) string {
	return strings.Join(append([]string{"verification", ref(f.pool.Address), ref(f.user)}, parts...), "/")
}

func (f *Flow) identityKey() string { return f.key("identity", "result") }
func (f *Flow) inProgressKey() string { return f.key("identity", "in_progress") }
func (f *Flow) stepKey(t StepType) string {
	return f.key("step", string(t))
}

func (f *Flow) cachedIdentity() (*identity.Result, bool) {
	var res identity.Result
	if err := f.o.deps.State.Get(f.identityKey(), &res); err != nil {
		return nil, false
	}
	return &res, res.Success
}

func (f *Flow) stepResult(t StepType) (*Result, bool) {
	var res Result
	if err := f.o.deps.State.Get(f.stepKey(t), &res); err != nil {
		return nil, false
	}
	return &res, res.Success && res.TransactionRef != ""
}

// rebuild recomputes the completion of every step from persisted results.
func (f *Flow) rebuild() {
	for i := range f.steps {
		_, done := f.stepResult(f.steps[i].Type)
		if f.steps[i].Type == StepIdentity {
			_, verified := f.cachedIdentity()
			done = done && verified
		}
		f.steps[i].Completed = done
	}
}

func (f *Flow) firstIncomplete() int {
	for i, s := range f.steps {
		if !s.Completed {
			return i
		}
	}
	return len(f.steps)
}

func (f *Flow) refreshStatuses() {
	_, verified := f.cachedIdentity()
	for i := range f.steps {
		s := &f.steps[i]
		switch {
		case s.Completed:
			s.Status = StatusCompleted
		case s.Type == StepIdentity && verified:
			s.Status = StatusReadyToSubmit
		case i == f.current:
			s.Status = StatusActive
		default:
			s.Status = StatusPending
		}
	}
}

func (f *Flow) Pool() *contract.Pool { return f.pool }
func (f *Flow) User() common.Address { return f.user }

// Steps returns a copy of the step list.
func (f *Flow) Steps() []Step {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([]Step, len(f.steps))
	copy(out, f.steps)
	for i := range out {
		out[i].ProofNames = append([]string(nil), out[i].ProofNames...)
	}
	return out
}

// Current returns the current step, or nil when every step is completed.
func (f *Flow) Current() *Step {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.current >= len(f.steps) {
		return nil
	}
	s := f.steps[f.current]
	return &s
}

func (f *Flow) State() State {
	if f == nil {
		return StateIdle
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.state()
}

func (f *Flow) state() State {
	if f.current >= len(f.steps) {
		return StateAllCompleted
	}
	return StateInProgress
}

// widgetSession marks a widget round trip in progress. The widget must post
// back with the same session.
type widgetSession struct {
	Session   string    `json:"session"`
	StartedAt time.Time `json:"startedAt"`
}

func (f *Flow) widgetSession() (*widgetSession, bool) {
	var ws widgetSession
	if err := f.o.deps.State.Get(f.inProgressKey(), &ws); err != nil || ws.Session == "" {
		return nil, false
	}
	return &ws, true
}

func newSession() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ReturningFromWidget reports whether the user left for the identity widget
// and has not been reported back yet.
func (f *Flow) ReturningFromWidget() bool {
	_, ok := f.widgetSession()
	return ok
}

// NextAction tells the caller what to offer the user.
func (f *Flow) NextAction() Action {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.current >= len(f.steps) {
		return ActionNone
	}
	switch f.steps[f.current].Type {
	case StepIdentity:
		if _, verified := f.cachedIdentity(); verified {
			return ActionSubmitIdentity
		}
		return ActionBeginIdentity
	case StepInvitationEmail:
		return ActionUploadInvitation
	default:
		return ActionUploadSubscription
	}
}

// Advance moves to the next step if the current one is completed. It
// reports whether the current step changed.
func (f *Flow) Advance() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.advance()
}

func (f *Flow) advance() bool {
	if f.current >= len(f.steps) || !f.steps[f.current].Completed {
		return false
	}
	f.current++
	f.refreshStatuses()

	if f.current >= len(f.steps) {
		logger.Info("Verification completed", "pool", ref(f.pool.Address), "user", ref(f.user))
		f.publish(events.FlowCompleted, "", "")
	}
	return true
}

func (f *Flow) requireCurrent(t StepType) error {
	if f.current >= len(f.steps) {
		return ErrAllCompleted
	}
	if f.steps[f.current].Type != t {
		return fmt.Errorf("%w: %s (current is %s)", ErrStepNotActive, t, f.steps[f.current].Type)
	}
	return nil
}

func (f *Flow) publish(t events.Type, step StepType, msg string) {
	f.o.deps.Bus.Publish(events.Event{
		Type:    t,
		Pool:    ref(f.pool.Address),
		User:    ref(f.user),
		Step:    string(step),
		Message: msg,
	})
}

// fail reports a step failure. The step stays current and incomplete.
func (f *Flow) fail(step StepType, err error) error {
	logger.Warn("Verification step failed", "pool", ref(f.pool.Address), "step", string(step), "error", err)
	f.publish(events.StepFailed, step, err.Error())
	return err
}

// complete persists the step result, records it and advances.
func (f *Flow) complete(t StepType, res Result, record tracker.DataRecord) error {
	if err := f.o.deps.State.Put(f.stepKey(t), res); err != nil {
		return f.fail(t, fmt.Errorf("failed to persist step result: %w", err))
	}

	record.Timestamp = res.Timestamp
	record.UserAddress = ref(f.user)
	record.PoolAddress = ref(f.pool.Address)
	record.ProofHash = res.ProofHash
	record.StorageReferenceID = res.EncryptedReferenceID
	if record.Metadata == nil {
		record.Metadata = map[string]string{}
	}
	record.Metadata["step"] = string(t)
	record.Metadata["transaction"] = res.TransactionRef
	if _, err := f.o.deps.Tracker.AddRecord(record); err != nil {
		// The step is already completed on chain; the tracker only feeds dashboards.
		logger.Error("Failed to track completed step", "step", string(t), "error", err)
	}

	f.rebuild()
	f.refreshStatuses()
	f.publish(events.StepCompleted, t, res.TransactionRef)
	f.advance()
	return nil
}

// BeginIdentityStep returns the widget URL to send the user to and marks the
// verification as in progress.
func (f *Flow) BeginIdentityStep(ctx context.Context) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.resync()

	if err := f.requireCurrent(StepIdentity); err != nil {
		return "", err
	}
	if _, verified := f.cachedIdentity(); verified {
		return "", ErrIdentityAlreadyVerified
	}

	session, err := newSession()
	if err != nil {
		return "", fmt.Errorf("failed to create widget session: %w", err)
	}
	u, err := f.o.deps.Widget.RequestURL(ref(f.pool.Address), ref(f.user), session, f.identityRequirements())
	if err != nil {
		return "", f.fail(StepIdentity, err)
	}
	ws := widgetSession{Session: session, StartedAt: time.Now().UTC()}
	if err := f.o.deps.State.Put(f.inProgressKey(), ws); err != nil {
		return "", fmt.Errorf("failed to mark verification in progress: %w", err)
	}

	f.publish(events.IdentityStarted, StepIdentity, "")
	return u, nil
}

func (f *Flow) identityRequirements() []contract.ProofRequirement {
	var reqs []contract.ProofRequirement
	for _, r := range f.pool.ProofRequirements {
		if t, ok := stepFor(r.ProofType); ok && t == StepIdentity {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

// CompleteIdentityStep records what the widget reported. It does not submit
// anything on chain.
func (f *Flow) CompleteIdentityStep(ctx context.Context, res *identity.Result) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.resync()
	return f.completeIdentity(res)
}

// AcceptWidgetCallback completes the identity step from an unauthenticated
// widget callback. session must be the one the round trip was begun with.
func (f *Flow) AcceptWidgetCallback(ctx context.Context, session string, res *identity.Result) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.resync()

	ws, ok := f.widgetSession()
	if !ok {
		return ErrNoWidgetSession
	}
	if subtle.ConstantTimeCompare([]byte(ws.Session), []byte(session)) != 1 {
		logger.Warn("Identity callback with wrong session", "pool", ref(f.pool.Address), "user", ref(f.user))
		return ErrWidgetSession
	}
	return f.completeIdentity(res)
}

func (f *Flow) completeIdentity(res *identity.Result) error {
	if err := f.requireCurrent(StepIdentity); err != nil {
		return err
	}
	if err := f.o.deps.State.Delete(f.inProgressKey()); err != nil {
		logger.Warn("Failed to clear in-progress flag", "error", err)
	}
	f.o.deps.Widget.Report(ref(f.pool.Address), ref(f.user), res)

	if res == nil || !res.Success {
		reason := "no result"
		if res != nil {
			reason = res.Reason
		}
		return f.fail(StepIdentity, fmt.Errorf("%w: %s", ErrIdentityRejected, reason))
	}

	if err := f.o.deps.State.Put(f.identityKey(), res); err != nil {
		return fmt.Errorf("failed to cache identity result: %w", err)
	}
	f.refreshStatuses()
	return nil
}

// SubmitIdentityProof sends the cached attestation to the pool. The step is
// completed only once the transaction is confirmed.
func (f *Flow) SubmitIdentityProof(ctx context.Context) (*Result, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.resync()

	if err := f.requireCurrent(StepIdentity); err != nil {
		return nil, err
	}
	cached, verified := f.cachedIdentity()
	if !verified {
		return nil, ErrIdentityNotVerified
	}

	proof, err := cached.SelfProof()
	if err != nil {
		return nil, f.fail(StepIdentity, err)
	}
	receipt, err := f.o.deps.Gateway.SubmitSelfProof(ctx, f.pool.Address, f.user, proof)
	if err != nil {
		return nil, f.fail(StepIdentity, fmt.Errorf("identity submission failed: %w", err))
	}
	if !receipt.Confirmed {
		return nil, f.fail(StepIdentity, contract.ErrReverted)
	}

	digest := sha256.Sum256(proof.Proof)
	res := Result{
		Success:        true,
		ProofHash:      hex.EncodeToString(digest[:]),
		TransactionRef: receipt.TxHash,
		Timestamp:      time.Now().UTC(),
	}
	record := tracker.DataRecord{
		Type:        tracker.TypeVerification,
		DataPreview: "Identity: " + strings.Join(f.currentProofNames(), ", "),
	}
	if err := f.complete(StepIdentity, res, record); err != nil {
		return nil, err
	}
	return &res, nil
}

func (f *Flow) currentProofNames() []string {
	if f.current >= len(f.steps) {
		return nil
	}
	return f.steps[f.current].ProofNames
}

// UploadRequest carries one email proof upload. Auth must be a signature by
// the flow's user over an unused challenge. Counterparty, when set, is given
// read access alongside the pool creator.
type UploadRequest struct {
	Kind         zkemail.Kind
	FileName     string
	Content      []byte
	Auth         auth.Proof
	Counterparty string
}

type UploadOutcome struct {
	Success            bool   `json:"success"`
	StorageReferenceID string `json:"storageReferenceId"`
	ProofHash          string `json:"proofHash"`
	TransactionRef     string `json:"transactionRef"`
}

// emailArtifact is what gets encrypted and stored for an email proof.
type emailArtifact struct {
	Kind       zkemail.Kind `json:"kind"`
	From       string       `json:"from"`
	Subject    string       `json:"subject"`
	Timestamp  int64        `json:"timestamp"`
	Proof      []byte       `json:"proof"`
	ProofHash  string       `json:"proofHash"`
	Mocked     bool         `json:"mocked"`
	VerifiedAt time.Time    `json:"verifiedAt"`
}

// UploadEmailProof runs verify, upload, share and submit strictly in that
// order. The step is completed only if all four succeed. Nothing is rolled
// back when a later stage fails.
func (f *Flow) UploadEmailProof(ctx context.Context, req UploadRequest) (*UploadOutcome, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.resync()

	step, ok := StepForKind(req.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", zkemail.ErrUnknownKind, req.Kind)
	}
	if err := f.requireCurrent(step); err != nil {
		return nil, err
	}
	proofNames := f.steps[f.current].ProofNames

	verified, err := f.o.deps.Emails.Verify(ctx, req.FileName, req.Content, req.Kind)
	if err != nil {
		return nil, f.fail(step, err)
	}

	owner := ref(f.user)
	if err := f.o.deps.Auth.Verify(ctx, owner, req.Auth); err != nil {
		return nil, f.fail(step, fmt.Errorf("signature rejected: %w", err))
	}

	artifact, err := json.Marshal(emailArtifact{
		Kind:       verified.Kind,
		From:       verified.Claim.From,
		Subject:    verified.Claim.Subject,
		Timestamp:  verified.Claim.Timestamp,
		Proof:      verified.Proof.Data,
		ProofHash:  verified.ProofHash,
		Mocked:     verified.Proof.Mocked,
		VerifiedAt: verified.VerifiedAt,
	})
	if err != nil {
		return nil, f.fail(step, err)
	}

	uploaded, err := f.o.deps.Storage.EncryptAndUpload(ctx, artifact, owner, req.Auth)
	if err != nil {
		return nil, f.fail(step, fmt.Errorf("encrypted upload failed: %w", err))
	}

	grantees := []string{ref(f.pool.Creator)}
	if req.Counterparty != "" {
		grantees = append(grantees, req.Counterparty)
	}
	shared, err := f.o.deps.Storage.ShareAccess(ctx, uploaded.ContentID, grantees, owner, req.Auth)
	if err == nil && !shared {
		err = errors.New("storage service declined to share")
	}
	if err != nil {
		f.warnPartial(step, uploaded.ContentID, "share")
		return nil, f.fail(step, fmt.Errorf("sharing access failed: %w", err))
	}

	var txRef string
	for _, name := range proofNames {
		receipt, err := f.o.deps.Gateway.SubmitProof(ctx, f.pool.Address, f.user, name, verified.ProofHash)
		if err == nil && !receipt.Confirmed {
			err = contract.ErrReverted
		}
		if err != nil {
			f.warnPartial(step, uploaded.ContentID, "submit")
			return nil, f.fail(step, fmt.Errorf("proof submission failed: %w", err))
		}
		txRef = receipt.TxHash
	}

	res := Result{
		Success:              true,
		ProofHash:            verified.ProofHash,
		EncryptedReferenceID: uploaded.ContentID,
		TransactionRef:       txRef,
		Timestamp:            time.Now().UTC(),
	}
	record := tracker.DataRecord{
		Type:        tracker.TypeDataSubmission,
		SharedWith:  grantees,
		DataPreview: fmt.Sprintf("%s email from %s: %s", verified.Kind, verified.Claim.From, verified.Claim.Subject),
		Status:      tracker.StatusShared,
		Metadata:    map[string]string{"file": req.FileName, "mocked": fmt.Sprint(verified.Proof.Mocked)},
	}
	if err := f.complete(step, res, record); err != nil {
		return nil, err
	}

	return &UploadOutcome{
		Success:            true,
		StorageReferenceID: uploaded.ContentID,
		ProofHash:          verified.ProofHash,
		TransactionRef:     txRef,
	}, nil
}

func (f *Flow) warnPartial(step StepType, contentID, stage string) {
	logger.Warn("Encrypted upload left without on-chain proof",
		"pool", ref(f.pool.Address), "step", string(step), "cid", contentID, "failed_stage", stage)
}

// View is a serializable snapshot of a flow.
type View struct {
	Pool                string `json:"pool"`
	User                string `json:"user"`
	State               State  `json:"state"`
	Steps               []Step `json:"steps"`
	Current             *Step  `json:"current,omitempty"`
	NextAction          Action `json:"nextAction"`
	ReturningFromWidget bool   `json:"returningFromWidget"`
}

func (f *Flow) View() View {
	return View{
		Pool:                ref(f.pool.Address),
		User:                ref(f.user),
		State:               f.State(),
		Steps:               f.Steps(),
		Current:             f.Current(),
		NextAction:          f.NextAction(),
		ReturningFromWidget: f.ReturningFromWidget(),
	}
}
