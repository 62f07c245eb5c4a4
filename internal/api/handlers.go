package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/identity"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
	"github.com/Maphikza/datafi-verifier.git/internal/tracker"
	"github.com/Maphikza/datafi-verifier.git/internal/verification"
)

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		writeError(w, http.StatusBadRequest, "subject is required")
		return
	}

	ch, err := s.challenges.Issue(req.Subject)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleVerify exchanges a signed challenge for a session token. The
// challenge is consumed.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	owner := auth.NormalizeRef(req.Proof.Signer)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "proof signer is required")
		return
	}

	if err := s.verifier.Verify(r.Context(), owner, req.Proof); err != nil {
		logger.Warn("Login rejected", "signer", owner, "error", err)
		fail(w, r, err)
		return
	}

	token, expiresAt, err := s.GenerateJWT(owner)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.Info("Session issued", "user", owner, "scheme", string(req.Proof.Scheme))
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, UserID: owner, ExpiresAt: expiresAt})
}

// sessionUser is the wallet address of the session. Nostr sessions can
// browse but not act in pools.
func sessionUser(r *http.Request) (common.Address, error) {
	claims := claimsFrom(r.Context())
	if claims == nil || !auth.IsAddress(claims.UserID) {
		return common.Address{}, errNotAddress
	}
	return common.HexToAddress(claims.UserID), nil
}

func poolAddr(r *http.Request) (common.Address, error) {
	addr := mux.Vars(r)["addr"]
	if !common.IsHexAddress(addr) {
		return common.Address{}, errBadAddress
	}
	return common.HexToAddress(addr), nil
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	user, _ := sessionUser(r)
	views, err := s.dashboard.Pools(r.Context(), user)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := poolAddr(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	user, _ := sessionUser(r)
	view, err := s.dashboard.Pool(r.Context(), pool, user)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleJoin enrolls the session wallet as a seller of the pool.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	pool, err := poolAddr(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	user, err := sessionUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	receipt, err := s.gateway.JoinPool(r.Context(), pool, user)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.Info("Joined pool", "pool", pool.Hex(), "user", user.Hex(), "tx", receipt.TxHash)
	view, err := s.dashboard.Pool(r.Context(), pool, user)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCreatePool opens a new pool. The session wallet must be the account
// transactions are signed with, since it becomes the pool creator.
func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	user, err := sessionUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if signer := s.gateway.Signer(); signer != user {
		fail(w, r, fmt.Errorf("%w: session is %s, signer is %s", contract.ErrSignerMismatch, user.Hex(), signer.Hex()))
		return
	}
	var req createPoolRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	params, err := req.params()
	if err != nil {
		fail(w, r, err)
		return
	}

	addr, receipt, err := s.gateway.CreatePool(r.Context(), params)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.Info("Pool created", "pool", addr.Hex(), "creator", user.Hex(), "tx", receipt.TxHash)
	writeJSON(w, http.StatusCreated, createPoolResponse{Address: addr, Receipt: receipt})
}

func (s *Server) openFlow(r *http.Request) (*verification.Flow, error) {
	pool, err := poolAddr(r)
	if err != nil {
		return nil, err
	}
	user, err := sessionUser(r)
	if err != nil {
		return nil, err
	}
	return s.orchestrator.Open(r.Context(), pool, user)
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.openFlow(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow.View())
}

func (s *Server) handleBeginIdentity(w http.ResponseWriter, r *http.Request) {
	flow, err := s.openFlow(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	u, err := flow.BeginIdentityStep(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, beginIdentityResponse{URL: u})
}

// handleIdentityCallback receives the widget's result. It is only accepted
// with the session of the identity verification in progress.
func (s *Server) handleIdentityCallback(w http.ResponseWriter, r *http.Request) {
	pool, err := poolAddr(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read callback body")
		return
	}
	res, err := identity.ParseCallback(body)
	if err != nil {
		fail(w, r, err)
		return
	}
	user, err := res.Address()
	if err != nil {
		fail(w, r, err)
		return
	}

	flow, err := s.orchestrator.Open(r.Context(), pool, user)
	if err != nil {
		fail(w, r, err)
		return
	}
	session := r.URL.Query().Get(identity.SessionParam)
	if err := flow.AcceptWidgetCallback(r.Context(), session, res); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flow.View())
}

func (s *Server) handleSubmitIdentity(w http.ResponseWriter, r *http.Request) {
	flow, err := s.openFlow(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	res, err := flow.SubmitIdentityProof(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEmailUpload(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}
	flow, err := s.openFlow(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	outcome, err := flow.UploadEmailProof(r.Context(), verification.UploadRequest{
		Kind:         req.Kind,
		FileName:     req.FileName,
		Content:      req.Content,
		Auth:         req.Auth,
		Counterparty: req.Counterparty,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	flow, err := s.openFlow(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	flow.Advance()
	writeJSON(w, http.StatusOK, flow.View())
}

// requireCreator checks the session belongs to the creator of the pool.
func (s *Server) requireCreator(r *http.Request) (common.Address, error) {
	pool, err := poolAddr(r)
	if err != nil {
		return common.Address{}, err
	}
	user, err := sessionUser(r)
	if err != nil {
		return common.Address{}, err
	}
	info, err := s.gateway.GetPoolInfo(r.Context(), pool)
	if err != nil {
		return common.Address{}, err
	}
	if !info.IsCreator(user) {
		return common.Address{}, errNotCreator
	}
	return pool, nil
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	pool, err := s.requireCreator(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	subs, err := s.dashboard.Submissions(r.Context(), pool)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	pool, err := s.requireCreator(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req reviewRequest
	if err := decode(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	sub, err := s.dashboard.Review(r.Context(), pool, mux.Vars(r)["id"], req.Approve)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleSubmissionData decrypts a submission for the pool creator.
func (s *Server) handleSubmissionData(w http.ResponseWriter, r *http.Request) {
	pool, err := s.requireCreator(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	creator, _ := sessionUser(r)
	record, payload, err := s.dashboard.SubmissionData(r.Context(), pool, mux.Vars(r)["id"], creator)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submissionData{RecordID: record.ID, ContentID: record.StorageReferenceID, Data: payload})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	pool, err := s.requireCreator(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	purchase, err := s.dashboard.Purchase(r.Context(), pool, mux.Vars(r)["id"])
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

// handleRecords lists the tracker records the session owns or was shared.
// The pool, user, sharedWith and type query parameters narrow the result and
// may be combined.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := tracker.Filter{
		Pool:       q.Get("pool"),
		User:       q.Get("user"),
		SharedWith: q.Get("sharedWith"),
		Type:       tracker.RecordType(q.Get("type")),
		VisibleTo:  claimsFrom(r.Context()).UserID,
	}

	records, err := s.tracker.Find(filter)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleClearRecords removes the records the session owns. Records shared
// with the session are left alone.
func (s *Server) handleClearRecords(w http.ResponseWriter, r *http.Request) {
	user := claimsFrom(r.Context()).UserID
	removed, err := s.tracker.ClearUser(user)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clearedResponse{Cleared: true, Removed: removed})
}
