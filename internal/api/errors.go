package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/dashboard"
	"github.com/Maphikza/datafi-verifier.git/internal/identity"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
	"github.com/Maphikza/datafi-verifier.git/internal/storage"
	"github.com/Maphikza/datafi-verifier.git/internal/tracker"
	"github.com/Maphikza/datafi-verifier.git/internal/verification"
	"github.com/Maphikza/datafi-verifier.git/internal/zkemail"
)

var (
	errNotAddress = errors.New("session is not bound to a wallet address")
	errNotCreator = errors.New("only the pool creator can manage its submissions")
	errBadAddress = errors.New("invalid address")
	errBadRequest = errors.New("invalid request body")
)

var statusTable = []struct {
	err    error
	status int
}{
	{contract.ErrPoolNotFound, http.StatusNotFound},
	{tracker.ErrRecordNotFound, http.StatusNotFound},
	{storage.ErrNotFound, http.StatusNotFound},
	{dashboard.ErrNoData, http.StatusNotFound},

	{verification.ErrNotPoolMember, http.StatusForbidden},
	{storage.ErrAccessDenied, http.StatusForbidden},
	{contract.ErrSignerMismatch, http.StatusForbidden},
	{errNotAddress, http.StatusForbidden},
	{errNotCreator, http.StatusForbidden},
	{verification.ErrWidgetSession, http.StatusForbidden},

	{verification.ErrStepNotActive, http.StatusConflict},
	{verification.ErrIdentityAlreadyVerified, http.StatusConflict},
	{verification.ErrIdentityNotVerified, http.StatusConflict},
	{verification.ErrAllCompleted, http.StatusConflict},
	{dashboard.ErrAlreadyReviewed, http.StatusConflict},
	{dashboard.ErrAlreadyBought, http.StatusConflict},
	{verification.ErrNoWidgetSession, http.StatusConflict},

	{verification.ErrIdentityRejected, http.StatusUnprocessableEntity},

	{zkemail.ErrInvalidFileType, http.StatusBadRequest},
	{zkemail.ErrMalformedEmail, http.StatusBadRequest},
	{zkemail.ErrUnknownKind, http.StatusBadRequest},
	{identity.ErrMalformedCallback, http.StatusBadRequest},
	{dashboard.ErrNotSubmission, http.StatusBadRequest},
	{storage.ErrEmptyPayload, http.StatusBadRequest},
	{errBadAddress, http.StatusBadRequest},
	{errBadRequest, http.StatusBadRequest},

	{auth.ErrInvalidSignature, http.StatusUnauthorized},
	{auth.ErrSignerMismatch, http.StatusUnauthorized},
	{auth.ErrMissingNonce, http.StatusUnauthorized},
	{auth.ErrUnknownScheme, http.StatusUnauthorized},
	{auth.ErrChallengeNotFound, http.StatusUnauthorized},
	{auth.ErrChallengeUsed, http.StatusUnauthorized},
	{auth.ErrChallengeExpired, http.StatusUnauthorized},
	{auth.ErrChallengeSubject, http.StatusUnauthorized},

	{contract.ErrReverted, http.StatusBadGateway},
}

// statusFor maps a domain error to the HTTP status the client sees.
func statusFor(err error) int {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// fail writes err with its mapped status. Internal errors are logged and
// reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("Request failed", "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
		writeError(w, status, "Internal server error")
		return
	}
	logger.Debug("Request rejected", "path", r.URL.Path, "status", status, "error", err)
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
