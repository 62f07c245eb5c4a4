// Package api is the HTTP surface for the browser front end. Sellers sign a
// challenge with their wallet to get a session token; every pool route acts
// on behalf of the wallet in that token.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Maphikza/datafi-verifier.git/internal/auth"
	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/dashboard"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
	"github.com/Maphikza/datafi-verifier.git/internal/tracker"
	"github.com/Maphikza/datafi-verifier.git/internal/verification"
)

const maxBodyBytes = 10 << 20

type Deps struct {
	Gateway      contract.Gateway
	Orchestrator *verification.Orchestrator
	Dashboard    *dashboard.Dashboard
	Tracker      *tracker.Tracker
	Challenges   *auth.ChallengeStore
	Verifier     *auth.Verifier
	JWTKey       []byte
	TokenTTL     time.Duration
	// AllowedOrigin is sent as Access-Control-Allow-Origin.
	AllowedOrigin string
}

type Server struct {
	gateway       contract.Gateway
	orchestrator  *verification.Orchestrator
	dashboard     *dashboard.Dashboard
	tracker       *tracker.Tracker
	challenges    *auth.ChallengeStore
	verifier      *auth.Verifier
	jwtKey        []byte
	tokenTTL      time.Duration
	allowedOrigin string
	now           func() time.Time
}

func NewServer(deps Deps) *Server {
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = defaultTokenTTL
	}
	return &Server{
		gateway:       deps.Gateway,
		orchestrator:  deps.Orchestrator,
		dashboard:     deps.Dashboard,
		tracker:       deps.Tracker,
		challenges:    deps.Challenges,
		verifier:      deps.Verifier,
		jwtKey:        deps.JWTKey,
		tokenTTL:      deps.TokenTTL,
		allowedOrigin: deps.AllowedOrigin,
		now:           time.Now,
	}
}

// Router returns the full route table.
func (s *Server) Router() http.Handler {
	base := func(h http.HandlerFunc) http.HandlerFunc {
		return ApplyMiddleware(h, RequestIDMiddleware, ErrorMiddleware, LoggingMiddleware, s.CORSMiddleware, JSONContentTypeMiddleware)
	}
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return base(s.JWTMiddleware(h))
	}

	router := mux.NewRouter()
	router.HandleFunc("/auth/challenge", base(s.handleChallenge)).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/auth/verify", base(s.handleVerify)).Methods(http.MethodPost, http.MethodOptions)

	router.HandleFunc("/pools", authed(s.handleListPools)).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/pools", authed(s.handleCreatePool)).Methods(http.MethodPost)

	pools := router.PathPrefix("/pools/{addr}").Subrouter()
	pools.HandleFunc("", authed(s.handleGetPool)).Methods(http.MethodGet, http.MethodOptions)
	pools.HandleFunc("/join", authed(s.handleJoin)).Methods(http.MethodPost, http.MethodOptions)
	pools.HandleFunc("/flow", authed(s.handleFlow)).Methods(http.MethodGet, http.MethodOptions)
	pools.HandleFunc("/identity/begin", authed(s.handleBeginIdentity)).Methods(http.MethodPost, http.MethodOptions)
	// The widget posts its result here directly, without a login session. It
	// must carry the session minted by /identity/begin.
	pools.HandleFunc("/identity/callback", base(s.handleIdentityCallback)).Methods(http.MethodPost, http.MethodOptions)
	pools.HandleFunc("/identity/submit", authed(s.handleSubmitIdentity)).Methods(http.MethodPost, http.MethodOptions)
	pools.HandleFunc("/email", authed(s.handleEmailUpload)).Methods(http.MethodPost, http.MethodOptions)
	pools.HandleFunc("/advance", authed(s.handleAdvance)).Methods(http.MethodPost, http.MethodOptions)
	pools.HandleFunc("/submissions", authed(s.handleSubmissions)).Methods(http.MethodGet, http.MethodOptions)
	pools.HandleFunc("/submissions/{id}/review", authed(s.handleReview)).Methods(http.MethodPost, http.MethodOptions)
	pools.HandleFunc("/submissions/{id}/data", authed(s.handleSubmissionData)).Methods(http.MethodGet, http.MethodOptions)
	pools.HandleFunc("/submissions/{id}/purchase", authed(s.handlePurchase)).Methods(http.MethodPost, http.MethodOptions)

	router.HandleFunc("/records", authed(s.handleRecords)).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/records", authed(s.handleClearRecords)).Methods(http.MethodDelete)

	return router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("Shutting down HTTP API")
		return srv.Shutdown(shutdownCtx)
	}
}
