// Package identity integrates the hosted QR-code identity widget. The widget
// is reached by redirect and reports back by posting its result to the
// callback endpoint; the outcome is published on the event bus.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/events"
	"github.com/Maphikza/datafi-verifier.git/internal/logger"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// SessionParam is the callback query parameter carrying the session a
// widget round trip was started with.
const SessionParam = "session"

var ErrMalformedCallback = errors.New("malformed identity callback")

type Config struct {
	WidgetURL   string
	AppName     string
	Scope       string
	CallbackURL string // may contain {pool}
	MinimumAge  int
}

type Disclosures struct {
	MinimumAge  int  `json:"minimumAge,omitempty"`
	Nationality bool `json:"nationality,omitempty"`
}

// app is the request the widget decodes from its selfApp parameter.
type app struct {
	AppName     string      `json:"appName"`
	Scope       string      `json:"scope"`
	Endpoint    string      `json:"endpoint"`
	UserID      string      `json:"userId"`
	UserIDType  string      `json:"userIdType"`
	Disclosures Disclosures `json:"disclosures"`
	ProofNames  []string    `json:"proofNames,omitempty"`
}

// Result is what the widget reported. Beyond Success it is opaque and only
// passed through to the pool contract.
type Result struct {
	Success    bool            `json:"success"`
	UserID     string          `json:"userId,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Raw        json.RawMessage `json:"raw"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

type callback struct {
	Status        string          `json:"status"`
	UserID        string          `json:"userId"`
	Error         string          `json:"error"`
	Proof         json.RawMessage `json:"proof"`
	PublicSignals []string        `json:"publicSignals"`
}

type Widget struct {
	cfg Config
	bus *events.Bus
}

func NewWidget(cfg Config, bus *events.Bus) *Widget {
	if cfg.MinimumAge <= 0 {
		cfg.MinimumAge = 18
	}
	return &Widget{cfg: cfg, bus: bus}
}

// DisclosuresFor lists what the widget must reveal to satisfy reqs.
func (w *Widget) DisclosuresFor(reqs []contract.ProofRequirement) Disclosures {
	var d Disclosures
	for _, r := range reqs {
		switch r.ProofType {
		case contract.ProofAge:
			d.MinimumAge = w.cfg.MinimumAge
		case contract.ProofNationality:
			d.Nationality = true
		}
	}
	return d
}

// RequestURL builds the redirect to the widget for user on pool. The widget
// posts back to the callback endpoint with session in its query.
func (w *Widget) RequestURL(pool, userID, session string, reqs []contract.ProofRequirement) (string, error) {
	if w.cfg.WidgetURL == "" {
		return "", errors.New("identity widget url is not configured")
	}
	base, err := url.Parse(w.cfg.WidgetURL)
	if err != nil {
		return "", fmt.Errorf("invalid identity widget url: %w", err)
	}

	endpoint, err := url.Parse(strings.ReplaceAll(w.cfg.CallbackURL, "{pool}", pool))
	if err != nil {
		return "", fmt.Errorf("invalid identity callback url: %w", err)
	}
	if session != "" {
		q := endpoint.Query()
		q.Set(SessionParam, session)
		endpoint.RawQuery = q.Encode()
	}

	a := app{
		AppName:     w.cfg.AppName,
		Scope:       w.cfg.Scope,
		Endpoint:    endpoint.String(),
		UserID:      strings.TrimPrefix(strings.ToLower(userID), "0x"),
		UserIDType:  "hex",
		Disclosures: w.DisclosuresFor(reqs),
	}
	for _, r := range reqs {
		if r.ProofType == contract.ProofAge || r.ProofType == contract.ProofNationality {
			a.ProofNames = append(a.ProofNames, r.Name)
		}
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	q := base.Query()
	q.Set("selfApp", base64.RawURLEncoding.EncodeToString(raw))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// ParseCallback decodes the body the widget posts back.
func ParseCallback(body []byte) (*Result, error) {
	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	res := &Result{
		UserID:     cb.UserID,
		Raw:        append(json.RawMessage(nil), body...),
		ReceivedAt: time.Now().UTC(),
	}
	switch cb.Status {
	case StatusSuccess:
		if len(cb.Proof) == 0 || string(cb.Proof) == "null" {
			return nil, fmt.Errorf("%w: success without proof", ErrMalformedCallback)
		}
		res.Success = true
	case StatusError:
		res.Reason = cb.Error
		if res.Reason == "" {
			res.Reason = "identity verification failed"
		}
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedCallback, cb.Status)
	}
	return res, nil
}

// Address is the wallet the widget verified. The widget echoes the hex id it
// was given, with or without the 0x prefix.
func (r *Result) Address() (common.Address, error) {
	id := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(r.UserID)), "0x")
	if len(id) != 2*common.AddressLength || !common.IsHexAddress(id) {
		return common.Address{}, fmt.Errorf("%w: user id %q is not an address", ErrMalformedCallback, r.UserID)
	}
	return common.HexToAddress(id), nil
}

// SelfProof extracts the attestation to submit on chain.
func (r *Result) SelfProof() (contract.SelfProof, error) {
	var cb callback
	if err := json.Unmarshal(r.Raw, &cb); err != nil {
		return contract.SelfProof{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	proof := contract.SelfProof{Proof: []byte(cb.Proof), PublicSignals: []*big.Int{}}
	for _, s := range cb.PublicSignals {
		v, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return contract.SelfProof{}, fmt.Errorf("%w: bad public signal %q", ErrMalformedCallback, s)
		}
		proof.PublicSignals = append(proof.PublicSignals, v)
	}
	return proof, nil
}

// Report publishes the outcome of a widget round trip.
func (w *Widget) Report(pool, user string, res *Result) {
	e := events.Event{Type: events.IdentityFailed, Pool: pool, User: user}
	if res != nil && res.Success {
		e.Type = events.IdentitySucceeded
	} else if res != nil {
		e.Message = res.Reason
	}

	logger.Info("Identity widget reported", "pool", pool, "user", user, "event", string(e.Type))
	w.bus.Publish(e)
}
