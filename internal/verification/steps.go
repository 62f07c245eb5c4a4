package verification

import (
	"strings"

	"github.com/Maphikza/datafi-verifier.git/internal/contract"
	"github.com/Maphikza/datafi-verifier.git/internal/zkemail"
)

type StepType string

const (
	StepIdentity          StepType = "identity"
	StepInvitationEmail   StepType = "email-a"
	StepSubscriptionEmail StepType = "email-b"
)

// stepOrder is the fixed precedence steps are presented in.
var stepOrder = []StepType{StepIdentity, StepInvitationEmail, StepSubscriptionEmail}

type StepStatus string

const (
	StatusPending       StepStatus = "pending"
	StatusActive        StepStatus = "active"
	StatusReadyToSubmit StepStatus = "ready_to_submit"
	StatusCompleted     StepStatus = "completed"
)

type Step struct {
	Type        StepType   `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	ProofNames  []string   `json:"proofNames"`
	Completed   bool       `json:"completed"`
	Status      StepStatus `json:"status"`
}

// stepFor maps a requirement to the step that satisfies it. CUSTOM
// requirements have no step.
func stepFor(t contract.ProofType) (StepType, bool) {
	switch t {
	case contract.ProofAge, contract.ProofNationality:
		return StepIdentity, true
	case contract.ProofInvitation:
		return StepInvitationEmail, true
	case contract.ProofEmail:
		return StepSubscriptionEmail, true
	default:
		return "", false
	}
}

// DeriveSteps builds one step per represented category, in precedence order.
// Categories with no requirement are left out.
func DeriveSteps(reqs []contract.ProofRequirement) []Step {
	names := make(map[StepType][]string)
	for _, r := range reqs {
		if t, ok := stepFor(r.ProofType); ok {
			names[t] = append(names[t], r.Name)
		}
	}

	var steps []Step
	for _, t := range stepOrder {
		proofNames, ok := names[t]
		if !ok {
			continue
		}
		title, description := describe(t, proofNames)
		steps = append(steps, Step{
			Type:        t,
			Title:       title,
			Description: description,
			ProofNames:  proofNames,
			Status:      StatusPending,
		})
	}
	return steps
}

func describe(t StepType, proofNames []string) (string, string) {
	list := strings.Join(proofNames, ", ")
	switch t {
	case StepIdentity:
		return "Verify your identity", "Scan the QR code with the identity app to prove: " + list
	case StepInvitationEmail:
		return "Prove your invitation", "Upload the invitation email (.eml) to prove: " + list
	default:
		return "Prove your subscription", "Upload the subscription email (.eml) to prove: " + list
	}
}

// EmailKind is the email proof an email step expects.
func (t StepType) EmailKind() (zkemail.Kind, bool) {
	switch t {
	case StepInvitationEmail:
		return zkemail.KindInvitation, true
	case StepSubscriptionEmail:
		return zkemail.KindSubscription, true
	default:
		return "", false
	}
}

// StepForKind is the inverse of EmailKind.
func StepForKind(kind zkemail.Kind) (StepType, bool) {
	switch kind {
	case zkemail.KindInvitation:
		return StepInvitationEmail, true
	case zkemail.KindSubscription:
		return StepSubscriptionEmail, true
	default:
		return "", false
	}
}
