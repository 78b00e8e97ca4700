package override

import (
	"context"
	"time"
)

// Status is the lifecycle state of an OverrideRequest. Terminal states
// (expired, revoked, used) are permanent.
type Status string

const (
	// StatusPending means the request is collecting approvals.
	StatusPending Status = "pending"

	// StatusApproved means the required approval count was reached and
	// the override may be consumed until it expires.
	StatusApproved Status = "approved"

	// StatusExpired means the request passed expires_at before being
	// consumed.
	StatusExpired Status = "expired"

	// StatusRevoked means the request was explicitly revoked.
	StatusRevoked Status = "revoked"

	// StatusUsed means the override was consumed. An override
	// authorizes exactly one downstream decision.
	StatusUsed Status = "used"
)

// Terminal reports whether the status is permanent.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusRevoked, StatusUsed:
		return true
	default:
		return false
	}
}

// Approval is one recorded approval on an OverrideRequest.
type Approval struct {
	// Approver is the approving principal.
	Approver string `json:"approver"`

	// Timestamp is when the approval was recorded.
	Timestamp time.Time `json:"timestamp"`

	// Signature is the approver's signature over the request id,
	// base64 encoded.
	Signature string `json:"signature"`
}

// Request is an audited, multi-approval, time-boxed, single-use
// exception allowing a denied action to proceed.
type Request struct {
	// ID uniquely identifies the request.
	ID string `json:"id"`

	// SubjectRef is the reference of the subject the override covers.
	// Consumption requires an exact match.
	SubjectRef string `json:"subject_ref"`

	// Requestor is the principal that requested the override.
	Requestor string `json:"requestor"`

	// Justification is the requestor's stated reason. Never empty.
	Justification string `json:"justification"`

	// CreatedAt is when the request was created.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt bounds the override window. An approved-but-unused
	// override auto-expires at this instant regardless of approvals.
	ExpiresAt time.Time `json:"expires_at"`

	// Approvals lists recorded approvals in order. The same approver
	// never appears twice.
	Approvals []Approval `json:"approvals"`

	// RequiredApprovals is the approval count needed to reach the
	// approved state.
	RequiredApprovals int `json:"required_approvals"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// ConsumedLogID cross-references the decision log record of the
	// decision that consumed this override, once used.
	ConsumedLogID string `json:"consumed_log_id,omitempty"`
}

// Token proves a successful consumption. It is attached to exactly one
// DecisionInput.
type Token struct {
	// OverrideID is the id of the consumed request.
	OverrideID string `json:"override_id"`

	// SubjectRef is the subject the override covers.
	SubjectRef string `json:"subject_ref"`

	// IssuedAt is when the token was issued.
	IssuedAt time.Time `json:"issued_at"`

	// ExpiresAt is the override window end, rechecked by the engine
	// against the evaluation-context timestamp.
	ExpiresAt time.Time `json:"expires_at"`
}

// Capability names for override operations.
const (
	CapabilityRequest = "override.request"
	CapabilityApprove = "override.approve"
	CapabilityRevoke  = "override.revoke"
)

// Authorizer answers capability checks for override operations.
type Authorizer interface {
	// Can reports whether the actor holds the capability.
	Can(actor, capability string) bool
}

// StaticAuthorizer is an Authorizer backed by a fixed capability map.
type StaticAuthorizer struct {
	// Grants maps actor to the set of capabilities it holds.
	Grants map[string][]string
}

// Can reports whether the actor holds the capability.
func (a *StaticAuthorizer) Can(actor, capability string) bool {
	for _, c := range a.Grants[actor] {
		if c == capability {
			return true
		}
	}
	return false
}

// Store persists override requests. Implementations must make Put
// atomic per request id; the registry serializes all mutations of one
// id behind a per-id lock.
type Store interface {
	Put(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context) ([]*Request, error)
}
