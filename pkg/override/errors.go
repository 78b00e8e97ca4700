package override

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports an unknown override request id.
var ErrNotFound = errors.New("override request not found")

// UnauthorizedError reports a missing capability on an override
// operation. Always logged.
type UnauthorizedError struct {
	Actor      string
	Capability string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("actor %q lacks capability %q", e.Actor, e.Capability)
}

// DuplicateApprovalError reports an approver that already approved the
// request.
type DuplicateApprovalError struct {
	RequestID string
	Approver  string
}

func (e *DuplicateApprovalError) Error() string {
	return fmt.Sprintf("approver %q already approved override %s", e.Approver, e.RequestID)
}

// ExpiredRequestError reports an operation on an override past its
// expiry window.
type ExpiredRequestError struct {
	RequestID string
	ExpiredAt time.Time
}

func (e *ExpiredRequestError) Error() string {
	return fmt.Sprintf("override %s expired at %s", e.RequestID, e.ExpiredAt.Format(time.RFC3339))
}

// StateError reports an operation that is invalid for the request's
// current status (for example consuming a pending request, or a second
// consumption of a used one).
type StateError struct {
	RequestID string
	Status    Status
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s override %s in status %q", e.Op, e.RequestID, e.Status)
}

// SubjectMismatchError reports a consumption attempt whose subject does
// not match the override's subject reference.
type SubjectMismatchError struct {
	RequestID string
	Want      string
	Got       string
}

func (e *SubjectMismatchError) Error() string {
	return fmt.Sprintf("override %s covers subject %s, not %s", e.RequestID, e.Want, e.Got)
}
