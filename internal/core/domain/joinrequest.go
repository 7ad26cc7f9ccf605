package domain

import "time"

// Intent says what a join request asks for.
type Intent string

const (
	IntentView        Intent = "VIEW"
	IntentCamera      Intent = "CAMERA"
	IntentControl     Intent = "CONTROL"
	IntentRoleUpgrade Intent = "ROLE_UPGRADE"
	IntentScreen      Intent = "SCREEN"
)

// GrantsPublish reports whether an approved request with this intent allows
// the requester to publish media. VIEW approvals gate viewing only.
func (i Intent) GrantsPublish() bool {
	switch i {
	case IntentCamera, IntentControl, IntentScreen, IntentRoleUpgrade:
		return true
	}
	return false
}

// ValidIntent reports whether s is one of the known intents.
func ValidIntent(s string) bool {
	switch Intent(s) {
	case IntentView, IntentCamera, IntentControl, IntentRoleUpgrade, IntentScreen:
		return true
	}
	return false
}

// RequestStatus is the decision state of a join request. PENDING transitions
// to APPROVED or REJECTED exactly once; decisions are terminal.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
)

// JoinRequest is a durable request to view or publish, addressed to an owner.
type JoinRequest struct {
	ID         RequestID     `json:"id"`
	FromUserID UserID        `json:"fromUserId"`
	ToUserID   UserID        `json:"toUserId"`
	Intent     Intent        `json:"intent"`
	Status     RequestStatus `json:"status"`
	Message    string        `json:"message,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	DecidedAt  *time.Time    `json:"decidedAt,omitempty"`
}

// Decided reports whether the request reached a terminal status.
func (r *JoinRequest) Decided() bool {
	return r.Status != StatusPending
}
