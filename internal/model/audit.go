package model

import "time"

// AuditAction names the kind of authentication event an entry records.
type AuditAction string

const (
	ActionLoginSuccess AuditAction = "login_success"
	ActionLoginFailed  AuditAction = "login_failed"
	ActionLoginBlocked AuditAction = "login_blocked"
	ActionLogout       AuditAction = "logout"
)

// Audit entry statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusBlocked = "blocked"
)

// AuditEntry is one immutable authentication event. Entries are written once
// and never updated or deleted.
type AuditEntry struct {
	ID          string            `json:"id" db:"id"`
	Action      AuditAction       `json:"action" db:"action"`
	IdentityKey string            `json:"identity_key" db:"identity_key"`
	Status      string            `json:"status" db:"status"`
	Reason      string            `json:"reason" db:"reason"`
	Timestamp   time.Time         `json:"timestamp" db:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AuditFilter narrows a privileged audit query. Zero values mean "no filter".
type AuditFilter struct {
	IdentityKey string
	Action      AuditAction
	Since       time.Time
	Until       time.Time
	Limit       int
}
