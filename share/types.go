package share

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DataShare is a grant of time-boxed, consumption-limited access to exactly
// one academic record snapshot. Shares are never hard-deleted: revocation,
// expiry and consumption are recorded as status transitions so the audit
// trail stays complete.
type DataShare struct {
	ID             uuid.UUID       `json:"id"`
	SourceTenantID string          `json:"source_tenant_id"`
	SourceSchoolID string          `json:"source_school_id,omitempty"`
	TargetTenantID string          `json:"target_tenant_id,omitempty"`
	TargetSchoolID string          `json:"target_school_id,omitempty"`
	SnapshotID     string          `json:"snapshot_id"`
	ConsentID      string          `json:"consent_id,omitempty"`
	Purpose        string          `json:"purpose,omitempty"`
	Scope          json.RawMessage `json:"scope,omitempty"`
	Status         Status          `json:"status"`
	ExpiresAt      time.Time       `json:"expires_at"`
	MaxAccesses    int             `json:"max_accesses"`
	AccessCount    int             `json:"access_count"`

	FirstAccessedAt *time.Time `json:"first_accessed_at,omitempty"`
	LastAccessedAt  *time.Time `json:"last_accessed_at,omitempty"`

	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    string     `json:"revoked_by,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Token is one bearer credential scoped to a DataShare. The raw secret is
// handed to the caller exactly once at creation; only its digest and a
// partial display hint are ever stored.
type Token struct {
	ID           uuid.UUID `json:"id"`
	DataShareID  uuid.UUID `json:"data_share_id"`
	TokenHash    string    `json:"-"`
	HashAlgo     string    `json:"hash_algo"`
	HashEncoding string    `json:"hash_encoding"`
	TokenHint    string    `json:"token_hint"`
	Status       Status    `json:"status"`
	ExpiresAt    time.Time `json:"expires_at"`
	MaxUses      int       `json:"max_uses"`
	UsesCount    int       `json:"uses_count"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Action is what the requester was trying to do when an access-log entry
// was written.
type Action string

const (
	ActionValidate Action = "validate"
	ActionRead     Action = "read"
)

// Result is the machine-readable outcome of one validation attempt.
type Result string

const (
	ResultAllowed  Result = "allowed"
	ResultDenied   Result = "denied"
	ResultExpired  Result = "expired"
	ResultConsumed Result = "consumed"
	ResultRevoked  Result = "revoked"
)

// AccessLog is one append-only row per validation attempt. Exactly one entry
// is written per Validator.Validate invocation, on every exit path,
// including a lookup miss (in which case DataShareID and TokenID are nil).
type AccessLog struct {
	ID          string     `json:"id"`
	DataShareID *uuid.UUID `json:"data_share_id,omitempty"`
	TokenID     *uuid.UUID `json:"token_id,omitempty"`

	RequesterUserID    string `json:"requester_user_id,omitempty"`
	RequesterTenantID  string `json:"requester_tenant_id,omitempty"`
	RequesterIP        string `json:"requester_ip,omitempty"`
	RequesterUserAgent string `json:"requester_user_agent,omitempty"`

	Action  Action         `json:"action"`
	Result  Result         `json:"result"`
	Details map[string]any `json:"details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RequestContext carries the identity of whoever presented a token to the
// validator. All fields are best-effort: the external endpoint is
// authenticated only by the bearer token itself.
type RequestContext struct {
	UserID    string
	TenantID  string
	IP        string
	UserAgent string
	RequestID string
}

// SnapshotStatus values for the external AcademicRecordSnapshot artifact.
// Only "revoked" matters to this subsystem; everything else is opaque.
const SnapshotStatusRevoked = "revoked"

// Snapshot is the externally owned academic record artifact a share points
// at. This subsystem consults it read-only.
type Snapshot struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Revoked reports whether the snapshot has been withdrawn by its owner.
func (s *Snapshot) Revoked() bool {
	return s.Status == SnapshotStatusRevoked
}
