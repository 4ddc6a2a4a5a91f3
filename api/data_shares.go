package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// DataShare is the wire form of a grant as returned by the server.
type DataShare struct {
	ID              string          `json:"id"`
	SourceTenantID  string          `json:"source_tenant_id"`
	SourceSchoolID  string          `json:"source_school_id,omitempty"`
	TargetTenantID  string          `json:"target_tenant_id,omitempty"`
	TargetSchoolID  string          `json:"target_school_id,omitempty"`
	SnapshotID      string          `json:"snapshot_id"`
	ConsentID       string          `json:"consent_id,omitempty"`
	Purpose         string          `json:"purpose,omitempty"`
	Scope           json.RawMessage `json:"scope,omitempty"`
	Status          string          `json:"status"`
	ExpiresAt       time.Time       `json:"expires_at"`
	MaxAccesses     int             `json:"max_accesses"`
	AccessCount     int             `json:"access_count"`
	FirstAccessedAt *time.Time      `json:"first_accessed_at,omitempty"`
	LastAccessedAt  *time.Time      `json:"last_accessed_at,omitempty"`
	RevokedAt       *time.Time      `json:"revoked_at,omitempty"`
	RevokedBy       string          `json:"revoked_by,omitempty"`
	RevokeReason    string          `json:"revoke_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CreateShareRequest is the body of POST /v1/data-shares.
type CreateShareRequest struct {
	SnapshotID     string          `json:"snapshot_id"`
	TargetTenantID string          `json:"target_tenant_id,omitempty"`
	TargetSchoolID string          `json:"target_school_id,omitempty"`
	ConsentID      string          `json:"consent_id,omitempty"`
	Purpose        string          `json:"purpose,omitempty"`
	Scope          json.RawMessage `json:"scope,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	MaxAccesses    int             `json:"max_accesses,omitempty"`
}

// CreateShare creates a new grant.
func (c *Client) CreateShare(ctx context.Context, id Identity, req *CreateShareRequest) (*DataShare, error) {
	var out DataShare
	if err := c.do(ctx, http.MethodPost, "/v1/data-shares", &id, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetShare fetches one grant owned by the tenant.
func (c *Client) GetShare(ctx context.Context, id Identity, shareID string) (*DataShare, error) {
	var out DataShare
	if err := c.do(ctx, http.MethodGet, "/v1/data-shares/"+shareID, &id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListShares lists all grants owned by the tenant.
func (c *Client) ListShares(ctx context.Context, id Identity) ([]*DataShare, error) {
	var out struct {
		DataShares []*DataShare `json:"data_shares"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/data-shares", &id, nil, &out); err != nil {
		return nil, err
	}
	return out.DataShares, nil
}

// RevokeShare revokes a grant and all of its tokens.
func (c *Client) RevokeShare(ctx context.Context, id Identity, shareID, reason string) (*DataShare, error) {
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	var out DataShare
	if err := c.do(ctx, http.MethodPost, "/v1/data-shares/"+shareID+"/revoke", &id, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateTokenRequest is the body of POST /v1/data-shares/:id/tokens.
type CreateTokenRequest struct {
	MaxUses   int        `json:"max_uses,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreatedToken carries the raw token. The server returns it exactly once;
// callers are responsible for handing it to the recipient without logging
// or persisting it.
type CreatedToken struct {
	Token     string    `json:"token"`
	TokenHint string    `json:"token_hint"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateToken issues a bearer token for an active grant.
func (c *Client) CreateToken(ctx context.Context, id Identity, shareID string, req *CreateTokenRequest) (*CreatedToken, error) {
	var out CreatedToken
	if err := c.do(ctx, http.MethodPost, "/v1/data-shares/"+shareID+"/tokens", &id, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidationResult is the outcome of presenting a token.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Validate presents a raw bearer token. No tenant identity is attached: the
// endpoint is authenticated by the token alone.
func (c *Client) Validate(ctx context.Context, rawToken string) (*ValidationResult, error) {
	var out ValidationResult
	body := map[string]string{"token": rawToken}
	if err := c.do(ctx, http.MethodPost, "/v1/data-shares/validate", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AccessLogEntry is one row of a share's audit trail.
type AccessLogEntry struct {
	ID                 string         `json:"id"`
	DataShareID        *string        `json:"data_share_id,omitempty"`
	TokenID            *string        `json:"token_id,omitempty"`
	RequesterUserID    string         `json:"requester_user_id,omitempty"`
	RequesterTenantID  string         `json:"requester_tenant_id,omitempty"`
	RequesterIP        string         `json:"requester_ip,omitempty"`
	RequesterUserAgent string         `json:"requester_user_agent,omitempty"`
	Action             string         `json:"action"`
	Result             string         `json:"result"`
	Details            map[string]any `json:"details,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// ListAccessLogs fetches the audit trail of a grant owned by the tenant.
func (c *Client) ListAccessLogs(ctx context.Context, id Identity, shareID string) ([]*AccessLogEntry, error) {
	var out struct {
		AccessLogs []*AccessLogEntry `json:"access_logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/data-shares/"+shareID+"/access-logs", &id, nil, &out); err != nil {
		return nil, err
	}
	return out.AccessLogs, nil
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/sys/health", nil, nil, nil)
}
