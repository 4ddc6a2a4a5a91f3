package share

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/stephnangue/recordshare/logger"
	"github.com/stephnangue/recordshare/logical"
)

// Service orchestrates creation, revocation and token issuance for data
// shares, enforcing ownership and lifecycle preconditions. Validation of
// presented tokens lives in Validator.
type Service struct {
	store     Store
	snapshots SnapshotSource
	consents  ConsentSource
	log       logger.Logger
	now       func() time.Time
}

// ServiceConfig wires the collaborators of a Service.
type ServiceConfig struct {
	Store     Store
	Snapshots SnapshotSource
	// Consents may be nil when no consent subsystem is deployed; consent
	// references are then rejected.
	Consents ConsentSource
	Logger   logger.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     cfg.Store,
		snapshots: cfg.Snapshots,
		consents:  cfg.Consents,
		log:       cfg.Logger.WithSubsystem("share"),
		now:       now,
	}
}

// CreateShareInput is the request to create a grant.
type CreateShareInput struct {
	TenantID       string
	SchoolID       string
	SnapshotID     string
	TargetTenantID string
	TargetSchoolID string
	ConsentID      string
	Purpose        string
	Scope          json.RawMessage
	ExpiresAt      time.Time
	// MaxAccesses defaults to 1 when zero.
	MaxAccesses int
}

// Create inserts a new active DataShare after verifying that the referenced
// snapshot exists, belongs to the calling tenant and has not been revoked,
// and that the expiry is strictly in the future.
func (s *Service) Create(ctx context.Context, in CreateShareInput) (*DataShare, error) {
	if in.TenantID == "" {
		return nil, logical.ErrBadRequest("tenant is required")
	}
	if in.SnapshotID == "" {
		return nil, logical.ErrBadRequest("snapshot_id is required")
	}

	now := s.now()
	if !in.ExpiresAt.After(now) {
		return nil, logical.ErrBadRequest("expires_at must be in the future")
	}

	maxAccesses := in.MaxAccesses
	if maxAccesses == 0 {
		maxAccesses = 1
	}
	if maxAccesses < 1 {
		return nil, logical.ErrBadRequest("max_accesses must be at least 1")
	}

	snap, err := s.snapshots.GetSnapshot(ctx, in.SnapshotID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, logical.ErrNotFound("snapshot not found")
		}
		return nil, err
	}
	if snap.TenantID != in.TenantID {
		return nil, logical.ErrForbidden("snapshot belongs to another tenant")
	}
	if snap.Revoked() {
		return nil, logical.ErrBadRequest("snapshot has been revoked")
	}

	if in.ConsentID != "" {
		if s.consents == nil {
			return nil, logical.ErrBadRequest("consent references are not supported")
		}
		ok, err := s.consents.ConsentExists(ctx, in.TenantID, in.ConsentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, logical.ErrBadRequest("consent not found")
		}
	}

	ds := &DataShare{
		ID:             uuid.New(),
		SourceTenantID: in.TenantID,
		SourceSchoolID: in.SchoolID,
		TargetTenantID: in.TargetTenantID,
		TargetSchoolID: in.TargetSchoolID,
		SnapshotID:     in.SnapshotID,
		ConsentID:      in.ConsentID,
		Purpose:        in.Purpose,
		Scope:          in.Scope,
		Status:         StatusActive,
		ExpiresAt:      in.ExpiresAt.UTC(),
		MaxAccesses:    maxAccesses,
		AccessCount:    0,
		CreatedAt:      now.UTC(),
	}
	if err := s.store.CreateShare(ctx, ds); err != nil {
		return nil, err
	}

	metrics.IncrCounter([]string{"recordshare", "share", "create"}, 1)
	s.log.Info("data share created",
		logger.String("share_id", ds.ID.String()),
		logger.String("tenant_id", ds.SourceTenantID),
		logger.String("snapshot_id", ds.SnapshotID),
		logger.Time("expires_at", ds.ExpiresAt),
		logger.Int("max_accesses", ds.MaxAccesses),
	)
	return ds, nil
}

// Get returns a share owned by the tenant. Cross-tenant lookups get the
// same not-found answer as missing shares so existence never leaks.
func (s *Service) Get(ctx context.Context, shareID uuid.UUID, tenantID string) (*DataShare, error) {
	return s.getOwned(ctx, shareID, tenantID)
}

// List returns every share owned by the tenant.
func (s *Service) List(ctx context.Context, tenantID string) ([]*DataShare, error) {
	return s.store.ListShares(ctx, tenantID)
}

// Revoke transitions a share and all of its still-active tokens to revoked
// in one cascading batch. A revoked share must never again validate
// successfully through any of its tokens.
func (s *Service) Revoke(ctx context.Context, shareID uuid.UUID, tenantID, reason, actorID string) (*DataShare, error) {
	ds, err := s.getOwned(ctx, shareID, tenantID)
	if err != nil {
		return nil, err
	}
	if _, err := ds.Status.Revoke(); err != nil {
		return nil, logical.ErrConflict("share already revoked")
	}

	now := s.now().UTC()
	tokensRevoked, err := s.store.RevokeShare(ctx, shareID, reason, actorID, now)
	if err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return nil, logical.ErrConflict("share already revoked")
		}
		return nil, err
	}

	metrics.IncrCounter([]string{"recordshare", "share", "revoke"}, 1)
	s.log.Info("data share revoked",
		logger.String("share_id", shareID.String()),
		logger.String("tenant_id", tenantID),
		logger.String("revoked_by", actorID),
		logger.Int("tokens_revoked", tokensRevoked),
	)

	return s.store.GetShare(ctx, shareID)
}

// CreatedToken pairs a persisted token with its raw secret. Raw is the
// caller's only chance to see the secret.
type CreatedToken struct {
	Token *Token
	Raw   string
}

// CreateToken issues a new bearer token for an active share owned by the
// tenant. Only the digest is persisted.
func (s *Service) CreateToken(ctx context.Context, shareID uuid.UUID, tenantID string, maxUses int, expiresAt *time.Time) (*CreatedToken, error) {
	ds, err := s.getOwned(ctx, shareID, tenantID)
	if err != nil {
		return nil, err
	}
	if ds.Status != StatusActive {
		return nil, logical.ErrBadRequestf("share is %s, tokens can only be issued for active shares", ds.Status)
	}

	if maxUses == 0 {
		maxUses = 1
	}
	if maxUses < 1 {
		return nil, logical.ErrBadRequest("max_uses must be at least 1")
	}

	now := s.now()
	effectiveExpiry := ds.ExpiresAt
	if expiresAt != nil {
		if !expiresAt.After(now) {
			return nil, logical.ErrBadRequest("expires_at must be in the future")
		}
		effectiveExpiry = expiresAt.UTC()
	}

	generated, err := GenerateToken()
	if err != nil {
		// Entropy failure is fatal; never fall back to a weaker source.
		return nil, logical.WrapWithCode(500, err)
	}

	tok := &Token{
		ID:           uuid.New(),
		DataShareID:  ds.ID,
		TokenHash:    generated.Hash,
		HashAlgo:     HashAlgoSHA256,
		HashEncoding: HashEncodingHex,
		TokenHint:    generated.Hint,
		Status:       StatusActive,
		ExpiresAt:    effectiveExpiry,
		MaxUses:      maxUses,
		UsesCount:    0,
		CreatedAt:    now.UTC(),
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		return nil, err
	}

	metrics.IncrCounter([]string{"recordshare", "token", "create"}, 1)
	s.log.Info("share token issued",
		logger.String("share_id", ds.ID.String()),
		logger.String("token_id", tok.ID.String()),
		logger.String("token_hint", tok.TokenHint),
		logger.Time("expires_at", tok.ExpiresAt),
		logger.Int("max_uses", tok.MaxUses),
	)

	return &CreatedToken{Token: tok, Raw: generated.Raw}, nil
}

// ListTokens returns the tokens of a share owned by the tenant. Hashes are
// stripped; hints identify tokens in a UI.
func (s *Service) ListTokens(ctx context.Context, shareID uuid.UUID, tenantID string) ([]*Token, error) {
	if _, err := s.getOwned(ctx, shareID, tenantID); err != nil {
		return nil, err
	}
	tokens, err := s.store.ListTokens(ctx, shareID)
	if err != nil {
		return nil, err
	}
	for _, t := range tokens {
		t.TokenHash = ""
	}
	return tokens, nil
}

// ListAccessLogs returns the audit trail of a share owned by the tenant.
func (s *Service) ListAccessLogs(ctx context.Context, shareID uuid.UUID, tenantID string) ([]*AccessLog, error) {
	if _, err := s.getOwned(ctx, shareID, tenantID); err != nil {
		return nil, err
	}
	return s.store.ListAccessLogs(ctx, shareID)
}

func (s *Service) getOwned(ctx context.Context, shareID uuid.UUID, tenantID string) (*DataShare, error) {
	ds, err := s.store.GetShare(ctx, shareID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, logical.ErrNotFound("share not found")
		}
		return nil, err
	}
	if ds.SourceTenantID != tenantID {
		// Same response as a missing share so existence never leaks across
		// tenants.
		return nil, logical.ErrNotFound("share not found")
	}
	return ds, nil
}
