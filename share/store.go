package share

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by stores when the requested entity does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleStatus is returned when a conditional status transition
	// matched no row because a concurrent caller transitioned it first.
	ErrStaleStatus = errors.New("status changed concurrently")
)

// ConsumeOutcome is the result of the atomic success-path increment.
type ConsumeOutcome int

const (
	// ConsumeOK means both counters were incremented and the access counts
	// in the returned entities are current.
	ConsumeOK ConsumeOutcome = iota

	// ConsumeTokenExhausted means the token row was no longer active or had
	// already reached max_uses when the conditional increment ran.
	ConsumeTokenExhausted

	// ConsumeShareExhausted means the parent share was no longer active or
	// had already reached max_accesses; no counter was incremented.
	ConsumeShareExhausted
)

// Store is the persistence boundary for shares, tokens and access logs.
//
// Implementations must make ConsumeAccess atomic: two concurrent
// validations of a token with max_uses=1 must not both succeed. Either a
// single conditional-update statement or a serializable transaction is
// acceptable; a read-then-write sequence is not.
type Store interface {
	CreateShare(ctx context.Context, s *DataShare) error
	GetShare(ctx context.Context, id uuid.UUID) (*DataShare, error)
	ListShares(ctx context.Context, tenantID string) ([]*DataShare, error)

	// RevokeShare transitions the share and every still-active child token
	// to revoked in one batch, so there is no window in which the share is
	// revoked while some tokens still validate. Returns the number of
	// tokens revoked by the cascade. ErrStaleStatus when the share was
	// already revoked.
	RevokeShare(ctx context.Context, id uuid.UUID, reason, actorID string, at time.Time) (int, error)

	CreateToken(ctx context.Context, t *Token) error

	// GetTokenByHash resolves a presented token digest to the token row
	// joined with its parent share. ErrNotFound on a miss. The share may be
	// nil if the parent row is gone, which the validator treats as a
	// revoked share.
	GetTokenByHash(ctx context.Context, hash string) (*Token, *DataShare, error)
	ListTokens(ctx context.Context, shareID uuid.UUID) ([]*Token, error)

	// MarkTokenStatus conditionally transitions a token from one status to
	// another. A no-op (because a concurrent caller already transitioned
	// it) is not an error: the caller's decision was made on its own read.
	MarkTokenStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) error

	// MarkShareStatus is the share-level counterpart of MarkTokenStatus.
	MarkShareStatus(ctx context.Context, id uuid.UUID, from, to Status, at time.Time) error

	// ConsumeAccess atomically increments token.uses_count and
	// share.access_count, setting last_used_at, first_accessed_at (only if
	// previously unset) and last_accessed_at, but only while both entities
	// are active and below their limits.
	ConsumeAccess(ctx context.Context, tokenID, shareID uuid.UUID, at time.Time) (ConsumeOutcome, error)

	AppendAccessLog(ctx context.Context, entry *AccessLog) error
	ListAccessLogs(ctx context.Context, shareID uuid.UUID) ([]*AccessLog, error)

	Close() error
}

// SnapshotSource is the read-only view onto the externally owned academic
// record snapshots.
type SnapshotSource interface {
	// GetSnapshot returns ErrNotFound when the snapshot does not exist.
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
}

// ConsentSource is the read-only view onto consent records. Consent is
// consulted, never mutated, by this subsystem.
type ConsentSource interface {
	ConsentExists(ctx context.Context, tenantID, consentID string) (bool, error)
}

// AccessRecorder records one entry per validation attempt. Recording is
// fire-and-forget from the validator's point of view: implementations
// isolate their own failures and must never flip a validation outcome.
type AccessRecorder interface {
	Record(ctx context.Context, entry *AccessLog)
}
