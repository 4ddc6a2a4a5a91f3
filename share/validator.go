// Copyright (c) 2025 Recordshare Project
// SPDX-License-Identifier: MPL-2.0

package share

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/stephnangue/recordshare/logger"
)

// Public messages are deliberately vague so an external caller cannot
// distinguish "wrong token" from "right token, wrong state" beyond what the
// UI needs. The precise machine-readable reason goes only into the access
// log.
const (
	msgTokenInvalid  = "token invalid"
	msgTokenExpired  = "token expired"
	msgTokenConsumed = "token consumed"
	msgTokenRevoked  = "token revoked"
	msgShareInactive = "share revoked or inactive"
	msgShareExpired  = "share expired"
	msgShareConsumed = "share consumed"
)

// ValidationResult is the typed outcome of one validation attempt.
// Validation failures are results, not errors: only store-layer failures
// surface as errors from Validate.
type ValidationResult struct {
	Valid    bool      `json:"valid"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Message  string    `json:"message,omitempty"`

	// Result and Reason mirror what was written to the access log. They are
	// for internal consumers (metrics, tests); the external handler exposes
	// only Valid, Snapshot and Message.
	Result Result `json:"-"`
	Reason string `json:"-"`
}

// Validator resolves a presented bearer token and runs the ordered validity
// checks. Every exit path records exactly one access-log entry through the
// recorder before returning.
//
// The check order runs cheapest-first: token-local state before the parent
// share, the share before the snapshot fetch. Every check that discovers a
// boundary crossing (expiry, exhaustion) eagerly persists the corrected
// status so the next validation short-circuits on the stored status instead
// of re-deriving it.
type Validator struct {
	store     Store
	snapshots SnapshotSource
	recorder  AccessRecorder
	log       logger.Logger
	now       func() time.Time
}

// ValidatorConfig wires the collaborators of a Validator.
type ValidatorConfig struct {
	Store     Store
	Snapshots SnapshotSource
	Recorder  AccessRecorder
	Logger    logger.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		store:     cfg.Store,
		snapshots: cfg.Snapshots,
		recorder:  cfg.Recorder,
		log:       cfg.Logger.WithSubsystem("validator"),
		now:       now,
	}
}

// Validate runs the full check sequence for one presented raw token.
//
// Store-layer failures propagate as errors and must never be reported as a
// valid result. Everything else, including "token not found", is a typed
// result with Valid=false.
func (v *Validator) Validate(ctx context.Context, rawToken string, rc RequestContext) (*ValidationResult, error) {
	now := v.now()

	// Step 1: resolve the digest to a token joined with its parent share.
	// The raw value itself never reaches the store or the logs.
	tok, ds, err := v.store.GetTokenByHash(ctx, HashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return v.deny(ctx, rc, nil, nil, ResultDenied, "token_not_found", msgTokenInvalid, nil), nil
		}
		return nil, err
	}

	// Step 2: the token's own stored status.
	if tok.Status != StatusActive {
		return v.deny(ctx, rc, ds, tok, resultForStatus(tok.Status), "token_"+tok.Status.String(), messageForTokenStatus(tok.Status), nil), nil
	}

	// Step 3: token expiry. Persist the crossing so the next attempt stops
	// at step 2.
	if now.After(tok.ExpiresAt) {
		if err := v.store.MarkTokenStatus(ctx, tok.ID, StatusActive, StatusExpired, now); err != nil {
			return nil, err
		}
		return v.deny(ctx, rc, ds, tok, ResultExpired, "token_expired", msgTokenExpired, map[string]any{
			"expired_at": tok.ExpiresAt,
		}), nil
	}

	// Step 4: token use count.
	if tok.UsesCount >= tok.MaxUses {
		if err := v.store.MarkTokenStatus(ctx, tok.ID, StatusActive, StatusConsumed, now); err != nil {
			return nil, err
		}
		return v.deny(ctx, rc, ds, tok, ResultConsumed, "token_uses_exhausted", msgTokenConsumed, map[string]any{
			"max_uses": tok.MaxUses,
		}), nil
	}

	// Step 5: parent share status. A missing parent is treated the same as
	// an inactive one.
	if ds == nil || ds.Status != StatusActive {
		details := map[string]any{}
		if ds != nil {
			details["share_status"] = ds.Status.String()
		}
		return v.deny(ctx, rc, ds, tok, ResultRevoked, "share_not_active", msgShareInactive, details), nil
	}

	// Step 6: share expiry.
	if now.After(ds.ExpiresAt) {
		if err := v.store.MarkShareStatus(ctx, ds.ID, StatusActive, StatusExpired, now); err != nil {
			return nil, err
		}
		return v.deny(ctx, rc, ds, tok, ResultExpired, "share_expired", msgShareExpired, map[string]any{
			"expired_at": ds.ExpiresAt,
		}), nil
	}

	// Step 7: share access count.
	if ds.AccessCount >= ds.MaxAccesses {
		if err := v.store.MarkShareStatus(ctx, ds.ID, StatusActive, StatusConsumed, now); err != nil {
			return nil, err
		}
		return v.deny(ctx, rc, ds, tok, ResultConsumed, "share_accesses_exhausted", msgShareConsumed, map[string]any{
			"max_accesses": ds.MaxAccesses,
		}), nil
	}

	// Step 8: the shared artifact must still be valid.
	snap, err := v.snapshots.GetSnapshot(ctx, ds.SnapshotID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if snap == nil || snap.Revoked() {
		return v.deny(ctx, rc, ds, tok, ResultDenied, "snapshot_revoked", msgShareInactive, nil), nil
	}

	// Step 9: perform the side effects atomically. The conditional
	// increments re-check both limits inside the store so a concurrent
	// racer cannot push either counter past its maximum.
	outcome, err := v.store.ConsumeAccess(ctx, tok.ID, ds.ID, now)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case ConsumeTokenExhausted:
		if err := v.store.MarkTokenStatus(ctx, tok.ID, StatusActive, StatusConsumed, now); err != nil {
			return nil, err
		}
		return v.deny(ctx, rc, ds, tok, ResultConsumed, "token_uses_exhausted", msgTokenConsumed, map[string]any{
			"max_uses": tok.MaxUses,
			"raced":    true,
		}), nil
	case ConsumeShareExhausted:
		if err := v.store.MarkShareStatus(ctx, ds.ID, StatusActive, StatusConsumed, now); err != nil {
			return nil, err
		}
		return v.deny(ctx, rc, ds, tok, ResultConsumed, "share_accesses_exhausted", msgShareConsumed, map[string]any{
			"max_accesses": ds.MaxAccesses,
			"raced":        true,
		}), nil
	}

	v.record(ctx, rc, &ds.ID, &tok.ID, ActionRead, ResultAllowed, map[string]any{
		"reason":      "ok",
		"snapshot_id": ds.SnapshotID,
		"token_hint":  tok.TokenHint,
	})
	metrics.IncrCounter([]string{"recordshare", "validate", string(ResultAllowed)}, 1)

	return &ValidationResult{
		Valid:    true,
		Snapshot: snap,
		Result:   ResultAllowed,
		Reason:   "ok",
	}, nil
}

// deny records the single access-log entry for a failed check and shapes
// the typed result.
func (v *Validator) deny(ctx context.Context, rc RequestContext, ds *DataShare, tok *Token, result Result, reason, message string, details map[string]any) *ValidationResult {
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason

	var shareID, tokenID *uuid.UUID
	if ds != nil {
		shareID = &ds.ID
	}
	if tok != nil {
		tokenID = &tok.ID
		details["token_hint"] = tok.TokenHint
	}

	v.record(ctx, rc, shareID, tokenID, ActionValidate, result, details)
	metrics.IncrCounter([]string{"recordshare", "validate", string(result)}, 1)

	return &ValidationResult{
		Valid:   false,
		Message: message,
		Result:  result,
		Reason:  reason,
	}
}

func (v *Validator) record(ctx context.Context, rc RequestContext, shareID, tokenID *uuid.UUID, action Action, result Result, details map[string]any) {
	v.recorder.Record(ctx, &AccessLog{
		DataShareID:        shareID,
		TokenID:            tokenID,
		RequesterUserID:    rc.UserID,
		RequesterTenantID:  rc.TenantID,
		RequesterIP:        rc.IP,
		RequesterUserAgent: rc.UserAgent,
		Action:             action,
		Result:             result,
		Details:            details,
	})
}

func resultForStatus(s Status) Result {
	switch s {
	case StatusRevoked:
		return ResultRevoked
	case StatusExpired:
		return ResultExpired
	case StatusConsumed:
		return ResultConsumed
	default:
		return ResultDenied
	}
}

func messageForTokenStatus(s Status) string {
	switch s {
	case StatusRevoked:
		return msgTokenRevoked
	case StatusExpired:
		return msgTokenExpired
	case StatusConsumed:
		return msgTokenConsumed
	default:
		return msgTokenInvalid
	}
}
