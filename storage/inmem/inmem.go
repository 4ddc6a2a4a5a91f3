// Package inmem provides a mutex-guarded in-memory implementation of the
// share store, used by tests and the "inmem" dev storage backend. It
// mirrors the conditional-update semantics of the postgres backend: every
// counter increment and status transition happens under one lock, so the
// single-winner property of racing validations holds here too.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stephnangue/recordshare/logger"
	"github.com/stephnangue/recordshare/share"
)

// InmemStore holds everything in maps. All methods are safe for concurrent
// use.
type InmemStore struct {
	mu sync.Mutex

	shares      map[uuid.UUID]*share.DataShare
	tokens      map[uuid.UUID]*share.Token
	tokenByHash map[string]uuid.UUID
	logs        map[uuid.UUID][]*share.AccessLog
	orphanLogs  []*share.AccessLog

	snapshots map[string]*share.Snapshot
	consents  map[string]bool

	log logger.Logger
}

// New creates an empty InmemStore.
func New(_ context.Context, _ map[string]string, log logger.Logger) (share.Store, error) {
	return NewInmemStore(log), nil
}

// NewInmemStore creates an empty InmemStore with its concrete type, for
// tests that need the snapshot/consent seeding helpers.
func NewInmemStore(log logger.Logger) *InmemStore {
	return &InmemStore{
		shares:      make(map[uuid.UUID]*share.DataShare),
		tokens:      make(map[uuid.UUID]*share.Token),
		tokenByHash: make(map[string]uuid.UUID),
		logs:        make(map[uuid.UUID][]*share.AccessLog),
		snapshots:   make(map[string]*share.Snapshot),
		consents:    make(map[string]bool),
		log:         log,
	}
}

func (s *InmemStore) CreateShare(_ context.Context, ds *share.DataShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[ds.ID] = cloneShare(ds)
	return nil
}

func (s *InmemStore) GetShare(_ context.Context, id uuid.UUID) (*share.DataShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.shares[id]
	if !ok {
		return nil, share.ErrNotFound
	}
	return cloneShare(ds), nil
}

func (s *InmemStore) ListShares(_ context.Context, tenantID string) ([]*share.DataShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*share.DataShare
	for _, ds := range s.shares {
		if ds.SourceTenantID == tenantID {
			out = append(out, cloneShare(ds))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InmemStore) RevokeShare(_ context.Context, id uuid.UUID, reason, actorID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.shares[id]
	if !ok {
		return 0, share.ErrNotFound
	}
	next, err := ds.Status.Revoke()
	if err != nil {
		return 0, share.ErrStaleStatus
	}

	ds.Status = next
	ds.RevokedAt = timePtr(at)
	ds.RevokedBy = actorID
	ds.RevokeReason = reason

	// Cascade: all still-active child tokens flip in the same critical
	// section, so no token stays usable after the share is revoked.
	revoked := 0
	for _, tok := range s.tokens {
		if tok.DataShareID == id && tok.Status == share.StatusActive {
			tok.Status = share.StatusRevoked
			tok.RevokedAt = timePtr(at)
			tok.RevokedBy = actorID
			revoked++
		}
	}
	return revoked, nil
}

func (s *InmemStore) CreateToken(_ context.Context, t *share.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = cloneToken(t)
	s.tokenByHash[t.TokenHash] = t.ID
	return nil
}

func (s *InmemStore) GetTokenByHash(_ context.Context, hash string) (*share.Token, *share.DataShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokenByHash[hash]
	if !ok {
		return nil, nil, share.ErrNotFound
	}
	tok := s.tokens[id]
	var ds *share.DataShare
	if parent, ok := s.shares[tok.DataShareID]; ok {
		ds = cloneShare(parent)
	}
	return cloneToken(tok), ds, nil
}

func (s *InmemStore) ListTokens(_ context.Context, shareID uuid.UUID) ([]*share.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*share.Token
	for _, tok := range s.tokens {
		if tok.DataShareID == shareID {
			out = append(out, cloneToken(tok))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InmemStore) MarkTokenStatus(_ context.Context, id uuid.UUID, from, to share.Status, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return share.ErrNotFound
	}
	// Conditional: a concurrent transition wins and this call is a no-op.
	if tok.Status == from {
		tok.Status = to
	}
	return nil
}

func (s *InmemStore) MarkShareStatus(_ context.Context, id uuid.UUID, from, to share.Status, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.shares[id]
	if !ok {
		return share.ErrNotFound
	}
	if ds.Status == from {
		ds.Status = to
	}
	return nil
}

func (s *InmemStore) ConsumeAccess(_ context.Context, tokenID, shareID uuid.UUID, at time.Time) (share.ConsumeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return share.ConsumeTokenExhausted, nil
	}
	ds, ok := s.shares[shareID]
	if !ok {
		return share.ConsumeShareExhausted, nil
	}

	if tok.Status != share.StatusActive || tok.UsesCount >= tok.MaxUses {
		return share.ConsumeTokenExhausted, nil
	}
	if ds.Status != share.StatusActive || ds.AccessCount >= ds.MaxAccesses {
		return share.ConsumeShareExhausted, nil
	}

	tok.UsesCount++
	tok.LastUsedAt = timePtr(at)

	ds.AccessCount++
	if ds.FirstAccessedAt == nil {
		ds.FirstAccessedAt = timePtr(at)
	}
	ds.LastAccessedAt = timePtr(at)

	return share.ConsumeOK, nil
}

func (s *InmemStore) AppendAccessLog(_ context.Context, entry *share.AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneLog(entry)
	if entry.DataShareID != nil {
		s.logs[*entry.DataShareID] = append(s.logs[*entry.DataShareID], clone)
	} else {
		s.orphanLogs = append(s.orphanLogs, clone)
	}
	return nil
}

func (s *InmemStore) ListAccessLogs(_ context.Context, shareID uuid.UUID) ([]*share.AccessLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.logs[shareID]
	out := make([]*share.AccessLog, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneLog(e))
	}
	return out, nil
}

// OrphanAccessLogs returns entries with no share, i.e. lookup misses. Used
// by tests and the inmem dev backend only.
func (s *InmemStore) OrphanAccessLogs() []*share.AccessLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*share.AccessLog, 0, len(s.orphanLogs))
	for _, e := range s.orphanLogs {
		out = append(out, cloneLog(e))
	}
	return out
}

func (s *InmemStore) Close() error {
	return nil
}

// GetSnapshot implements share.SnapshotSource.
func (s *InmemStore) GetSnapshot(_ context.Context, id string) (*share.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, share.ErrNotFound
	}
	clone := *snap
	return &clone, nil
}

// PutSnapshot seeds a snapshot. Snapshots are externally owned in
// production; the inmem backend carries them so dev setups and tests can
// run self-contained.
func (s *InmemStore) PutSnapshot(snap *share.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *snap
	s.snapshots[snap.ID] = &clone
}

// ConsentExists implements share.ConsentSource.
func (s *InmemStore) ConsentExists(_ context.Context, tenantID, consentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consents[tenantID+"/"+consentID], nil
}

// PutConsent seeds a consent record.
func (s *InmemStore) PutConsent(tenantID, consentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[tenantID+"/"+consentID] = true
}

func cloneShare(ds *share.DataShare) *share.DataShare {
	clone := *ds
	if ds.Scope != nil {
		clone.Scope = append([]byte(nil), ds.Scope...)
	}
	clone.FirstAccessedAt = copyTime(ds.FirstAccessedAt)
	clone.LastAccessedAt = copyTime(ds.LastAccessedAt)
	clone.RevokedAt = copyTime(ds.RevokedAt)
	return &clone
}

func cloneToken(t *share.Token) *share.Token {
	clone := *t
	clone.LastUsedAt = copyTime(t.LastUsedAt)
	clone.RevokedAt = copyTime(t.RevokedAt)
	return &clone
}

func cloneLog(e *share.AccessLog) *share.AccessLog {
	clone := *e
	if e.Details != nil {
		clone.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

func timePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
