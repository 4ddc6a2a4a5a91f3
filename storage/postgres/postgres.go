// Package postgres implements the share store on PostgreSQL via pgx.
//
// Correctness of the consumption counters relies on conditional single
// statement updates (`UPDATE ... WHERE uses_count < max_uses`) executed
// inside one transaction, never on read-then-write sequences. The cascade
// on revocation is likewise one transaction with one batched token update.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stephnangue/recordshare/logger"
	"github.com/stephnangue/recordshare/share"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS data_shares (
	id                UUID PRIMARY KEY,
	source_tenant_id  TEXT NOT NULL,
	source_school_id  TEXT NOT NULL DEFAULT '',
	target_tenant_id  TEXT NOT NULL DEFAULT '',
	target_school_id  TEXT NOT NULL DEFAULT '',
	snapshot_id       TEXT NOT NULL,
	consent_id        TEXT NOT NULL DEFAULT '',
	purpose           TEXT NOT NULL DEFAULT '',
	scope             JSONB,
	status            TEXT NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	max_accesses      INTEGER NOT NULL CHECK (max_accesses >= 1),
	access_count      INTEGER NOT NULL DEFAULT 0 CHECK (access_count >= 0 AND access_count <= max_accesses),
	first_accessed_at TIMESTAMPTZ,
	last_accessed_at  TIMESTAMPTZ,
	revoked_at        TIMESTAMPTZ,
	revoked_by        TEXT NOT NULL DEFAULT '',
	revoke_reason     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS data_shares_tenant_idx ON data_shares (source_tenant_id, created_at);

CREATE TABLE IF NOT EXISTS data_share_tokens (
	id            UUID PRIMARY KEY,
	data_share_id UUID NOT NULL REFERENCES data_shares (id),
	token_hash    TEXT NOT NULL UNIQUE,
	hash_algo     TEXT NOT NULL,
	hash_encoding TEXT NOT NULL,
	token_hint    TEXT NOT NULL,
	status        TEXT NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	max_uses      INTEGER NOT NULL CHECK (max_uses >= 1),
	uses_count    INTEGER NOT NULL DEFAULT 0 CHECK (uses_count >= 0 AND uses_count <= max_uses),
	last_used_at  TIMESTAMPTZ,
	revoked_at    TIMESTAMPTZ,
	revoked_by    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS data_share_tokens_share_idx ON data_share_tokens (data_share_id);

CREATE TABLE IF NOT EXISTS data_share_access_logs (
	id                   TEXT PRIMARY KEY,
	data_share_id        UUID,
	token_id             UUID,
	requester_user_id    TEXT NOT NULL DEFAULT '',
	requester_tenant_id  TEXT NOT NULL DEFAULT '',
	requester_ip         TEXT NOT NULL DEFAULT '',
	requester_user_agent TEXT NOT NULL DEFAULT '',
	action               TEXT NOT NULL,
	result               TEXT NOT NULL,
	details              JSONB,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS data_share_access_logs_share_idx ON data_share_access_logs (data_share_id, created_at);
`

const shareColumns = `id, source_tenant_id, source_school_id, target_tenant_id, target_school_id,
	snapshot_id, consent_id, purpose, scope, status, expires_at, max_accesses, access_count,
	first_accessed_at, last_accessed_at, revoked_at, revoked_by, revoke_reason, created_at`

const tokenColumns = `id, data_share_id, token_hash, hash_algo, hash_encoding, token_hint,
	status, expires_at, max_uses, uses_count, last_used_at, revoked_at, revoked_by, created_at`

// PostgresStore implements share.Store, share.SnapshotSource and
// share.ConsentSource on one pgx pool. The snapshot and consent tables are
// owned by other subsystems; this store only ever reads them.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// New builds a PostgresStore from the flattened storage config block.
// Recognized keys: connection_url (required), max_conns,
// skip_create_tables.
func New(ctx context.Context, conf map[string]string, log logger.Logger) (share.Store, error) {
	connURL, ok := conf["connection_url"]
	if !ok || connURL == "" {
		return nil, fmt.Errorf("postgres storage requires connection_url")
	}

	poolConfig, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parsing connection_url: %w", err)
	}
	if raw, ok := conf["max_conns"]; ok && raw != "" {
		maxConns, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing max_conns: %w", err)
		}
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	s := &PostgresStore{pool: pool, log: log.WithSubsystem("postgres")}

	if conf["skip_create_tables"] != "true" {
		if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}

	return s, nil
}

func (s *PostgresStore) CreateShare(ctx context.Context, ds *share.DataShare) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO data_shares (`+shareColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		ds.ID, ds.SourceTenantID, ds.SourceSchoolID, ds.TargetTenantID, ds.TargetSchoolID,
		ds.SnapshotID, ds.ConsentID, ds.Purpose, []byte(ds.Scope), ds.Status.String(),
		ds.ExpiresAt, ds.MaxAccesses, ds.AccessCount,
		ds.FirstAccessedAt, ds.LastAccessedAt, ds.RevokedAt, ds.RevokedBy, ds.RevokeReason, ds.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetShare(ctx context.Context, id uuid.UUID) (*share.DataShare, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+shareColumns+` FROM data_shares WHERE id = $1`, id)
	return scanShare(row)
}

func (s *PostgresStore) ListShares(ctx context.Context, tenantID string) ([]*share.DataShare, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+shareColumns+` FROM data_shares
		WHERE source_tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*share.DataShare
	for rows.Next() {
		ds, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RevokeShare(ctx context.Context, id uuid.UUID, reason, actorID string, at time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE data_shares
		SET status = 'revoked', revoked_at = $2, revoked_by = $3, revoke_reason = $4
		WHERE id = $1 AND status <> 'revoked'`,
		id, at, actorID, reason)
	if err != nil {
		return 0, err
	}
	if ct.RowsAffected() == 0 {
		return 0, share.ErrStaleStatus
	}

	// One batched update for the cascade: no window in which the share is
	// revoked while some of its tokens still validate.
	ct, err = tx.Exec(ctx, `
		UPDATE data_share_tokens
		SET status = 'revoked', revoked_at = $2, revoked_by = $3
		WHERE data_share_id = $1 AND status = 'active'`,
		id, at, actorID)
	if err != nil {
		return 0, err
	}
	revoked := int(ct.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return revoked, nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, t *share.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO data_share_tokens (`+tokenColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.DataShareID, t.TokenHash, t.HashAlgo, t.HashEncoding, t.TokenHint,
		t.Status.String(), t.ExpiresAt, t.MaxUses, t.UsesCount,
		t.LastUsedAt, t.RevokedAt, t.RevokedBy, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTokenByHash(ctx context.Context, hash string) (*share.Token, *share.DataShare, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM data_share_tokens WHERE token_hash = $1`, hash)
	tok, err := scanToken(row)
	if err != nil {
		return nil, nil, err
	}

	ds, err := s.GetShare(ctx, tok.DataShareID)
	if err != nil {
		if errors.Is(err, share.ErrNotFound) {
			// Orphaned token: the validator treats a missing parent the
			// same as an inactive share.
			return tok, nil, nil
		}
		return nil, nil, err
	}
	return tok, ds, nil
}

func (s *PostgresStore) ListTokens(ctx context.Context, shareID uuid.UUID) ([]*share.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+` FROM data_share_tokens
		WHERE data_share_id = $1 ORDER BY created_at`, shareID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*share.Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkTokenStatus(ctx context.Context, id uuid.UUID, from, to share.Status, _ time.Time) error {
	// Conditional on the observed status: losing the race to another
	// validator is a no-op, not an error.
	_, err := s.pool.Exec(ctx, `
		UPDATE data_share_tokens SET status = $3
		WHERE id = $1 AND status = $2`,
		id, from.String(), to.String())
	return err
}

func (s *PostgresStore) MarkShareStatus(ctx context.Context, id uuid.UUID, from, to share.Status, _ time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE data_shares SET status = $3
		WHERE id = $1 AND status = $2`,
		id, from.String(), to.String())
	return err
}

func (s *PostgresStore) ConsumeAccess(ctx context.Context, tokenID, shareID uuid.UUID, at time.Time) (share.ConsumeOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return share.ConsumeTokenExhausted, err
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE data_share_tokens
		SET uses_count = uses_count + 1, last_used_at = $2
		WHERE id = $1 AND status = 'active' AND uses_count < max_uses`,
		tokenID, at)
	if err != nil {
		return share.ConsumeTokenExhausted, err
	}
	if ct.RowsAffected() == 0 {
		return share.ConsumeTokenExhausted, nil
	}

	ct, err = tx.Exec(ctx, `
		UPDATE data_shares
		SET access_count = access_count + 1,
		    first_accessed_at = COALESCE(first_accessed_at, $2),
		    last_accessed_at = $2
		WHERE id = $1 AND status = 'active' AND access_count < max_accesses`,
		shareID, at)
	if err != nil {
		return share.ConsumeShareExhausted, err
	}
	if ct.RowsAffected() == 0 {
		// Roll back the token increment too: the share limit was hit first.
		return share.ConsumeShareExhausted, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return share.ConsumeTokenExhausted, err
	}
	return share.ConsumeOK, nil
}

func (s *PostgresStore) AppendAccessLog(ctx context.Context, entry *share.AccessLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO data_share_access_logs (id, data_share_id, token_id,
			requester_user_id, requester_tenant_id, requester_ip, requester_user_agent,
			action, result, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		entry.ID, entry.DataShareID, entry.TokenID,
		entry.RequesterUserID, entry.RequesterTenantID, entry.RequesterIP, entry.RequesterUserAgent,
		string(entry.Action), string(entry.Result), entry.Details, entry.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAccessLogs(ctx context.Context, shareID uuid.UUID) ([]*share.AccessLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, data_share_id, token_id,
			requester_user_id, requester_tenant_id, requester_ip, requester_user_agent,
			action, result, details, created_at
		FROM data_share_access_logs
		WHERE data_share_id = $1 ORDER BY created_at`, shareID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*share.AccessLog
	for rows.Next() {
		entry := &share.AccessLog{}
		var action, result string
		err := rows.Scan(&entry.ID, &entry.DataShareID, &entry.TokenID,
			&entry.RequesterUserID, &entry.RequesterTenantID, &entry.RequesterIP, &entry.RequesterUserAgent,
			&action, &result, &entry.Details, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entry.Action = share.Action(action)
		entry.Result = share.Result(result)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetSnapshot implements share.SnapshotSource by reading the externally
// owned record_snapshots table.
func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*share.Snapshot, error) {
	snap := &share.Snapshot{}
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, status, data, created_at
		FROM record_snapshots WHERE id = $1`, id).
		Scan(&snap.ID, &snap.TenantID, &snap.Status, &data, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, share.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.Data = data
	return snap, nil
}

// ConsentExists implements share.ConsentSource by reading the externally
// owned consents table.
func (s *PostgresStore) ConsentExists(ctx context.Context, tenantID, consentID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM consents WHERE id = $1 AND tenant_id = $2)`,
		consentID, tenantID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShare(row rowScanner) (*share.DataShare, error) {
	ds := &share.DataShare{}
	var scope []byte
	var status string
	err := row.Scan(&ds.ID, &ds.SourceTenantID, &ds.SourceSchoolID, &ds.TargetTenantID, &ds.TargetSchoolID,
		&ds.SnapshotID, &ds.ConsentID, &ds.Purpose, &scope, &status,
		&ds.ExpiresAt, &ds.MaxAccesses, &ds.AccessCount,
		&ds.FirstAccessedAt, &ds.LastAccessedAt, &ds.RevokedAt, &ds.RevokedBy, &ds.RevokeReason, &ds.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, share.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ds.Scope = scope
	ds.Status, err = share.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func scanToken(row rowScanner) (*share.Token, error) {
	tok := &share.Token{}
	var status string
	err := row.Scan(&tok.ID, &tok.DataShareID, &tok.TokenHash, &tok.HashAlgo, &tok.HashEncoding, &tok.TokenHint,
		&status, &tok.ExpiresAt, &tok.MaxUses, &tok.UsesCount,
		&tok.LastUsedAt, &tok.RevokedAt, &tok.RevokedBy, &tok.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, share.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.Status, err = share.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return tok, nil
}
