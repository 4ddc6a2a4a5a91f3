package share_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/recordshare/share"
)

var testRequester = share.RequestContext{
	UserID:    "user-ext",
	TenantID:  "tenant-b",
	IP:        "203.0.113.7",
	UserAgent: "test-agent/1.0",
}

func (e *testEnv) accessLogs(t *testing.T, ds *share.DataShare) []*share.AccessLog {
	t.Helper()
	logs, err := e.store.ListAccessLogs(context.Background(), ds.ID)
	require.NoError(t, err)
	return logs
}

func TestValidateSuccess(t *testing.T) {
	env := newTestEnv(t)
	ds := env.createShare(t, "tenant-a", 3)
	created, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 2, nil)
	require.NoError(t, err)

	res, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)

	assert.True(t, res.Valid)
	require.NotNil(t, res.Snapshot)
	assert.Equal(t, ds.SnapshotID, res.Snapshot.ID)
	assert.Equal(t, share.ResultAllowed, res.Result)

	// Counters moved on both the token and the share.
	tok, parent, err := env.store.GetTokenByHash(context.Background(), created.Token.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, 1, tok.UsesCount)
	assert.NotNil(t, tok.LastUsedAt)
	assert.Equal(t, 1, parent.AccessCount)
	require.NotNil(t, parent.FirstAccessedAt)
	require.NotNil(t, parent.LastAccessedAt)

	// Exactly one log entry, marked as a successful read.
	logs := env.accessLogs(t, ds)
	require.Len(t, logs, 1)
	entry := logs[0]
	assert.Equal(t, share.ActionRead, entry.Action)
	assert.Equal(t, share.ResultAllowed, entry.Result)
	assert.Equal(t, testRequester.UserID, entry.RequesterUserID)
	assert.Equal(t, testRequester.IP, entry.RequesterIP)
	require.NotNil(t, entry.TokenID)
	assert.Equal(t, created.Token.ID, *entry.TokenID)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestValidateUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.validator.Validate(context.Background(), "no-such-token", testRequester)
	require.NoError(t, err, "an unknown token is a result, not an error")

	assert.False(t, res.Valid)
	assert.Equal(t, "token invalid", res.Message)
	assert.Nil(t, res.Snapshot)
	assert.Equal(t, share.ResultDenied, res.Result)

	// The miss is still logged, with no share or token to attach it to.
	orphans := env.store.OrphanAccessLogs()
	require.Len(t, orphans, 1)
	assert.Nil(t, orphans[0].DataShareID)
	assert.Nil(t, orphans[0].TokenID)
	assert.Equal(t, share.ResultDenied, orphans[0].Result)
	assert.Equal(t, "token_not_found", orphans[0].Details["reason"])
}

func TestValidateSingleUseToken(t *testing.T) {
	env := newTestEnv(t)
	ds := env.createShare(t, "tenant-a", 5)
	created, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 1, nil)
	require.NoError(t, err)

	first, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.True(t, first.Valid)

	// Second attempt discovers the exhausted counter and persists the
	// consumed status.
	second, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, second.Valid)
	assert.Equal(t, "token consumed", second.Message)
	assert.Equal(t, share.ResultConsumed, second.Result)

	tok, _, err := env.store.GetTokenByHash(context.Background(), created.Token.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, share.StatusConsumed, tok.Status)

	// Third attempt short-circuits on the stored status.
	third, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, third.Valid)
	assert.Equal(t, "token consumed", third.Message)

	// One log row per attempt, no more, no less.
	assert.Len(t, env.accessLogs(t, ds), 3)
}

func TestValidateAfterRevoke(t *testing.T) {
	env := newTestEnv(t)
	ds := env.createShare(t, "tenant-a", 5)
	created, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 5, nil)
	require.NoError(t, err)

	_, err = env.service.Revoke(context.Background(), ds.ID, "tenant-a", "breach", "user-1")
	require.NoError(t, err)

	res, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "token revoked", res.Message)
	assert.Equal(t, share.ResultRevoked, res.Result)

	logs := env.accessLogs(t, ds)
	require.Len(t, logs, 1)
	assert.Equal(t, share.ActionValidate, logs[0].Action)
	assert.Equal(t, "token_revoked", logs[0].Details["reason"])
}

func TestValidateTokenExpiry(t *testing.T) {
	env := newTestEnv(t)
	ds := env.createShare(t, "tenant-a", 5)
	expiry := env.clock.Now().Add(time.Hour)
	created, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 5, &expiry)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)

	res, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "token expired", res.Message)
	assert.Equal(t, share.ResultExpired, res.Result)

	// The crossing is persisted so later attempts stop on stored status.
	tok, _, err := env.store.GetTokenByHash(context.Background(), created.Token.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, share.StatusExpired, tok.Status)

	again, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, again.Valid)
	assert.Equal(t, "token expired", again.Message)
	assert.Len(t, env.accessLogs(t, ds), 2)
}

func TestValidateShareExpiry(t *testing.T) {
	env := newTestEnv(t)
	ds := env.createShare(t, "tenant-a", 5) // expires in 24h

	// Give the token a longer life than its share so the share boundary is
	// the one that trips.
	tokenExpiry := env.clock.Now().Add(48 * time.Hour)
	created, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 5, &tokenExpiry)
	require.NoError(t, err)

	env.clock.Advance(25 * time.Hour)

	res, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "share expired", res.Message)
	assert.Equal(t, share.ResultExpired, res.Result)

	stored, err := env.store.GetShare(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, share.StatusExpired, stored.Status)
}

func TestValidateShareAccessExhaustion(t *testing.T) {
	env := newTestEnv(t)
	ds := env.createShare(t, "tenant-a", 1)
	created, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 5, nil)
	require.NoError(t, err)

	first, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.True(t, first.Valid)

	// The token still has uses left, but the share budget is spent.
	second, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, second.Valid)
	assert.Equal(t, "share consumed", second.Message)
	assert.Equal(t, share.ResultConsumed, second.Result)

	stored, err := env.store.GetShare(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, share.StatusConsumed, stored.Status)

	// With the share consumed, the next attempt fails on its stored status.
	third, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, third.Valid)
	assert.Equal(t, "share revoked or inactive", third.Message)
}

func TestValidateShareBudgetSpansTokens(t *testing.T) {
	env := newTestEnv(t)
	env.seedSnapshot("tenant-a", "snap-1", "published")
	ds, err := env.service.Create(context.Background(), share.CreateShareInput{
		TenantID:    "tenant-a",
		SnapshotID:  "snap-1",
		ExpiresAt:   env.clock.Now().Add(24 * time.Hour),
		MaxAccesses: 2,
	})
	require.NoError(t, err)

	tokA, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 5, nil)
	require.NoError(t, err)
	tokB, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 5, nil)
	require.NoError(t, err)

	// The budget is the share's, not any one token's.
	res, err := env.validator.Validate(context.Background(), tokA.Raw, testRequester)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = env.validator.Validate(context.Background(), tokB.Raw, testRequester)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = env.validator.Validate(context.Background(), tokA.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, share.ResultConsumed, res.Result)

	stored, err := env.store.GetShare(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, share.StatusConsumed, stored.Status)
	assert.Equal(t, 2, stored.AccessCount)
}

func TestValidateSnapshotRevoked(t *testing.T) {
	env := newTestEnv(t)
	ds := env.createShare(t, "tenant-a", 5)
	created, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 5, nil)
	require.NoError(t, err)

	// The owner withdraws the snapshot after the share was issued.
	env.seedSnapshot("tenant-a", ds.SnapshotID, share.SnapshotStatusRevoked)

	res, err := env.validator.Validate(context.Background(), created.Raw, testRequester)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "share revoked or inactive", res.Message)
	assert.Nil(t, res.Snapshot)

	logs := env.accessLogs(t, ds)
	require.Len(t, logs, 1)
	assert.Equal(t, "snapshot_revoked", logs[0].Details["reason"])

	// No consumption happened.
	stored, err := env.store.GetShare(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.AccessCount)
}

func TestValidateConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ds := env.createShare(t, "tenant-a", 1)
	created, err := env.service.CreateToken(context.Background(), ds.ID, "tenant-a", 1, nil)
	require.NoError(t, err)

	const attempts = 16
	results := make([]*share.ValidationResult, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.validator.Validate(context.Background(), created.Raw, testRequester)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		if res.Valid {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent validation may succeed")

	tok, parent, err := env.store.GetTokenByHash(context.Background(), created.Token.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, 1, tok.UsesCount, "counter never passes max_uses")
	assert.Equal(t, 1, parent.AccessCount, "counter never passes max_accesses")

	// Every attempt, winner and losers alike, left a log row.
	assert.Len(t, env.accessLogs(t, ds), attempts)
}
