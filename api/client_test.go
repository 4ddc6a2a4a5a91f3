package api_test

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/recordshare/api"
	"github.com/stephnangue/recordshare/audit"
	recordsharehttp "github.com/stephnangue/recordshare/http"
	"github.com/stephnangue/recordshare/logger"
	"github.com/stephnangue/recordshare/share"
	"github.com/stephnangue/recordshare/storage/inmem"
)

func startTestServer(t *testing.T) *api.Client {
	t.Helper()
	log := logger.NewTestLogger(io.Discard)
	store := inmem.NewInmemStore(log)
	store.PutSnapshot(&share.Snapshot{
		ID:       "snap-1",
		TenantID: "tenant-a",
		Status:   "published",
		Data:     []byte(`{"student":"jane"}`),
	})

	recorder := audit.NewRecorder(audit.RecorderConfig{Store: store, Logger: log})
	service := share.NewService(share.ServiceConfig{
		Store:     store,
		Snapshots: store,
		Consents:  store,
		Logger:    log,
	})
	validator := share.NewValidator(share.ValidatorConfig{
		Store:     store,
		Snapshots: store,
		Recorder:  recorder,
		Logger:    log,
	})

	srv := httptest.NewServer(recordsharehttp.Handler(&recordsharehttp.HandlerProperties{
		Service:   service,
		Validator: validator,
		Logger:    log,
	}))
	t.Cleanup(srv.Close)

	client, err := api.NewClient(&api.Config{Address: srv.URL, MaxRetries: 0})
	require.NoError(t, err)
	return client
}

func TestDefaultConfigFromEnv(t *testing.T) {
	os.Setenv(api.EnvRecordshareAddress, "http://example.com:9999")
	os.Setenv(api.EnvRecordshareMaxRetries, "5")
	defer os.Unsetenv(api.EnvRecordshareAddress)
	defer os.Unsetenv(api.EnvRecordshareMaxRetries)

	cfg := api.DefaultConfig()
	assert.Equal(t, "http://example.com:9999", cfg.Address)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestClientShareLifecycle(t *testing.T) {
	client := startTestServer(t)
	ctx := context.Background()
	owner := api.Identity{TenantID: "tenant-a", ActorID: "actor-1"}

	require.NoError(t, client.Health(ctx))

	ds, err := client.CreateShare(ctx, owner, &api.CreateShareRequest{
		SnapshotID:  "snap-1",
		Purpose:     "scholarship review",
		ExpiresAt:   time.Now().Add(time.Hour).UTC(),
		MaxAccesses: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "active", ds.Status)
	assert.Equal(t, "tenant-a", ds.SourceTenantID)

	fetched, err := client.GetShare(ctx, owner, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, ds.ID, fetched.ID)

	list, err := client.ListShares(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)

	created, err := client.CreateToken(ctx, owner, ds.ID, &api.CreateTokenRequest{MaxUses: 1})
	require.NoError(t, err)
	assert.Len(t, created.Token, 64)
	assert.NotEqual(t, created.Token, created.TokenHint)

	res, err := client.Validate(ctx, created.Token)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Snapshot)

	// The single use is spent.
	res, err = client.Validate(ctx, created.Token)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "token consumed", res.Message)

	logs, err := client.ListAccessLogs(ctx, owner, ds.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	revoked, err := client.RevokeShare(ctx, owner, ds.ID, "student request")
	require.NoError(t, err)
	assert.Equal(t, "revoked", revoked.Status)
}

func TestClientErrorDecoding(t *testing.T) {
	client := startTestServer(t)
	ctx := context.Background()

	_, err := client.GetShare(ctx, api.Identity{TenantID: "tenant-a"}, "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)

	var respErr *api.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, 404, respErr.StatusCode)
	assert.Equal(t, "share not found", respErr.Message)
}

func TestValidateCarriesNoIdentity(t *testing.T) {
	client := startTestServer(t)

	// An unknown token is a negative result, not a transport error.
	res, err := client.Validate(context.Background(), "not-a-real-token")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "token invalid", res.Message)
}
