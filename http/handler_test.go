package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/recordshare/audit"
	"github.com/stephnangue/recordshare/logger"
	"github.com/stephnangue/recordshare/share"
	"github.com/stephnangue/recordshare/storage/inmem"
)

func newTestHandler(t *testing.T) (http.Handler, *inmem.InmemStore) {
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

	return Handler(&HandlerProperties{
		Service:   service,
		Validator: validator,
		Logger:    log,
	}), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, tenantID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(headerTenantID, tenantID)
		req.Header.Set(headerActorID, "actor-1")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/sys/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["initialized"])
}

func TestShareLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestHandler(t)

	// Create a share.
	rec := doJSON(t, h, http.MethodPost, "/v1/data-shares", map[string]any{
		"snapshot_id":  "snap-1",
		"purpose":      "university application",
		"expires_at":   time.Now().Add(time.Hour).UTC(),
		"max_accesses": 3,
	}, "tenant-a")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[share.DataShare](t, rec)
	assert.Equal(t, share.StatusActive, created.Status)
	assert.Equal(t, 3, created.MaxAccesses)

	// Issue a token. The raw value appears only here.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/data-shares/%s/tokens", created.ID), map[string]any{
		"max_uses": 2,
	}, "tenant-a")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tokenResp := decode[map[string]any](t, rec)
	rawToken, _ := tokenResp["token"].(string)
	require.Len(t, rawToken, 64)
	assert.NotEqual(t, rawToken, tokenResp["token_hint"])

	// Listing tokens never returns hashes.
	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/v1/data-shares/%s/tokens", created.ID), nil, "tenant-a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), rawToken)

	// The external validation endpoint needs no tenant identity.
	rec = doJSON(t, h, http.MethodPost, "/v1/data-shares/validate", map[string]any{
		"token": rawToken,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	valid := decode[map[string]any](t, rec)
	assert.Equal(t, true, valid["valid"])
	require.NotNil(t, valid["snapshot"])

	// Revoke the share.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/data-shares/%s/revoke", created.ID), map[string]any{
		"reason": "student request",
	}, "tenant-a")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	revoked := decode[share.DataShare](t, rec)
	assert.Equal(t, share.StatusRevoked, revoked.Status)

	// A revoked share fails validation, still with HTTP 200.
	rec = doJSON(t, h, http.MethodPost, "/v1/data-shares/validate", map[string]any{
		"token": rawToken,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	valid = decode[map[string]any](t, rec)
	assert.Equal(t, false, valid["valid"])
	assert.Equal(t, "token revoked", valid["message"])

	// Both attempts are in the trail.
	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/v1/data-shares/%s/access-logs", created.ID), nil, "tenant-a")
	require.Equal(t, http.StatusOK, rec.Code)
	logsResp := decode[map[string][]share.AccessLog](t, rec)
	assert.Len(t, logsResp["access_logs"], 2)

	// Revoking twice conflicts.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/data-shares/%s/revoke", created.ID), nil, "tenant-a")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMissingTenantIdentity(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/data-shares", map[string]any{
		"snapshot_id": "snap-1",
		"expires_at":  time.Now().Add(time.Hour).UTC(),
	}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode[ErrorResponse](t, rec)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "missing tenant identity", body.Errors[0])
}

func TestMalformedShareID(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/data-shares/not-a-uuid", nil, "tenant-a")
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decode[ErrorResponse](t, rec)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "share not found", body.Errors[0])
}

func TestCrossTenantAccessHidden(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/data-shares", map[string]any{
		"snapshot_id": "snap-1",
		"expires_at":  time.Now().Add(time.Hour).UTC(),
	}, "tenant-a")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[share.DataShare](t, rec)

	// Another tenant sees the same 404 as for a missing share.
	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/v1/data-shares/%s", created.ID), nil, "tenant-b")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidRequestBody(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/data-shares", bytes.NewBufferString("{not json"))
	req.Header.Set(headerTenantID, "tenant-a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"x-real-ip wins", map[string]string{"X-Real-IP": "203.0.113.1", "X-Forwarded-For": "198.51.100.2"}, "192.0.2.3:1234", "203.0.113.1"},
		{"forwarded-for first hop", map[string]string{"X-Forwarded-For": "198.51.100.2, 198.51.100.3"}, "192.0.2.3:1234", "198.51.100.2"},
		{"remote addr fallback", nil, "192.0.2.3:1234", "192.0.2.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIP(req))
		})
	}
}
