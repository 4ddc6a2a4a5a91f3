package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stephnangue/recordshare/logger"
	"github.com/stephnangue/recordshare/logical"
	"github.com/stephnangue/recordshare/share"
)

// Tenant identity headers. Authentication itself is an external
// collaborator: the fronting gateway resolves the caller and injects these.
// The one exception is /v1/data-shares/validate, which is authenticated
// only by the bearer token it carries.
const (
	headerTenantID = "X-Tenant-ID"
	headerSchoolID = "X-School-ID"
	headerActorID  = "X-Actor-ID"
	headerUserID   = "X-User-ID"
)

// HandlerProperties wires the HTTP layer.
type HandlerProperties struct {
	Service   *share.Service
	Validator *share.Validator
	Logger    logger.Logger
}

type handler struct {
	service   *share.Service
	validator *share.Validator
	log       logger.Logger
}

// Handler builds the chi router for the full API surface.
func Handler(props *HandlerProperties) http.Handler {
	h := &handler{
		service:   props.Service,
		validator: props.Validator,
		log:       props.Logger.WithSubsystem("http"),
	}

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sys/health", h.handleHealth)

		r.Route("/data-shares", func(r chi.Router) {
			// External endpoint, registered before the {shareID} subtree.
			r.Post("/validate", h.handleValidate)

			r.Post("/", h.handleCreateShare)
			r.Get("/", h.handleListShares)

			r.Route("/{shareID}", func(r chi.Router) {
				r.Get("/", h.handleGetShare)
				r.Post("/revoke", h.handleRevokeShare)
				r.Post("/tokens", h.handleCreateToken)
				r.Get("/tokens", h.handleListTokens)
				r.Get("/access-logs", h.handleListAccessLogs)
			})
		})
	})
	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOk(w, map[string]any{"initialized": true, "time": time.Now().UTC()})
}

type createShareRequest struct {
	SnapshotID     string          `json:"snapshot_id"`
	TargetTenantID string          `json:"target_tenant_id,omitempty"`
	TargetSchoolID string          `json:"target_school_id,omitempty"`
	ConsentID      string          `json:"consent_id,omitempty"`
	Purpose        string          `json:"purpose,omitempty"`
	Scope          json.RawMessage `json:"scope,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	MaxAccesses    int             `json:"max_accesses,omitempty"`
}

func (h *handler) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}

	var req createShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ds, err := h.service.Create(r.Context(), share.CreateShareInput{
		TenantID:       tenantID,
		SchoolID:       r.Header.Get(headerSchoolID),
		SnapshotID:     req.SnapshotID,
		TargetTenantID: req.TargetTenantID,
		TargetSchoolID: req.TargetSchoolID,
		ConsentID:      req.ConsentID,
		Purpose:        req.Purpose,
		Scope:          req.Scope,
		ExpiresAt:      req.ExpiresAt,
		MaxAccesses:    req.MaxAccesses,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ds)
}

func (h *handler) handleListShares(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	shares, err := h.service.List(r.Context(), tenantID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOk(w, map[string]any{"data_shares": shares})
}

func (h *handler) handleGetShare(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	shareID, ok := h.shareID(w, r)
	if !ok {
		return
	}
	ds, err := h.service.Get(r.Context(), shareID, tenantID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOk(w, ds)
}

type revokeShareRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *handler) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	shareID, ok := h.shareID(w, r)
	if !ok {
		return
	}

	var req revokeShareRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ds, err := h.service.Revoke(r.Context(), shareID, tenantID, req.Reason, r.Header.Get(headerActorID))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOk(w, ds)
}

type createTokenRequest struct {
	MaxUses   int        `json:"max_uses,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createTokenResponse struct {
	Token     string    `json:"token"`
	TokenHint string    `json:"token_hint"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	shareID, ok := h.shareID(w, r)
	if !ok {
		return
	}

	var req createTokenRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	created, err := h.service.CreateToken(r.Context(), shareID, tenantID, req.MaxUses, req.ExpiresAt)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	// The raw token appears in this response and nowhere else, ever.
	respondJSON(w, http.StatusCreated, &createTokenResponse{
		Token:     created.Raw,
		TokenHint: created.Token.TokenHint,
		ExpiresAt: created.Token.ExpiresAt,
	})
}

func (h *handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	shareID, ok := h.shareID(w, r)
	if !ok {
		return
	}
	tokens, err := h.service.ListTokens(r.Context(), shareID, tenantID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOk(w, map[string]any{"tokens": tokens})
}

func (h *handler) handleListAccessLogs(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	shareID, ok := h.shareID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.ListAccessLogs(r.Context(), shareID, tenantID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	respondOk(w, map[string]any{"access_logs": logs})
}

type validateRequest struct {
	Token string `json:"token"`
}

func (h *handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.validator.Validate(r.Context(), req.Token, share.RequestContext{
		UserID:    r.Header.Get(headerUserID),
		TenantID:  r.Header.Get(headerTenantID),
		IP:        extractClientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: middleware.GetReqID(r.Context()),
	})
	if err != nil {
		// Store-layer failure: never reported as a validation verdict.
		h.log.Error("validation failed with internal error", logger.Err(err))
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Invalidity is a result, not an error: HTTP 200 either way.
	respondOk(w, result)
}

func (h *handler) requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.Header.Get(headerTenantID)
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "missing tenant identity")
		return "", false
	}
	return tenantID, true
}

func (h *handler) shareID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "shareID"))
	if err != nil {
		// Malformed IDs get the same answer as unknown ones.
		respondError(w, http.StatusNotFound, "share not found")
		return uuid.Nil, false
	}
	return id, true
}

func (h *handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := logical.GetErrorCode(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed",
			logger.Err(err),
			logger.String("path", r.URL.Path),
			logger.String("request_id", middleware.GetReqID(r.Context())),
		)
		respondError(w, code, "internal error")
		return
	}
	respondError(w, code, err.Error())
}

// extractClientIP extracts the client IP from the request.
// It checks X-Real-IP first (set by reverse proxies), then
// X-Forwarded-For, then falls back to RemoteAddr.
func extractClientIP(r *http.Request) string {
	clientIP := r.Header.Get("X-Real-IP")
	if clientIP != "" {
		return clientIP
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx != -1 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}

	clientIP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	return clientIP
}
