package session

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Handler lets the host application check a session token.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /identity/session", h.Current)
	mux.HandleFunc("POST /identity/session/introspect", h.Introspect)
}

// Current answers with the session behind the Bearer token, or 401.
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing_token"})
		return
	}
	claims, err := h.svc.Validate(r.Context(), strings.TrimSpace(auth[7:]))
	if err != nil {
		h.logger.Debugw("session rejected", "err", err)
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	shadowID, _ := strconv.ParseInt(claims.Subject, 10, 64)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"shadow_id":  shadowID,
		"auth_id":    claims.AuthID,
		"expires_at": claims.ExpiresAt.Time,
	})
}

// Introspect follows RFC 7662: unknown, expired and revoked tokens all come
// back as {"active": false} with status 200.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	token := r.Form.Get("token")
	if token == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	claims, err := h.svc.Validate(r.Context(), token)
	if err != nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"active":     true,
		"sub":        claims.Subject,
		"aid":        claims.AuthID,
		"iss":        claims.Issuer,
		"jti":        claims.ID,
		"iat":        claims.IssuedAt.Unix(),
		"exp":        claims.ExpiresAt.Unix(),
		"token_type": "session",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
