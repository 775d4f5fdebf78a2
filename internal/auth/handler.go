package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	hostentity "github.com/ovaphlow/pitchfork/identity-bridge/internal/host/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/session"
)

// SessionValidator checks a host session token. *session.Service satisfies it.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*session.Claims, error)
}

// AccountLookup reads host accounts. *host.Registry satisfies it.
type AccountLookup interface {
	Get(ctx context.Context, id int64) (*hostentity.Account, error)
}

// Caller is the authenticated principal behind a request.
type Caller struct {
	ShadowID int64
	AuthID   int64
	Admin    bool
}

// Handler exposes the orchestrator over HTTP.
type Handler struct {
	svc      *Service
	sessions SessionValidator
	accounts AccountLookup
	logger   *zap.SugaredLogger
}

func NewHandler(svc *Service, sessions SessionValidator, accounts AccountLookup, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, sessions: sessions, accounts: accounts, logger: logger}
}

// Mount registers the identity routes on mux under /identity. Account
// lifecycle routes need an administrator session; creating a verification
// job needs a session for the same account or an administrator.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /identity/login", h.Login)
	mux.HandleFunc("POST /identity/register", h.Register)
	mux.HandleFunc("POST /identity/logout", h.Logout)
	mux.HandleFunc("POST /identity/accounts/{id}/deactivate", h.Deactivate)
	mux.HandleFunc("POST /identity/accounts/{id}/reactivate", h.Reactivate)
	mux.HandleFunc("POST /identity/accounts/{id}/anonymize", h.Anonymize)
	mux.HandleFunc("POST /identity/accounts/{id}/tombstone", h.Tombstone)
	mux.HandleFunc("POST /identity/verification", h.CreateJob)
	mux.HandleFunc("GET /identity/verification/{token}", h.ResolveJob)
	mux.HandleFunc("POST /identity/verification/{token}/complete", h.CompleteJob)
}

// LoginRequest login payload.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// RegisterRequest register payload.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Register(r.Context(), RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		IP:       clientIP(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

// Logout always answers 204, whatever the token.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), bearer(r))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.accountArgs(w, r)
	if !ok {
		return
	}
	if err := h.svc.Deactivate(r.Context(), id, actor); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"auth_id": id, "status": "deactivated"})
}

func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.accountArgs(w, r)
	if !ok {
		return
	}
	if err := h.svc.Reactivate(r.Context(), id, actor); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"auth_id": id, "status": "active"})
}

func (h *Handler) Anonymize(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.accountArgs(w, r)
	if !ok {
		return
	}
	n, err := h.svc.AnonymizeContent(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"auth_id": id, "reassigned": n})
}

func (h *Handler) Tombstone(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := h.accountArgs(w, r)
	if !ok {
		return
	}
	if err := h.svc.TombstoneDelete(r.Context(), id, actor); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"auth_id": id, "status": "tombstoned"})
}

// JobRequest creates a verification job.
type JobRequest struct {
	AuthID  int64          `json:"auth_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req JobRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !caller.Admin && caller.AuthID != req.AuthID {
		h.writeError(w, newError(KindForbidden, "auth.CreateJob", nil))
		return
	}
	token, err := h.svc.CreateVerificationJob(r.Context(), req.AuthID, req.Type, req.Payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (h *Handler) ResolveJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.ResolveVerificationJob(r.Context(), r.PathValue("token"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CompleteRequest finishes a verification job.
type CompleteRequest struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.svc.CompleteVerificationJob(r.Context(), r.PathValue("token"), entity.JobStatus(req.Status), req.Error)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

// authenticate resolves the Bearer session and the role of its shadow account.
func (h *Handler) authenticate(r *http.Request) (*Caller, error) {
	const op = "auth.authenticate"
	token := bearer(r)
	if token == "" || h.sessions == nil {
		return nil, newError(KindUnauthorized, op, nil)
	}
	claims, err := h.sessions.Validate(r.Context(), token)
	if err != nil {
		return nil, newError(KindUnauthorized, op, err)
	}
	shadowID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, newError(KindUnauthorized, op, err)
	}
	c := &Caller{ShadowID: shadowID, AuthID: claims.AuthID}
	if h.accounts != nil {
		acct, err := h.accounts.Get(r.Context(), shadowID)
		if err != nil {
			return nil, newError(KindUnauthorized, op, err)
		}
		c.Admin = slices.Contains(h.svc.Config().AdminRoles, acct.Role)
	}
	return c, nil
}

// accountArgs authorizes an administrator and reads the {id} path value.
// The audit actor is the caller's forum account.
func (h *Handler) accountArgs(w http.ResponseWriter, r *http.Request) (int64, *int64, bool) {
	caller, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, err)
		return 0, nil, false
	}
	if !caller.Admin {
		h.logger.Infow("lifecycle call refused", "path", r.URL.Path, "auth_id", caller.AuthID)
		h.writeError(w, newError(KindForbidden, "auth.accountArgs", nil))
		return 0, nil, false
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
		return 0, nil, false
	}
	return id, &caller.AuthID, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("request failed", "kind", kind, "err", err)
	} else {
		h.logger.Debugw("request rejected", "kind", kind, "err", err)
	}
	h.writeJSON(w, status, map[string]string{"error": kind.String(), "message": kind.Message()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bearer(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
