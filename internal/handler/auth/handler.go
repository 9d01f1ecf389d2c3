package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/uzdabrazor/chatparty/internal/config"
	"github.com/uzdabrazor/chatparty/internal/relay"
	"github.com/uzdabrazor/chatparty/internal/session"
	"github.com/uzdabrazor/chatparty/pkg/utils"
)

// sessionHeader carries the token on logout/validate calls.
const sessionHeader = "X-Session-ID"

// Handler serves the login/logout/validate companion endpoints that gate
// the streaming connection.
type Handler struct {
	sessions *session.Store
	cfg      config.AuthConfig
	registry *relay.Registry
}

// New creates the auth handler. registry may be nil in tests; it is used to
// drop live connections on logout.
func New(sessions *session.Store, cfg config.AuthConfig, registry *relay.Registry) *Handler {
	return &Handler{sessions: sessions, cfg: cfg, registry: registry}
}

// RegisterRoutes mounts the auth endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/logout", h.handleLogout)
	r.Get("/auth/validate", h.handleValidate)
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Required() {
		utils.RespondError(w, http.StatusBadRequest, "password authentication not enabled")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.passwordMatches(req.Password) {
		utils.RespondError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token := h.sessions.Create()
	utils.RespondJSON(w, http.StatusOK, loginResponse{
		SessionID: token,
		Success:   true,
		Message:   "authentication successful",
	})
}

func (h *Handler) passwordMatches(candidate string) bool {
	if h.cfg.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(h.cfg.PasswordHash), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(h.cfg.Password)) == 1
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(sessionHeader)
	h.sessions.Revoke(token)
	if h.registry != nil {
		h.registry.CloseByToken(token)
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "logged out successfully",
	})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Required() {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"valid":             true,
			"password_required": false,
		})
		return
	}

	token := r.Header.Get(sessionHeader)
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"valid":             h.sessions.Validate(token),
		"password_required": true,
	})
}
