package http

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nahid/user-service/internal/domain"
	"github.com/nahid/user-service/internal/middleware"
	"github.com/nahid/user-service/internal/usecase"
)

type Handler struct {
	authUsecase *usecase.AuthUsecase
	userRepo    domain.UserRepository
	eventRepo   domain.LoginEventRepository
}

func NewHandler(auth *usecase.AuthUsecase, userRepo domain.UserRepository, eventRepo domain.LoginEventRepository) *Handler {
	return &Handler{
		authUsecase: auth,
		userRepo:    userRepo,
		eventRepo:   eventRepo,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// Auth handlers

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (req *registerRequest) validate() string {
	if req.Email == "" || req.Password == "" {
		return "Email and password are required"
	}
	if !strings.Contains(req.Email, "@") {
		return "Email must be valid"
	}
	if len(req.Password) < 8 {
		return "Password must be at least 8 characters"
	}
	// bcrypt rejects inputs longer than 72 bytes.
	if len(req.Password) > 72 {
		return "Password must be at most 72 characters"
	}
	return ""
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	user, err := h.authUsecase.Register(req.Email, req.Password, req.FirstName, req.LastName)
	if errors.Is(err, usecase.ErrEmailExists) {
		writeError(w, http.StatusConflict, "Email already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User   *domain.User       `json:"user"`
	Tokens *usecase.TokenPair `json:"tokens"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, tokens, err := h.authUsecase.Login(req.Email, req.Password, clientIP(r), r.UserAgent())
	if errors.Is(err, usecase.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to login")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{User: user, Tokens: tokens})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// refreshTokenFrom accepts the token in the JSON body or, failing that, as a
// bearer-style Authorization header.
func refreshTokenFrom(r *http.Request) string {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RefreshToken != "" {
		return req.RefreshToken
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	refreshToken := refreshTokenFrom(r)
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	tokens, err := h.authUsecase.Refresh(refreshToken)
	switch {
	case errors.Is(err, usecase.ErrInvalidToken),
		errors.Is(err, usecase.ErrTokenRevoked),
		errors.Is(err, usecase.ErrTokenExpired),
		errors.Is(err, usecase.ErrUserNotFound):
		// Which check failed stays in the logs, not in the response.
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

type logoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	refreshToken := refreshTokenFrom(r)
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, "Refresh token is required")
		return
	}

	// Logout works with or without an access token; with one, the refresh
	// token must belong to the caller.
	requester, _ := middleware.GetUserID(r.Context())

	err := h.authUsecase.Logout(refreshToken, requester)
	switch {
	case errors.Is(err, usecase.ErrInvalidToken),
		errors.Is(err, usecase.ErrTokenRevoked),
		errors.Is(err, usecase.ErrNotOwner):
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to logout")
		return
	}

	writeJSON(w, http.StatusOK, logoutResponse{Success: true, Message: "Logged out successfully"})
}

// User handlers

func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.authUsecase.GetUserByID(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) GetMyLogins(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, offset := pagination(r)
	events, err := h.authUsecase.GetLoginHistory(userID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get login history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// Admin handlers

func (h *Handler) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	users, total, err := h.userRepo.ListAll(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"total": total,
	})
}

func (h *Handler) AdminListLogins(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	events, total, err := h.eventRepo.ListRecent(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list login events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

func (h *Handler) AdminGetStats(w http.ResponseWriter, r *http.Request) {
	userCount, err := h.userRepo.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	active, err := h.eventRepo.ActiveUsers(time.Now().AddDate(0, 0, -30))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	daily, err := h.eventRepo.DailyLoginCounts(14)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_users":  userCount,
		"active_users": active,
		"daily_logins": daily,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	// Negative values would reach SQL as OFFSET -1 and error out.
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
