package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/authgate/authgate/internal/apperr"
	"github.com/authgate/authgate/internal/auth"
	"github.com/authgate/authgate/internal/middleware"
	"github.com/authgate/authgate/internal/models"
)

type AuthHandlers struct {
	auth   *auth.Service
	logger *logrus.Logger
}

func NewAuthHandlers(authService *auth.Service, logger *logrus.Logger) *AuthHandlers {
	return &AuthHandlers{
		auth:   authService,
		logger: logger,
	}
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SendOTPRequest struct {
	Phone       string `json:"phone"`
	CountryCode string `json:"country_code,omitempty"`
}

type VerifyOTPRequest struct {
	Phone       string `json:"phone"`
	CountryCode string `json:"country_code,omitempty"`
	OTP         string `json:"otp"`
	OTPID       string `json:"otp_id,omitempty"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AuthResponse struct {
	User      UserResponse      `json:"user"`
	Tokens    *models.TokenPair `json:"tokens"`
	IsNewUser bool              `json:"is_new_user,omitempty"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, string(apperr.KindValidation), "Invalid request body")
		return
	}

	user, err := h.auth.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, map[string]UserResponse{
		"user": toUserResponse(user),
	})
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, string(apperr.KindValidation), "Invalid request body")
		return
	}

	user, tokens, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, AuthResponse{
		User:   toUserResponse(user),
		Tokens: tokens,
	})
}

func (h *AuthHandlers) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, string(apperr.KindValidation), "Invalid request body")
		return
	}

	result, err := h.auth.SendOTP(r.Context(), req.Phone, req.CountryCode)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, result)
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, string(apperr.KindValidation), "Invalid request body")
		return
	}

	result, err := h.auth.VerifyOTP(r.Context(), req.Phone, req.CountryCode, req.OTP, req.OTPID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, AuthResponse{
		User:      toUserResponse(result.User),
		Tokens:    result.Tokens,
		IsNewUser: result.IsNewUser,
	})
}

func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, string(apperr.KindValidation), "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, string(apperr.KindValidation), "Refresh token is required")
		return
	}

	tokens, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]*models.TokenPair{
		"tokens": tokens,
	})
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, string(apperr.KindUnauthorized), "Invalid token")
		return
	}

	if err := h.auth.Logout(r.Context(), userID); err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, string(apperr.KindUnauthorized), "Invalid token")
		return
	}

	user, err := h.auth.Me(r.Context(), userID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]UserResponse{
		"user": toUserResponse(user),
	})
}

func toUserResponse(user *models.User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Phone:     user.Phone,
		Name:      user.Name,
		CreatedAt: user.CreatedAt,
	}
}

// respondWithDomainError maps the domain error taxonomy onto HTTP statuses.
// Non-domain errors surface as a generic 500; their details stay in the log.
func (h *AuthHandlers) respondWithDomainError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation, apperr.KindRateLimited:
		status = http.StatusBadRequest
	case apperr.KindInvalidOTP, apperr.KindUnauthorized, apperr.KindInvalidRefreshToken:
		status = http.StatusUnauthorized
	case apperr.KindAlreadyExists:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("Request failed")
		h.respondWithError(w, status, string(apperr.KindInternal), "Internal error")
		return
	}

	h.respondWithError(w, status, string(kind), apperr.MessageOf(err))
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
