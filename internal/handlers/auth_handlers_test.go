package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/internal/apperr"
	"github.com/authgate/authgate/internal/auth"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/middleware"
	"github.com/authgate/authgate/internal/models"
	"github.com/authgate/authgate/internal/otp"
	"github.com/authgate/authgate/internal/store"
	"github.com/authgate/authgate/internal/token"
)

type stubUserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (s *stubUserStore) Create(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if (user.Email != "" && existing.Email == user.Email) ||
			(user.Phone != "" && existing.Phone == user.Phone) {
			return apperr.New(apperr.KindAlreadyExists, "email or phone already registered")
		}
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	clone := *user
	s.users[user.ID] = &clone
	return nil
}

func (s *stubUserStore) GetByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[id]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, nil
}

func (s *stubUserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *stubUserStore) GetByPhone(_ context.Context, phone string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Phone == phone {
			clone := *user
			return &clone, nil
		}
	}
	return nil, nil
}

type recordingSender struct {
	mu   sync.Mutex
	code string
}

func (s *recordingSender) Send(_ context.Context, _, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.code = code
	return nil
}

func (s *recordingSender) lastCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

type testApp struct {
	handlers *AuthHandlers
	mw       *middleware.AuthMiddleware
	sender   *recordingSender
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	kv := store.NewMemoryKV()
	otpService := otp.NewService(kv, &config.OTPConfig{
		Length:             6,
		Expiry:             5 * time.Minute,
		MaxAttempts:        3,
		SendCooldown:       time.Minute,
		DefaultCountryCode: "91",
	}, logger)
	tokenService, err := token.NewService(kv, &config.JWTConfig{
		AccessSecret:  strings.Repeat("a", 32),
		RefreshSecret: strings.Repeat("b", 32),
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: time.Hour,
	}, logger)
	require.NoError(t, err)

	sender := &recordingSender{}
	users := &stubUserStore{users: make(map[string]*models.User)}
	authService := auth.NewService(users, otpService, tokenService, sender, "91", logger)

	return &testApp{
		handlers: NewAuthHandlers(authService, logger),
		mw:       middleware.NewAuthMiddleware(tokenService, logger),
		sender:   sender,
	}
}

func (app *testApp) post(handler http.HandlerFunc, body interface{}, bearer string) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decode(t, rec, &resp)
	return resp.Error.Code
}

func TestRegisterEndpoint(t *testing.T) {
	app := newTestApp(t)

	rec := app.post(app.handlers.Register, RegisterRequest{
		Email:    "ada@example.com",
		Name:     "Ada",
		Password: "correct-horse",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]UserResponse
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp["user"].ID)
	assert.Equal(t, "ada@example.com", resp["user"].Email)

	// Duplicate email conflicts.
	rec = app.post(app.handlers.Register, RegisterRequest{
		Email:    "ada@example.com",
		Password: "other-password",
	}, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_EXISTS", errorCode(t, rec))
}

func TestRegisterRejectsBadBody(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	app.handlers.Register(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))
}

func TestLoginEndpoint(t *testing.T) {
	app := newTestApp(t)
	app.post(app.handlers.Register, RegisterRequest{Email: "ada@example.com", Password: "correct-horse"}, "")

	rec := app.post(app.handlers.Login, LoginRequest{Email: "ada@example.com", Password: "correct-horse"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AuthResponse
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.Tokens.AccessToken)
	assert.NotEmpty(t, resp.Tokens.RefreshToken)

	// Wrong password and unknown email produce identical responses.
	wrongRec := app.post(app.handlers.Login, LoginRequest{Email: "ada@example.com", Password: "wrong-password"}, "")
	unknownRec := app.post(app.handlers.Login, LoginRequest{Email: "ghost@example.com", Password: "wrong-password"}, "")
	require.Equal(t, http.StatusUnauthorized, wrongRec.Code)
	require.Equal(t, http.StatusUnauthorized, unknownRec.Code)
	assert.Equal(t, wrongRec.Body.String(), unknownRec.Body.String())
}

func TestOTPFlowEndpoints(t *testing.T) {
	app := newTestApp(t)

	rec := app.post(app.handlers.SendOTP, SendOTPRequest{Phone: "9876543210"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sendResp auth.SendOTPResult
	decode(t, rec, &sendResp)
	require.NotEmpty(t, sendResp.ChallengeID)

	// Re-send inside the cooldown is rate limited.
	rec = app.post(app.handlers.SendOTP, SendOTPRequest{Phone: "9876543210"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))

	// Wrong code: 401, one category for all OTP failures.
	wrong := "000000"
	if wrong == app.sender.lastCode() {
		wrong = "000001"
	}
	rec = app.post(app.handlers.VerifyOTP, VerifyOTPRequest{
		Phone: "9876543210", OTP: wrong, OTPID: sendResp.ChallengeID,
	}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_OTP", errorCode(t, rec))

	// Correct code: authenticated, new user created.
	rec = app.post(app.handlers.VerifyOTP, VerifyOTPRequest{
		Phone: "9876543210", OTP: app.sender.lastCode(), OTPID: sendResp.ChallengeID,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var verifyResp AuthResponse
	decode(t, rec, &verifyResp)
	assert.True(t, verifyResp.IsNewUser)
	assert.Equal(t, "+919876543210", verifyResp.User.Phone)
	assert.NotEmpty(t, verifyResp.Tokens.RefreshToken)
}

func TestSendOTPInvalidPhone(t *testing.T) {
	app := newTestApp(t)

	rec := app.post(app.handlers.SendOTP, SendOTPRequest{Phone: "garbage"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))
}

func TestRefreshEndpointRotation(t *testing.T) {
	app := newTestApp(t)
	app.post(app.handlers.Register, RegisterRequest{Email: "ada@example.com", Password: "correct-horse"}, "")

	loginRec := app.post(app.handlers.Login, LoginRequest{Email: "ada@example.com", Password: "correct-horse"}, "")
	var loginResp AuthResponse
	decode(t, loginRec, &loginResp)

	rec := app.post(app.handlers.Refresh, RefreshRequest{RefreshToken: loginResp.Tokens.RefreshToken}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// The just-used refresh token is dead.
	rec = app.post(app.handlers.Refresh, RefreshRequest{RefreshToken: loginResp.Tokens.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_REFRESH_TOKEN", errorCode(t, rec))

	// Missing token is a validation error, not unauthorized.
	rec = app.post(app.handlers.Refresh, RefreshRequest{}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))
}

func TestMeAndLogoutEndpoints(t *testing.T) {
	app := newTestApp(t)
	app.post(app.handlers.Register, RegisterRequest{Email: "ada@example.com", Password: "correct-horse"}, "")

	loginRec := app.post(app.handlers.Login, LoginRequest{Email: "ada@example.com", Password: "correct-horse"}, "")
	var loginResp AuthResponse
	decode(t, loginRec, &loginResp)
	access := loginResp.Tokens.AccessToken

	// Me through the session validator.
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec := httptest.NewRecorder()
	app.mw.RequireAuth(http.HandlerFunc(app.handlers.Me)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var meResp map[string]UserResponse
	decode(t, rec, &meResp)
	assert.Equal(t, "ada@example.com", meResp["user"].Email)

	// Logout revokes the refresh token.
	req = httptest.NewRequest(http.MethodPost, "/logout", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec = httptest.NewRecorder()
	app.mw.RequireAuth(http.HandlerFunc(app.handlers.Logout)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	refreshRec := app.post(app.handlers.Refresh, RefreshRequest{RefreshToken: loginResp.Tokens.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, refreshRec.Code)
	assert.Equal(t, "INVALID_REFRESH_TOKEN", errorCode(t, refreshRec))

	// Me without a token is refused.
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	rec = httptest.NewRecorder()
	app.mw.RequireAuth(http.HandlerFunc(app.handlers.Me)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
