package auth

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgate/authgate/internal/apperr"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/models"
	"github.com/authgate/authgate/internal/otp"
	"github.com/authgate/authgate/internal/store"
	"github.com/authgate/authgate/internal/token"
)

const testPhone = "+919876543210"

// memUserStore is the in-process credential store used by tests; it mirrors
// the DynamoDB repository's contract, including (nil, nil) on missing users
// and the uniqueness guarantee on email and phone.
type memUserStore struct {
	mu      sync.Mutex
	byID    map[string]*models.User
	byEmail map[string]string
	byPhone map[string]string
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		byID:    make(map[string]*models.User),
		byEmail: make(map[string]string),
		byPhone: make(map[string]string),
	}
}

func (s *memUserStore) Create(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.Email != "" {
		if _, exists := s.byEmail[user.Email]; exists {
			return apperr.New(apperr.KindAlreadyExists, "email or phone already registered")
		}
	}
	if user.Phone != "" {
		if _, exists := s.byPhone[user.Phone]; exists {
			return apperr.New(apperr.KindAlreadyExists, "email or phone already registered")
		}
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	clone := *user
	s.byID[user.ID] = &clone
	if user.Email != "" {
		s.byEmail[user.Email] = user.ID
	}
	if user.Phone != "" {
		s.byPhone[user.Phone] = user.ID
	}
	return nil
}

func (s *memUserStore) GetByID(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	clone := *user
	return &clone, nil
}

func (s *memUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	id, ok := s.byEmail[email]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.GetByID(ctx, id)
}

func (s *memUserStore) GetByPhone(ctx context.Context, phone string) (*models.User, error) {
	s.mu.Lock()
	id, ok := s.byPhone[phone]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.GetByID(ctx, id)
}

// captureSender records the last delivered code and can be told to fail.
type captureSender struct {
	mu    sync.Mutex
	phone string
	code  string
	fail  bool
}

func (s *captureSender) Send(_ context.Context, phone, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("delivery channel down")
	}
	s.phone = phone
	s.code = code
	return nil
}

func (s *captureSender) lastCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

type fixture struct {
	svc    *Service
	users  *memUserStore
	sender *captureSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	kv := store.NewMemoryKV()
	otpService := otp.NewService(kv, &config.OTPConfig{
		Length:             6,
		Expiry:             5 * time.Minute,
		MaxAttempts:        3,
		SendCooldown:       5 * time.Millisecond,
		DefaultCountryCode: "91",
	}, logger)

	tokenService, err := token.NewService(kv, &config.JWTConfig{
		AccessSecret:  strings.Repeat("a", 32),
		RefreshSecret: strings.Repeat("b", 32),
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: time.Hour,
	}, logger)
	require.NoError(t, err)

	users := newMemUserStore()
	sender := &captureSender{}
	return &fixture{
		svc:    NewService(users, otpService, tokenService, sender, "91", logger),
		users:  users,
		sender: sender,
	}
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	user, err := f.svc.Register(ctx, RegisterInput{
		Email:    "Ada@Example.com",
		Name:     "Ada",
		Password: "correct-horse",
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.True(t, user.Active)
	assert.NotEmpty(t, user.ID)

	loggedIn, tokens, err := f.svc.Login(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, loggedIn.ID)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, RegisterInput{Email: "nope", Password: "long-enough"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "short"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "long-enough", Phone: "banana"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "other-password"})
	assert.Equal(t, apperr.KindAlreadyExists, apperr.KindOf(err))
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	_, _, unknownErr := f.svc.Login(ctx, "nobody@example.com", "whatever-here")
	_, _, wrongErr := f.svc.Login(ctx, "ada@example.com", "wrong-password")

	require.Error(t, unknownErr)
	require.Error(t, wrongErr)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(unknownErr))
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(wrongErr))
	assert.Equal(t, apperr.MessageOf(unknownErr), apperr.MessageOf(wrongErr))
}

func TestLoginInactiveUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	user, err := f.svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	f.users.mu.Lock()
	f.users.byID[user.ID].Active = false
	f.users.mu.Unlock()

	_, _, err = f.svc.Login(ctx, "ada@example.com", "correct-horse")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestLoginPhoneOnlyUserHasNoPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A phone-only user (no password hash) cannot password-login even with
	// an empty password.
	require.NoError(t, f.users.Create(ctx, &models.User{
		ID: "u1", Email: "phoneonly@example.com", Phone: testPhone, Active: true,
	}))

	_, _, err := f.svc.Login(ctx, "phoneonly@example.com", "")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestSendAndVerifyOTPCreatesUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sent, err := f.svc.SendOTP(ctx, "9876543210", "")
	require.NoError(t, err)
	require.NotEmpty(t, sent.ChallengeID)
	require.Len(t, f.sender.lastCode(), 6)

	result, err := f.svc.VerifyOTP(ctx, "9876543210", "", f.sender.lastCode(), sent.ChallengeID)
	require.NoError(t, err)
	assert.True(t, result.IsNewUser)
	assert.Equal(t, testPhone, result.User.Phone)
	assert.NotEmpty(t, result.Tokens.AccessToken)

	// Second round for the same phone authenticates the existing user.
	time.Sleep(10 * time.Millisecond) // past the test cooldown
	sent, err = f.svc.SendOTP(ctx, "9876543210", "")
	require.NoError(t, err)
	result, err = f.svc.VerifyOTP(ctx, "9876543210", "", f.sender.lastCode(), sent.ChallengeID)
	require.NoError(t, err)
	assert.False(t, result.IsNewUser)
}

func TestVerifyOTPWrongCodeReportsAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sent, err := f.svc.SendOTP(ctx, testPhone, "")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == f.sender.lastCode() {
		wrong = "000001"
	}

	_, err = f.svc.VerifyOTP(ctx, testPhone, "", wrong, sent.ChallengeID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidOTP, apperr.KindOf(err))
	assert.Contains(t, apperr.MessageOf(err), "2 attempts remaining")

	// No user was created by the failed verification.
	user, err := f.users.GetByPhone(ctx, testPhone)
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestVerifyOTPExhaustionThenCorrectCodeFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sent, err := f.svc.SendOTP(ctx, testPhone, "")
	require.NoError(t, err)

	correct := f.sender.lastCode()
	wrong := "000000"
	if wrong == correct {
		wrong = "000001"
	}

	for i := 0; i < 3; i++ {
		_, err = f.svc.VerifyOTP(ctx, testPhone, "", wrong, sent.ChallengeID)
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidOTP, apperr.KindOf(err))
	}

	_, err = f.svc.VerifyOTP(ctx, testPhone, "", correct, sent.ChallengeID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidOTP, apperr.KindOf(err))
}

func TestSendOTPDeliveryFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sender.fail = true

	_, err := f.svc.SendOTP(ctx, testPhone, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	// Rollback clears the cooldown too, so a retry is allowed at once.
	f.sender.fail = false
	_, err = f.svc.SendOTP(ctx, testPhone, "")
	assert.NoError(t, err)
}

func TestRefreshRotationAndLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	user, tokens, err := f.svc.Login(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)

	rotated, err := f.svc.Refresh(ctx, tokens.RefreshToken)
	require.NoError(t, err)

	// Old refresh token is dead after rotation.
	_, err = f.svc.Refresh(ctx, tokens.RefreshToken)
	assert.Equal(t, apperr.KindInvalidRefreshToken, apperr.KindOf(err))

	// Logout kills the current one as well.
	require.NoError(t, f.svc.Logout(ctx, user.ID))
	_, err = f.svc.Refresh(ctx, rotated.RefreshToken)
	assert.Equal(t, apperr.KindInvalidRefreshToken, apperr.KindOf(err))
}

func TestMe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	user, err := f.svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	got, err := f.svc.Me(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, got.Email)

	_, err = f.svc.Me(ctx, "missing-id")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
