// Package auth composes the OTP, token, and credential-store components
// into the user-facing operations: register, password login, send/verify
// OTP, refresh, logout. Domain failures are mapped onto the shared error
// taxonomy here; handlers only translate kinds to HTTP statuses.
package auth

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/authgate/authgate/internal/apperr"
	"github.com/authgate/authgate/internal/delivery"
	"github.com/authgate/authgate/internal/models"
	"github.com/authgate/authgate/internal/otp"
	"github.com/authgate/authgate/internal/token"
)

// Hash of a random password, compared against when login hits an unknown
// email so the unknown-user and wrong-password paths cost the same.
const dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

const minPasswordLength = 8

// UserStore is the credential-store contract the orchestrator needs. The
// DynamoDB repository satisfies it in production; tests use an in-process
// implementation. Lookups return (nil, nil) when no user matches.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByPhone(ctx context.Context, phone string) (*models.User, error)
}

type Service struct {
	users              UserStore
	otp                *otp.Service
	tokens             *token.Service
	sender             delivery.Sender
	defaultCountryCode string
	logger             *logrus.Logger
}

func NewService(
	users UserStore,
	otpService *otp.Service,
	tokenService *token.Service,
	sender delivery.Sender,
	defaultCountryCode string,
	logger *logrus.Logger,
) *Service {
	return &Service{
		users:              users,
		otp:                otpService,
		tokens:             tokenService,
		sender:             sender,
		defaultCountryCode: defaultCountryCode,
		logger:             logger,
	}
}

type RegisterInput struct {
	Email    string
	Name     string
	Phone    string
	Password string
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.New(apperr.KindValidation, "invalid email address")
	}
	if len(in.Password) < minPasswordLength {
		return nil, apperr.New(apperr.KindValidation,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	phone := ""
	if strings.TrimSpace(in.Phone) != "" {
		normalized, ok := otp.NormalizePhone(in.Phone, "", s.defaultCountryCode)
		if !ok {
			return nil, apperr.New(apperr.KindValidation, "invalid phone number")
		}
		phone = normalized
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        email,
		Phone:        phone,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: string(hash),
		Active:       true,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.WithField("user_id", user.ID).Info("User registered")
	return user, nil
}

// Login validates an email/password credential and issues a token pair. The
// unknown-email and wrong-password paths return the identical error, and
// both run a bcrypt comparison, so neither the response nor its timing aids
// account enumeration.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, *models.TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("look up user: %w", err)
	}

	hash := dummyPasswordHash
	if user != nil && user.PasswordHash != "" {
		hash = user.PasswordHash
	}
	compareErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	if user == nil || user.PasswordHash == "" || !user.Active || compareErr != nil {
		return nil, nil, apperr.New(apperr.KindUnauthorized, "invalid email or password")
	}

	pair, err := s.tokens.Issue(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("issue tokens: %w", err)
	}

	s.logger.WithField("user_id", user.ID).Info("User logged in")
	return user, pair, nil
}

type SendOTPResult struct {
	ChallengeID string `json:"otp_id"`
	ExpiresAt   int64  `json:"expires_at"`
}

// SendOTP creates a challenge and hands the code to the delivery channel
// before reporting success. When delivery fails the challenge and its
// cooldown mark are rolled back so no valid, undeliverable code stays live.
func (s *Service) SendOTP(ctx context.Context, phone, countryCode string) (*SendOTPResult, error) {
	sent, err := s.otp.Send(ctx, phone, countryCode)
	if err != nil {
		return nil, err
	}

	if err := s.sender.Send(ctx, sent.Phone, sent.Code); err != nil {
		s.logger.WithError(err).WithField("phone", sent.Phone).Error("OTP delivery failed, rolling back challenge")
		s.otp.Invalidate(ctx, sent.ChallengeID, sent.Phone)
		return nil, apperr.Wrap(apperr.KindInternal, "failed to send OTP", err)
	}

	return &SendOTPResult{
		ChallengeID: sent.ChallengeID,
		ExpiresAt:   sent.ExpiresAt.Unix(),
	}, nil
}

type VerifyOTPResult struct {
	User      *models.User
	Tokens    *models.TokenPair
	IsNewUser bool
}

// VerifyOTP checks the submitted code and, on success, authenticates the
// phone's user — creating one on first sight — and issues a token pair. All
// OTP failure modes collapse into one external error category; the specific
// reason is only logged.
func (s *Service) VerifyOTP(ctx context.Context, phone, countryCode, code, challengeID string) (*VerifyOTPResult, error) {
	outcome, err := s.otp.Verify(ctx, phone, countryCode, code, challengeID)
	if err != nil {
		return nil, err
	}

	if !outcome.Verified {
		s.logger.WithFields(logrus.Fields{
			"phone":  outcome.Phone,
			"reason": outcome.Reason,
		}).Info("OTP verification failed")

		if outcome.Reason == otp.ReasonCodeMismatch {
			return nil, apperr.New(apperr.KindInvalidOTP,
				fmt.Sprintf("invalid OTP, %d attempts remaining", outcome.AttemptsRemaining))
		}
		return nil, apperr.New(apperr.KindInvalidOTP, "invalid or expired OTP")
	}

	user, err := s.users.GetByPhone(ctx, outcome.Phone)
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}

	isNew := false
	if user == nil {
		user = &models.User{
			ID:     uuid.New().String(),
			Phone:  outcome.Phone,
			Active: true,
		}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		isNew = true
		s.logger.WithField("user_id", user.ID).Info("User created on first OTP verification")
	}

	if !user.Active {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid or expired OTP")
	}

	pair, err := s.tokens.Issue(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	return &VerifyOTPResult{User: user, Tokens: pair, IsNewUser: isNew}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	return s.tokens.Rotate(ctx, refreshToken)
}

func (s *Service) Logout(ctx context.Context, userID string) error {
	if err := s.tokens.Revoke(ctx, userID); err != nil {
		return err
	}
	s.logger.WithField("user_id", userID).Info("User logged out")
	return nil
}

func (s *Service) Me(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if user == nil || !user.Active {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	return user, nil
}
