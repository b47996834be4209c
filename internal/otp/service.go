// Package otp implements the one-time-password lifecycle: challenge
// issuance gated by a per-phone cooldown, and verification under expiry and
// attempt limits. All shared state lives behind the store.KV contract so the
// same logic runs against Redis or an in-process map.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/authgate/authgate/internal/apperr"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/models"
	"github.com/authgate/authgate/internal/store"
)

// Reason classifies a verification outcome. Every reason is terminal for
// that call; the caller needs a fresh send to continue.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNotFound         Reason = "NOT_FOUND"
	ReasonPhoneMismatch    Reason = "PHONE_MISMATCH"
	ReasonAlreadyUsed      Reason = "ALREADY_USED"
	ReasonExpired          Reason = "EXPIRED"
	ReasonAttemptsExceeded Reason = "ATTEMPTS_EXCEEDED"
	ReasonCodeMismatch     Reason = "CODE_MISMATCH"
)

type SendResult struct {
	ChallengeID string
	Phone       string
	Code        string
	ExpiresAt   time.Time
}

type VerifyResult struct {
	Verified          bool
	Phone             string
	Reason            Reason
	AttemptsRemaining int
}

type Service struct {
	kv      store.KV
	limiter *RateLimiter
	cfg     *config.OTPConfig
	logger  *logrus.Logger
}

func NewService(kv store.KV, cfg *config.OTPConfig, logger *logrus.Logger) *Service {
	return &Service{
		kv:      kv,
		limiter: NewRateLimiter(kv, cfg.SendCooldown),
		cfg:     cfg,
		logger:  logger,
	}
}

// Send creates a fresh challenge for the phone and returns the plain code
// for out-of-band delivery. The cooldown gate runs first: a rate-limited
// send creates no challenge and regenerates nothing.
func (s *Service) Send(ctx context.Context, phone, countryCode string) (*SendResult, error) {
	normalized, ok := NormalizePhone(phone, countryCode, s.cfg.DefaultCountryCode)
	if !ok {
		return nil, apperr.New(apperr.KindValidation, "invalid phone number")
	}

	allowed, err := s.limiter.Allow(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		return nil, apperr.New(apperr.KindRateLimited, "OTP recently sent, retry later")
	}

	code, err := generateCode(s.cfg.Length)
	if err != nil {
		s.rollbackCooldown(ctx, normalized)
		return nil, fmt.Errorf("generate code: %w", err)
	}

	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		s.rollbackCooldown(ctx, normalized)
		return nil, fmt.Errorf("hash code: %w", err)
	}

	now := time.Now()
	challenge := models.OTPChallenge{
		ID:        uuid.New().String(),
		Phone:     normalized,
		CodeHash:  string(codeHash),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Expiry),
	}

	raw, err := json.Marshal(challenge)
	if err != nil {
		s.rollbackCooldown(ctx, normalized)
		return nil, fmt.Errorf("marshal challenge: %w", err)
	}

	if err := s.kv.Set(ctx, challengeKey(challenge.ID), raw, s.cfg.Expiry); err != nil {
		s.rollbackCooldown(ctx, normalized)
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	// Latest-challenge pointer for verification calls that carry only the
	// phone number. Challenge-id resolution remains primary.
	if err := s.kv.Set(ctx, phoneKey(normalized), []byte(challenge.ID), s.cfg.Expiry); err != nil {
		_ = s.kv.Delete(ctx, challengeKey(challenge.ID))
		s.rollbackCooldown(ctx, normalized)
		return nil, fmt.Errorf("store phone pointer: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"phone":        normalized,
		"challenge_id": challenge.ID,
	}).Info("OTP challenge created")

	return &SendResult{
		ChallengeID: challenge.ID,
		Phone:       normalized,
		Code:        code,
		ExpiresAt:   challenge.ExpiresAt,
	}, nil
}

// Verify checks a submitted code against the challenge resolved by id, or by
// the latest-challenge pointer for the phone when no id is given. The
// attempt counter is incremented before the code comparison, so every call
// that reaches the comparison consumes an attempt regardless of outcome.
// The error return signals store failures only; domain outcomes are carried
// in the result.
func (s *Service) Verify(ctx context.Context, phone, countryCode, code, challengeID string) (VerifyResult, error) {
	normalized, ok := NormalizePhone(phone, countryCode, s.cfg.DefaultCountryCode)
	if !ok {
		return VerifyResult{}, apperr.New(apperr.KindValidation, "invalid phone number")
	}

	id := strings.TrimSpace(challengeID)
	if id == "" {
		pointer, err := s.kv.Get(ctx, phoneKey(normalized))
		if err == store.ErrNotFound {
			return VerifyResult{Phone: normalized, Reason: ReasonNotFound}, nil
		}
		if err != nil {
			return VerifyResult{}, fmt.Errorf("resolve challenge for phone: %w", err)
		}
		id = string(pointer)
	}

	raw, err := s.kv.Get(ctx, challengeKey(id))
	if err == store.ErrNotFound {
		return VerifyResult{Phone: normalized, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load challenge: %w", err)
	}

	var challenge models.OTPChallenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return VerifyResult{}, fmt.Errorf("unmarshal challenge: %w", err)
	}

	result := VerifyResult{Phone: normalized}

	if challenge.Phone != normalized {
		result.Reason = ReasonPhoneMismatch
		return result, nil
	}

	if challenge.Verified {
		result.Reason = ReasonAlreadyUsed
		return result, nil
	}

	if time.Now().After(challenge.ExpiresAt) {
		s.purge(ctx, &challenge)
		result.Reason = ReasonExpired
		return result, nil
	}

	// One attempt is consumed before the comparison result is known; two
	// concurrent guesses each observe a distinct counter value.
	attempts, err := s.kv.Incr(ctx, attemptsKey(challenge.ID), time.Until(challenge.ExpiresAt))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("count attempt: %w", err)
	}
	if attempts > int64(s.cfg.MaxAttempts) {
		s.purge(ctx, &challenge)
		result.Reason = ReasonAttemptsExceeded
		return result, nil
	}

	if bcrypt.CompareHashAndPassword([]byte(challenge.CodeHash), []byte(code)) != nil {
		if attempts >= int64(s.cfg.MaxAttempts) {
			s.purge(ctx, &challenge)
			result.Reason = ReasonAttemptsExceeded
			return result, nil
		}
		result.Reason = ReasonCodeMismatch
		result.AttemptsRemaining = s.cfg.MaxAttempts - int(attempts)
		return result, nil
	}

	// Flip the verified flag by compare-and-swap: of two concurrent correct
	// guesses exactly one wins, the other sees the challenge already used.
	used := challenge
	used.Verified = true
	next, err := json.Marshal(used)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("marshal challenge: %w", err)
	}
	swapped, err := s.kv.CompareAndSwap(ctx, challengeKey(challenge.ID), raw, next, time.Until(challenge.ExpiresAt))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("mark challenge used: %w", err)
	}
	if !swapped {
		result.Reason = ReasonAlreadyUsed
		return result, nil
	}

	_ = s.kv.Delete(ctx, attemptsKey(challenge.ID))

	s.logger.WithFields(logrus.Fields{
		"phone":        normalized,
		"challenge_id": challenge.ID,
	}).Info("OTP verified")

	result.Verified = true
	return result, nil
}

// Invalidate rolls back a freshly issued challenge, including its cooldown
// mark. Called when out-of-band delivery fails so no valid, undeliverable
// code stays live and the caller may retry at once.
func (s *Service) Invalidate(ctx context.Context, challengeID, phone string) {
	_ = s.kv.Delete(ctx, challengeKey(challengeID))
	_ = s.kv.Delete(ctx, attemptsKey(challengeID))
	_, _ = s.kv.CompareAndDelete(ctx, phoneKey(phone), []byte(challengeID))
	s.rollbackCooldown(ctx, phone)
}

func (s *Service) purge(ctx context.Context, challenge *models.OTPChallenge) {
	_ = s.kv.Delete(ctx, challengeKey(challenge.ID))
	_ = s.kv.Delete(ctx, attemptsKey(challenge.ID))
	_, _ = s.kv.CompareAndDelete(ctx, phoneKey(challenge.Phone), []byte(challenge.ID))
}

func (s *Service) rollbackCooldown(ctx context.Context, phone string) {
	if err := s.limiter.Reset(ctx, phone); err != nil {
		s.logger.WithError(err).WithField("phone", phone).Warn("Failed to reset send cooldown")
	}
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteString(n.String())
	}
	return b.String(), nil
}

func challengeKey(id string) string {
	return "otp:challenge:" + id
}

func attemptsKey(id string) string {
	return "otp:attempts:" + id
}

func phoneKey(phone string) string {
	return "otp:phone:" + phone
}
