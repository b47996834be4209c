// Package token mints and rotates the access/refresh token pair. Access
// tokens are stateless; the refresh token is additionally pinned in the
// store as the single trusted value per user, so rotation is strict: each
// refresh token is honored at most once.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/authgate/authgate/internal/apperr"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/models"
	"github.com/authgate/authgate/internal/store"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

type Service struct {
	kv            store.KV
	accessSecret  []byte
	refreshSecret []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	logger        *logrus.Logger
}

func NewService(kv store.KV, cfg *config.JWTConfig, logger *logrus.Logger) (*Service, error) {
	if len(cfg.AccessSecret) < 32 || len(cfg.RefreshSecret) < 32 {
		return nil, fmt.Errorf("signing secrets must be at least 32 bytes")
	}

	return &Service{
		kv:            kv,
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		logger:        logger,
	}, nil
}

// Issue signs a fresh token pair for the user and pins the refresh token as
// the only one trusted for rotation. Overwriting the pinned value implicitly
// revokes any previously issued refresh token.
func (s *Service) Issue(ctx context.Context, userID string) (*models.TokenPair, error) {
	pair, refreshToken, err := s.sign(userID)
	if err != nil {
		return nil, err
	}

	if err := s.kv.Set(ctx, refreshKey(userID), []byte(refreshToken), s.refreshExpiry); err != nil {
		return nil, fmt.Errorf("pin refresh token: %w", err)
	}

	return pair, nil
}

// Rotate exchanges a presented refresh token for a new pair. The token must
// carry a valid signature, the refresh type, and be byte-equal to the pinned
// value for its user; the swap to the new token is a single compare-and-swap
// so a raced second rotation of the same token loses. All failure modes
// collapse into one external error so callers cannot distinguish expired
// from revoked from superseded.
func (s *Service) Rotate(ctx context.Context, presented string) (*models.TokenPair, error) {
	claims, err := s.parse(presented, s.refreshSecret)
	if err != nil {
		s.logger.WithError(err).Debug("Refresh token failed verification")
		return nil, invalidRefresh()
	}
	if claims.Type != TypeRefresh {
		s.logger.WithField("type", claims.Type).Debug("Refresh token has wrong type claim")
		return nil, invalidRefresh()
	}

	userID := claims.Subject
	pair, refreshToken, err := s.sign(userID)
	if err != nil {
		return nil, err
	}

	swapped, err := s.kv.CompareAndSwap(ctx, refreshKey(userID), []byte(presented), []byte(refreshToken), s.refreshExpiry)
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !swapped {
		s.logger.WithField("user_id", userID).Warn("Refresh token rejected: not the pinned token")
		return nil, invalidRefresh()
	}

	return pair, nil
}

// Revoke drops the pinned refresh token for the user. Subsequent rotations
// fail regardless of token validity; already-issued access tokens remain
// usable until their natural expiry.
func (s *Service) Revoke(ctx context.Context, userID string) error {
	if err := s.kv.Delete(ctx, refreshKey(userID)); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// VerifyAccess validates a bearer access token and returns its claims. Pure
// read: no store access, so repeated calls with the same token agree until
// the token expires.
func (s *Service) VerifyAccess(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.accessSecret)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid or expired token", err)
	}
	if claims.Type != TypeAccess {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid or expired token")
	}
	return claims, nil
}

func (s *Service) sign(userID string) (*models.TokenPair, string, error) {
	now := time.Now()

	accessClaims := &Claims{
		Type: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiry)),
			ID:        uuid.New().String(),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(s.accessSecret)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return nil, "", fmt.Errorf("sign access token: %w", err)
	}

	refreshClaims := &Claims{
		Type: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshExpiry)),
			ID:        uuid.New().String(),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(s.refreshSecret)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign refresh token")
		return nil, "", fmt.Errorf("sign refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessExpiry.Seconds()),
	}, refreshToken, nil
}

func (s *Service) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func invalidRefresh() error {
	return apperr.New(apperr.KindInvalidRefreshToken, "invalid refresh token")
}

func refreshKey(userID string) string {
	return "token:refresh:" + userID
}
