package otp

import (
	"context"
	"time"

	"github.com/authgate/authgate/internal/store"
)

// RateLimiter enforces a per-phone cooldown between OTP sends. It bounds
// send frequency only; guess frequency is bounded by the challenge attempt
// counter.
type RateLimiter struct {
	kv       store.KV
	cooldown time.Duration
}

func NewRateLimiter(kv store.KV, cooldown time.Duration) *RateLimiter {
	return &RateLimiter{kv: kv, cooldown: cooldown}
}

// Allow marks the phone and reports whether a send may proceed. Check and
// mark are a single SetNX so two racing sends cannot both pass the gate.
func (r *RateLimiter) Allow(ctx context.Context, phone string) (bool, error) {
	return r.kv.SetNX(ctx, rateLimitKey(phone), []byte("1"), r.cooldown)
}

// Reset clears the cooldown mark. Used when a send is rolled back after a
// delivery failure so the caller may retry immediately.
func (r *RateLimiter) Reset(ctx context.Context, phone string) error {
	return r.kv.Delete(ctx, rateLimitKey(phone))
}

func rateLimitKey(phone string) string {
	return "otp:ratelimit:" + phone
}
