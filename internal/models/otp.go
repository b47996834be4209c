package models

import "time"

// OTPChallenge is a single verification window bound to a phone number. The
// code is stored hashed; the attempt counter lives in its own store key so
// increments are a single atomic round trip.
type OTPChallenge struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	CodeHash  string    `json:"code_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Verified  bool      `json:"verified"`
}
