package models

import (
	"time"
)

// User is the durable identity record. Email and phone are each optional but
// at least one must be set; phone is stored E.164-normalized.
type User struct {
	ID           string    `json:"id" dynamodbav:"id"`
	Email        string    `json:"email,omitempty" dynamodbav:"email,omitempty"`
	Phone        string    `json:"phone,omitempty" dynamodbav:"phone,omitempty"`
	Name         string    `json:"name,omitempty" dynamodbav:"name,omitempty"`
	PasswordHash string    `json:"-" dynamodbav:"password_hash,omitempty"`
	Active       bool      `json:"active" dynamodbav:"active"`
	CreatedAt    time.Time `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" dynamodbav:"updated_at"`
}

func (u *User) GetPK() string {
	return "USER#" + u.ID
}

func (u *User) GetSK() string {
	return "METADATA"
}
