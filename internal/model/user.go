package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the authorization tier attached to an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAdmin:
		return true
	default:
		return false
	}
}

// Authorize reports whether a caller holding role may access a resource
// restricted to any of the allowed roles. An empty allow list admits every
// known role.
func Authorize(role Role, allowed ...Role) bool {
	if !role.IsValid() {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

// User is a persisted account
type User struct {
	ID                   uuid.UUID  `json:"id"`
	Name                 string     `json:"name"`
	Username             string     `json:"username"`
	Email                string     `json:"email"`
	PasswordHash         string     `json:"-"` // never exposed in responses
	PhoneNumber          *string    `json:"phoneNumber,omitempty"`
	Role                 Role       `json:"role"`
	Avatar               *string    `json:"avatar,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	ResetPasswordToken   *string    `json:"-"`
	ResetPasswordExpires *time.Time `json:"-"`
}

// PendingRegistration is the data carried by an activation token between
// registration and activation. It is never written to storage.
type PendingRegistration struct {
	Name     string
	Username string
	Email    string
	Password string
	Avatar   string
}

type RegisterRequest struct {
	Name     string `json:"name" form:"name" binding:"required,max=100"`
	Username string `json:"username" form:"username" binding:"required,min=3,max=50,username_format"`
	Email    string `json:"email" form:"email" binding:"required,email,max=255"`
	Password string `json:"password" form:"password" binding:"required,min=6,max=72"`
}

type ActivationRequest struct {
	ActivationToken string `json:"activation_token" binding:"required"`
}

type LoginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail" binding:"required"`
	Password        string `json:"password" binding:"required"`
}

// UpdateProfileRequest replaces name, email and phone number after the
// caller re-confirms their password.
type UpdateProfileRequest struct {
	Name        string `json:"name" binding:"required,max=100"`
	Email       string `json:"email" binding:"required,email,max=255"`
	PhoneNumber string `json:"phoneNumber"`
	Password    string `json:"password" binding:"required"`
}

type ChangePasswordRequest struct {
	OldPassword     string `json:"oldPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required,min=6,max=72"`
	ConfirmPassword string `json:"confirmPassword" binding:"required"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type ResetPasswordRequest struct {
	Token           string `json:"token" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required,min=6,max=72"`
	ConfirmPassword string `json:"confirmPassword" binding:"required"`
}
