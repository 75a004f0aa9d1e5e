package auth

import "time"

type Role string

const (
	// RoleConsumer owns disputes and sees only their own.
	RoleConsumer Role = "consumer"
	// RoleOperator can read every dispute.
	RoleOperator Role = "operator"
)

// User is the domain representation of an account. It mirrors the users
// table and carries no JSON annotations so the password hash never leaks
// through a presentation layer by accident.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal is the caller identity recovered from a verified token.
type Principal struct {
	UserID string
	Role   Role
}

// CanRead reports whether the principal may see a dispute owned by ownerID.
func (p Principal) CanRead(ownerID string) bool {
	return p.Role == RoleOperator || (ownerID != "" && p.UserID == ownerID)
}

// CanWrite reports whether the principal may mutate a dispute owned by
// ownerID. Operators read everything but only owners act on a dispute.
func (p Principal) CanWrite(ownerID string) bool {
	return ownerID != "" && p.UserID == ownerID
}

// RegisterRequest contains user registration data supplied by callers.
// Role is not decoded from requests; public sign-up always yields a consumer.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"full_name" validate:"required"`
	Role     Role   `json:"-"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}
