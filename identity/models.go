package identity

import "time"

// User is the domain representation of an account. It mirrors the users
// table and carries no JSON annotations so presentation layers can shape
// their own responses.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Verified     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
