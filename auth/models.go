package auth

import "time"

type Role string

const (
	// RoleAdmin manages packages and staff accounts.
	RoleAdmin Role = "admin"
	// RoleOperator scans packages: status updates and tracking events only.
	RoleOperator Role = "operator"
)

// User is a staff account. It mirrors the admin_users table and carries no
// JSON annotations so presentation layers choose their own shape.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains staff registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
