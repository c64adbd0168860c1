package auth

import "time"

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// User is the domain representation of a marketplace account.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID              string
	Username        string
	Email           string
	PasswordHash    string
	PgpKey          *string
	SellerInfo      *string
	ReputationScore float64
	Role            Role
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Role       Role   `json:"role"`
	PgpKey     string `json:"pgp_key,omitempty"`
	SellerInfo string `json:"seller_info,omitempty"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
