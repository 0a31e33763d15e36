package models

import "github.com/golang-jwt/jwt/v5"

// Role separates the two kinds of callers.
type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// TokenClaims is the payload of the bearer tokens issued by the campus
// identity provider. The subject is carried in RegisteredClaims.Subject.
type TokenClaims struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller stored in the request context.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}
