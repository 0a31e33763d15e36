package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
)

// AuthService verifies the bearer tokens issued by the campus identity
// provider. Accounts live there; this service only reads the claims.
type AuthService interface {
	ValidateAccessToken(tokenString string) (*models.Principal, error)
	IssueAccessToken(p models.Principal, ttl time.Duration) (string, error)
}

type authService struct {
	jwtSecret []byte
	now       func() time.Time
}

// NewAuthService creates the service for HS256 tokens signed with jwtSecret.
func NewAuthService(jwtSecret string) AuthService {
	return &authService{jwtSecret: []byte(jwtSecret), now: time.Now}
}

// ValidateAccessToken parses the token and returns the caller. Tokens
// without an email or with an unknown role are rejected.
func (s *authService) ValidateAccessToken(tokenString string) (*models.Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", pkg.ErrUnauthorized)
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", pkg.ErrUnauthorized)
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if email == "" {
		return nil, fmt.Errorf("%w: token has no email", pkg.ErrUnauthorized)
	}
	if claims.Role != models.RoleInstructor && claims.Role != models.RoleStudent {
		return nil, fmt.Errorf("%w: unknown role %q", pkg.ErrUnauthorized, claims.Role)
	}

	return &models.Principal{UserID: claims.Subject, Email: email, Role: claims.Role}, nil
}

// IssueAccessToken signs a token for p. The server itself never logs
// anyone in; this backs the dev token command and tests.
func (s *authService) IssueAccessToken(p models.Principal, ttl time.Duration) (string, error) {
	now := s.now()
	claims := models.TokenClaims{
		Email: p.Email,
		Role:  p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}
