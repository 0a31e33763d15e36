package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/services"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := execute(t, "token", "--email", "Prof@Uni.edu", "--role", "Instructor", "--ttl", "1h")
	require.NoError(t, err)

	principal, err := services.NewAuthService("cli-secret").ValidateAccessToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "prof@uni.edu", principal.Email)
	assert.Equal(t, models.RoleInstructor, principal.Role)

	_, err = services.NewAuthService("other-secret").ValidateAccessToken(strings.TrimSpace(out))
	assert.Error(t, err)
}

func TestTokenCommandDefaultsToStudent(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := execute(t, "token", "--email", "a@uni.edu")
	require.NoError(t, err)

	principal, err := services.NewAuthService("cli-secret").ValidateAccessToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, models.RoleStudent, principal.Role)
}

func TestCommandArgumentErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("QRATTEND_TOKEN", "")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"token without email", []string{"token"}, `"email" not set`},
		{"token with unknown role", []string{"token", "--email", "a@uni.edu", "--role", "admin"}, `invalid --role "admin"`},
		{"token with zero ttl", []string{"token", "--email", "a@uni.edu", "--ttl", "0s"}, "--ttl must be positive"},
		{"watch without session", []string{"watch", "--token", "jwt"}, `"session" not set`},
		{"watch without token", []string{"watch", "--session", "s1"}, "--token or QRATTEND_TOKEN is required"},
		{"unknown command", []string{"nope"}, "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServeRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}
