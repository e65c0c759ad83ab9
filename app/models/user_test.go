package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUser(t *testing.T) {
	user, err := CreateUser("jane@example.com", "secret123")
	require.NoError(t, err)

	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "jane@example.com", user.Email)
	assert.Equal(t, ROLE_USER, user.Role)
	assert.Equal(t, TIER_FREE, user.Tier)
	assert.False(t, user.IsGuest())
	assert.False(t, user.LifetimeAccess)

	// password is stored hashed
	assert.NotEqual(t, "secret123", user.Password)
	assert.True(t, CheckPasswordHash("secret123", user.Password))
	assert.False(t, CheckPasswordHash("wrong", user.Password))
}

func TestCreateUserValidation(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"invalid email", "not-an-email", "secret123"},
		{"empty email", "", "secret123"},
		{"short password", "jane@example.com", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreateUser(tt.email, tt.password)
			assert.Error(t, err)
		})
	}
}

func TestCreateGuestUser(t *testing.T) {
	guest, err := CreateGuestUser()
	require.NoError(t, err)

	assert.NotEmpty(t, guest.ID)
	assert.Equal(t, ROLE_GUEST, guest.Role)
	assert.Equal(t, TIER_FREE, guest.Tier)
	assert.True(t, guest.IsGuest())
	assert.Contains(t, guest.Email, "@guest.local")
}
