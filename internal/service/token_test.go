package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_RoundTrip(t *testing.T) {
	m := NewTokenManager("access-secret-access-secret-12345", time.Minute)
	userID := uuid.New()

	token, exp, err := m.GenerateAccess(userID, "expert")
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	gotID, role, err := m.ParseAccess(token)
	require.NoError(t, err)
	assert.Equal(t, userID, gotID)
	assert.Equal(t, "expert", role)
}

func TestTokenManager_WrongSecret(t *testing.T) {
	token, _, err := NewTokenManager("secret-one-secret-one-secret-one", time.Minute).GenerateAccess(uuid.New(), "client")
	require.NoError(t, err)

	_, _, err = NewTokenManager("secret-two-secret-two-secret-two", time.Minute).ParseAccess(token)
	assert.Error(t, err)
}

func TestTokenManager_Expired(t *testing.T) {
	m := NewTokenManager("access-secret-access-secret-12345", -time.Minute)
	token, _, err := m.GenerateAccess(uuid.New(), "client")
	require.NoError(t, err)

	_, _, err = m.ParseAccess(token)
	assert.Error(t, err)
}
