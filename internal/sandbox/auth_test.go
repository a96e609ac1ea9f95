package sandbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

func TestTokenIssueAndVerify(t *testing.T) {
	m := NewTokenManager(time.Minute)
	jobID := uuid.New()

	token, err := m.Issue(jobID, "alice", []string{"api.example.com"}, []string{"github"})
	require.NoError(t, err)
	assert.Len(t, token, tokenBytes*2, "hex encoding of 32 bytes")

	assert.NoError(t, m.Verify(jobID, token))
	assert.ErrorIs(t, m.Verify(jobID, "wrong"), types.ErrNotAuthorized)
	assert.ErrorIs(t, m.Verify(uuid.New(), token), types.ErrNotAuthorized)
}

func TestTokenExpiry(t *testing.T) {
	m := NewTokenManager(10 * time.Millisecond)
	jobID := uuid.New()
	token, err := m.Issue(jobID, "alice", nil, nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.ErrorIs(t, m.Verify(jobID, token), types.ErrTokenExpired)
}

func TestTokenRevocation(t *testing.T) {
	m := NewTokenManager(time.Minute)
	jobID := uuid.New()
	token, err := m.Issue(jobID, "alice", nil, nil)
	require.NoError(t, err)

	m.Revoke(jobID)
	assert.ErrorIs(t, m.Verify(jobID, token), types.ErrNotAuthorized)
}

func TestTokensAreUnique(t *testing.T) {
	m := NewTokenManager(time.Minute)
	a, err := m.Issue(uuid.New(), "alice", nil, nil)
	require.NoError(t, err)
	b, err := m.Issue(uuid.New(), "alice", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSweepRemovesExpired(t *testing.T) {
	m := NewTokenManager(5 * time.Millisecond)
	m.Issue(uuid.New(), "alice", nil, nil)
	m.Issue(uuid.New(), "alice", nil, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, m.Sweep())
}

func TestCredentialDeclaration(t *testing.T) {
	m := NewTokenManager(time.Minute)
	jobID := uuid.New()
	_, err := m.Issue(jobID, "alice", []string{"api.github.com"}, []string{"github"})
	require.NoError(t, err)

	userID, hosts, secrets, ok := m.Credential(jobID)
	require.True(t, ok)
	assert.Equal(t, "alice", userID)
	assert.True(t, hosts["api.github.com"])
	assert.True(t, secrets["github"])
	assert.False(t, secrets["aws"])
}
