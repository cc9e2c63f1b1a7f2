package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestManager(t *testing.T, skew time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(testSecret, skew)
	require.NoError(t, err)
	return m
}

func TestNewManager_WeakSecret(t *testing.T) {
	_, err := NewManager("", time.Minute)
	assert.ErrorIs(t, err, ErrWeakSecret)

	_, err = NewManager("too-short", time.Minute)
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	m := newTestManager(t, 0)
	userID := uuid.New()

	tok, err := m.Issue(userID, "a@x.com", "USER", time.Hour)
	require.NoError(t, err)

	claims, err := m.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "a@x.com", claims.Subject)
	assert.Equal(t, "USER", claims.Role)
}

func TestVerify_WrongSecret(t *testing.T) {
	m := newTestManager(t, 0)
	other, err := NewManager("ffffffffffffffffffffffffffffffff", 0)
	require.NoError(t, err)

	tok, err := m.Issue(uuid.New(), "a@x.com", "USER", time.Hour)
	require.NoError(t, err)

	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrSignature)
}

func TestVerify_WrongSecret_EvenWhenExpired(t *testing.T) {
	m := newTestManager(t, 0)
	other, err := NewManager("ffffffffffffffffffffffffffffffff", 0)
	require.NoError(t, err)

	tok, err := m.Issue(uuid.New(), "a@x.com", "USER", -time.Hour)
	require.NoError(t, err)

	// Signature is checked before expiry.
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrSignature)
}

func TestVerify_Expired(t *testing.T) {
	m := newTestManager(t, 0)

	tok, err := m.Issue(uuid.New(), "a@x.com", "USER", -time.Second)
	require.NoError(t, err)

	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_ClockSkewToleratesRecentExpiry(t *testing.T) {
	m := newTestManager(t, 5*time.Second)

	// Expired a moment ago, but well inside the 5s grace window.
	tok, err := m.Issue(uuid.New(), "a@x.com", "USER", -time.Millisecond)
	require.NoError(t, err)

	claims, err := m.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", claims.Subject)
}

func TestVerify_ClockSkewDoesNotResurrectOldTokens(t *testing.T) {
	m := newTestManager(t, 5*time.Second)

	tok, err := m.Issue(uuid.New(), "a@x.com", "USER", -time.Minute)
	require.NoError(t, err)

	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_Malformed(t *testing.T) {
	m := newTestManager(t, 0)

	for _, bad := range []string{"", "not.a.jwt", "abc"} {
		_, err := m.Verify(bad)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", bad)
	}
}

func TestRefreshValue_OpaqueAndHashable(t *testing.T) {
	a, err := NewRefreshValue()
	require.NoError(t, err)
	b, err := NewRefreshValue()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, ".") // not a JWT

	assert.Equal(t, HashRefreshValue(a), HashRefreshValue(a))
	assert.NotEqual(t, HashRefreshValue(a), HashRefreshValue(b))
}
