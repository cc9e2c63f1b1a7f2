package usecase

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nahid/user-service/internal/config"
	"github.com/nahid/user-service/internal/domain"
	"github.com/nahid/user-service/internal/token"
)

// In-memory fakes for the repository interfaces.

type fakeUserRepo struct {
	users map[uuid.UUID]*domain.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[uuid.UUID]*domain.User)}
}

func (r *fakeUserRepo) Create(user *domain.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	r.users[user.ID] = user
	return nil
}

func (r *fakeUserRepo) GetByID(id uuid.UUID) (*domain.User, error) {
	return r.users[id], nil
}

func (r *fakeUserRepo) GetByEmail(email string) (*domain.User, error) {
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) Update(user *domain.User) error {
	r.users[user.ID] = user
	return nil
}

func (r *fakeUserRepo) Delete(id uuid.UUID) error {
	delete(r.users, id)
	return nil
}

func (r *fakeUserRepo) ListAll(limit, offset int) ([]*domain.User, int, error) {
	var users []*domain.User
	for _, u := range r.users {
		users = append(users, u)
	}
	return users, len(users), nil
}

func (r *fakeUserRepo) UpdateLastLogin(id uuid.UUID) error {
	if u, ok := r.users[id]; ok {
		now := time.Now()
		u.LastLoginAt = &now
	}
	return nil
}

func (r *fakeUserRepo) Count() (int, error) {
	return len(r.users), nil
}

type fakeTokenRepo struct {
	tokens map[string]*domain.RefreshToken // keyed by hash
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: make(map[string]*domain.RefreshToken)}
}

func (r *fakeTokenRepo) Create(t *domain.RefreshToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	r.tokens[t.TokenHash] = t
	return nil
}

func (r *fakeTokenRepo) GetByTokenHash(hash string) (*domain.RefreshToken, error) {
	return r.tokens[hash], nil
}

func (r *fakeTokenRepo) DeleteByTokenHash(hash string) (int64, error) {
	if _, ok := r.tokens[hash]; !ok {
		return 0, nil
	}
	delete(r.tokens, hash)
	return 1, nil
}

func (r *fakeTokenRepo) RevokeByTokenHash(hash string) error {
	if t, ok := r.tokens[hash]; ok {
		t.Revoked = true
	}
	return nil
}

func (r *fakeTokenRepo) RevokeByUserID(userID uuid.UUID) error {
	for _, t := range r.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

func (r *fakeTokenRepo) DeleteByUserID(userID uuid.UUID) error {
	for h, t := range r.tokens {
		if t.UserID == userID {
			delete(r.tokens, h)
		}
	}
	return nil
}

func (r *fakeTokenRepo) DeleteExpired(before time.Time) (int64, error) {
	var removed int64
	for h, t := range r.tokens {
		if t.ExpiresAt.Before(before) {
			delete(r.tokens, h)
			removed++
		}
	}
	return removed, nil
}

type fakeEventRepo struct {
	events []*domain.LoginEvent
}

func (r *fakeEventRepo) Create(e *domain.LoginEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeEventRepo) ListRecent(limit, offset int) ([]*domain.LoginEvent, int, error) {
	return r.events, len(r.events), nil
}

func (r *fakeEventRepo) ListByUser(userID uuid.UUID, limit, offset int) ([]*domain.LoginEvent, error) {
	var out []*domain.LoginEvent
	for _, e := range r.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) ActiveUsers(since time.Time) (int, error) {
	return 0, nil
}

func (r *fakeEventRepo) DailyLoginCounts(days int) ([]domain.DailyCount, error) {
	return nil, nil
}

type testEnv struct {
	auth      *AuthUsecase
	userRepo  *fakeUserRepo
	tokenRepo *fakeTokenRepo
	eventRepo *fakeEventRepo
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithSkew(t, 0)
}

func newTestEnvWithSkew(t *testing.T, skew time.Duration) *testEnv {
	t.Helper()

	cfg := &config.JWTConfig{
		Secret:        "0123456789abcdef0123456789abcdef",
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: time.Hour,
		ClockSkew:     skew,
	}
	tokens, err := token.NewManager(cfg.Secret, cfg.ClockSkew)
	require.NoError(t, err)

	env := &testEnv{
		userRepo:  newFakeUserRepo(),
		tokenRepo: newFakeTokenRepo(),
		eventRepo: &fakeEventRepo{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.auth = NewAuthUsecase(env.userRepo, env.tokenRepo, env.eventRepo, tokens, cfg, logger)
	return env
}

func (e *testEnv) register(t *testing.T, email string) *domain.User {
	t.Helper()
	user, err := e.auth.Register(email, "secret123", "Ada", "Lovelace")
	require.NoError(t, err)
	return user
}

func (e *testEnv) login(t *testing.T, email string) (*domain.User, *TokenPair) {
	t.Helper()
	user, pair, err := e.auth.Login(email, "secret123", "127.0.0.1", "go-test")
	require.NoError(t, err)
	return user, pair
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)

	user := env.register(t, "a@x.com")
	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.Equal(t, "a@x.com", user.Email)
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.NotEqual(t, "secret123", user.PasswordHash)

	// Registration issues no tokens.
	assert.Empty(t, env.tokenRepo.tokens)

	_, err := env.auth.Register("a@x.com", "otherpass", "B", "C")
	assert.ErrorIs(t, err, ErrEmailExists)
}

func TestLogin_WrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@x.com")

	_, _, err := env.auth.Login("a@x.com", "wrong-password", "127.0.0.1", "go-test")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Empty(t, env.tokenRepo.tokens, "failed login must not create refresh tokens")
}

func TestLogin_UnknownEmail(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.auth.Login("nobody@x.com", "whatever", "127.0.0.1", "go-test")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_IssuesPairAndRecordsEvent(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "a@x.com")

	got, pair := env.login(t, "a@x.com")
	assert.Equal(t, user.ID, got.ID)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := env.auth.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "a@x.com", claims.Subject)

	stored := env.tokenRepo.tokens[token.HashRefreshValue(pair.RefreshToken)]
	require.NotNil(t, stored)
	assert.Equal(t, user.ID, stored.UserID)
	assert.False(t, stored.Revoked)

	require.Len(t, env.eventRepo.events, 1)
	assert.Equal(t, user.ID, env.eventRepo.events[0].UserID)
	assert.NotNil(t, got.LastLoginAt)
}

func TestLogin_RevokesPriorSessions(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@x.com")

	_, first := env.login(t, "a@x.com")
	_, second := env.login(t, "a@x.com")

	// The first session's refresh token is dead.
	_, err := env.auth.Refresh(first.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// The second one still rotates.
	_, err = env.auth.Refresh(second.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_RotationIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@x.com")
	_, pair := env.login(t, "a@x.com")

	next, err := env.auth.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// Old value is spent.
	_, err = env.auth.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// The rotated value works exactly once more.
	_, err = env.auth.Refresh(next.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_UnknownValue(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.auth.Refresh("never-issued")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_ExpiredDeletesRow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@x.com")
	_, pair := env.login(t, "a@x.com")

	hash := token.HashRefreshValue(pair.RefreshToken)
	env.tokenRepo.tokens[hash].ExpiresAt = time.Now().Add(-time.Minute)

	_, err := env.auth.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Nil(t, env.tokenRepo.tokens[hash], "expired row should be cleaned up on use")
}

func TestRefresh_ClockSkewToleratesRecentExpiry(t *testing.T) {
	env := newTestEnvWithSkew(t, 5*time.Second)
	env.register(t, "a@x.com")
	_, pair := env.login(t, "a@x.com")

	// Expired a moment ago, but inside the 5s grace window.
	hash := token.HashRefreshValue(pair.RefreshToken)
	env.tokenRepo.tokens[hash].ExpiresAt = time.Now().Add(-time.Millisecond)

	next, err := env.auth.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, next.RefreshToken)
}

func TestRefresh_ClockSkewDoesNotResurrectOldTokens(t *testing.T) {
	env := newTestEnvWithSkew(t, 5*time.Second)
	env.register(t, "a@x.com")
	_, pair := env.login(t, "a@x.com")

	hash := token.HashRefreshValue(pair.RefreshToken)
	env.tokenRepo.tokens[hash].ExpiresAt = time.Now().Add(-time.Minute)

	_, err := env.auth.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

// consumedTokenRepo simulates losing the rotation race: the row is still
// visible on lookup but a concurrent request deletes it first.
type consumedTokenRepo struct {
	*fakeTokenRepo
}

func (r *consumedTokenRepo) DeleteByTokenHash(hash string) (int64, error) {
	delete(r.tokens, hash)
	return 0, nil
}

func TestRefresh_ConcurrentRotationLosesRace(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@x.com")
	_, pair := env.login(t, "a@x.com")

	cfg := &config.JWTConfig{
		Secret:        "0123456789abcdef0123456789abcdef",
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: time.Hour,
	}
	tokens, err := token.NewManager(cfg.Secret, cfg.ClockSkew)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	racing := NewAuthUsecase(env.userRepo, &consumedTokenRepo{env.tokenRepo}, env.eventRepo, tokens, cfg, logger)

	_, err = racing.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Empty(t, env.tokenRepo.tokens, "loser must not issue a pair or leave rows behind")
}

func TestRefresh_InactiveUser(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "a@x.com")
	_, pair := env.login(t, "a@x.com")

	env.userRepo.users[user.ID].Active = false

	_, err := env.auth.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	user := env.register(t, "a@x.com")
	_, pair := env.login(t, "a@x.com")

	require.NoError(t, env.auth.Logout(pair.RefreshToken, user.ID))

	// The token is gone: neither logout nor refresh accepts it again.
	assert.ErrorIs(t, env.auth.Logout(pair.RefreshToken, user.ID), ErrInvalidToken)
	_, err := env.auth.Refresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogout_OwnershipMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@x.com")
	env.register(t, "b@x.com")
	_, pairA := env.login(t, "a@x.com")
	userB, _ := env.login(t, "b@x.com")

	err := env.auth.Logout(pairA.RefreshToken, userB.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	// Unauthenticated logout by token value alone still works.
	assert.NoError(t, env.auth.Logout(pairA.RefreshToken, uuid.Nil))
}

func TestCleanupExpiredTokens(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a@x.com")
	_, live := env.login(t, "a@x.com")
	_, stale := env.login(t, "a@x.com")

	staleHash := token.HashRefreshValue(stale.RefreshToken)
	env.tokenRepo.tokens[staleHash].ExpiresAt = time.Now().Add(-time.Second)

	removed, err := env.auth.CleanupExpiredTokens(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	assert.Nil(t, env.tokenRepo.tokens[staleHash])
	assert.NotNil(t, env.tokenRepo.tokens[token.HashRefreshValue(live.RefreshToken)])
}
