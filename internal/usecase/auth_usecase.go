package usecase

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nahid/user-service/internal/config"
	"github.com/nahid/user-service/internal/domain"
	"github.com/nahid/user-service/internal/token"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailExists        = errors.New("email already exists")
	ErrInvalidToken       = errors.New("invalid refresh token")
	ErrTokenExpired       = errors.New("refresh token expired")
	ErrTokenRevoked       = errors.New("refresh token revoked")
	ErrUserNotFound       = errors.New("user not found")
	ErrNotOwner           = errors.New("refresh token does not belong to caller")
)

type AuthUsecase struct {
	userRepo  domain.UserRepository
	tokenRepo domain.RefreshTokenRepository
	eventRepo domain.LoginEventRepository
	tokens    *token.Manager
	cfg       *config.JWTConfig
	log       *slog.Logger
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func NewAuthUsecase(
	userRepo domain.UserRepository,
	tokenRepo domain.RefreshTokenRepository,
	eventRepo domain.LoginEventRepository,
	tokens *token.Manager,
	cfg *config.JWTConfig,
	log *slog.Logger,
) *AuthUsecase {
	return &AuthUsecase{
		userRepo:  userRepo,
		tokenRepo: tokenRepo,
		eventRepo: eventRepo,
		tokens:    tokens,
		cfg:       cfg,
		log:       log,
	}
}

// Register creates the account only. The client logs in separately to obtain
// tokens.
func (u *AuthUsecase) Register(email, password, firstName, lastName string) (*domain.User, error) {
	existing, err := u.userRepo.GetByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailExists
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		Email:        email,
		PasswordHash: string(hashedPassword),
		FirstName:    firstName,
		LastName:     lastName,
		Role:         domain.RoleUser,
		Active:       true,
	}

	if err := u.userRepo.Create(user); err != nil {
		return nil, err
	}

	u.log.Info("user registered", "user_id", user.ID, "email", user.Email)
	return user, nil
}

// Login authenticates and issues a fresh token pair. A successful login
// revokes every refresh token the user still has outstanding, so stolen or
// forgotten sessions die on the next sign-in.
func (u *AuthUsecase) Login(email, password, ipAddress, userAgent string) (*domain.User, *TokenPair, error) {
	user, err := u.userRepo.GetByEmail(email)
	if err != nil {
		return nil, nil, err
	}
	if user == nil || !user.Active {
		return nil, nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	if err := u.tokenRepo.RevokeByUserID(user.ID); err != nil {
		return nil, nil, err
	}

	pair, err := u.issuePair(user)
	if err != nil {
		return nil, nil, err
	}

	// Bookkeeping failures must not fail an otherwise good login.
	if err := u.userRepo.UpdateLastLogin(user.ID); err != nil {
		u.log.Warn("failed to update last login", "user_id", user.ID, "error", err)
	}
	event := &domain.LoginEvent{UserID: user.ID, IPAddress: ipAddress, UserAgent: userAgent}
	if err := u.eventRepo.Create(event); err != nil {
		u.log.Warn("failed to record login event", "user_id", user.ID, "error", err)
	}

	u.log.Info("user logged in", "user_id", user.ID)
	return user, pair, nil
}

// Refresh rotates a refresh token: the old row is deleted and a new pair is
// issued against the same user. A value can rotate at most once; the delete's
// affected-row count arbitrates concurrent attempts.
func (u *AuthUsecase) Refresh(refreshToken string) (*TokenPair, error) {
	tokenHash := token.HashRefreshValue(refreshToken)

	stored, err := u.tokenRepo.GetByTokenHash(tokenHash)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrInvalidToken
	}

	if stored.Revoked {
		u.log.Warn("revoked refresh token presented", "user_id", stored.UserID)
		return nil, ErrTokenRevoked
	}

	if stored.Expired(time.Now(), u.cfg.ClockSkew) {
		// Stale row cleanup is best effort; the sweep will catch leftovers.
		if _, err := u.tokenRepo.DeleteByTokenHash(tokenHash); err != nil {
			u.log.Warn("failed to delete expired refresh token", "error", err)
		}
		return nil, ErrTokenExpired
	}

	user, err := u.userRepo.GetByID(stored.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		return nil, ErrUserNotFound
	}

	affected, err := u.tokenRepo.DeleteByTokenHash(tokenHash)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the race against a concurrent refresh of the same value.
		return nil, ErrInvalidToken
	}

	u.log.Info("refresh token rotated", "user_id", user.ID)
	return u.issuePair(user)
}

// Logout invalidates one refresh token. When the request carried a valid
// access token, requester is the authenticated user id and the token must
// belong to them; uuid.Nil skips the ownership check.
func (u *AuthUsecase) Logout(refreshToken string, requester uuid.UUID) error {
	tokenHash := token.HashRefreshValue(refreshToken)

	stored, err := u.tokenRepo.GetByTokenHash(tokenHash)
	if err != nil {
		return err
	}
	if stored == nil {
		return ErrInvalidToken
	}
	if stored.Revoked {
		return ErrTokenRevoked
	}
	if requester != uuid.Nil && stored.UserID != requester {
		u.log.Warn("logout with foreign refresh token", "owner", stored.UserID, "requester", requester)
		return ErrNotOwner
	}

	if _, err := u.tokenRepo.DeleteByTokenHash(tokenHash); err != nil {
		return err
	}

	u.log.Info("user logged out", "user_id", stored.UserID)
	return nil
}

func (u *AuthUsecase) ValidateAccessToken(tokenString string) (*token.Claims, error) {
	return u.tokens.Verify(tokenString)
}

func (u *AuthUsecase) GetUserByID(id uuid.UUID) (*domain.User, error) {
	return u.userRepo.GetByID(id)
}

func (u *AuthUsecase) GetLoginHistory(userID uuid.UUID, limit, offset int) ([]*domain.LoginEvent, error) {
	return u.eventRepo.ListByUser(userID, limit, offset)
}

// CleanupExpiredTokens backs the periodic sweep. Rows revoked or rotated
// concurrently are simply gone already; that is a valid end state.
func (u *AuthUsecase) CleanupExpiredTokens(before time.Time) (int64, error) {
	removed, err := u.tokenRepo.DeleteExpired(before)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		u.log.Info("expired refresh tokens removed", "count", removed)
	}
	return removed, nil
}

func (u *AuthUsecase) issuePair(user *domain.User) (*TokenPair, error) {
	accessToken, err := u.tokens.Issue(user.ID, user.Email, user.Role, u.cfg.AccessExpiry)
	if err != nil {
		return nil, err
	}

	refreshValue, err := token.NewRefreshValue()
	if err != nil {
		return nil, err
	}

	stored := &domain.RefreshToken{
		UserID:    user.ID,
		TokenHash: token.HashRefreshValue(refreshValue),
		ExpiresAt: time.Now().Add(u.cfg.RefreshExpiry),
	}
	if err := u.tokenRepo.Create(stored); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshValue,
		TokenType:    "Bearer",
		ExpiresIn:    int64(u.cfg.AccessExpiry.Seconds()),
	}, nil
}
