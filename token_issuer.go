package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TokenIssuer mints access tokens and rotates refresh tokens
type TokenIssuer struct {
	repo       RepositoryManager
	signingKey []byte
	keyID      string
	keyfunc    jwt.Keyfunc
	issuer     string
	audience   jwt.ClaimStrings
	accessTTL  time.Duration
	refreshTTL time.Duration
	random     RandomSource
	clock      Clock
	logger     Logger
}

type TokenIssuerOption func(*TokenIssuer)

func WithTokenIssuerClock(clock Clock) TokenIssuerOption {
	return func(t *TokenIssuer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func WithTokenIssuerRandom(src RandomSource) TokenIssuerOption {
	return func(t *TokenIssuer) {
		if src != nil {
			t.random = src
		}
	}
}

func WithTokenIssuerLogger(logger Logger) TokenIssuerOption {
	return func(t *TokenIssuer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTokenIssuer builds an issuer from cfg. Previous signing keys are
// accepted for verification only.
func NewTokenIssuer(repo RepositoryManager, cfg Config, opts ...TokenIssuerOption) *TokenIssuer {
	t := &TokenIssuer{
		repo:       repo,
		signingKey: []byte(cfg.GetSigningKey()),
		keyID:      cfg.GetSigningKeyID(),
		issuer:     cfg.GetIssuer(),
		accessTTL:  time.Duration(cfg.GetAccessTokenMinutes()) * time.Minute,
		refreshTTL: time.Duration(cfg.GetRefreshTokenDays()) * 24 * time.Hour,
		random:     defaultRandomSource(),
		clock:      systemClock,
		logger:     defLogger{},
	}

	if aud := cfg.GetAudience(); len(aud) > 0 {
		t.audience = make(jwt.ClaimStrings, len(aud))
		copy(t.audience, aud)
	}

	alg := jwt.SigningMethodHS256.Alg()
	given := map[string]keyfunc.GivenKey{
		t.keyID: keyfunc.NewGivenCustom(t.signingKey, keyfunc.GivenKeyOptions{Algorithm: alg}),
	}
	for kid, key := range cfg.GetPreviousSigningKeys() {
		if kid == t.keyID || key == "" {
			continue
		}
		given[kid] = keyfunc.NewGivenCustom([]byte(key), keyfunc.GivenKeyOptions{Algorithm: alg})
	}
	t.keyfunc = keyfunc.NewGiven(given).Keyfunc

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t
}

// Issue signs an access token for user and stores a fresh refresh
// token, replacing any previous one.
func (t *TokenIssuer) Issue(ctx context.Context, user *User) (*TokenPair, error) {
	if user == nil || user.ID == uuid.Nil {
		return nil, ErrInvalidCredential
	}

	now := t.clock()
	pair, err := t.newPair(user, now)
	if err != nil {
		return nil, err
	}

	if err := t.repo.Users().SetRefreshToken(ctx, user.ID, pair.RefreshToken, pair.RefreshExpiry); err != nil {
		t.logger.Error("issue failed to persist refresh token", "user_id", user.ID, "error", err)
		return nil, NewInternalError(err, "token.issue")
	}

	return pair, nil
}

// Refresh exchanges a refresh token for a new pair. The old token stops
// working even if two calls race with it; only one of them succeeds.
func (t *TokenIssuer) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrInvalidCredential
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	var pair *TokenPair
	err := t.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		user, err := t.repo.Users().GetByRefreshTokenTx(ctx, tx, refreshToken)
		if err != nil {
			if isRecordNotFound(err) {
				return ErrInvalidCredential
			}
			return err
		}

		now := t.clock()
		if user.RefreshTokenExpiry == nil || !user.RefreshTokenExpiry.After(now) {
			t.logger.Info("refresh rejected, token expired", "user_id", user.ID)
			return ErrInvalidCredential
		}

		next, err := t.newPair(user, now)
		if err != nil {
			return err
		}

		ok, err := t.repo.Users().RotateRefreshTokenTx(ctx, tx, user.ID, refreshToken, next.RefreshToken, next.RefreshExpiry)
		if err != nil {
			return err
		}

		if !ok {
			t.logger.Info("refresh rejected, token already rotated", "user_id", user.ID)
			return ErrInvalidCredential
		}

		pair = next
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			return nil, err
		}
		var richErr *errors.Error
		if errors.As(err, &richErr) && richErr.Category != errors.CategoryInternal {
			return nil, richErr
		}
		t.logger.Error("refresh failed", "error", err)
		return nil, NewInternalError(err, "token.refresh")
	}

	return pair, nil
}

// Revoke clears the stored refresh token
func (t *TokenIssuer) Revoke(ctx context.Context, userID uuid.UUID) error {
	if err := t.repo.Users().ClearRefreshToken(ctx, userID); err != nil {
		t.logger.Error("revoke failed", "user_id", userID, "error", err)
		return NewInternalError(err, "token.revoke")
	}
	return nil
}

// Validate parses and verifies an access token
func (t *TokenIssuer) Validate(raw string) (*AccessClaims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.clock),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(t.issuer))
	}
	if len(t.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(t.audience[0]))
	}

	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, t.keyfunc, parserOptions...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, errors.Wrap(err, ErrTokenMalformed.Category, ErrTokenMalformed.Message).
			WithCode(errors.CodeUnauthorized).
			WithTextCode(ErrTokenMalformed.TextCode)
	}

	if !token.Valid || claims.Subject == "" {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

func (t *TokenIssuer) newPair(user *User, now time.Time) (*TokenPair, error) {
	accessExpiry := now.Add(t.accessTTL)

	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.issuer,
			Subject:   user.ID.String(),
			Audience:  t.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpiry),
		},
		Name:  user.DisplayName(),
		Email: user.Email,
		Roles: NormalizeRoles(user.Roles),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = t.keyID

	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		t.logger.Error("failed to sign access token", "error", err)
		return nil, NewInternalError(fmt.Errorf("sign access token: %w", err), "token.sign")
	}

	refresh, err := GenerateRefreshToken(t.random)
	if err != nil {
		t.logger.Error("failed to generate refresh token", "error", err)
		return nil, NewInternalError(err, "token.refresh_token")
	}

	return &TokenPair{
		AccessToken:   signed,
		RefreshToken:  refresh,
		AccessExpiry:  accessExpiry,
		RefreshExpiry: now.Add(t.refreshTTL),
	}, nil
}
