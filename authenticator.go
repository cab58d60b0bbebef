package auth

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// decoyPassword is hashed once and compared against when the email is
// unknown so both login failures cost one hash comparison.
const decoyPassword = "decoy-password-for-unknown-users"

// Auther is the credential facade used by the HTTP layer: password
// login, refresh rotation and logout.
type Auther struct {
	repo         RepositoryManager
	issuer       *TokenIssuer
	passwords    PasswordAuthenticator
	logger       Logger
	activitySink ActivitySink

	decoyOnce sync.Once
	decoyHash string
}

// NewAuthenticator returns a new Auther
func NewAuthenticator(repo RepositoryManager, issuer *TokenIssuer) *Auther {
	return &Auther{
		repo:         repo,
		issuer:       issuer,
		passwords:    BcryptAuthenticator{},
		logger:       defLogger{},
		activitySink: noopActivitySink{},
	}
}

func (s *Auther) WithLogger(logger Logger) *Auther {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithPasswordAuthenticator overrides the password hash verifier
func (s *Auther) WithPasswordAuthenticator(p PasswordAuthenticator) *Auther {
	if p != nil {
		s.passwords = p
	}
	return s
}

// WithActivitySink configures an ActivitySink for emitting auth events.
func (s *Auther) WithActivitySink(sink ActivitySink) *Auther {
	s.activitySink = normalizeActivitySink(sink)
	return s
}

// TokenIssuer returns the issuer used by this Auther
func (s *Auther) TokenIssuer() *TokenIssuer {
	return s.issuer
}

// Login checks email and password and issues a token pair. Unknown
// users and wrong passwords fail the same way.
func (s *Auther) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	user, err := s.repo.Users().GetByEmailTx(ctx, s.repo.DB(), email)
	if err != nil {
		if !isRecordNotFound(err) {
			s.logger.Error("login user lookup failed", "error", err)
			return nil, NewInternalError(err, "auth.login")
		}
		s.compareDecoy(password)
		s.logger.Info("login rejected", "reason", "unknown identity")
		s.emit(ctx, ActivityEventLoginFailure, "", map[string]any{"reason": "unknown_identity"})
		return nil, ErrInvalidCredential
	}

	if user.PasswordHash == "" {
		s.logger.Info("login rejected", "user_id", user.ID, "reason", "no password")
		s.emit(ctx, ActivityEventLoginFailure, user.ID.String(), map[string]any{"reason": "no_password"})
		return nil, ErrInvalidCredential
	}

	if err := s.passwords.ComparePasswordAndHash(password, user.PasswordHash); err != nil {
		s.logger.Info("login rejected", "user_id", user.ID, "reason", "password mismatch")
		s.emit(ctx, ActivityEventLoginFailure, user.ID.String(), map[string]any{"reason": "password_mismatch"})
		return nil, ErrInvalidCredential
	}

	pair, err := s.issuer.Issue(ctx, user)
	if err != nil {
		s.emit(ctx, ActivityEventLoginFailure, user.ID.String(), map[string]any{"reason": "issue_failed"})
		return nil, err
	}

	s.emit(ctx, ActivityEventLoginSuccess, user.ID.String(), nil)

	return pair, nil
}

func (s *Auther) compareDecoy(password string) {
	s.decoyOnce.Do(func() {
		hash, err := s.passwords.HashPassword(decoyPassword)
		if err != nil {
			s.logger.Warn("decoy hash unavailable", "error", err)
			return
		}
		s.decoyHash = hash
	})

	if s.decoyHash == "" {
		return
	}
	_ = s.passwords.ComparePasswordAndHash(password, s.decoyHash)
}

// Refresh rotates the refresh token
func (s *Auther) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, err := s.issuer.Refresh(ctx, refreshToken)
	if err != nil {
		s.emit(ctx, ActivityEventRefreshFailure, "", nil)
		return nil, err
	}

	s.emit(ctx, ActivityEventRefreshSuccess, "", nil)
	return pair, nil
}

// Logout drops the user's refresh token. Access tokens stay valid
// until they expire.
func (s *Auther) Logout(ctx context.Context, userID string) error {
	id, err := parseID("user_id", userID)
	if err != nil {
		return err
	}

	if err := s.issuer.Revoke(ctx, id); err != nil {
		return err
	}

	s.emit(ctx, ActivityEventLogout, userID, nil)
	return nil
}

func (s *Auther) emit(ctx context.Context, eventType ActivityEventType, userID string, metadata map[string]any) {
	recordActivity(ctx, s.activitySink, s.logger, ActivityEvent{
		EventType: eventType,
		Actor:     userActor(userID),
		UserID:    userID,
		Metadata:  metadata,
	})
}

// parseID validates a uuid identifier, field names the input in the
// validation error.
func parseID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, NewValidationError(field+" is required", map[string]string{
			field: "cannot be blank",
		})
	}

	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, NewValidationError(field+" is malformed", map[string]string{
			field: "must be a valid UUID",
		})
	}

	return id, nil
}
