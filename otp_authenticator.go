package auth

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const otpInsertAttempts = 3

// OtpAuthenticator issues and verifies one time codes
type OtpAuthenticator struct {
	repo         RepositoryManager
	notifier     Notifier
	locker       KeyedLocker
	random       RandomSource
	clock        Clock
	ttl          time.Duration
	logger       Logger
	activitySink ActivitySink
}

type OtpOption func(*OtpAuthenticator)

func WithOtpClock(clock Clock) OtpOption {
	return func(o *OtpAuthenticator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithOtpRandom(src RandomSource) OtpOption {
	return func(o *OtpAuthenticator) {
		if src != nil {
			o.random = src
		}
	}
}

// WithOtpLocker replaces the in-process locker, e.g. with redislock
func WithOtpLocker(locker KeyedLocker) OtpOption {
	return func(o *OtpAuthenticator) {
		if locker != nil {
			o.locker = locker
		}
	}
}

func WithOtpTTL(ttl time.Duration) OtpOption {
	return func(o *OtpAuthenticator) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func WithOtpLogger(logger Logger) OtpOption {
	return func(o *OtpAuthenticator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithOtpActivitySink(sink ActivitySink) OtpOption {
	return func(o *OtpAuthenticator) {
		o.activitySink = normalizeActivitySink(sink)
	}
}

func NewOtpAuthenticator(repo RepositoryManager, notifier Notifier, opts ...OtpOption) *OtpAuthenticator {
	o := &OtpAuthenticator{
		repo:         repo,
		notifier:     notifier,
		locker:       NewLocalLocker(),
		random:       defaultRandomSource(),
		clock:        systemClock,
		ttl:          defaultOtpTTL,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	return o
}

// Generate supersedes any pending code for the user and purpose, stores
// a new one and sends it. If delivery fails the new code stays pending.
func (o *OtpAuthenticator) Generate(ctx context.Context, email string, purpose OtpPurpose) error {
	if !isValidOtpPurpose(purpose) {
		return NewValidationError("unknown otp purpose", map[string]string{
			"purpose": "must be one of forgot_password, email_verification",
		})
	}

	user, err := o.repo.Users().GetByEmailTx(ctx, o.repo.DB(), email)
	if err != nil {
		if isRecordNotFound(err) {
			return NewNotFoundError("user", email)
		}
		o.logger.Error("otp generate user lookup failed", "error", err)
		return NewInternalError(err, "otp.generate")
	}

	record, err := o.store(ctx, user.ID, purpose)
	if err != nil {
		return err
	}

	recordActivity(ctx, o.activitySink, o.logger, ActivityEvent{
		EventType: ActivityEventOtpGenerated,
		Actor:     userActor(user.ID.String()),
		UserID:    user.ID.String(),
		Metadata: map[string]any{
			"purpose": purpose,
			"otp_id":  record.ID.String(),
		},
	})

	if o.notifier == nil {
		o.logger.Warn("otp generated without notifier", "user_id", user.ID, "purpose", purpose)
		return nil
	}

	msg := OtpMessage{
		To:        user.Email,
		Name:      user.DisplayName(),
		Code:      record.Code,
		Purpose:   purpose,
		ExpiresAt: record.ExpirationDate,
		TTL:       o.ttl,
	}

	if err := o.notifier.SendOtp(ctx, msg); err != nil {
		o.logger.Error("otp delivery failed", "user_id", user.ID, "purpose", purpose, "error", err)
		return ErrOtpDeliveryFailed
	}

	return nil
}

// store runs expire and insert under the per key lock and in one
// transaction. The partial unique index on pending rows backs this up
// when the lock is not shared between processes.
func (o *OtpAuthenticator) store(ctx context.Context, userID uuid.UUID, purpose OtpPurpose) (*OtpCode, error) {
	unlock, err := o.locker.Lock(ctx, userID.String()+":"+purpose)
	if err != nil {
		o.logger.Error("otp lock failed", "user_id", userID, "error", err)
		return nil, NewInternalError(err, "otp.lock")
	}
	defer unlock()

	var record *OtpCode
	for attempt := 1; attempt <= otpInsertAttempts; attempt++ {
		record, err = o.expireAndInsert(ctx, userID, purpose)
		if err == nil {
			return record, nil
		}
		if !isUniqueViolation(err) {
			break
		}
		o.logger.Warn("otp insert raced another writer, retrying", "user_id", userID, "attempt", attempt)
	}

	o.logger.Error("otp store failed", "user_id", userID, "purpose", purpose, "error", err)
	return nil, NewInternalError(err, "otp.store")
}

func (o *OtpAuthenticator) expireAndInsert(ctx context.Context, userID uuid.UUID, purpose OtpPurpose) (*OtpCode, error) {
	code, err := GenerateOtpCode(o.random)
	if err != nil {
		return nil, err
	}

	now := o.clock()
	record := &OtpCode{
		ID:             uuid.New(),
		UserID:         userID,
		Code:           code,
		Purpose:        purpose,
		Status:         OtpStatusPending,
		CreatedAt:      now,
		ExpirationDate: now.Add(o.ttl),
	}

	err = o.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		expired, err := o.repo.OtpCodes().ExpirePendingTx(ctx, tx, userID, purpose)
		if err != nil {
			return err
		}
		if expired > 0 {
			o.logger.Debug("superseded pending otp codes", "user_id", userID, "purpose", purpose, "count", expired)
		}
		return o.repo.OtpCodes().InsertTx(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// Verify consumes a matching pending code. Unknown user, wrong code and
// expired code all return false with no error.
func (o *OtpAuthenticator) Verify(ctx context.Context, email, code string, purpose OtpPurpose) (bool, error) {
	if code == "" || !isValidOtpPurpose(purpose) {
		return false, nil
	}

	user, err := o.repo.Users().GetByEmailTx(ctx, o.repo.DB(), email)
	if err != nil {
		if isRecordNotFound(err) {
			return false, nil
		}
		o.logger.Error("otp verify user lookup failed", "error", err)
		return false, NewInternalError(err, "otp.verify")
	}

	ok, err := o.consume(ctx, user.ID, code, purpose)
	if err != nil {
		o.logger.Error("otp verify failed", "user_id", user.ID, "error", err)
		return false, NewInternalError(err, "otp.verify")
	}

	if ok {
		recordActivity(ctx, o.activitySink, o.logger, ActivityEvent{
			EventType: ActivityEventOtpVerified,
			Actor:     userActor(user.ID.String()),
			UserID:    user.ID.String(),
			Metadata:  map[string]any{"purpose": purpose},
		})
	}

	return ok, nil
}

// VerifyTx is Verify for callers that already hold a transaction and a
// resolved user.
func (o *OtpAuthenticator) VerifyTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, code string, purpose OtpPurpose) (bool, error) {
	if code == "" || !isValidOtpPurpose(purpose) {
		return false, nil
	}
	return o.consumeTx(ctx, tx, userID, code, purpose)
}

func (o *OtpAuthenticator) consume(ctx context.Context, userID uuid.UUID, code string, purpose OtpPurpose) (bool, error) {
	var ok bool
	err := o.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		ok, err = o.consumeTx(ctx, tx, userID, code, purpose)
		return err
	})
	return ok, err
}

func (o *OtpAuthenticator) consumeTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, code string, purpose OtpPurpose) (bool, error) {
	codes := o.repo.OtpCodes()

	matches, err := codes.FindPendingTx(ctx, tx, userID, code, purpose)
	if err != nil {
		return false, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	now := o.clock()
	var candidate *OtpCode
	for _, m := range matches {
		if m.IsExpired(now) {
			if _, err := codes.TransitionTx(ctx, tx, m.ID, OtpStatusPending, OtpStatusExpired); err != nil {
				return false, err
			}
			continue
		}
		if candidate == nil {
			candidate = m
		}
	}

	if candidate == nil {
		return false, nil
	}

	return codes.TransitionTx(ctx, tx, candidate.ID, OtpStatusPending, OtpStatusUsed)
}
