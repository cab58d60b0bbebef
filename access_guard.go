package auth

import (
	"context"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccessGuard answers and manages user to instance links. HasAccess is
// the plain link check; role overrides belong to Authorize.
type AccessGuard struct {
	repo         RepositoryManager
	logger       Logger
	activitySink ActivitySink
}

func NewAccessGuard(repo RepositoryManager) *AccessGuard {
	return &AccessGuard{
		repo:         repo,
		logger:       defLogger{},
		activitySink: noopActivitySink{},
	}
}

func (g *AccessGuard) WithLogger(logger Logger) *AccessGuard {
	if logger != nil {
		g.logger = logger
	}
	return g
}

func (g *AccessGuard) WithActivitySink(sink ActivitySink) *AccessGuard {
	g.activitySink = normalizeActivitySink(sink)
	return g
}

// HasAccess reports whether a link exists for the pair
func (g *AccessGuard) HasAccess(ctx context.Context, userID, instanceID string) (bool, error) {
	uid, iid, err := parsePair(userID, instanceID)
	if err != nil {
		return false, err
	}

	ok, err := g.repo.UserInstances().ExistsTx(ctx, g.repo.DB(), uid, iid)
	if err != nil {
		return false, g.internal(err, "access.has_access", userID, instanceID)
	}
	return ok, nil
}

// HasAnyLink reports whether the user is linked to at least one instance
func (g *AccessGuard) HasAnyLink(ctx context.Context, userID string) (bool, error) {
	uid, err := parseID("user_id", userID)
	if err != nil {
		return false, err
	}

	ok, err := g.repo.UserInstances().AnyForUserTx(ctx, g.repo.DB(), uid)
	if err != nil {
		return false, g.internal(err, "access.has_any_link", userID, "")
	}
	return ok, nil
}

// Assign links the pair. Linking an already linked pair succeeds
// without writing.
func (g *AccessGuard) Assign(ctx context.Context, userID, instanceID string) error {
	uid, iid, err := parsePair(userID, instanceID)
	if err != nil {
		return err
	}

	var created bool
	err = g.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := g.repo.Users().FindByIDTx(ctx, tx, uid); err != nil {
			if isRecordNotFound(err) {
				return NewNotFoundError("user", userID)
			}
			return err
		}

		if _, err := g.repo.Instances().FindByIDTx(ctx, tx, iid); err != nil {
			if isRecordNotFound(err) {
				return NewNotFoundError("instance", instanceID)
			}
			return err
		}

		created, err = g.repo.UserInstances().LinkTx(ctx, tx, &UserInstance{
			UserID:     uid,
			InstanceID: iid,
		})
		return err
	})

	if err != nil {
		var richErr *errors.Error
		if errors.As(err, &richErr) && richErr.Category == errors.CategoryNotFound {
			return richErr
		}
		return g.internal(err, "access.assign", userID, instanceID)
	}

	if created {
		g.emit(ctx, ActivityEventInstanceUserLinked, userID, instanceID)
	}
	return nil
}

// Remove unlinks the pair. Removing a missing link succeeds.
func (g *AccessGuard) Remove(ctx context.Context, userID, instanceID string) error {
	uid, iid, err := parsePair(userID, instanceID)
	if err != nil {
		return err
	}

	var removed bool
	err = g.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		removed, err = g.repo.UserInstances().UnlinkTx(ctx, tx, uid, iid)
		return err
	})
	if err != nil {
		return g.internal(err, "access.remove", userID, instanceID)
	}

	if removed {
		g.emit(ctx, ActivityEventInstanceUserRemoved, userID, instanceID)
	}
	return nil
}

func (g *AccessGuard) InstancesOf(ctx context.Context, userID string) ([]*Instance, error) {
	uid, err := parseID("user_id", userID)
	if err != nil {
		return nil, err
	}

	db := g.repo.DB()
	ids, err := g.repo.UserInstances().InstanceIDsTx(ctx, db, uid)
	if err != nil {
		return nil, g.internal(err, "access.instances_of", userID, "")
	}

	records, err := g.repo.Instances().ListByIDsTx(ctx, db, ids)
	if err != nil {
		return nil, g.internal(err, "access.instances_of", userID, "")
	}
	return records, nil
}

func (g *AccessGuard) UsersOf(ctx context.Context, instanceID string) ([]*User, error) {
	iid, err := parseID("instance_id", instanceID)
	if err != nil {
		return nil, err
	}

	records, err := g.repo.UserInstances().UsersOfTx(ctx, g.repo.DB(), iid)
	if err != nil {
		return nil, g.internal(err, "access.users_of", "", instanceID)
	}
	return records, nil
}

func (g *AccessGuard) CountUsers(ctx context.Context, instanceID string) (int, error) {
	iid, err := parseID("instance_id", instanceID)
	if err != nil {
		return 0, err
	}

	n, err := g.repo.UserInstances().CountUsersTx(ctx, g.repo.DB(), iid)
	if err != nil {
		return 0, g.internal(err, "access.count_users", "", instanceID)
	}
	return n, nil
}

func (g *AccessGuard) internal(err error, op, userID, instanceID string) error {
	g.logger.Error("access guard storage error",
		"operation", op,
		"user_id", userID,
		"instance_id", instanceID,
		"error", err,
	)
	return NewInternalError(err, op)
}

func (g *AccessGuard) emit(ctx context.Context, eventType ActivityEventType, userID, instanceID string) {
	recordActivity(ctx, g.activitySink, g.logger, ActivityEvent{
		EventType:  eventType,
		Actor:      ActorRef{Type: "system"},
		UserID:     userID,
		InstanceID: instanceID,
	})
}

func parsePair(userID, instanceID string) (uuid.UUID, uuid.UUID, error) {
	uid, err := parseID("user_id", userID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	iid, err := parseID("instance_id", instanceID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return uid, iid, nil
}
