package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess        ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure        ActivityEventType = "auth.login.failure"
	ActivityEventLogout              ActivityEventType = "auth.logout"
	ActivityEventRefreshSuccess      ActivityEventType = "auth.refresh.success"
	ActivityEventRefreshFailure      ActivityEventType = "auth.refresh.failure"
	ActivityEventOtpGenerated        ActivityEventType = "auth.otp.generated"
	ActivityEventOtpVerified         ActivityEventType = "auth.otp.verified"
	ActivityEventPasswordChanged     ActivityEventType = "auth.password.changed"
	ActivityEventEmailVerified       ActivityEventType = "auth.email.verified"
	ActivityEventUserRegistered      ActivityEventType = "user.registered"
	ActivityEventUserUpdated         ActivityEventType = "user.updated"
	ActivityEventUserRolesChanged    ActivityEventType = "user.roles.changed"
	ActivityEventUserDeleted         ActivityEventType = "user.deleted"
	ActivityEventInstanceCreated     ActivityEventType = "instance.created"
	ActivityEventInstanceUpdated     ActivityEventType = "instance.updated"
	ActivityEventInstanceDeleted     ActivityEventType = "instance.deleted"
	ActivityEventAPIKeyRegenerated   ActivityEventType = "instance.api_key.regenerated"
	ActivityEventInstanceUserLinked  ActivityEventType = "instance.user.linked"
	ActivityEventInstanceUserRemoved ActivityEventType = "instance.user.removed"
)

// ActorRef identifies who triggered an activity event
type ActorRef struct {
	ID   string
	Type string
}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	UserID     string
	InstanceID string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// recordActivity is best effort, sink errors are only logged
func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, event ActivityEvent) {
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil {
		normalizeLogger(logger).Warn("activity sink record error", "event", event.EventType, "error", err)
	}
}

func userActor(id string) ActorRef {
	if id == "" {
		return ActorRef{Type: "unknown"}
	}
	return ActorRef{ID: id, Type: "user"}
}
