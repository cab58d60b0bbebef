package activitymap

import (
	"strings"
	"time"

	auth "github.com/goliatone/go-instance-auth"
)

const (
	// MetadataKeyActorType stores auth.ActorRef.Type
	MetadataKeyActorType = "actor_type"
	// MetadataKeyUserID is set on instance events that also name a user
	MetadataKeyUserID = "user_id"
	// MetadataKeyInstanceID is set on user events that also name an instance
	MetadataKeyInstanceID = "instance_id"
)

const (
	ObjectTypeUser     = "user"
	ObjectTypeInstance = "instance"
)

const (
	defaultChannel = "auth"
	defaultActorID = "system"
)

// Normalized is a transport agnostic activity record for audit logs
// and downstream feeds.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	actorFallback string
	clock         auth.Clock
}

// Normalize converts an auth.ActivityEvent into a Normalized record.
// Events in the instance.* family are about the instance, everything
// else is about the user.
func Normalize(event auth.ActivityEvent, opts ...Option) Normalized {
	options := normalizeOptions{
		channel:       defaultChannel,
		actorFallback: defaultActorID,
		clock:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	objectType, objectID := resolveObject(event)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.clock()
	}

	return Normalized{
		ActorID: firstNonEmpty(
			strings.TrimSpace(event.Actor.ID),
			strings.TrimSpace(event.UserID),
			options.actorFallback,
		),
		Verb:       string(event.EventType),
		ObjectType: objectType,
		ObjectID:   objectID,
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event, objectType),
		OccurredAt: occurredAt,
	}
}

// WithChannel sets the channel for normalized records
func WithChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithActorFallback is used when the event names neither actor nor user
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

// WithClock stamps events that carry no OccurredAt
func WithClock(clock auth.Clock) Option {
	return func(opts *normalizeOptions) {
		if clock != nil {
			opts.clock = clock
		}
	}
}

// IsInstanceEvent reports whether the event belongs to the instance family
func IsInstanceEvent(eventType auth.ActivityEventType) bool {
	return strings.HasPrefix(string(eventType), ObjectTypeInstance+".")
}

func resolveObject(event auth.ActivityEvent) (string, string) {
	if IsInstanceEvent(event.EventType) {
		return ObjectTypeInstance, strings.TrimSpace(event.InstanceID)
	}
	return ObjectTypeUser, strings.TrimSpace(event.UserID)
}

func normalizeMetadata(event auth.ActivityEvent, objectType string) map[string]any {
	metadata := cloneMap(event.Metadata)

	set := func(key, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		if _, exists := metadata[key]; !exists {
			metadata[key] = value
		}
	}

	set(MetadataKeyActorType, event.Actor.Type)

	switch objectType {
	case ObjectTypeInstance:
		set(MetadataKeyUserID, event.UserID)
	case ObjectTypeUser:
		set(MetadataKeyInstanceID, event.InstanceID)
	}

	return metadata
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
