package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserRole is the user's global role
type UserRole = string

const (
	// RoleUser is the default role assigned on registration
	RoleUser UserRole = "user"
	// RoleAdmin manages instances and their user links
	RoleAdmin UserRole = "admin"
)

// User is the user model
type User struct {
	bun.BaseModel      `bun:"table:users,alias:usr"`
	ID                 uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	FullName           string     `bun:"full_name,notnull" json:"full_name,omitempty"`
	Email              string     `bun:"email,notnull,unique" json:"email,omitempty"`
	PasswordHash       string     `bun:"password_hash" json:"-"`
	Roles              []string   `bun:"roles" json:"roles,omitempty"`
	EmailVerified      bool       `bun:"is_email_verified" json:"is_email_verified"`
	RefreshToken       *string    `bun:"refresh_token,nullzero,unique" json:"-"`
	RefreshTokenExpiry *time.Time `bun:"refresh_token_expiry,nullzero" json:"-"`
	CreatedAt          *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt          *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// HasRole reports whether the user carries role
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	return containsRole(u.Roles, role)
}

// DisplayName is the name we put in access tokens
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

// EnvironmentType is the deployment stage of an instance
type EnvironmentType int

const (
	EnvironmentDevelopment EnvironmentType = iota
	EnvironmentStaging
	EnvironmentProduction
)

func (e EnvironmentType) String() string {
	switch e {
	case EnvironmentDevelopment:
		return "development"
	case EnvironmentStaging:
		return "staging"
	case EnvironmentProduction:
		return "production"
	default:
		return "unknown"
	}
}

// IsValid checks the value is one of the known environments
func (e EnvironmentType) IsValid() bool {
	return e >= EnvironmentDevelopment && e <= EnvironmentProduction
}

// Instance is a tenant application authenticated by API key
type Instance struct {
	bun.BaseModel    `bun:"table:instances,alias:ins"`
	ID               uuid.UUID       `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	ApplicationName  string          `bun:"application_name" json:"application_name,omitempty"`
	Host             string          `bun:"host,notnull" json:"host"`
	Description      string          `bun:"description" json:"description,omitempty"`
	LogPath          string          `bun:"log_path" json:"log_path,omitempty"`
	Environment      EnvironmentType `bun:"environment,notnull" json:"environment"`
	APIKey           string          `bun:"api_key,notnull,unique" json:"-"`
	IsActive         bool            `bun:"is_active,notnull" json:"is_active"`
	APIKeyCreatedAt  *time.Time      `bun:"api_key_created_at,nullzero" json:"api_key_created_at,omitempty"`
	APIKeyLastUsedAt *time.Time      `bun:"api_key_last_used_at,nullzero" json:"api_key_last_used_at,omitempty"`
	CreatedAt        *time.Time      `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt        *time.Time      `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// UserInstance links a user to an instance. It references both
// sides by id only.
type UserInstance struct {
	bun.BaseModel `bun:"table:user_instances,alias:usi"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	InstanceID    uuid.UUID  `bun:"instance_id,notnull,type:uuid" json:"instance_id"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// OtpPurpose scopes a one time code to a flow
type OtpPurpose = string

const (
	OtpPurposeForgotPassword    OtpPurpose = "forgot_password"
	OtpPurposeEmailVerification OtpPurpose = "email_verification"
)

// OtpStatus is the lifecycle state of a code.
// pending -> used | expired, both terminal.
type OtpStatus = string

const (
	OtpStatusPending OtpStatus = "pending"
	OtpStatusUsed    OtpStatus = "used"
	OtpStatusExpired OtpStatus = "expired"
)

// OtpCode is a one time code sent to a user
type OtpCode struct {
	bun.BaseModel  `bun:"table:otp_codes,alias:otp"`
	ID             uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID         uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id"`
	Code           string     `bun:"code,notnull" json:"-"`
	Purpose        OtpPurpose `bun:"purpose,notnull" json:"purpose"`
	Status         OtpStatus  `bun:"status,notnull" json:"status"`
	CreatedAt      time.Time  `bun:"created_at,notnull" json:"created_at"`
	ExpirationDate time.Time  `bun:"expiration_date,notnull" json:"expiration_date"`
}

// IsExpired reports whether the code is past its expiration at now
func (o *OtpCode) IsExpired(now time.Time) bool {
	return !o.ExpirationDate.After(now)
}

func isValidOtpPurpose(p string) bool {
	return p == OtpPurposeForgotPassword || p == OtpPurposeEmailVerification
}

// LogEntry is a log line shipped by an instance. InstanceID always
// comes from the API key that authenticated the call.
type LogEntry struct {
	bun.BaseModel `bun:"table:log_entries,alias:lge"`
	ID            uuid.UUID        `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	InstanceID    uuid.UUID        `bun:"instance_id,notnull,type:uuid" json:"instance_id"`
	Timestamp     time.Time        `bun:"timestamp,notnull" json:"timestamp"`
	Level         string           `bun:"level,notnull" json:"level"`
	Environment   string           `bun:"environment" json:"environment,omitempty"`
	Application   string           `bun:"application" json:"application,omitempty"`
	Service       string           `bun:"service" json:"service,omitempty"`
	Message       string           `bun:"message,notnull" json:"message"`
	SourceServer  LogSourceServer  `bun:"embed:source_" json:"source_server"`
	Request       LogRequestInfo   `bun:"embed:request_" json:"request"`
	Exception     LogExceptionInfo `bun:"embed:exception_" json:"exception"`
	TraceID       string           `bun:"trace_id" json:"trace_id,omitempty"`
	CorrelationID string           `bun:"correlation_id" json:"correlation_id,omitempty"`
	CreatedAt     *time.Time       `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

type LogSourceServer struct {
	Name string `bun:"name" json:"name,omitempty"`
	IP   string `bun:"ip" json:"ip,omitempty"`
}

type LogRequestInfo struct {
	Method     string `bun:"method" json:"method,omitempty"`
	Endpoint   string `bun:"endpoint" json:"endpoint,omitempty"`
	RequestID  string `bun:"id" json:"request_id,omitempty"`
	DurationMs *int   `bun:"duration_ms" json:"duration_ms,omitempty"`
}

type LogExceptionInfo struct {
	Type       string `bun:"type" json:"type,omitempty"`
	Message    string `bun:"message" json:"message,omitempty"`
	StackTrace string `bun:"stack_trace" json:"stack_trace,omitempty"`
}
