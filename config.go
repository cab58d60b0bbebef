package auth

import "time"

const (
	defaultAccessTokenMinutes = 15
	defaultRefreshTokenDays   = 7
	defaultOtpTTL             = 10 * time.Minute
)

// AuthConfig is the default Config implementation. Fields carry env
// tags so a process can load it straight from the environment.
type AuthConfig struct {
	SigningKey          string            `env:"SIGNING_KEY,required" json:"-"`
	SigningKeyID        string            `env:"SIGNING_KEY_ID" envDefault:"primary" json:"signing_key_id"`
	PreviousSigningKeys map[string]string `env:"PREVIOUS_SIGNING_KEYS" json:"-"`
	Issuer              string            `env:"ISSUER" envDefault:"instance-auth" json:"issuer"`
	Audience            []string          `env:"AUDIENCE" envSeparator:"," json:"audience"`
	AccessTokenMinutes  int               `env:"ACCESS_TOKEN_MINUTES" envDefault:"15" json:"access_token_minutes"`
	RefreshTokenDays    int               `env:"REFRESH_TOKEN_DAYS" envDefault:"7" json:"refresh_token_days"`
	OtpTTL              time.Duration     `env:"OTP_TTL" envDefault:"10m" json:"otp_ttl"`
}

var _ Config = AuthConfig{}

func (c AuthConfig) GetSigningKey() string {
	return c.SigningKey
}

func (c AuthConfig) GetSigningKeyID() string {
	if c.SigningKeyID == "" {
		return "primary"
	}
	return c.SigningKeyID
}

func (c AuthConfig) GetPreviousSigningKeys() map[string]string {
	return c.PreviousSigningKeys
}

func (c AuthConfig) GetIssuer() string {
	return c.Issuer
}

func (c AuthConfig) GetAudience() []string {
	return c.Audience
}

func (c AuthConfig) GetAccessTokenMinutes() int {
	if c.AccessTokenMinutes <= 0 {
		return defaultAccessTokenMinutes
	}
	return c.AccessTokenMinutes
}

func (c AuthConfig) GetRefreshTokenDays() int {
	if c.RefreshTokenDays <= 0 {
		return defaultRefreshTokenDays
	}
	return c.RefreshTokenDays
}

func (c AuthConfig) GetOtpTTL() time.Duration {
	if c.OtpTTL <= 0 {
		return defaultOtpTTL
	}
	return c.OtpTTL
}
