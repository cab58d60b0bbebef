package main

import (
	"errors"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	auth "github.com/goliatone/go-instance-auth"
	"github.com/goliatone/go-instance-auth/notifier"
)

type Config struct {
	Debug     bool   `env:"DEBUG" json:"debug"`
	Addr      string `env:"ADDR" envDefault:":8572" json:"addr"`
	Prefix    string `env:"ROUTE_PREFIX" envDefault:"/api" json:"route_prefix"`
	DSN       string `env:"DATABASE_DSN" envDefault:"file:auth.db?cache=shared&_fk=1&_pragma=foreign_keys(1)" json:"database_dsn"`
	DBTimeout string `env:"DATABASE_PING_TIMEOUT" envDefault:"5s" json:"database_ping_timeout"`
	RedisAddr string `env:"REDIS_ADDR" json:"redis_addr"`
	RedisPass string `env:"REDIS_PASSWORD" json:"-"`
	RedisDB   int    `env:"REDIS_DB" json:"redis_db"`

	Auth auth.AuthConfig     `envPrefix:"AUTH_" json:"auth"`
	SMTP notifier.SMTPConfig `envPrefix:"SMTP_" json:"smtp"`
}

// LoadConfig reads an optional .env file and then the environment
func LoadConfig(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}

	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Persistence adapts the database settings to the persistence client
func (c *Config) Persistence() PersistenceConfig {
	return PersistenceConfig{
		Debug:                 c.Debug,
		Driver:                "sqlite",
		Server:                c.DSN,
		PingTimeoutExpression: c.DBTimeout,
	}
}

type PersistenceConfig struct {
	Debug                 bool
	Driver                string
	Server                string
	PingTimeoutExpression string
}

func (p PersistenceConfig) GetDebug() bool {
	return p.Debug
}

func (p PersistenceConfig) GetDriver() string {
	return p.Driver
}

func (p PersistenceConfig) GetServer() string {
	return p.Server
}

func (p PersistenceConfig) GetPingTimeout() time.Duration {
	dur, err := time.ParseDuration(p.PingTimeoutExpression)
	if err != nil || dur <= 0 {
		return 5 * time.Second
	}
	return dur
}

func (p PersistenceConfig) GetOtelIdentifier() string {
	return "instance-auth"
}
