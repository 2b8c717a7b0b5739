package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type Logging struct {
	Env       string `yaml:"env"`     // dev|stage|prod
	Service   string `yaml:"service"` // signal-service
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend"` // std|zap
	AddSource bool   `yaml:"addSource"`
	Debug     bool   `yaml:"debug"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Rooms struct {
	TTL            time.Duration `yaml:"ttl"`            // fixed horizon from creation, never extended
	ReaperInterval time.Duration `yaml:"reaperInterval"` // expiry sweep period
}

type Admission struct {
	Threshold   int           `yaml:"threshold"`   // failed attempts before lockout
	BaseBackoff time.Duration `yaml:"baseBackoff"` // first lockout window
	MaxBackoff  time.Duration `yaml:"maxBackoff"`  // backoff cap
}

type Relay struct {
	PendingTTL time.Duration `yaml:"pendingTTL"` // buffered message lifetime
}

type TURN struct {
	URLs          []string      `yaml:"urls"`
	CredentialTTL time.Duration `yaml:"credentialTTL"`
	Bucket        time.Duration `yaml:"bucket"` // issue window; same bucket -> same credentials
}

type Admin struct {
	JWTSecret  string        `yaml:"jwtSecret"`
	TokenTTL   time.Duration `yaml:"tokenTTL"`
	TOTPIssuer string        `yaml:"totpIssuer"`

	// Bootstrap seeds a provisioned account (force_password_change=true)
	// when the principal is missing.
	BootstrapUsername string `yaml:"bootstrapUsername"`
	BootstrapPassword string `yaml:"bootstrapPassword"`
}

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	Logging   Logging   `yaml:"logging"`
	Postgres  Postgres  `yaml:"postgres"`
	Rooms     Rooms     `yaml:"rooms"`
	Admission Admission `yaml:"admission"`
	Relay     Relay     `yaml:"relay"`
	TURN      TURN      `yaml:"turn"`
	Admin     Admin     `yaml:"admin"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.Admin.JWTSecret == "" {
		return errors.New("admin.jwtSecret is required")
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "signal-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Rooms.TTL == 0 {
		c.Rooms.TTL = 24 * time.Hour
	}
	if c.Rooms.ReaperInterval == 0 {
		c.Rooms.ReaperInterval = time.Minute
	}
	if c.Admission.Threshold == 0 {
		c.Admission.Threshold = 5
	}
	if c.Admission.BaseBackoff == 0 {
		c.Admission.BaseBackoff = 30 * time.Second
	}
	if c.Admission.MaxBackoff == 0 {
		c.Admission.MaxBackoff = 15 * time.Minute
	}
	if c.Relay.PendingTTL == 0 {
		c.Relay.PendingTTL = 30 * time.Second
	}
	if c.TURN.CredentialTTL == 0 {
		c.TURN.CredentialTTL = time.Hour
	}
	if c.TURN.Bucket == 0 {
		c.TURN.Bucket = 10 * time.Minute
	}
	if c.Admin.TokenTTL == 0 {
		c.Admin.TokenTTL = 30 * time.Minute
	}
	if c.Admin.TOTPIssuer == "" {
		c.Admin.TOTPIssuer = "signal-service"
	}
	return nil
}
