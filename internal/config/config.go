package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"transit_fetcher/internal/domain"
)

const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

type Config struct {
	Source   SourceConfig   `yaml:"source"`
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Schedule ScheduleConfig `yaml:"schedule"`
	LogLevel string         `yaml:"log_level" validate:"oneof=debug info warn error"`
}

type SourceConfig struct {
	Name        string             `yaml:"name" validate:"required"`
	Timezone    string             `yaml:"timezone" validate:"required"`
	Lines       []string           `yaml:"lines" validate:"dive,required,alphanum"`
	Stops       []string           `yaml:"stops" validate:"dive,required,alphanum"`
	Credentials domain.Credentials `yaml:"credentials"`
}

// Location resolves the source timezone.
func (s SourceConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

type APIConfig struct {
	BaseURL     string        `yaml:"base_url" validate:"required,url"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxInFlight int           `yaml:"max_in_flight" validate:"gt=0"`
	RateLimit   float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst       int           `yaml:"burst" validate:"gte=0"`
	Retry       RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"gt=0"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type StorageConfig struct {
	Default string `yaml:"default" validate:"oneof=local minio"`
	// LenientExists treats a failed existence check as "not present" instead
	// of aborting the run.
	LenientExists bool        `yaml:"lenient_exists"`
	Local         LocalConfig `yaml:"local"`
	Minio         MinioConfig `yaml:"minio"`
}

type LocalConfig struct {
	Path string `yaml:"path"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// Enabled reports whether the run ledger is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

// Enabled reports whether capture events should be published.
func (r RabbitMQConfig) Enabled() bool {
	return r.URL != ""
}

type ScheduleConfig struct {
	// Interval of zero runs the extraction once and exits.
	Interval   time.Duration `yaml:"interval" validate:"gte=0"`
	RunTimeout time.Duration `yaml:"run_timeout" validate:"gt=0"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse expands environment variables in data, applies defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}

	creds, err := c.Source.Credentials.Normalize()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}
	c.Source.Credentials = creds

	if _, err := c.Source.Location(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}

	// ETA keys have minute resolution; faster schedules would reuse them.
	if c.Schedule.Interval != 0 && c.Schedule.Interval < time.Minute {
		return fmt.Errorf("%w: schedule.interval must be 0 or at least 1m, got %s", domain.ErrInvalidConfig, c.Schedule.Interval)
	}

	switch c.Storage.Default {
	case StorageLocal:
		if c.Storage.Local.Path == "" {
			return fmt.Errorf("%w: storage.local.path is required", domain.ErrInvalidConfig)
		}
	case StorageMinio:
		m := c.Storage.Minio
		if m.Endpoint == "" || m.Bucket == "" || m.AccessKey == "" || m.SecretKey == "" {
			return fmt.Errorf("%w: storage.minio needs endpoint, bucket, access_key and secret_key", domain.ErrInvalidConfig)
		}
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.Source.Name == "" {
		c.Source.Name = "emt"
	}
	if c.Source.Timezone == "" {
		c.Source.Timezone = "Europe/Madrid"
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "https://openapi.emtmadrid.es"
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.MaxInFlight == 0 {
		c.API.MaxInFlight = 200
	}
	if c.API.Retry.MaxAttempts == 0 {
		c.API.Retry.MaxAttempts = 3
	}
	if c.API.Retry.InitialBackoff == 0 {
		c.API.Retry.InitialBackoff = 1 * time.Second
	}
	if c.API.Retry.MaxBackoff == 0 {
		c.API.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Storage.Default == "" {
		c.Storage.Default = StorageLocal
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "transit_fetcher"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "captures"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "raw_captures"
	}
	if c.Schedule.RunTimeout == 0 {
		c.Schedule.RunTimeout = 5 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
