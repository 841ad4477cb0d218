package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Auth   AuthConfig   `yaml:"auth"`
	Store  StoreConfig  `yaml:"store"`
	Blob   BlobConfig   `yaml:"blob"`
	Minio  MinioConfig  `yaml:"minio"`
	S3     S3Config     `yaml:"s3"`
	Roles  []Role       `yaml:"roles"`
	Users  []User       `yaml:"users"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// RateLimit is the number of requests per minute allowed per client
	RateLimit int `yaml:"rate_limit"`
	// MaxUploadMB caps the size of an uploaded contract document
	MaxUploadMB int `yaml:"max_upload_mb"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

// StoreConfig selects the persistence driver: memory, postgres or sqlite
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// BlobConfig selects the document storage backend: minio, s3 or memory
type BlobConfig struct {
	Driver           string `yaml:"driver"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	DownloadAttempts int    `yaml:"download_attempts"`
	BackoffMillis    int    `yaml:"backoff_ms"`
	Prefix           string `yaml:"prefix"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type S3Config struct {
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Role is a directory role; RequiresSeal marks positions that must stamp an institutional seal
type Role struct {
	ID           string `yaml:"id"`
	Label        string `yaml:"label"`
	RequiresSeal bool   `yaml:"requires_seal"`
}

type User struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DisplayName string `yaml:"display_name"`
	Role        string `yaml:"role"`
}

// Environment variables that override file values
const (
	EnvDatabaseURL    = "SIGNFLOW_DATABASE_URL"
	EnvJWTSecret      = "SIGNFLOW_JWT_SECRET"
	EnvMinioAccessKey = "SIGNFLOW_MINIO_ACCESS_KEY"
	EnvMinioSecretKey = "SIGNFLOW_MINIO_SECRET_KEY"
)

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(EnvMinioAccessKey); v != "" {
		c.Minio.AccessKey = v
	}
	if v := os.Getenv(EnvMinioSecretKey); v != "" {
		c.Minio.SecretKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 100
	}
	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.MaxConns == 0 {
		c.Store.MaxConns = 10
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "minio"
	}
	if c.Blob.TimeoutSeconds == 0 {
		c.Blob.TimeoutSeconds = 30
	}
	if c.Blob.DownloadAttempts == 0 {
		c.Blob.DownloadAttempts = 3
	}
	if c.Blob.BackoffMillis == 0 {
		c.Blob.BackoffMillis = 500
	}
	if c.Blob.Prefix == "" {
		c.Blob.Prefix = "contracts"
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 7
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Blob.Driver {
	case "memory":
	case "minio":
		if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
			return fmt.Errorf("minio.endpoint and minio.bucket are required")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}

	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		roles[r.ID] = true
	}
	for _, u := range c.Users {
		if u.Role != "" && !roles[u.Role] {
			return fmt.Errorf("user %q references unknown role %q", u.Username, u.Role)
		}
	}
	return nil
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}

// FindRole finds a role by id
func (c *Config) FindRole(id string) *Role {
	for i := range c.Roles {
		if c.Roles[i].ID == id {
			return &c.Roles[i]
		}
	}
	return nil
}
