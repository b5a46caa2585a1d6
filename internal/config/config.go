// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Identity provider kinds.
const (
	IdentityFirebase = "firebase"
	IdentityLocal    = "local"
)

// Gateway backend kinds.
const (
	GatewayIPFS = "ipfs"
	GatewayS3   = "s3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	// WebappDir serves static assets from disk instead of the embedded copy
	WebappDir string

	// Logging
	LogLevel  string
	LogFormat string

	// Browser sessions
	SessionSecret      string
	SessionIdleTimeout time.Duration
	SecureCookies      bool

	// Identity provider ("firebase" or "local")
	IdentityProvider string
	IdentityTimeout  time.Duration
	Firebase         FirebaseConfig

	// Local identity provider
	DatabaseURL      string
	LocalTokenSecret string
	PublicBaseURL    string
	SMTPAddr         string
	SMTPUsername     string
	SMTPPassword     string
	SMTPFrom         string

	// Storage gateway ("ipfs" or "s3")
	GatewayBackend    string
	GatewayTimeout    time.Duration
	IPFSAPIURL        string
	IPFSProjectID     string
	IPFSProjectSecret string
	S3Endpoint        string
	S3Bucket          string
	S3AccessKey       string
	S3SecretKey       string
	S3Region          string

	// Result links
	PublicGatewayHost string

	// Uploads (0 = unlimited)
	MaxUploadSize int64

	// Sign-in/sign-up requests per client IP per minute (0 = unlimited)
	AuthRequestsPerMin int
}

// FirebaseConfig holds the identity project credentials.
type FirebaseConfig struct {
	APIKey            string
	AuthDomain        string
	ProjectID         string
	StorageBucket     string
	MessagingSenderID string
	AppID             string
}

// Load reads configuration from environment variables with defaults.
// A .env file in the working directory is read first if present; variables
// already set in the environment take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		WebappDir:          envOr("WEBAPP_DIR", ""),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		SessionSecret:      envOr("SESSION_SECRET", ""),
		SessionIdleTimeout: envDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SecureCookies:      envBool("SECURE_COOKIES", false),
		IdentityProvider:   envOr("IDENTITY_PROVIDER", IdentityFirebase),
		IdentityTimeout:    envDuration("IDENTITY_TIMEOUT", 15*time.Second),
		Firebase: FirebaseConfig{
			APIKey:            envOr("FIREBASE_API", ""),
			AuthDomain:        envOr("FIREBASE_AUTH_DOMAIN", ""),
			ProjectID:         envOr("FIREBASE_PROJECT_ID", ""),
			StorageBucket:     envOr("FIREBASE_STORAGE_BUCKET", ""),
			MessagingSenderID: envOr("FIREBASE_MSG_SENDER_ID", ""),
			AppID:             envOr("FIREBASE_APP_ID", ""),
		},
		DatabaseURL:        envOr("DATABASE_URL", ""),
		LocalTokenSecret:   envOr("LOCAL_TOKEN_SECRET", ""),
		PublicBaseURL:      envOr("PUBLIC_BASE_URL", "http://localhost:8080"),
		SMTPAddr:           envOr("SMTP_ADDR", ""),
		SMTPUsername:       envOr("SMTP_USERNAME", ""),
		SMTPPassword:       envOr("SMTP_PASSWORD", ""),
		SMTPFrom:           envOr("SMTP_FROM", "no-reply@pinshare.local"),
		GatewayBackend:     envOr("GATEWAY_BACKEND", GatewayIPFS),
		GatewayTimeout:     envDuration("GATEWAY_TIMEOUT", 0),
		IPFSAPIURL:         envOr("IPFS_API_URL", "https://ipfs.infura.io:5001"),
		IPFSProjectID:      envOr("IPFS_PROJECT_ID", ""),
		IPFSProjectSecret:  envOr("IPFS_PROJECT_SECRET", ""),
		S3Endpoint:         envOr("S3_ENDPOINT", "https://s3.filebase.com"),
		S3Bucket:           envOr("S3_BUCKET", ""),
		S3AccessKey:        envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:        envOr("S3_SECRET_KEY", ""),
		S3Region:           envOr("S3_REGION", "us-east-1"),
		PublicGatewayHost:  envOr("PUBLIC_GATEWAY_HOST", "cloudflare-ipfs.com"),
		MaxUploadSize:      envInt64("MAX_UPLOAD_SIZE", 0),
		AuthRequestsPerMin: envInt("AUTH_REQUESTS_PER_MINUTE", 30),
	}

	if cfg.LocalTokenSecret == "" {
		cfg.LocalTokenSecret = cfg.SessionSecret
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}

	switch c.IdentityProvider {
	case IdentityFirebase:
		if c.Firebase.APIKey == "" {
			return fmt.Errorf("FIREBASE_API is required for the firebase identity provider")
		}
		if c.Firebase.ProjectID == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required for the firebase identity provider")
		}
	case IdentityLocal:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the local identity provider")
		}
	default:
		return fmt.Errorf("unknown IDENTITY_PROVIDER %q", c.IdentityProvider)
	}

	switch c.GatewayBackend {
	case GatewayIPFS:
		if c.IPFSAPIURL == "" {
			return fmt.Errorf("IPFS_API_URL is required for the ipfs gateway")
		}
	case GatewayS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 gateway")
		}
	default:
		return fmt.Errorf("unknown GATEWAY_BACKEND %q", c.GatewayBackend)
	}

	if c.PublicGatewayHost == "" {
		return fmt.Errorf("PUBLIC_GATEWAY_HOST must not be empty")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
