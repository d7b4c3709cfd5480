package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Flags holds the raw command line values before validation.
type Flags struct {
	ServerAddr        string
	SigningKey        string
	AllowedOrigins    []string
	UploadDir         string
	MaxUploadSize     int64
	AdminPasswordHash string
	RequireIdentity   bool
	RecentLimit       int
	TypingTimeout     time.Duration
	EvictionDelay     time.Duration
	RateLimit         float64
	RateBurst         int
	MaxMessageSize    int64
	ShutdownTimeout   time.Duration
}

type Config struct {
	ServerAddr        string
	SigningKey        []byte
	AllowedOrigins    []string
	UploadDir         string
	MaxUploadSize     int64
	AdminPasswordHash []byte
	RequireIdentity   bool
	RecentLimit       int
	TypingTimeout     time.Duration
	EvictionDelay     time.Duration
	RateLimit         float64
	RateBurst         int
	MaxMessageSize    int64
	ShutdownTimeout   time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret is empty")
	}
	return key, nil
}

func validateOrigins(origins []string) error {
	for _, o := range origins {
		if o == "*" {
			continue
		}
		u, err := url.Parse(o)
		if err != nil {
			return fmt.Errorf("origin %q: %w", o, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("origin %q must be an http(s) scheme and host", o)
		}
	}
	return nil
}

func NewConfig(f Flags) (*Config, error) {
	if f.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if f.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if f.UploadDir == "" {
		return nil, fmt.Errorf("upload directory cannot be empty")
	}
	if f.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("max upload size must be positive")
	}
	if f.RecentLimit <= 0 {
		return nil, fmt.Errorf("recent message limit must be positive")
	}
	if f.TypingTimeout <= 0 || f.EvictionDelay <= 0 || f.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("timeouts must be positive")
	}
	if f.RateLimit <= 0 || f.RateBurst < 1 {
		return nil, fmt.Errorf("rate limit and burst must be positive")
	}
	if f.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("max message size must be positive")
	}

	signingKey, err := decodeSigningSecret(f.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if err := validateOrigins(f.AllowedOrigins); err != nil {
		return nil, fmt.Errorf("allowed origins: %w", err)
	}

	var adminHash []byte
	if f.AdminPasswordHash != "" {
		adminHash = []byte(f.AdminPasswordHash)
		if _, err := bcrypt.Cost(adminHash); err != nil {
			return nil, fmt.Errorf("admin password hash: %w", err)
		}
	}

	return &Config{
		ServerAddr:        f.ServerAddr,
		SigningKey:        signingKey,
		AllowedOrigins:    f.AllowedOrigins,
		UploadDir:         f.UploadDir,
		MaxUploadSize:     f.MaxUploadSize,
		AdminPasswordHash: adminHash,
		RequireIdentity:   f.RequireIdentity,
		RecentLimit:       f.RecentLimit,
		TypingTimeout:     f.TypingTimeout,
		EvictionDelay:     f.EvictionDelay,
		RateLimit:         f.RateLimit,
		RateBurst:         f.RateBurst,
		MaxMessageSize:    f.MaxMessageSize,
		ShutdownTimeout:   f.ShutdownTimeout,
	}, nil
}
