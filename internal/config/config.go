// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/damacus/drive-index/internal/utils"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendDrive = "drive"
	BackendS3    = "s3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Store
	Backend string
	RootID  string

	// Google Drive
	DriveCredentialsFile string
	DriveCredentialsJSON string

	// S3 / MinIO
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    *bool // nil: decide from the endpoint

	// Index
	SecretKey      string
	PasswordName   string
	ReadmeName     string
	BannerName     string
	HiddenPrefixes []string

	// Tokens and streaming
	TokenTTL           time.Duration
	StreamChunkSize    int64
	DownloadSizeLimit  int64
	StreamMaxSize      int64
	StreamChunkTimeout time.Duration

	// Cache and fan-out
	CacheTTL           time.Duration
	ResolveConcurrency int
}

// Load reads envFile (if it exists) into the environment, then reads
// configuration with defaults. Every invalid value is reported.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	p := &parser{}
	cfg := &Config{
		ListenAddr:           envOr("LISTEN_ADDR", ":8080"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFormat:            envOr("LOG_FORMAT", "json"),
		Backend:              strings.ToLower(envOr("STORE_BACKEND", BackendDrive)),
		RootID:               envOr("ROOT_ID", "root"),
		DriveCredentialsFile: envOr("DRIVE_CREDENTIALS_FILE", ""),
		DriveCredentialsJSON: envOr("DRIVE_CREDENTIALS_JSON", ""),
		S3Endpoint:           envOr("S3_ENDPOINT", ""),
		S3AccessKey:          envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:          envOr("S3_SECRET_KEY", ""),
		S3Bucket:             envOr("S3_BUCKET", ""),
		S3UseSSL:             p.optionalBool("S3_USE_SSL"),
		SecretKey:            envOr("INDEX_SECRET_KEY", ""),
		PasswordName:         envOr("PASSWORD_FILENAME", ".password"),
		ReadmeName:           envOr("README_FILENAME", "README.md"),
		BannerName:           envOr("BANNER_FILENAME", "banner.png"),
		HiddenPrefixes:       splitList(envOr("HIDDEN_PREFIXES", ".,_")),
		TokenTTL:             p.duration("TOKEN_TTL", 6*time.Hour),
		StreamChunkSize:      p.size("STREAM_CHUNK_SIZE", "5MiB"),
		DownloadSizeLimit:    p.size("DOWNLOAD_SIZE_LIMIT", "100MiB"),
		StreamMaxSize:        p.size("STREAM_MAX_SIZE", "0"),
		StreamChunkTimeout:   p.duration("STREAM_CHUNK_TIMEOUT", 60*time.Second),
		CacheTTL:             p.duration("CACHE_TTL", 60*time.Second),
		ResolveConcurrency:   p.integer("RESOLVE_CONCURRENCY", 8),
	}

	cfg.validate(p)
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DriveCredentials returns the service account key, reading the file if
// one is configured.
func (c *Config) DriveCredentials() ([]byte, error) {
	if c.DriveCredentialsJSON != "" {
		return []byte(c.DriveCredentialsJSON), nil
	}
	data, err := os.ReadFile(c.DriveCredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading drive credentials: %w", err)
	}
	return data, nil
}

func (c *Config) validate(p *parser) {
	switch c.Backend {
	case BackendDrive:
		if c.DriveCredentialsFile == "" && c.DriveCredentialsJSON == "" {
			p.fail("drive backend needs DRIVE_CREDENTIALS_FILE or DRIVE_CREDENTIALS_JSON")
		}
	case BackendS3:
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			p.fail("s3 backend needs S3_ENDPOINT and S3_BUCKET")
		}
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			p.fail("s3 backend needs S3_ACCESS_KEY and S3_SECRET_KEY")
		}
	default:
		p.fail(fmt.Sprintf("unknown STORE_BACKEND %q (want drive or s3)", c.Backend))
	}

	if c.StreamChunkSize <= 0 {
		p.fail("STREAM_CHUNK_SIZE must be positive")
	}
	if c.TokenTTL <= 0 {
		p.fail("TOKEN_TTL must be positive")
	}
	if c.StreamChunkTimeout <= 0 {
		p.fail("STREAM_CHUNK_TIMEOUT must be positive")
	}
	if c.ResolveConcurrency <= 0 {
		p.fail("RESOLVE_CONCURRENCY must be positive")
	}
	if c.PasswordName == "" {
		p.fail("PASSWORD_FILENAME must not be empty")
	}
}

// parser collects every invalid variable instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) fail(msg string) {
	p.errs = append(p.errs, errors.New(msg))
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) size(key, fallback string) int64 {
	v := envOr(key, fallback)
	n, err := utils.ParseSize(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return n
}

func (p *parser) integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) optionalBool(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return nil
	}
	return &b
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
