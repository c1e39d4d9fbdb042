package config

import (
	"errors"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvAccessKey = "WASABI_ACCESS_KEY"
	EnvSecretKey = "WASABI_SECRET_KEY"
	EnvRegion    = "WASABI_REGION"
	EnvEndpoint  = "WASABI_ENDPOINT"
	EnvBucket    = "WASABI_BUCKET"

	EnvListen         = "SHUTTLE_LISTEN"
	EnvDriver         = "SHUTTLE_DRIVER"
	EnvStoreTimeout   = "SHUTTLE_STORE_TIMEOUT"
	EnvMaxUploadBytes = "SHUTTLE_MAX_UPLOAD_BYTES"
	EnvLogLevel       = "SHUTTLE_LOG_LEVEL"
	EnvPresignExpiry  = "SHUTTLE_PRESIGN_EXPIRY"
)

const (
	DriverMinio = "minio"
	DriverAWS   = "aws"

	DefaultListen         = "127.0.0.1:5050"
	DefaultDriver         = DriverMinio
	DefaultStoreTimeout   = 30 * time.Second
	DefaultMaxUploadBytes = 100 << 20
	DefaultLogLevel       = "info"

	// MaxPresignExpiry is also the default lifetime of a download link.
	MaxPresignExpiry = time.Hour
)

var errEmptyHost = errors.New("endpoint has no host")

type Config struct {
	AccessKey string
	SecretKey string
	Region    string
	Endpoint  string
	Bucket    string

	Listen         string
	Driver         string
	StoreTimeout   time.Duration
	MaxUploadBytes int64
	LogLevel       string
	PresignExpiry  time.Duration
}

type ConfigOption func(*Config)

func WithCredentials(accessKey, secretKey string) ConfigOption {
	return func(cfg *Config) {
		cfg.AccessKey = accessKey
		cfg.SecretKey = secretKey
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithEndpoint(endpoint string) ConfigOption {
	return func(cfg *Config) {
		cfg.Endpoint = endpoint
	}
}

func WithBucket(bucket string) ConfigOption {
	return func(cfg *Config) {
		cfg.Bucket = bucket
	}
}

func WithDriver(driver string) ConfigOption {
	return func(cfg *Config) {
		cfg.Driver = driver
	}
}

func WithStoreTimeout(timeout time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.StoreTimeout = timeout
	}
}

func WithMaxUploadBytes(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxUploadBytes = n
	}
}

func WithPresignExpiry(expiry time.Duration) ConfigOption {
	return func(cfg *Config) {
		cfg.PresignExpiry = expiry
	}
}

// NewConfig returns a Config populated with defaults and then adjusted by
// opts.
func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		Listen:         DefaultListen,
		Driver:         DefaultDriver,
		StoreTimeout:   DefaultStoreTimeout,
		MaxUploadBytes: DefaultMaxUploadBytes,
		LogLevel:       DefaultLogLevel,
		PresignExpiry:  MaxPresignExpiry,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// LoadDotEnv merges the given .env files into the process environment.
// Variables that are already set are left untouched. Missing files are
// ignored.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			slog.Warn("Failed to load env file", "file", f, "err", err)
		}
	}
}

// Load builds a Config from lookup, typically os.LookupEnv. Every value is
// trimmed and an empty value is treated as absent. Malformed optional values
// fall back to their defaults.
func Load(lookup func(string) (string, bool)) Config {
	get := func(name string) string {
		v, ok := lookup(name)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	cfg := NewConfig(
		WithCredentials(get(EnvAccessKey), get(EnvSecretKey)),
		WithRegion(get(EnvRegion)),
		WithEndpoint(get(EnvEndpoint)),
		WithBucket(get(EnvBucket)),
	)

	if v := get(EnvListen); v != "" {
		cfg.Listen = v
	}

	switch v := strings.ToLower(get(EnvDriver)); v {
	case "":
	case DriverMinio, DriverAWS:
		cfg.Driver = v
	default:
		slog.Warn("Unknown storage driver, using default", "driver", v, "default", DefaultDriver)
	}

	if v := get(EnvStoreTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			slog.Warn("Invalid store timeout, using default", "value", v, "default", DefaultStoreTimeout)
		} else {
			cfg.StoreTimeout = d
		}
	}

	if v := get(EnvMaxUploadBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			slog.Warn("Invalid max upload size, using default", "value", v, "default", DefaultMaxUploadBytes)
		} else {
			cfg.MaxUploadBytes = n
		}
	}

	if v := get(EnvLogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if v := get(EnvPresignExpiry); v != "" {
		d, err := time.ParseDuration(v)
		switch {
		case err != nil || d <= 0:
			slog.Warn("Invalid presign expiry, using default", "value", v, "default", MaxPresignExpiry)
		case d > MaxPresignExpiry:
			slog.Warn("Presign expiry capped", "value", d, "max", MaxPresignExpiry)
		default:
			cfg.PresignExpiry = d
		}
	}

	return cfg
}

// Missing returns the names of the required environment variables that have
// no value, in a stable order.
func (c Config) Missing() []string {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{EnvAccessKey, c.AccessKey},
		{EnvSecretKey, c.SecretKey},
		{EnvRegion, c.Region},
		{EnvEndpoint, c.Endpoint},
		{EnvBucket, c.Bucket},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Complete reports whether every required value is present.
func (c Config) Complete() bool {
	return len(c.Missing()) == 0
}

// EndpointURL parses Endpoint. A bare host such as "s3.wasabisys.com" is
// treated as https.
func (c Config) EndpointURL() (*url.URL, error) {
	raw := c.Endpoint
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, &url.Error{Op: "parse", URL: c.Endpoint, Err: errEmptyHost}
	}
	return u, nil
}

// EndpointHost returns the host[:port] part of Endpoint, or the raw value if it
// cannot be parsed.
func (c Config) EndpointHost() string {
	u, err := c.EndpointURL()
	if err != nil {
		return c.Endpoint
	}
	return u.Host
}

// MaskKey hides all but the first and last four characters of k.
func MaskKey(k string) string {
	if len(k) > 8 {
		return k[:4] + ".." + k[len(k)-4:]
	}
	return k
}

// LogValue implements slog.LogValuer so that secrets never reach the logs.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("endpoint", c.EndpointHost()),
		slog.String("region", c.Region),
		slog.String("bucket", c.Bucket),
		slog.String("access_key", MaskKey(c.AccessKey)),
		slog.Int("access_key_len", len(c.AccessKey)),
		slog.Int("secret_len", len(c.SecretKey)),
		slog.String("driver", c.Driver),
		slog.Duration("store_timeout", c.StoreTimeout),
	)
}

var ambientAWS = []string{
	"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
	"AWS_PROFILE", "AWS_DEFAULT_REGION", "AWS_REGION",
	"AWS_SHARED_CREDENTIALS_FILE", "AWS_CONFIG_FILE",
}

// ScrubAmbientAWS removes AWS SDK environment variables from the process so
// that only the WASABI_* values configure the store client.
func ScrubAmbientAWS() {
	for _, k := range ambientAWS {
		_ = os.Unsetenv(k)
	}
}
