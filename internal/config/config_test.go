package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shuttle/internal/config"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	cfg := config.Load(lookupFrom(map[string]string{
		config.EnvAccessKey:      "  AKIAEXAMPLEKEY12  ",
		config.EnvSecretKey:      "secret\n",
		config.EnvRegion:         "eu-central-2",
		config.EnvEndpoint:       "https://s3.eu-central-2.wasabisys.com",
		config.EnvBucket:         "\tmy-bucket ",
		config.EnvListen:         "0.0.0.0:8080",
		config.EnvDriver:         "AWS",
		config.EnvStoreTimeout:   "5s",
		config.EnvMaxUploadBytes: "2048",
		config.EnvLogLevel:       "DEBUG",
		config.EnvPresignExpiry:  "15m",
	}))

	require.Equal(t, "AKIAEXAMPLEKEY12", cfg.AccessKey, "access key")
	require.Equal(t, "secret", cfg.SecretKey, "secret key")
	require.Equal(t, "my-bucket", cfg.Bucket, "bucket")
	require.Equal(t, "0.0.0.0:8080", cfg.Listen, "listen")
	require.Equal(t, config.DriverAWS, cfg.Driver, "driver")
	require.Equal(t, 5*time.Second, cfg.StoreTimeout, "store timeout")
	require.Equal(t, int64(2048), cfg.MaxUploadBytes, "max upload bytes")
	require.Equal(t, "debug", cfg.LogLevel, "log level")
	require.Equal(t, 15*time.Minute, cfg.PresignExpiry, "presign expiry")
	require.True(t, cfg.Complete(), "config complete")
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.Load(lookupFrom(map[string]string{
		config.EnvDriver:         "ftp",
		config.EnvStoreTimeout:   "soon",
		config.EnvMaxUploadBytes: "-1",
		config.EnvPresignExpiry:  "48h",
	}))

	require.Equal(t, config.DefaultListen, cfg.Listen, "listen")
	require.Equal(t, config.DefaultDriver, cfg.Driver, "driver")
	require.Equal(t, config.DefaultStoreTimeout, cfg.StoreTimeout, "store timeout")
	require.Equal(t, int64(config.DefaultMaxUploadBytes), cfg.MaxUploadBytes, "max upload bytes")
	require.Equal(t, config.DefaultLogLevel, cfg.LogLevel, "log level")
	require.Equal(t, config.MaxPresignExpiry, cfg.PresignExpiry, "presign expiry")
}

func TestMissing(t *testing.T) {
	t.Parallel()

	cfg := config.Load(lookupFrom(map[string]string{
		config.EnvAccessKey: "AKIAEXAMPLEKEY12",
		config.EnvSecretKey: "   ",
		config.EnvEndpoint:  "s3.wasabisys.com",
	}))

	require.Equal(t, []string{config.EnvSecretKey, config.EnvRegion, config.EnvBucket}, cfg.Missing(), "missing")
	require.False(t, cfg.Complete(), "config complete")
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		endpoint string
		scheme   string
		host     string
	}{
		{endpoint: "s3.wasabisys.com", scheme: "https", host: "s3.wasabisys.com"},
		{endpoint: "https://s3.eu-central-2.wasabisys.com", scheme: "https", host: "s3.eu-central-2.wasabisys.com"},
		{endpoint: "http://127.0.0.1:9000", scheme: "http", host: "127.0.0.1:9000"},
	}

	for _, tc := range tests {
		cfg := config.NewConfig(config.WithEndpoint(tc.endpoint))
		u, err := cfg.EndpointURL()
		require.NoError(t, err, "EndpointURL(%q)", tc.endpoint)
		require.Equal(t, tc.scheme, u.Scheme, "scheme for %q", tc.endpoint)
		require.Equal(t, tc.host, u.Host, "host for %q", tc.endpoint)
		require.Equal(t, tc.host, cfg.EndpointHost(), "EndpointHost for %q", tc.endpoint)
	}

	_, err := config.NewConfig(config.WithEndpoint("http://")).EndpointURL()
	require.Error(t, err, "expected error for endpoint without host")
}

func TestMaskKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "AKIA..KEY1", config.MaskKey("AKIAEXAMPLEKEY1"), "long key")
	require.Equal(t, "short", config.MaskKey("short"), "short key")
	require.Equal(t, "", config.MaskKey(""), "empty key")
}

func TestLogValueHidesSecrets(t *testing.T) {
	t.Parallel()

	cfg := config.NewConfig(config.WithCredentials("AKIAEXAMPLEKEY12", "super-secret-value"))

	var sb strings.Builder
	logger := slog.New(slog.NewTextHandler(&sb, nil))
	logger.Info("config", "config", cfg)

	out := sb.String()
	require.NotContains(t, out, "super-secret-value", "secret leaked")
	require.NotContains(t, out, "AKIAEXAMPLEKEY12", "access key leaked")
	require.Contains(t, out, "AKIA..EY12", "masked key")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SHUTTLE_TEST_DOTENV_BUCKET=from-file\nSHUTTLE_TEST_DOTENV_KEEP=from-file\n"), 0o600), "write env file")

	t.Setenv("SHUTTLE_TEST_DOTENV_KEEP", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("SHUTTLE_TEST_DOTENV_BUCKET") })

	config.LoadDotEnv(filepath.Join(dir, "does-not-exist.env"), path)

	require.Equal(t, "from-file", os.Getenv("SHUTTLE_TEST_DOTENV_BUCKET"), "value from file")
	require.Equal(t, "from-env", os.Getenv("SHUTTLE_TEST_DOTENV_KEEP"), "existing value kept")
}

func TestScrubAmbientAWS(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "ambient")
	t.Setenv("AWS_PROFILE", "default")

	config.ScrubAmbientAWS()

	_, ok := os.LookupEnv("AWS_ACCESS_KEY_ID")
	require.False(t, ok, "AWS_ACCESS_KEY_ID should be unset")
	_, ok = os.LookupEnv("AWS_PROFILE")
	require.False(t, ok, "AWS_PROFILE should be unset")
}
