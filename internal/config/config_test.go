package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"META_DB_PATH", "LISTEN_ADDR", "TLS_CERT_FILE", "TLS_KEY_FILE", "LOG_LEVEL", "ENV",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ALLOWED_ORIGINS", "ALLOW_INSECURE_HTTP",
	"AUTH_ISSUER_URL", "AUTH_JWKS_URL", "JWT_SECRET", "AUTH_AUDIENCE", "AUTH_NAME_CLAIM",
	"AUTH_ALLOWED_ISSUERS", "AUTH_JWKS_CACHE_TTL",
	"AZURE_TENANT_ID", "AZURE_CLIENT_ID", "AZURE_CLIENT_SECRET", "AZURE_SUBSCRIPTION_ID",
	"AZURE_AUTHORITY_URL", "GRAPH_BASE_URL", "GRAPH_AUDIT_BASE_URL", "ARM_BASE_URL",
	"GRAPH_APP_RESOURCE_ID", "TENANT_DOMAIN", "IMPORT_INITIAL_PASSWORD",
	"SYNC_SCHEDULER_ENABLED", "SYNC_AUDIT_INTERVAL", "SYNC_SIGNIN_INTERVAL", "SYNC_ACTIVITY_INTERVAL",
	"SYNC_DIRECTORY_INTERVAL", "SYNC_MAX_RETRIES", "SYNC_RETRY_BASE_DELAY", "SYNC_REQUESTS_PER_SECOND",
	"ACTIVITY_LOOKBACK", "ACTIVITY_WINDOW", "SIGNIN_LOOKBACK",
	"GRAPH_BACKEND", "NEO4J_URI", "NEO4J_USERNAME", "NEO4J_PASSWORD", "NEO4J_DATABASE",
	"SENSITIVE_RESOURCES", "OFFHOURS_TZ", "OFFHOURS_START", "OFFHOURS_END",
	"GRANT_SUPERSEDE_POLICY", "GRANT_MAX_DURATION", "GRANT_TZ", "GRANT_RECONCILE_INTERVAL",
	"ARCHIVE_BACKEND", "ARCHIVE_PREFIX", "ARCHIVE_DIR", "KEY_ID", "SECRET", "ENDPOINT", "REGION", "BUCKET",
	"AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_KEY", "AZURE_STORAGE_CONTAINER", "AZURE_STORAGE_SERVICE_URL",
	"GCS_BUCKET", "GCS_KEY_FILE", "GCS_ENDPOINT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "idgov.sqlite", cfg.MetaDBPath)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, devJWTSecret, cfg.Auth.JWTSecret)
	assert.Equal(t, "email", cfg.Auth.NameClaim)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)

	assert.True(t, cfg.Sync.SchedulerEnabled)
	assert.Equal(t, 15*time.Minute, cfg.Sync.AuditInterval)
	assert.Equal(t, 6*time.Hour, cfg.Sync.ActivityInterval)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Sync.RetryBaseDelay)
	assert.Equal(t, 90*24*time.Hour, cfg.Sync.ActivityLookback)
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.ActivityWindow)

	assert.Equal(t, "sqlite", cfg.Graph.Backend)
	assert.Equal(t, time.UTC, cfg.Graph.OffHoursLocation)
	assert.EqualValues(t, 8*60, cfg.Graph.OffHoursStart)
	assert.EqualValues(t, 18*60, cfg.Graph.OffHoursEnd)

	assert.Equal(t, "keep", cfg.Grants.SupersedePolicy)
	assert.Zero(t, cfg.Grants.MaxDuration)
	assert.Equal(t, 30*time.Second, cfg.Grants.ReconcileInterval)
	assert.Equal(t, "none", cfg.Archive.Backend)

	assert.False(t, cfg.Directory.Configured())
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadFromEnv_AllGroups(t *testing.T) {
	clearEnv(t)
	t.Setenv("META_DB_PATH", "/tmp/test.sqlite")
	t.Setenv("AZURE_TENANT_ID", "tenant")
	t.Setenv("AZURE_CLIENT_ID", "client")
	t.Setenv("AZURE_CLIENT_SECRET", "secret")
	t.Setenv("AZURE_SUBSCRIPTION_ID", "sub")
	t.Setenv("GRAPH_AUDIT_BASE_URL", "http://mock/beta")
	t.Setenv("SYNC_MAX_RETRIES", "5")
	t.Setenv("SYNC_AUDIT_INTERVAL", "5m")
	t.Setenv("SYNC_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("SENSITIVE_RESOURCES", "vault, keyvault ,")
	t.Setenv("OFFHOURS_START", "07:30")
	t.Setenv("OFFHOURS_END", "19:00")
	t.Setenv("GRANT_SUPERSEDE_POLICY", "REVOKE")
	t.Setenv("GRANT_MAX_DURATION", "8h")
	t.Setenv("GRANT_RECONCILE_INTERVAL", "1m")
	t.Setenv("ARCHIVE_BACKEND", "local")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.sqlite", cfg.MetaDBPath)
	assert.True(t, cfg.Directory.Configured())
	assert.Equal(t, "http://mock/beta", cfg.Directory.AuditBaseURL)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Sync.AuditInterval)
	assert.InDelta(t, 2.5, cfg.Sync.RequestsPerSecond, 0.001)
	assert.Equal(t, []string{"vault", "keyvault"}, cfg.Graph.SensitiveResources)
	assert.EqualValues(t, 7*60+30, cfg.Graph.OffHoursStart)
	assert.EqualValues(t, 19*60, cfg.Graph.OffHoursEnd)
	assert.Equal(t, "revoke", cfg.Grants.SupersedePolicy)
	assert.Equal(t, 8*time.Hour, cfg.Grants.MaxDuration)
	assert.Equal(t, time.Minute, cfg.Grants.ReconcileInterval)
	assert.Equal(t, "archive", cfg.Archive.Dir)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnv_InvalidDurationWarns(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNC_SIGNIN_INTERVAL", "soon")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, cfg.Sync.SignInInterval)
	assert.Contains(t, cfg.Warnings[0], "SYNC_SIGNIN_INTERVAL")
}

func TestLoadFromEnv_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"graph backend", map[string]string{"GRAPH_BACKEND": "janus"}, "GRAPH_BACKEND"},
		{"neo4j without uri", map[string]string{"GRAPH_BACKEND": "neo4j"}, "NEO4J_URI"},
		{"supersede policy", map[string]string{"GRANT_SUPERSEDE_POLICY": "drop"}, "GRANT_SUPERSEDE_POLICY"},
		{"max retries", map[string]string{"SYNC_MAX_RETRIES": "0"}, "SYNC_MAX_RETRIES"},
		{"off-hours start", map[string]string{"OFFHOURS_START": "8am"}, "OFFHOURS_START"},
		{"archive backend", map[string]string{"ARCHIVE_BACKEND": "ftp"}, "ARCHIVE_BACKEND"},
		{"partial s3", map[string]string{"ARCHIVE_BACKEND": "s3", "KEY_ID": "k", "SECRET": "s"}, "ARCHIVE_BACKEND=s3"},
		{"azure without key", map[string]string{"ARCHIVE_BACKEND": "azure", "AZURE_STORAGE_ACCOUNT": "acct"}, "ARCHIVE_BACKEND=azure"},
		{"tls pair", map[string]string{"TLS_CERT_FILE": "cert.pem"}, "TLS_KEY_FILE"},
		{"production defaults", map[string]string{"ENV": "production"}, "production"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFromEnv_Production(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("AUTH_ISSUER_URL", "https://login.example.com/v2.0")
	t.Setenv("AUTH_AUDIENCE", "api://idgov")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com")
	t.Setenv("ALLOW_INSECURE_HTTP", "true")
	t.Setenv("AZURE_TENANT_ID", "tenant")
	t.Setenv("AZURE_CLIENT_ID", "client")
	t.Setenv("AZURE_CLIENT_SECRET", "secret")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.NoError(t, cfg.Auth.Validate())
}

func TestArchiveConfig_HasS3Config(t *testing.T) {
	clearEnv(t)
	t.Setenv("KEY_ID", "testkey")
	t.Setenv("SECRET", "")
	t.Setenv("ENDPOINT", "s3.example.com")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.False(t, cfg.Archive.HasS3Config(), "partial S3 config should return false")

	t.Setenv("SECRET", "s")
	t.Setenv("REGION", "us-east-1")
	t.Setenv("BUCKET", "raw")
	cfg, err = LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.Archive.HasS3Config())
	require.NotNil(t, cfg.Archive.S3Bucket)
	assert.Equal(t, "raw", *cfg.Archive.S3Bucket)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", (&Config{LogLevel: "debug"}).SlogLevel().String())
	assert.Equal(t, "WARN", (&Config{LogLevel: "Warning"}).SlogLevel().String())
	assert.Equal(t, "INFO", (&Config{}).SlogLevel().String())
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	err := LoadDotEnv("/nonexistent/.env")
	if err != nil {
		t.Errorf("expected no error for missing .env, got: %v", err)
	}
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("# comment\nTEST_KEY=\"test_value\"\n\nNOEQUALS\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_KEY"); val != "test_value" {
		t.Errorf("TEST_KEY = %q, want %q", val, "test_value")
	}
	_ = os.Unsetenv("TEST_KEY")
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("TEST_PRECEDENCE_KEY", "from_env")

	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_PRECEDENCE_KEY=from_file\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_PRECEDENCE_KEY"); val != "from_env" {
		t.Errorf("TEST_PRECEDENCE_KEY = %q, want %q (env precedence)", val, "from_env")
	}
}
