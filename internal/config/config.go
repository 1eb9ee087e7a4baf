// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"idgov/internal/domain"
)

const devJWTSecret = "dev-secret-change-in-production"

// AuthConfig holds authentication and identity provider configuration for
// the admin API.
type AuthConfig struct {
	// OIDC / JWKS configuration
	IssuerURL      string        // OIDC issuer URL (e.g., https://login.microsoftonline.com/{tenant}/v2.0)
	JWKSURL        string        // Override JWKS URL (if no .well-known discovery)
	JWTSecret      string        // HS256 shared secret for local/dev JWT auth
	Audience       string        // Required JWT audience claim
	AllowedIssuers []string      // Accepted issuers (defaults to [IssuerURL])
	JWKSCacheTTL   time.Duration // JWKS cache duration (default: 1h)
	NameClaim      string        // JWT claim recorded as the actor (default: "email")
}

// OIDCEnabled returns true when an external identity provider is configured.
func (a *AuthConfig) OIDCEnabled() bool {
	return a.IssuerURL != "" || a.JWKSURL != ""
}

// Validate checks that the auth configuration is internally consistent.
func (a *AuthConfig) Validate() error {
	if a.IssuerURL == "" && a.JWKSURL == "" {
		return fmt.Errorf("at least one of AUTH_ISSUER_URL or AUTH_JWKS_URL must be set")
	}
	if a.IssuerURL != "" && a.Audience == "" {
		return fmt.Errorf("AUTH_AUDIENCE is required when AUTH_ISSUER_URL is set")
	}
	return nil
}

// DirectoryConfig identifies the tenant and the upstream API endpoints.
type DirectoryConfig struct {
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
	AuthorityURL   string // token authority, default public cloud
	GraphBaseURL   string // v1.0 endpoint for principals, groups and roles
	AuditBaseURL   string // endpoint serving auditLogs/*
	ARMBaseURL     string
	// AppResourceID is the object id of the service principal that owns the
	// application roles. Looked up by ClientID when empty.
	AppResourceID   string
	TenantDomain    string // suffix for imported user principal names
	InitialPassword string // password given to imported users
}

// Configured reports whether client credentials are set.
func (d *DirectoryConfig) Configured() bool {
	return d.TenantID != "" && d.ClientID != "" && d.ClientSecret != ""
}

// SyncConfig controls log synchronization.
type SyncConfig struct {
	SchedulerEnabled  bool
	AuditInterval     time.Duration
	SignInInterval    time.Duration
	ActivityInterval  time.Duration
	DirectoryInterval time.Duration

	MaxRetries        int           // attempts per page
	RetryBaseDelay    time.Duration // delay after attempt n is n*base
	RequestsPerSecond float64       // 0 disables throttling

	ActivityLookback time.Duration // cold-start depth of the activity feed
	ActivityWindow   time.Duration // width of one activity query
	SignInLookback   time.Duration // cold-start depth of the sign-in feed
}

// GraphConfig selects the graph backend.
type GraphConfig struct {
	Backend       string // "sqlite" (default) or "neo4j"
	Neo4jURI      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string

	OffHoursLocation   *time.Location
	OffHoursStart      domain.TimeOfDay
	OffHoursEnd        domain.TimeOfDay
	SensitiveResources []string
}

// GrantConfig controls temporal access grants.
type GrantConfig struct {
	SupersedePolicy string // "keep" (default) or "revoke"
	MaxDuration     time.Duration
	Location        *time.Location // wall clock for access windows

	// ReconcileInterval is how often the server picks up grants persisted by
	// other processes and arms their expiry timers. Zero disables the job.
	ReconcileInterval time.Duration
}

// ArchiveConfig selects where raw sync payloads are kept.
type ArchiveConfig struct {
	Backend string // none (default), local, s3, azure, gcs
	Prefix  string
	Dir     string

	// S3 fields are optional and nil when not configured.
	S3KeyID    *string
	S3Secret   *string
	S3Endpoint *string
	S3Region   *string
	S3Bucket   *string

	AzureAccountName string
	AzureAccountKey  string
	AzureContainer   string
	AzureServiceURL  string

	GCSBucket   string
	GCSKeyFile  string
	GCSEndpoint string
}

// HasS3Config returns true if all required S3 fields are set.
func (a *ArchiveConfig) HasS3Config() bool {
	return a.S3KeyID != nil && a.S3Secret != nil &&
		a.S3Endpoint != nil && a.S3Region != nil && a.S3Bucket != nil
}

// Config holds the configuration for the sync service and admin API.
type Config struct {
	MetaDBPath        string // path to SQLite metastore
	ListenAddr        string // HTTP listen address (default ":8080")
	TLSCertFile       string // TLS certificate file path (optional)
	TLSKeyFile        string // TLS private key file path (optional)
	AllowInsecureHTTP bool   // allow non-TLS listener in production (for trusted TLS termination)
	LogLevel          string // log level: debug, info, warn, error (default "info")
	Env               string // environment: "development" (default) or "production"

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	Auth      AuthConfig
	Directory DirectoryConfig
	Sync      SyncConfig
	Graph     GraphConfig
	Grants    GrantConfig
	Archive   ArchiveConfig

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables.
// Directory credentials are optional; without them only local commands work.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		MetaDBPath:  os.Getenv("META_DB_PATH"),
		ListenAddr:  os.Getenv("LISTEN_ADDR"),
		TLSCertFile: os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:  os.Getenv("TLS_KEY_FILE"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		Env:         os.Getenv("ENV"),
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if strings.EqualFold(os.Getenv("ALLOW_INSECURE_HTTP"), "true") {
		cfg.AllowInsecureHTTP = true
	}

	// Auth config
	cfg.Auth = AuthConfig{
		IssuerURL: os.Getenv("AUTH_ISSUER_URL"),
		JWKSURL:   os.Getenv("AUTH_JWKS_URL"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Audience:  os.Getenv("AUTH_AUDIENCE"),
		NameClaim: os.Getenv("AUTH_NAME_CLAIM"),
	}
	if v := os.Getenv("AUTH_ALLOWED_ISSUERS"); v != "" {
		cfg.Auth.AllowedIssuers = splitList(v)
	}
	if v := os.Getenv("AUTH_JWKS_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.JWKSCacheTTL = d
		}
	}
	if cfg.Auth.JWKSCacheTTL == 0 {
		cfg.Auth.JWKSCacheTTL = time.Hour
	}
	if cfg.Auth.NameClaim == "" {
		cfg.Auth.NameClaim = "email"
	}

	cfg.Directory = DirectoryConfig{
		TenantID:        os.Getenv("AZURE_TENANT_ID"),
		ClientID:        os.Getenv("AZURE_CLIENT_ID"),
		ClientSecret:    os.Getenv("AZURE_CLIENT_SECRET"),
		SubscriptionID:  os.Getenv("AZURE_SUBSCRIPTION_ID"),
		AuthorityURL:    os.Getenv("AZURE_AUTHORITY_URL"),
		GraphBaseURL:    os.Getenv("GRAPH_BASE_URL"),
		AuditBaseURL:    os.Getenv("GRAPH_AUDIT_BASE_URL"),
		ARMBaseURL:      os.Getenv("ARM_BASE_URL"),
		AppResourceID:   os.Getenv("GRAPH_APP_RESOURCE_ID"),
		TenantDomain:    os.Getenv("TENANT_DOMAIN"),
		InitialPassword: os.Getenv("IMPORT_INITIAL_PASSWORD"),
	}

	cfg.Sync = SyncConfig{
		SchedulerEnabled:  parseBoolEnvDefault("SYNC_SCHEDULER_ENABLED", true),
		AuditInterval:     cfg.durationEnv("SYNC_AUDIT_INTERVAL", 15*time.Minute),
		SignInInterval:    cfg.durationEnv("SYNC_SIGNIN_INTERVAL", 15*time.Minute),
		ActivityInterval:  cfg.durationEnv("SYNC_ACTIVITY_INTERVAL", 6*time.Hour),
		DirectoryInterval: cfg.durationEnv("SYNC_DIRECTORY_INTERVAL", 6*time.Hour),
		MaxRetries:        3,
		RetryBaseDelay:    cfg.durationEnv("SYNC_RETRY_BASE_DELAY", 2*time.Second),
		ActivityLookback:  cfg.durationEnv("ACTIVITY_LOOKBACK", 90*24*time.Hour),
		ActivityWindow:    cfg.durationEnv("ACTIVITY_WINDOW", 7*24*time.Hour),
		SignInLookback:    cfg.durationEnv("SIGNIN_LOOKBACK", 180*24*time.Hour),
	}
	if v := os.Getenv("SYNC_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("SYNC_MAX_RETRIES must be a positive integer, got %q", v)
		}
		cfg.Sync.MaxRetries = n
	}
	if v := os.Getenv("SYNC_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sync.RequestsPerSecond = f
		}
	}

	if err := cfg.loadGraph(); err != nil {
		return nil, err
	}

	cfg.Grants = GrantConfig{
		SupersedePolicy:   strings.ToLower(os.Getenv("GRANT_SUPERSEDE_POLICY")),
		MaxDuration:       cfg.durationEnv("GRANT_MAX_DURATION", 0),
		ReconcileInterval: cfg.durationEnv("GRANT_RECONCILE_INTERVAL", 30*time.Second),
	}
	switch cfg.Grants.SupersedePolicy {
	case "":
		cfg.Grants.SupersedePolicy = "keep"
	case "keep", "revoke":
	default:
		return nil, fmt.Errorf("GRANT_SUPERSEDE_POLICY must be keep or revoke, got %q", cfg.Grants.SupersedePolicy)
	}
	loc, err := loadLocation("GRANT_TZ", time.Local)
	if err != nil {
		return nil, err
	}
	cfg.Grants.Location = loc

	if err := cfg.loadArchive(); err != nil {
		return nil, err
	}

	// Defaults
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "idgov.sqlite"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if cfg.Auth.JWTSecret == "" && !cfg.Auth.OIDCEnabled() {
		cfg.Auth.JWTSecret = devJWTSecret
		cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set: using insecure default. Configure OIDC or set JWT_SECRET in production!")
	}
	if !cfg.Directory.Configured() {
		cfg.Warnings = append(cfg.Warnings, "directory credentials not set; set AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET")
	}
	if cfg.Directory.SubscriptionID == "" {
		cfg.Warnings = append(cfg.Warnings, "AZURE_SUBSCRIPTION_ID not set, the activity stream is disabled")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if !cfg.Auth.OIDCEnabled() && cfg.Auth.JWTSecret == devJWTSecret {
			return nil, fmt.Errorf("OIDC or JWT_SECRET must be configured in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
		if cfg.TLSCertFile == "" && !cfg.AllowInsecureHTTP {
			return nil, fmt.Errorf("TLS_CERT_FILE/TLS_KEY_FILE must be set in production unless ALLOW_INSECURE_HTTP=true")
		}
		if !cfg.Directory.Configured() {
			return nil, fmt.Errorf("directory credentials must be set in production (ENV=production)")
		}
	}

	return cfg, nil
}

func (c *Config) loadGraph() error {
	c.Graph = GraphConfig{
		Backend:            strings.ToLower(os.Getenv("GRAPH_BACKEND")),
		Neo4jURI:           os.Getenv("NEO4J_URI"),
		Neo4jUsername:      os.Getenv("NEO4J_USERNAME"),
		Neo4jPassword:      os.Getenv("NEO4J_PASSWORD"),
		Neo4jDatabase:      os.Getenv("NEO4J_DATABASE"),
		SensitiveResources: splitList(os.Getenv("SENSITIVE_RESOURCES")),
	}
	switch c.Graph.Backend {
	case "":
		c.Graph.Backend = "sqlite"
	case "sqlite":
	case "neo4j":
		if c.Graph.Neo4jURI == "" {
			return fmt.Errorf("NEO4J_URI is required when GRAPH_BACKEND=neo4j")
		}
	default:
		return fmt.Errorf("GRAPH_BACKEND must be sqlite or neo4j, got %q", c.Graph.Backend)
	}

	loc, err := loadLocation("OFFHOURS_TZ", time.UTC)
	if err != nil {
		return err
	}
	c.Graph.OffHoursLocation = loc
	if c.Graph.OffHoursStart, err = timeOfDayEnv("OFFHOURS_START", 8*60); err != nil {
		return err
	}
	if c.Graph.OffHoursEnd, err = timeOfDayEnv("OFFHOURS_END", 18*60); err != nil {
		return err
	}
	return nil
}

func (c *Config) loadArchive() error {
	c.Archive = ArchiveConfig{
		Backend:          strings.ToLower(os.Getenv("ARCHIVE_BACKEND")),
		Prefix:           os.Getenv("ARCHIVE_PREFIX"),
		Dir:              os.Getenv("ARCHIVE_DIR"),
		AzureAccountName: os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureAccountKey:  os.Getenv("AZURE_STORAGE_KEY"),
		AzureContainer:   os.Getenv("AZURE_STORAGE_CONTAINER"),
		AzureServiceURL:  os.Getenv("AZURE_STORAGE_SERVICE_URL"),
		GCSBucket:        os.Getenv("GCS_BUCKET"),
		GCSKeyFile:       os.Getenv("GCS_KEY_FILE"),
		GCSEndpoint:      os.Getenv("GCS_ENDPOINT"),
	}

	// S3 fields are only set if present
	if v := os.Getenv("KEY_ID"); v != "" {
		c.Archive.S3KeyID = &v
	}
	if v := os.Getenv("SECRET"); v != "" {
		c.Archive.S3Secret = &v
	}
	if v := os.Getenv("ENDPOINT"); v != "" {
		c.Archive.S3Endpoint = &v
	}
	if v := os.Getenv("REGION"); v != "" {
		c.Archive.S3Region = &v
	}
	if v := os.Getenv("BUCKET"); v != "" {
		c.Archive.S3Bucket = &v
	}

	switch c.Archive.Backend {
	case "", "none":
		c.Archive.Backend = "none"
	case "local":
		if c.Archive.Dir == "" {
			c.Archive.Dir = "archive"
		}
	case "s3":
		if !c.Archive.HasS3Config() {
			return fmt.Errorf("ARCHIVE_BACKEND=s3 requires KEY_ID, SECRET, ENDPOINT, REGION and BUCKET")
		}
	case "azure":
		if c.Archive.AzureAccountName == "" || c.Archive.AzureAccountKey == "" || c.Archive.AzureContainer == "" {
			return fmt.Errorf("ARCHIVE_BACKEND=azure requires AZURE_STORAGE_ACCOUNT, AZURE_STORAGE_KEY and AZURE_STORAGE_CONTAINER")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("ARCHIVE_BACKEND=gcs requires GCS_BUCKET")
		}
	default:
		return fmt.Errorf("ARCHIVE_BACKEND must be none, local, s3, azure or gcs, got %q", c.Archive.Backend)
	}
	return nil
}

// durationEnv parses key as a Go duration. Invalid values fall back to def
// with a warning.
func (c *Config) durationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a valid duration, using %s", key, v, def))
		return def
	}
	return d
}

func timeOfDayEnv(key string, def domain.TimeOfDay) (domain.TimeOfDay, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	t, err := domain.ParseTimeOfDay(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

func loadLocation(key string, def *time.Location) (*time.Location, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	loc, err := time.LoadLocation(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return loc, nil
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
