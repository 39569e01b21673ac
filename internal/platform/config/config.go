package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix                    = "STOREFRONT_"
	defaultEnvFile               = ".env"
	defaultEnvironment           = "local"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultLogLevel              = "info"
	defaultAPITimeout            = 5 * time.Second
	defaultSessionCookieName     = "storefront_session"
	defaultSessionIdleTTL        = 30 * time.Minute
	defaultSessionSweepInterval  = time.Minute
	defaultFreeShippingThreshold = 5000
	defaultFlatShippingFee       = 500
	defaultCurrency              = "JPY"
	defaultMutationTimeout       = 10 * time.Second
	defaultLocale                = "ja"
	defaultSecretsFallbackFile   = ".secrets.local"
	defaultStubPort              = "8081"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	API         APIConfig
	Session     SessionConfig
	Cart        CartConfig
	Firebase    FirebaseConfig
	Auth        AuthConfig
	Secrets     SecretsConfig
	I18n        I18nConfig
	Stub        StubConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// APIConfig points at the backend cart service. An empty BaseURL selects the
// in-process static cart.
type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

// SessionConfig controls session cookies and the controller registry.
type SessionConfig struct {
	CookieName    string
	HashKey       string
	BlockKey      string
	Secure        bool
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// CartConfig holds the shipping policy and remote call budget.
type CartConfig struct {
	FreeShippingThreshold int64
	FlatShippingFee       int64
	Currency              string
	MutationTimeout       time.Duration
}

// FirebaseConfig stores Firebase project settings used for login.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// AuthConfig toggles login behaviour.
type AuthConfig struct {
	// AllowDebug accepts "debug:<uid>" tokens. Never honoured in prod.
	AllowDebug bool
}

// SecretsConfig configures secret:// reference resolution.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// I18nConfig selects the default locale.
type I18nConfig struct {
	DefaultLocale string
}

// StubConfig configures the development cart API.
type StubConfig struct {
	Port      string
	RedisAddr string
	FailRate  float64
	Latency   time.Duration
}

// IsProduction reports whether the config targets production.
func (c Config) IsProduction() bool {
	switch c.Environment {
	case "prod", "production":
		return true
	}
	return false
}

// SecretResolver resolves references to external secrets.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	configFile   string
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithConfigFile reads a YAML file as the lowest-precedence layer. Nested
// keys flatten to environment names: session.idle_ttl becomes
// STOREFRONT_SESSION_IDLE_TTL.
func WithConfigFile(path string) Option {
	return func(o *loaderOptions) {
		o.configFile = path
	}
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over
// every other source.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the configuration from defaults, the YAML file, .env,
// the process environment and the explicit map, in increasing precedence.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	fileValues, err := loadYAMLFile(options.configFile)
	if err != nil {
		return Config{}, err
	}
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		key = envPrefix + key
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		if value, ok := fileValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "ENV", defaultEnvironment)),
		LogLevel:    stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "IDLE_TIMEOUT", defaultIdleTimeout),
		},
		API: APIConfig{
			BaseURL: strings.TrimRight(stringWithDefault(lookup, "API_BASE_URL", ""), "/"),
			Timeout: durationWithDefault(lookup, "API_TIMEOUT", defaultAPITimeout),
		},
		Session: SessionConfig{
			CookieName:    stringWithDefault(lookup, "SESSION_COOKIE_NAME", defaultSessionCookieName),
			HashKey:       stringWithDefault(lookup, "SESSION_HASH_KEY", ""),
			BlockKey:      stringWithDefault(lookup, "SESSION_BLOCK_KEY", ""),
			Secure:        boolWithDefault(lookup, "SESSION_SECURE", false),
			IdleTTL:       durationWithDefault(lookup, "SESSION_IDLE_TTL", defaultSessionIdleTTL),
			SweepInterval: durationWithDefault(lookup, "SESSION_SWEEP_INTERVAL", defaultSessionSweepInterval),
		},
		Cart: CartConfig{
			FreeShippingThreshold: int64WithDefault(lookup, "CART_FREE_SHIPPING_THRESHOLD", defaultFreeShippingThreshold),
			FlatShippingFee:       int64WithDefault(lookup, "CART_FLAT_SHIPPING_FEE", defaultFlatShippingFee),
			Currency:              strings.ToUpper(stringWithDefault(lookup, "CART_CURRENCY", defaultCurrency)),
			MutationTimeout:       durationWithDefault(lookup, "CART_MUTATION_TIMEOUT", defaultMutationTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "FIREBASE_CREDENTIALS_FILE", ""),
		},
		Auth: AuthConfig{
			AllowDebug: boolWithDefault(lookup, "AUTH_ALLOW_DEBUG", false),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "SECRETS_PROJECT_ID", ""),
			FallbackFile: stringWithDefault(lookup, "SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
		},
		I18n: I18nConfig{
			DefaultLocale: stringWithDefault(lookup, "DEFAULT_LOCALE", defaultLocale),
		},
		Stub: StubConfig{
			Port:      stringWithDefault(lookup, "STUB_PORT", defaultStubPort),
			RedisAddr: stringWithDefault(lookup, "STUB_REDIS_ADDR", ""),
			FailRate:  floatWithDefault(lookup, "STUB_FAIL_RATE", 0),
			Latency:   durationWithDefault(lookup, "STUB_LATENCY", 0),
		},
	}

	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.IsProduction() {
		cfg.Auth.AllowDebug = false
	}

	secretFields := []*string{
		&cfg.Session.HashKey,
		&cfg.Session.BlockKey,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.API.Timeout <= 0 {
		invalid = append(invalid, "API.Timeout")
	}
	if strings.TrimSpace(cfg.Session.CookieName) == "" {
		invalid = append(invalid, "Session.CookieName")
	}
	if cfg.Session.HashKey != "" && len(cfg.Session.HashKey) < 32 {
		invalid = append(invalid, "Session.HashKey")
	}
	if cfg.Session.HashKey == "" && cfg.IsProduction() {
		invalid = append(invalid, "Session.HashKey")
	}
	switch len(cfg.Session.BlockKey) {
	case 0, 16, 24, 32:
	default:
		invalid = append(invalid, "Session.BlockKey")
	}
	if cfg.Session.IdleTTL <= 0 {
		invalid = append(invalid, "Session.IdleTTL")
	}
	if cfg.Session.SweepInterval <= 0 {
		invalid = append(invalid, "Session.SweepInterval")
	}
	if cfg.Cart.FreeShippingThreshold < 0 {
		invalid = append(invalid, "Cart.FreeShippingThreshold")
	}
	if cfg.Cart.FlatShippingFee < 0 {
		invalid = append(invalid, "Cart.FlatShippingFee")
	}
	if cfg.Cart.MutationTimeout <= 0 {
		invalid = append(invalid, "Cart.MutationTimeout")
	}
	if cfg.IsProduction() && cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}
	if cfg.Stub.FailRate < 0 || cfg.Stub.FailRate > 1 {
		invalid = append(invalid, "Stub.FailRate")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadYAMLFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	values := make(map[string]string)
	flattenYAML(envPrefix, doc, values)
	return values, nil
}

func flattenYAML(prefix string, node map[string]any, out map[string]string) {
	for key, value := range node {
		name := prefix + strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), "-", "_"))
		switch v := value.(type) {
		case map[string]any:
			flattenYAML(name+"_", v, out)
		case nil:
		default:
			out[name] = fmt.Sprint(v)
		}
	}
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func int64WithDefault(lookup func(string) (string, bool), key string, fallback int64) int64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
