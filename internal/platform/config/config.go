package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultPersistence          = PersistenceFirestore
	defaultCurrency             = "INR"
	defaultWebhookTolerance     = 5 * time.Minute
	defaultReconcileAfter       = 15 * time.Minute
	defaultReconcileBatch       = 50
	defaultModificationWindow   = 24 * time.Hour
	defaultOrderNumberPrefix    = "SE"
	defaultCreateRateLimit      = 10
	defaultReceiptTopic         = "receipts"
	defaultEventsTopic          = "order-events"
	defaultIdempotencyBackend   = IdempotencyBackendFirestore
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer           = "https://accounts.google.com"
)

// Persistence backends.
const (
	PersistenceFirestore = "firestore"
	PersistenceMemory    = "memory"
)

// Idempotency store backends.
const (
	IdempotencyBackendFirestore = "firestore"
	IdempotencyBackendMemory    = "memory"
	IdempotencyBackendRedis     = "redis"
)

// Secret field names accepted by WithRequiredSecrets.
const (
	SecretStripeAPIKey        = "PSP.StripeAPIKey"
	SecretStripeWebhookSecret = "PSP.StripeWebhookSecret"
	SecretRedisPassword       = "Idempotency.RedisPassword"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Persistence string
	PSP         PSPConfig
	Orders      OrdersConfig
	PubSub      PubSubConfig
	Storage     StorageConfig
	Idempotency IdempotencyConfig
	Internal    InternalConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PSPConfig holds the payment gateway credentials and settlement tuning.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	Currency            string
	WebhookTolerance    time.Duration
	ReconcileAfter      time.Duration
	ReconcileBatch      int
}

// OrdersConfig controls order lifecycle policy.
type OrdersConfig struct {
	ModificationWindow time.Duration
	RequireIdempotency bool
	NumberPrefix       string
	// CreateRateLimit caps order creations per caller per minute; zero disables it.
	CreateRateLimit int
}

// PubSubConfig names the topics used for receipts and domain events.
type PubSubConfig struct {
	ProjectID    string
	ReceiptTopic string
	EventsTopic  string
}

// StorageConfig lists bucket names used by the application. An empty
// WebhookArchiveBucket disables the archive.
type StorageConfig struct {
	WebhookArchiveBucket string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
}

// InternalConfig protects the scheduler-facing endpoints.
type InternalConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
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

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved to empty values.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.names, ", "))
}

// Names returns the missing secret field names, sorted.
func (e *MissingSecretsError) Names() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects an explicit key/value map that wins over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores os.Environ, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields (see the Secret* constants) as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit map) so
// callers can bootstrap dependencies, such as the secret fetcher, before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return nil, err
	}
	return src.merged(), nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  src.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: src.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  src.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Persistence: strings.ToLower(src.str("API_PERSISTENCE", defaultPersistence)),
		PSP: PSPConfig{
			StripeAPIKey:        src.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: src.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			Currency:            strings.ToUpper(src.str("API_PSP_CURRENCY", defaultCurrency)),
			WebhookTolerance:    src.duration("API_PSP_WEBHOOK_TOLERANCE", defaultWebhookTolerance),
			ReconcileAfter:      src.duration("API_PAYMENTS_RECONCILE_AFTER", defaultReconcileAfter),
			ReconcileBatch:      src.integer("API_PAYMENTS_RECONCILE_BATCH", defaultReconcileBatch),
		},
		Orders: OrdersConfig{
			ModificationWindow: src.duration("API_ORDERS_MODIFICATION_WINDOW", defaultModificationWindow),
			RequireIdempotency: src.boolean("API_ORDERS_REQUIRE_IDEMPOTENCY", true),
			NumberPrefix:       src.str("API_ORDERS_NUMBER_PREFIX", defaultOrderNumberPrefix),
			CreateRateLimit:    src.integer("API_ORDERS_CREATE_RATE_LIMIT", defaultCreateRateLimit),
		},
		PubSub: PubSubConfig{
			ProjectID:    src.str("API_PUBSUB_PROJECT_ID", ""),
			ReceiptTopic: src.str("API_PUBSUB_RECEIPT_TOPIC", defaultReceiptTopic),
			EventsTopic:  src.str("API_PUBSUB_EVENTS_TOPIC", defaultEventsTopic),
		},
		Storage: StorageConfig{
			WebhookArchiveBucket: src.str("API_STORAGE_WEBHOOK_ARCHIVE_BUCKET", ""),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(src.str("API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
			RedisAddr:        src.str("API_IDEMPOTENCY_REDIS_ADDR", ""),
			RedisPassword:    src.str("API_IDEMPOTENCY_REDIS_PASSWORD", ""),
			RedisDB:          src.integer("API_IDEMPOTENCY_REDIS_DB", 0),
		},
		Internal: InternalConfig{
			JWKSURL:  src.str("API_INTERNAL_OIDC_JWKS_URL", defaultOIDCJWKSURL),
			Audience: src.str("API_INTERNAL_OIDC_AUDIENCE", ""),
			Issuers:  src.list("API_INTERNAL_OIDC_ISSUERS"),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Internal.Issuers) == 0 {
		cfg.Internal.Issuers = []string{defaultOIDCIssuer}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{SecretStripeAPIKey, &cfg.PSP.StripeAPIKey},
		{SecretStripeWebhookSecret, &cfg.PSP.StripeWebhookSecret},
		{SecretRedisPassword, &cfg.Idempotency.RedisPassword},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Persistence {
	case PersistenceFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	case PersistenceMemory:
	default:
		invalid = append(invalid, "Persistence")
	}
	if cfg.Firebase.ProjectID == "" {
		invalid = append(invalid, "Firebase.ProjectID")
	}
	if len(cfg.PSP.Currency) != 3 {
		invalid = append(invalid, "PSP.Currency")
	}
	if cfg.PSP.ReconcileAfter <= 0 {
		invalid = append(invalid, "PSP.ReconcileAfter")
	}
	if cfg.PSP.ReconcileBatch <= 0 {
		invalid = append(invalid, "PSP.ReconcileBatch")
	}
	if cfg.Orders.ModificationWindow <= 0 {
		invalid = append(invalid, "Orders.ModificationWindow")
	}
	if strings.TrimSpace(cfg.Orders.NumberPrefix) == "" {
		invalid = append(invalid, "Orders.NumberPrefix")
	}
	if cfg.Orders.CreateRateLimit < 0 {
		invalid = append(invalid, "Orders.CreateRateLimit")
	}
	switch cfg.Idempotency.Backend {
	case IdempotencyBackendFirestore:
		if cfg.Persistence != PersistenceFirestore {
			invalid = append(invalid, "Idempotency.Backend")
		}
	case IdempotencyBackendMemory:
	case IdempotencyBackendRedis:
		if strings.TrimSpace(cfg.Idempotency.RedisAddr) == "" {
			invalid = append(invalid, "Idempotency.RedisAddr")
		}
	default:
		invalid = append(invalid, "Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		invalid = append(invalid, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		invalid = append(invalid, "Idempotency.CleanupBatchSize")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}
