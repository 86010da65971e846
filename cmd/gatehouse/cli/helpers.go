package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/storefront/gatehouse/internal/audit"
	"github.com/storefront/gatehouse/internal/config"
	"github.com/storefront/gatehouse/internal/gateway"
	"github.com/storefront/gatehouse/internal/identity"
	"github.com/storefront/gatehouse/internal/model"
	"github.com/storefront/gatehouse/internal/store"
)

// devSecret is used when no JWT secret is configured. serve refuses to use
// it outside --dev.
const devSecret = "gatehouse-dev-secret-change-me"

// resolveDataDir returns the data directory from --data-dir flag,
// GATEHOUSE_DATA_DIR env var, or ~/.gatehouse as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("GATEHOUSE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gatehouse")
}

// loadConfig reads the YAML file viper located, then applies environment and
// flag overrides for the settings most often supplied outside the file.
func loadConfig() (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if path := viper.ConfigFileUsed(); path != "" {
		loaded, err := config.LoadYAMLConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	overrideString("auth.jwt_secret", &cfg.Auth.JWTSecret)
	overrideString("directory.driver", &cfg.Directory.Driver)
	overrideString("directory.dsn", &cfg.Directory.DSN)
	overrideString("server.host", &cfg.Server.Host)
	overrideString("logging.level", &cfg.Logging.Level)
	overrideString("logging.format", &cfg.Logging.Format)
	if viper.IsSet("server.port") {
		if p := viper.GetInt("server.port"); p > 0 {
			cfg.Server.Port = p
		}
	}

	if dataDir != "" || cfg.Directory.DataDir == "" {
		cfg.Directory.DataDir = resolveDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideString(key string, dst *string) {
	if !viper.IsSet(key) {
		return
	}
	if v := viper.GetString(key); v != "" {
		*dst = v
	}
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// app holds the components every command that touches the directory needs.
type app struct {
	cfg      *config.YAMLConfig
	logger   *slog.Logger
	store    *store.Store
	idp      *identity.Provider
	reporter *audit.Reporter
	ledger   *audit.Ledger
	auth     *gateway.Authenticator
}

// openApp loads configuration and wires the directory, identity provider,
// audit ledger and authenticator.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging)

	st, err := store.Open(store.Options{
		Driver:          cfg.Directory.Driver,
		DSN:             cfg.Directory.DSN,
		DataDir:         cfg.Directory.DataDir,
		MaxOpenConns:    cfg.Directory.MaxOpenConns,
		ConnMaxLifetime: config.Duration(cfg.Directory.ConnMaxLifetime, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("open account directory: %w", err)
	}

	idp, err := newProvider(cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	reporter := audit.NewReporter(logger, 1, 64)
	ledgerOpts := []audit.Option{audit.WithReporter(reporter), audit.WithLogger(logger)}
	ledgerOpts = append(ledgerOpts, mirrorSinks(ctx, cfg.Audit, logger)...)
	ledger := audit.NewLedger(audit.NewStoreSink(st), ledgerOpts...)

	auth := gateway.NewAuthenticator(st, idp, ledger, authOptions(cfg, logger)...)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		idp:      idp,
		reporter: reporter,
		ledger:   ledger,
		auth:     auth,
	}, nil
}

func (a *app) Close() error {
	if err := a.ledger.Close(); err != nil {
		a.logger.Warn("closing audit sinks", "error", err)
	}
	return a.store.Close()
}

func newProvider(cfg *config.YAMLConfig, st *store.Store) (*identity.Provider, error) {
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = devSecret
	}

	issuers := make([]identity.FederatedIssuer, 0, len(cfg.Auth.Federated.Providers))
	for _, p := range cfg.Auth.Federated.Providers {
		issuers = append(issuers, identity.FederatedIssuer{
			Name:     p.Name,
			Issuer:   p.Issuer,
			Secret:   p.Secret,
			Audience: p.Audience,
		})
	}

	idp, err := identity.NewProvider(st, secret,
		identity.WithIssuer(cfg.Auth.Issuer),
		identity.WithTokenTTL(config.Duration(cfg.Auth.TokenTTL, identity.DefaultTokenTTL)),
		identity.WithFederatedIssuers(issuers...),
	)
	if err != nil {
		return nil, fmt.Errorf("init identity provider: %w", err)
	}
	return idp, nil
}

// mirrorSinks connects the optional Redis and Kafka audit mirrors. A mirror
// that cannot be reached at startup is skipped with a warning: the directory
// database remains the ledger of record.
func mirrorSinks(ctx context.Context, cfg config.AuditConfig, logger *slog.Logger) []audit.Option {
	var opts []audit.Option

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis audit mirror unavailable", "addr", cfg.Redis.Addr, "error", err)
			client.Close()
		} else {
			opts = append(opts, audit.WithMirror(audit.NewRedisStreamSink(client, cfg.Redis.Stream, cfg.Redis.MaxLen)))
			logger.Info("audit mirror enabled", "sink", "redis", "stream", cfg.Redis.Stream)
		}
	}

	if cfg.Kafka.Enabled {
		sink, err := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Warn("kafka audit mirror unavailable", "error", err)
		} else {
			opts = append(opts, audit.WithMirror(sink))
			logger.Info("audit mirror enabled", "sink", "kafka", "topic", cfg.Kafka.Topic)
		}
	}

	return opts
}

// authOptions maps the auth section onto authenticator options.
func authOptions(cfg *config.YAMLConfig, logger *slog.Logger) []gateway.AuthOption {
	lc := cfg.Auth.Lockout
	opts := []gateway.AuthOption{
		gateway.WithLogger(logger),
		gateway.WithLockoutPolicy(gateway.LockoutPolicy{
			MaxAttempts: lc.MaxAttempts,
			Window:      config.Duration(lc.Window, 15*time.Minute),
			Duration:    config.Duration(lc.Duration, 15*time.Minute),
		}),
	}

	if rl := cfg.Auth.RateLimit; rl.Enabled {
		opts = append(opts, gateway.WithLimiter(gateway.NewSlidingWindowLimiter(
			gateway.WithMaxAttempts(rl.MaxAttempts),
			gateway.WithWindow(config.Duration(rl.Window, gateway.DefaultAttemptWindow)),
			gateway.WithCapacity(rl.Capacity),
		)))
	}
	if len(cfg.Auth.AllowList) > 0 {
		opts = append(opts, gateway.WithAllowList(cfg.Auth.AllowList...))
	}
	if f := cfg.Auth.Federated; f.AutoProvision {
		role, ok := model.ParseRole(f.DefaultRole)
		if !ok {
			role = model.RoleViewer
		}
		opts = append(opts, gateway.WithAutoProvision(role))
	}
	return opts
}

// findAccount resolves an identity ID or an email to an account.
func findAccount(ctx context.Context, st *store.Store, ref string) (*model.AdminAccount, error) {
	if strings.Contains(ref, "@") {
		return st.GetAccountByEmail(ctx, ref)
	}
	return st.GetAccount(ctx, ref)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
