package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/storyunlock/internal/catalogseed"
	"github.com/MarkoPoloResearchLab/storyunlock/internal/healthserver"
	"github.com/MarkoPoloResearchLab/storyunlock/internal/httpapi"
	"github.com/MarkoPoloResearchLab/storyunlock/internal/oplog"
	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "STORYUNLOCK"

	flagDatabaseURL        = "database-url"
	flagStoreDriver        = "store-driver"
	flagListenAddr         = "listen-addr"
	flagHealthListenAddr   = "health-listen-addr"
	flagRequestTimeout     = "request-timeout"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagDefaultUnlockPrice = "default-unlock-price"
	flagLockBackend        = "lock-backend"
	flagRedisAddr          = "redis-addr"
	flagRedisPassword      = "redis-password"
	flagRedisDB            = "redis-db"
	flagLockTTL            = "lock-ttl"
	flagLogDevelopment     = "log-development"
	flagFile               = "file"
	flagUserID             = "user-id"
	flagCoins              = "coins"
	flagIdempotencyKey     = "idempotency-key"

	storeDriverGorm    = "gorm"
	storeDriverPgx     = "pgx"
	lockBackendMemory  = "memory"
	lockBackendRedis   = "redis"
	defaultDatabaseURL = "sqlite:///tmp/storyunlock.db"

	defaultHealthListenAddr   = ":7000"
	defaultUnlockPrice        = 10
	defaultRedisAddr          = "localhost:6379"
	defaultLockTTL            = 10 * time.Second
	defaultHTTPRequestTimeout = 5 * time.Second
)

type runtimeConfig struct {
	DatabaseURL        string
	StoreDriver        string
	HealthListenAddr   string
	DefaultUnlockPrice int64
	LockBackend        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	LockTTL            time.Duration
	LogDevelopment     bool
	HTTP               httpapi.Config
}

// Validate applies defaults and rejects combinations the runtime cannot serve.
func (cfg *runtimeConfig) Validate() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	switch cfg.StoreDriver {
	case "":
		cfg.StoreDriver = storeDriverGorm
	case storeDriverGorm:
	case storeDriverPgx:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store driver %q requires a postgres database url", storeDriverPgx)
		}
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	switch cfg.LockBackend {
	case "":
		cfg.LockBackend = lockBackendMemory
	case lockBackendMemory:
	case lockBackendRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return fmt.Errorf("redis addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unsupported lock backend %q", cfg.LockBackend)
	}
	if cfg.DefaultUnlockPrice < 0 {
		return fmt.Errorf("default unlock price must not be negative")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if strings.TrimSpace(cfg.HealthListenAddr) == "" {
		cfg.HealthListenAddr = defaultHealthListenAddr
	}
	return nil
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "storyunlockd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "storyunlockd",
		Short:         "Story unlock economy service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or SQLite path")
	flags.String(flagStoreDriver, storeDriverGorm, "storage implementation: gorm or pgx")
	flags.Int64(flagDefaultUnlockPrice, defaultUnlockPrice, "unlock price stored when none is configured")
	flags.String(flagLockBackend, lockBackendMemory, "per-user lock: memory or redis")
	flags.String(flagRedisAddr, defaultRedisAddr, "redis address for the redis lock backend")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database number")
	flags.Duration(flagLockTTL, defaultLockTTL, "expiry of a held redis user lock")
	flags.Bool(flagLogDevelopment, false, "use the development logger")

	cmd.AddCommand(newServeCommand(cfg))
	cmd.AddCommand(newPricingCommand(cfg))
	cmd.AddCommand(newCatalogCommand(cfg))
	cmd.AddCommand(newWalletCommand(cfg))
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagHealthListenAddr, defaultHealthListenAddr, "gRPC health listen address")
	cmd.Flags().Duration(flagRequestTimeout, defaultHTTPRequestTimeout, "per-request timeout")
	cmd.Flags().String(flagAllowedOrigins, "http://localhost:3000", "comma separated CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 key shared with the auth service")
	cmd.Flags().String(flagJWTIssuer, "storyunlock-auth", "expected token issuer")
	return cmd
}

func newPricingCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{Use: "pricing", Short: "Inspect or change the unlock price"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current unlock price",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, runtime *appRuntime) error {
				price, err := runtime.pricing.Current(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlock price: %d\n", price.Int64())
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set PRICE",
		Short: "Change the unlock price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parseCoins(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, runtime *appRuntime) error {
				if err := runtime.pricing.Set(ctx, price); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlock price: %d\n", price.Int64())
				return nil
			})
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

func newCatalogCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{Use: "catalog", Short: "Manage curator stories"}
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert stories from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString(flagFile)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, runtime *appRuntime) error {
				count, err := catalogseed.Import(ctx, runtime.store, path)
				if err != nil {
					return err
				}
				runtime.logger.Info("catalog imported", zap.String("file", path), zap.Int("stories", count))
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d stories\n", count)
				return nil
			})
		},
	}
	importCmd.Flags().String(flagFile, "", "YAML catalog file")
	_ = importCmd.MarkFlagRequired(flagFile)
	cmd.AddCommand(importCmd)
	return cmd
}

func newWalletCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "Inspect or top up user wallets"}

	credit := &cobra.Command{
		Use:   "credit",
		Short: "Credit purchased coins to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userIDFlag(cmd)
			if err != nil {
				return err
			}
			rawCoins, err := cmd.Flags().GetInt64(flagCoins)
			if err != nil {
				return err
			}
			amount, err := unlock.NewCoins(rawCoins)
			if err != nil {
				return err
			}
			rawKey, err := cmd.Flags().GetString(flagIdempotencyKey)
			if err != nil {
				return err
			}
			if strings.TrimSpace(rawKey) == "" {
				rawKey = "topup:" + uuid.NewString()
			}
			idempotencyKey, err := unlock.NewIdempotencyKey(rawKey)
			if err != nil {
				return err
			}
			metadata, err := unlock.NewMetadataJSON(`{"source":"cli"}`)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, runtime *appRuntime) error {
				balance, err := runtime.service.TopUp(ctx, userID, amount, idempotencyKey, metadata)
				if unlock.IsDuplicate(err) {
					return fmt.Errorf("top up %s was already applied", idempotencyKey.String())
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "balance: %d\n", balance.Int64())
				return nil
			})
		},
	}
	credit.Flags().String(flagUserID, "", "user to credit")
	credit.Flags().Int64(flagCoins, 0, "coins to add")
	credit.Flags().String(flagIdempotencyKey, "", "payment reference; generated when empty")
	_ = credit.MarkFlagRequired(flagUserID)
	_ = credit.MarkFlagRequired(flagCoins)

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Print a user's coin balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := userIDFlag(cmd)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, runtime *appRuntime) error {
				coins, err := runtime.service.Balance(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "balance: %d\n", coins.Int64())
				return nil
			})
		},
	}
	balance.Flags().String(flagUserID, "", "user to inspect")
	_ = balance.MarkFlagRequired(flagUserID)

	cmd.AddCommand(credit, balance)
	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = settings.GetString(flagDatabaseURL)
	cfg.StoreDriver = settings.GetString(flagStoreDriver)
	cfg.HealthListenAddr = settings.GetString(flagHealthListenAddr)
	cfg.DefaultUnlockPrice = settings.GetInt64(flagDefaultUnlockPrice)
	cfg.LockBackend = settings.GetString(flagLockBackend)
	cfg.RedisAddr = settings.GetString(flagRedisAddr)
	cfg.RedisPassword = settings.GetString(flagRedisPassword)
	cfg.RedisDB = settings.GetInt(flagRedisDB)
	cfg.LockTTL = settings.GetDuration(flagLockTTL)
	cfg.LogDevelopment = settings.GetBool(flagLogDevelopment)
	cfg.HTTP = httpapi.Config{
		ListenAddr:     settings.GetString(flagListenAddr),
		AllowedOrigins: httpapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins)),
		RequestTimeout: settings.GetDuration(flagRequestTimeout),
		JWTSigningKey:  settings.GetString(flagJWTSigningKey),
		JWTIssuer:      settings.GetString(flagJWTIssuer),
	}
	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	if err := cfg.HTTP.Validate(); err != nil {
		return err
	}
	return withRuntime(ctx, cfg, func(ctx context.Context, runtime *appRuntime) error {
		health, err := healthserver.New(runtime.store, healthserver.WithLogger(runtime.logger))
		if err != nil {
			return err
		}

		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		errCh := make(chan error, 2)
		go func() {
			errCh <- health.ListenAndServe(serveCtx, cfg.HealthListenAddr)
		}()
		go func() {
			errCh <- httpapi.Run(serveCtx, cfg.HTTP, runtime.service, runtime.logger)
		}()

		var firstErr error
		for range 2 {
			if serveErr := <-errCh; serveErr != nil && firstErr == nil {
				firstErr = serveErr
				cancel()
			}
		}
		if firstErr == nil {
			runtime.logger.Info("shutdown complete")
		}
		return firstErr
	})
}

type appRuntime struct {
	logger  *zap.Logger
	store   appStore
	service *unlock.Service
	pricing *unlock.PricingService
}

// withRuntime assembles logger, store, locker and services around fn and tears them down afterwards.
func withRuntime(ctx context.Context, cfg *runtimeConfig, fn func(ctx context.Context, runtime *appRuntime) error) error {
	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeStore() }()

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLocker() }()

	pricing, err := unlock.NewPricingService(store)
	if err != nil {
		return err
	}
	price, err := pricing.Initialize(ctx, unlock.Coins(cfg.DefaultUnlockPrice))
	if err != nil {
		return fmt.Errorf("pricing init: %w", err)
	}
	logger.Debug("unlock price ready", zap.Int64("price", price.Int64()))

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := unlock.NewService(store, clock,
		unlock.WithOperationLogger(oplog.NewZapLogger(logger)),
		unlock.WithLocker(locker),
	)
	if err != nil {
		return fmt.Errorf("unlock service init: %w", err)
	}

	return fn(ctx, &appRuntime{logger: logger, store: store, service: service, pricing: pricing})
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func userIDFlag(cmd *cobra.Command) (unlock.UserID, error) {
	raw, err := cmd.Flags().GetString(flagUserID)
	if err != nil {
		return unlock.UserID{}, err
	}
	return unlock.NewUserID(raw)
}

func parseCoins(raw string) (unlock.Coins, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", unlock.ErrInvalidCoins, raw)
	}
	return unlock.NewCoins(value)
}
