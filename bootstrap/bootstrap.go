// Package bootstrap builds the delivery service graph from configuration.
// The server, worker and starter binaries share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"

	"github.com/aswathylr-builds/secure-delivery/access"
	"github.com/aswathylr-builds/secure-delivery/api"
	"github.com/aswathylr-builds/secure-delivery/catalogue"
	"github.com/aswathylr-builds/secure-delivery/codec"
	"github.com/aswathylr-builds/secure-delivery/config"
	"github.com/aswathylr-builds/secure-delivery/entitlement"
	"github.com/aswathylr-builds/secure-delivery/events"
	"github.com/aswathylr-builds/secure-delivery/gateway"
	"github.com/aswathylr-builds/secure-delivery/health"
	"github.com/aswathylr-builds/secure-delivery/ledger"
	"github.com/aswathylr-builds/secure-delivery/logging"
	"github.com/aswathylr-builds/secure-delivery/redemption"
	"github.com/aswathylr-builds/secure-delivery/store"
	"github.com/aswathylr-builds/secure-delivery/store/ldbstore"
	"github.com/aswathylr-builds/secure-delivery/store/pgstore"
	"github.com/aswathylr-builds/secure-delivery/tokens"
)

// Version is reported by the health endpoints
var Version = "dev"

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     store.Store
	Redis     *redis.Client
	Catalogue catalogue.Catalogue
	Events    events.Publisher
	Service   *access.Service

	closers []func() error
}

// New opens the store, cache and event sink and assembles the access service.
// On error everything opened so far is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	app.Store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Store.Close)

	origin, err := openCatalogue(cfg)
	if err != nil {
		return nil, err
	}
	app.Catalogue = origin
	if cfg.RedisURL != "" {
		app.Redis, err = catalogue.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, app.Redis.Close)
		app.Catalogue = catalogue.NewCached(origin, app.Redis, cfg.CatalogueCacheTTL, logger)
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaTopics)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, kp.Close)
		app.Events = kp
	} else {
		app.Events = events.NewLogPublisher(logger)
	}

	l, err := ledger.New(ledger.Dependencies{
		Config: ledger.Config{
			SigningSecret:      []byte(cfg.SigningSecret),
			ConfirmWithGateway: cfg.ConfirmWithGateway,
			GatewayTimeout:     cfg.GatewayTimeout,
			PendingGrace:       cfg.PendingGrace,
		},
		Orders:  app.Store,
		Gateway: gateway.NewClient(cfg.GatewayURL, cfg.GatewayKeyID, cfg.GatewayKeySecret, cfg.GatewayTimeout),
		Events:  app.Events,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger: %w", err)
	}

	app.Service = access.NewService(access.Dependencies{
		Catalogue:  app.Catalogue,
		Classifier: entitlement.NewClassifier(app.Store),
		Ledger:     l,
		Issuer: tokens.NewIssuer(tokens.Dependencies{
			Config: tokens.Config{DefaultTTL: cfg.TokenDefaultTTL, MaxTTL: cfg.TokenMaxTTL},
			Tokens: app.Store,
			Orders: app.Store,
			Events: app.Events,
			Logger: logger,
		}),
		Gate: redemption.NewGate(redemption.Dependencies{
			Tokens:    app.Store,
			Catalogue: app.Catalogue,
			Events:    app.Events,
			Logger:    logger,
		}),
		Events: app.Events,
		Logger: logger,
	})

	logger.InfoContext(ctx, "service assembled",
		"store", cfg.StoreDriver,
		"catalogue_cache", app.Redis != nil,
		"kafka", len(cfg.KafkaBrokers) > 0,
		"gateway_confirm", cfg.ConfirmWithGateway,
	)
	return app, nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := pgstore.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			return nil, err
		}
		if err := pgstore.RunMigrations(ctx, db); err != nil {
			return nil, err
		}
		return pgstore.New(db), nil
	case config.StoreLevelDB:
		s, err := ldbstore.Open(cfg.LevelDBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

func openCatalogue(cfg config.Config) (catalogue.Catalogue, error) {
	if cfg.CatalogueURL != "" {
		return catalogue.NewHTTPCatalogue(cfg.CatalogueURL, cfg.DefaultCurrency, cfg.CatalogueTimeout), nil
	}
	static, err := catalogue.LoadStatic(cfg.CatalogueFile, cfg.DefaultCurrency)
	if err != nil {
		return nil, err
	}
	return static, nil
}

// Close releases every resource New opened, in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Health builds a health server with the store, cache and gateway checks.
// tc may be nil when the binary has no Temporal client.
func (a *App) Health(port int, tc client.Client) *health.Server {
	hs := health.NewServer(port, Version, a.Logger)
	hs.RegisterChecker(health.NewPingChecker("store", a.Store, false))
	if a.Redis != nil {
		hs.RegisterChecker(health.NewRedisChecker(a.Redis))
	}
	hs.RegisterChecker(health.NewHTTPChecker("gateway", a.Config.GatewayURL))
	if tc != nil {
		hs.RegisterChecker(health.NewTemporalChecker(tc))
	}
	return hs
}

// HTTPHandler builds the public API router. It requires a JWT secret.
func (a *App) HTTPHandler(healthHandler http.Handler) (http.Handler, error) {
	if err := a.Config.RequireJWT(); err != nil {
		return nil, err
	}
	auth, err := api.NewAuthenticator([]byte(a.Config.JWTSecret))
	if err != nil {
		return nil, err
	}
	authz, err := api.NewAuthorizer()
	if err != nil {
		return nil, err
	}
	return api.NewRouter(api.NewHandler(api.Dependencies{
		Service:        a.Service,
		Auth:           auth,
		Authorizer:     authz,
		Health:         healthHandler,
		SweepRetention: a.Config.SweepRetention,
		Logger:         a.Logger,
	})), nil
}

// TemporalOptions returns client options carrying the service logger and,
// when enabled, the payload encryption codec.
func TemporalOptions(cfg config.Config, logger *slog.Logger) (client.Options, error) {
	opts := client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
		Logger:    logging.Temporal(logger),
	}
	if !cfg.EncryptionEnabled {
		return opts, nil
	}
	keys, err := codec.ParseKeys(cfg.EncryptionKeys)
	if err != nil {
		return client.Options{}, fmt.Errorf("failed to parse encryption keys: %w", err)
	}
	dc, err := codec.NewEncryptionDataConverter(keys)
	if err != nil {
		return client.Options{}, fmt.Errorf("failed to create encryption data converter: %w", err)
	}
	opts.DataConverter = dc
	logger.Info("payload encryption enabled", "active_key_id", keys[0].ID, "keys", len(keys))
	return opts, nil
}

// DialTemporal connects to the Temporal frontend
func DialTemporal(cfg config.Config, logger *slog.Logger) (client.Client, error) {
	opts, err := TemporalOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(opts)
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}
