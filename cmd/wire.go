package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/bnema/sessionkeeper/internal/adapters/auth"
	"github.com/bnema/sessionkeeper/internal/adapters/credstore"
	"github.com/bnema/sessionkeeper/internal/adapters/httpclient"
	statusadapter "github.com/bnema/sessionkeeper/internal/adapters/render/status"
	chainstore "github.com/bnema/sessionkeeper/internal/adapters/secrets/chain"
	memorysecrets "github.com/bnema/sessionkeeper/internal/adapters/secrets/memory"
	"github.com/bnema/sessionkeeper/internal/adapters/secrets/sealed"
	sqlitestore "github.com/bnema/sessionkeeper/internal/adapters/secrets/sqlite"
	"github.com/bnema/sessionkeeper/internal/adapters/transport/ndjson"
	wstransport "github.com/bnema/sessionkeeper/internal/adapters/transport/websocket"
	"github.com/bnema/sessionkeeper/internal/application"
	"github.com/bnema/sessionkeeper/internal/config"
	"github.com/bnema/sessionkeeper/internal/ports"
)

const (
	secretsDBName      = "secrets.db"
	identityFileName   = "identity.age"
	sealedSecretsDir   = "secrets"
	managerKeySuffix   = "/manager"
	transportWebsocket = "websocket"
)

type app struct {
	cfg            config.Config
	configPath     string
	logger         *slog.Logger
	clock          ports.Clock
	bus            *application.EventBus
	stores         []ports.CredentialStore
	coordinator    *application.RequestCoordinator
	synchronizer   *application.TokenSynchronizer
	pools          *application.ConnectionPoolManager
	api            *httpclient.Client
	statusRenderer func(statusadapter.Snapshot, statusadapter.RenderOptions) (string, error)
	now            func() time.Time
	closers        []io.Closer
}

func wireApp(ctx context.Context, configPath string, logOutput io.Writer) (*app, error) {
	cfg, usedPath, err := config.Load(viper.New(), configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Log, logOutput)
	if err != nil {
		return nil, err
	}

	clock := ports.SystemClock{}
	httpClient := &http.Client{}
	bus := application.NewEventBus(logger)

	refresher := auth.RefreshClient{
		API: auth.API{
			BaseURL:   cfg.API.BaseURL,
			TokenPath: cfg.API.TokenPath,
		},
		ClientID:       cfg.API.ClientID,
		HTTPClient:     httpClient,
		RequestTimeout: cfg.API.RequestTimeout,
		Clock:          clock,
	}

	a := &app{
		cfg:            cfg,
		configPath:     usedPath,
		logger:         logger,
		clock:          clock,
		bus:            bus,
		statusRenderer: statusadapter.Render,
		now:            clock.Now,
	}

	a.coordinator = application.NewRequestCoordinator(application.CoordinatorConfig{
		LockTimeout:      cfg.Coordinator.LockTimeout,
		CacheTime:        cfg.Coordinator.CacheTime,
		CacheExpiry:      cfg.Coordinator.CacheExpiry,
		DedupGrace:       cfg.Coordinator.DedupGrace,
		OperationTimeout: cfg.Coordinator.OperationTimeout,
		MaxRetries:       cfg.Coordinator.MaxRetries,
		Clock:            clock,
		Logger:           logger,
	})

	// The manager backend refreshes on read; its exchanges share the
	// coordinator with TokenSynchronizer.Refresh.
	managerRefresher, err := application.NewCoordinatedRefresher(a.coordinator, refresher)
	if err != nil {
		return nil, fmt.Errorf("wire refresher: %w", err)
	}

	builder := &backendBuilder{ctx: ctx, storage: cfg.Storage, refresher: managerRefresher, clock: clock}
	for _, name := range cfg.Storage.Backends {
		store, err := builder.build(name)
		if err != nil {
			_ = builder.Close()
			return nil, fmt.Errorf("wire %s credential backend: %w", name, err)
		}
		a.stores = append(a.stores, store)
	}
	a.closers = append(a.closers, builder)

	a.synchronizer = application.NewTokenSynchronizer(a.stores, a.coordinator, refresher, bus, application.SynchronizerConfig{
		ReadTimeout:   cfg.Sync.ReadTimeout,
		WriteTimeout:  cfg.Sync.WriteTimeout,
		ClearCooldown: cfg.Sync.ClearCooldown,
		Clock:         clock,
		Logger:        logger,
	})

	a.pools = application.NewConnectionPoolManager(newTransport(cfg.Stream, httpClient, clock), a.synchronizer.GetToken, bus, application.PoolConfig{
		InitialPools:        cfg.Pool.InitialPools,
		MinPools:            cfg.Pool.MinPools,
		MaxPools:            cfg.Pool.MaxPools,
		PoolCapacity:        cfg.Pool.Capacity,
		ConnectTimeout:      cfg.Pool.ConnectTimeout,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		InactivityThreshold: cfg.Pool.InactivityThreshold,
		ReconnectDelay:      cfg.Pool.ReconnectDelay,
		ReconnectRate:       rate.Limit(cfg.Pool.ReconnectRate),
		Stream: application.StreamConfig{
			URL:                  cfg.Stream.URL,
			TokenMode:            ports.TokenMode(cfg.Stream.TokenMode),
			MaxRetries:           cfg.Stream.MaxRetries,
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			MaxInactivity:        cfg.Stream.MaxInactivity,
			Clock:                clock,
			Logger:               logger,
		},
		Clock:  clock,
		Logger: logger,
	})

	a.api, err = httpclient.New(a.synchronizer, a.coordinator, httpclient.Config{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: httpClient,
		CacheTime:  cfg.Coordinator.CacheTime,
		Logger:     logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("wire api client: %w", err)
	}

	return a, nil
}

func (a *app) Close() error {
	if a.pools != nil {
		a.pools.Stop()
	}
	var errs []error
	for _, closer := range a.closers {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func newTransport(cfg config.StreamConfig, httpClient *http.Client, clock ports.Clock) ports.StreamTransport {
	if cfg.Transport == transportWebsocket {
		return wstransport.Transport{Clock: clock}
	}
	return ndjson.Transport{HTTPClient: httpClient, Clock: clock}
}

// backendBuilder opens the shared sqlite database and the keyring chain on
// first use so unused backends cost nothing.
type backendBuilder struct {
	ctx       context.Context
	storage   config.StorageConfig
	refresher ports.TokenRefresher
	clock     ports.Clock

	db      *sqlitestore.Store
	keyring ports.SecretStore
}

func (b *backendBuilder) build(name string) (ports.CredentialStore, error) {
	switch name {
	case config.BackendMemory:
		return credstore.NewMemory(name), nil
	case config.BackendSession:
		return credstore.NewSecretBacked(name, memorysecrets.NewStore(), b.storage.Key)
	case config.BackendPersistent:
		db, err := b.sqlite()
		if err != nil {
			return nil, err
		}
		return credstore.NewSecretBacked(name, db, b.storage.Key)
	case config.BackendKeyring:
		keyring, err := b.keyringStore()
		if err != nil {
			return nil, err
		}
		return credstore.NewSecretBacked(name, keyring, b.storage.Key)
	case config.BackendManager:
		db, err := b.sqlite()
		if err != nil {
			return nil, err
		}
		inner, err := credstore.NewSecretBacked(name, db, b.storage.Key+managerKeySuffix)
		if err != nil {
			return nil, err
		}
		return credstore.NewManager(inner, b.refresher, b.clock)
	default:
		return nil, fmt.Errorf("unknown credential backend %q", name)
	}
}

func (b *backendBuilder) sqlite() (*sqlitestore.Store, error) {
	if b.db != nil {
		return b.db, nil
	}
	db, err := sqlitestore.Open(b.ctx, filepath.Join(b.storage.Dir, secretsDBName))
	if err != nil {
		return nil, err
	}
	b.db = db
	return db, nil
}

func (b *backendBuilder) keyringStore() (ports.SecretStore, error) {
	if b.keyring != nil {
		return b.keyring, nil
	}
	identity, err := sealed.LoadOrCreateIdentity(filepath.Join(b.storage.Dir, identityFileName))
	if err != nil {
		return nil, err
	}
	store, err := chainstore.NewPassFirstWithSealedFallback(filepath.Join(b.storage.Dir, sealedSecretsDir), identity)
	if err != nil {
		return nil, err
	}
	b.keyring = store
	return store, nil
}

func (b *backendBuilder) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
