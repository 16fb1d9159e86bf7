// Package app assembles the store, audit recorder and identity service from
// configuration. cmd/api and cmd/bastionctl share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
	"bastion.dev/internal/config"
	"bastion.dev/internal/history"
	"bastion.dev/internal/migrate"
	"bastion.dev/internal/obs"
	"bastion.dev/internal/stream"
	"bastion.dev/migrations"
)

type App struct {
	Config   *config.Config
	Store    history.Store
	Recorder *audit.Recorder
	Service  *auth.Service
	// Events receives every audit event the sink stored.
	Events *stream.Broker

	sql *history.SQL
}

// OpenStore opens the configured backend. The second result is nil for the
// memory backend.
func OpenStore(cfg config.StoreConfig) (history.Store, *history.SQL, error) {
	var opts []history.SQLOption
	if cfg.MaxRetries > 0 {
		opts = append(opts, history.WithMaxRetries(cfg.MaxRetries))
	}
	switch cfg.Driver {
	case "memory":
		return history.NewMemory(), nil, nil
	case "sqlite":
		s, err := history.OpenSQLite(cfg.DSN, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, s, nil
	case "postgres":
		s, err := history.OpenPostgres(cfg.DSN, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Migrator returns the migration manager for s.
func Migrator(s *history.SQL) (*migrate.Manager, error) {
	files, err := migrations.FS(s.Dialect().Name())
	if err != nil {
		return nil, err
	}
	return migrate.NewManager(s.DB(), s.Dialect().Name(), files), nil
}

// Policy converts the configured default policy.
func Policy(cfg config.PolicyConfig) auth.SecurityPolicy {
	return auth.SecurityPolicy{
		LockoutThreshold: cfg.LockoutThreshold,
		LockoutDuration:  cfg.LockoutDuration,
		SessionLifetime:  cfg.SessionLifetime,
		IdleTimeout:      cfg.IdleTimeout,
		MinSecretLength:  cfg.MinSecretLength,
	}
}

// Hasher builds the argon2id hasher; unset fields fall back to the defaults.
func Hasher(cfg config.HashConfig) auth.Hasher {
	p := auth.DefaultArgon2Params
	if cfg.Time > 0 {
		p.Time = cfg.Time
	}
	if cfg.MemoryKiB > 0 {
		p.Memory = cfg.MemoryKiB
	}
	if cfg.Threads > 0 {
		p.Threads = cfg.Threads
	}
	return auth.NewHasher(p)
}

// New opens the store, applies pending migrations when configured and starts
// the audit recorder. Close releases everything New acquired.
func New(ctx context.Context, cfg *config.Config, opts ...auth.ServiceOption) (*App, error) {
	store, sqlStore, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: store, sql: sqlStore}

	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if sqlStore != nil && cfg.Store.AutoMigrate {
		m, err := Migrator(sqlStore)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		applied, err := m.Up(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			obs.Logger().Info("migrations applied", zap.Strings("names", applied))
		}
	}

	var sink audit.Sink = audit.NewMemorySink()
	if sqlStore != nil {
		sink = audit.NewSQLSink(sqlStore.DB(), sqlStore.Dialect())
	}
	a.Events = stream.New()
	a.Recorder = audit.NewRecorder(stream.NewTee(sink, a.Events),
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
		audit.WithFallback(audit.NewFallbackLogger(audit.FallbackConfig{
			Path:       cfg.Audit.FallbackPath,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		})),
	)

	base := []auth.ServiceOption{
		auth.WithHasher(Hasher(cfg.Hash)),
		auth.WithDefaultPolicy(Policy(cfg.Policy)),
		auth.WithPolicyCacheTTL(cfg.Policy.CacheTTL),
	}
	a.Service, err = auth.NewService(store, a.Recorder, append(base, opts...)...)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Check reports readiness: the store must answer.
func (a *App) Check(ctx context.Context) error {
	return a.Store.Ping(ctx)
}

// Close drains the audit queue and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Recorder != nil {
		errs = append(errs, a.Recorder.Close(ctx))
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
