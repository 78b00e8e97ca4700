package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/opengavel/gavel/pkg/auditlog"
	"github.com/opengavel/gavel/pkg/config"
	"github.com/opengavel/gavel/pkg/override"
	"github.com/opengavel/gavel/pkg/snapshot"
	"github.com/opengavel/gavel/pkg/stores"
	"github.com/opengavel/gavel/pkg/telemetry"
)

// app holds the wired engine components a command needs. Each command
// builds only what it uses via the accessor methods.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	logger zerolog.Logger
}

func newApp(ctx context.Context) (*app, error) {
	parser, err := config.NewParser()
	if err != nil {
		return nil, err
	}
	cfg, err := parser.Load(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfigFor())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		tel:    tel,
		store:  store,
		logger: tel.Logger.Zerolog(),
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close store")
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to shut down telemetry")
	}
}

// keyring derives every configured signing key from the master key in
// the environment and marks the configured active key.
func (a *app) keyring() (*auditlog.Keyring, error) {
	master, err := auditlog.MasterKeyFromEnv(auditlog.SigningKeyEnv)
	if err != nil {
		return nil, err
	}

	ring := auditlog.NewKeyring()
	for i := range a.cfg.Signing.Keys {
		kc := &a.cfg.Signing.Keys[i]
		notBefore, notAfter := kc.Window()
		key, err := auditlog.DeriveKey(master, kc.ID, notBefore, notAfter)
		if err != nil {
			return nil, err
		}
		if err := ring.Add(key); err != nil {
			return nil, err
		}
	}
	if err := ring.SetActive(a.cfg.Signing.ActiveKey); err != nil {
		return nil, err
	}
	return ring, nil
}

// decisionLog opens the configured JSONL log for appending, resuming
// the hash chain from the store mirror.
func (a *app) decisionLog(ctx context.Context, keys *auditlog.Keyring) (*auditlog.Log, io.Closer, error) {
	lastHash, count, err := a.store.Decisions().Last(ctx)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(a.cfg.Log.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open decision log: %w", err)
	}

	return auditlog.NewLogAt(f, keys, lastHash, count, a.logger), f, nil
}

// registry builds the override registry over the SQLite store with the
// configured capability grants.
func (a *app) registry() *override.Registry {
	return override.NewRegistry(
		a.cfg.OverrideRegistryConfig(),
		a.store.Overrides(),
		&override.StaticAuthorizer{Grants: a.cfg.Override.Grants},
		a.tel.Events,
		a.logger,
	)
}

// aggregator registers every configured source with an HTTP fetcher.
func (a *app) aggregator() (*snapshot.Aggregator, error) {
	agg := snapshot.NewAggregator(a.logger)
	for i := range a.cfg.Sources {
		sc := &a.cfg.Sources[i]
		key, err := sc.DecodedPublicKey()
		if err != nil {
			return nil, err
		}

		var transform string
		if sc.Transform != "" {
			script, err := os.ReadFile(sc.Transform)
			if err != nil {
				return nil, fmt.Errorf("failed to read transform for source %q: %w", sc.Name, err)
			}
			transform = string(script)
		}

		err = agg.Register(snapshot.Source{
			Name:      sc.Name,
			TTL:       sc.TTLDuration(),
			Fetch:     snapshot.HTTPFetch(nil, sc.URL),
			Key:       key,
			Transform: transform,
		})
		if err != nil {
			return nil, err
		}
	}
	return agg, nil
}
