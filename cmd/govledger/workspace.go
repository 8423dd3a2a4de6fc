package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"cosmossdk.io/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidahmann/govledger/core/consent"
	"github.com/davidahmann/govledger/core/ledger"
	"github.com/davidahmann/govledger/core/manifest"
	"github.com/davidahmann/govledger/core/overlay"
	"github.com/davidahmann/govledger/core/pgstore"
	"github.com/davidahmann/govledger/core/projectconfig"
	"github.com/davidahmann/govledger/core/sign"
)

// logOutput is swapped in tests to keep command output clean.
var logOutput io.Writer = os.Stderr

// workspace is everything one command needs: config, logger, the open ledger
// and an overlay bound to the configured stores.
type workspace struct {
	config  projectconfig.Config
	logger  log.Logger
	ledger  *ledger.Ledger
	replay  ledger.IntegrityResult
	overlay *overlay.Overlay
	pool    *pgxpool.Pool
}

// openWorkspace loads config and opens the ledger and stores. Only a
// long-running server may use the memory backend: a one-shot command would
// append ledger events for stores that vanish when it exits.
func openWorkspace(ctx context.Context, configPath string, serving bool) (*workspace, error) {
	configuration, err := projectconfig.Load(configPath, true)
	if err != nil {
		return nil, invalidConfig(err)
	}
	if configuration.Stores.Backend == projectconfig.BackendMemory && !serving {
		return nil, invalidConfig(fmt.Errorf("stores.backend %q is only supported by serve", projectconfig.BackendMemory))
	}
	logger, err := newLogger(configuration, logOutput)
	if err != nil {
		return nil, invalidConfig(err)
	}
	signing, hasSigning, err := sign.LoadSigningKey(configuration.KeyConfig())
	if err != nil {
		return nil, invalidConfig(fmt.Errorf("signing key: %w", err))
	}
	verifyKey, _, err := sign.LoadVerifyKey(configuration.KeyConfig())
	if err != nil {
		return nil, invalidConfig(fmt.Errorf("verify key: %w", err))
	}

	l, replay, err := ledger.OpenFile(configuration.Ledger.Path)
	if err != nil {
		return nil, err
	}
	if !replay.Valid {
		logger.Error("ledger replay failed verification", "path", configuration.Ledger.Path, "failure", replay.Failure, "detail", replay.Detail)
	}
	ws := &workspace{config: configuration, logger: logger, ledger: l, replay: replay}

	policies, manifests, err := ws.openStores(ctx)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	options := overlay.Options{
		Ledger:    l,
		Policies:  policies,
		Manifests: manifests,
		Logger:    logger,
		VerifyKey: verifyKey,
	}
	if hasSigning {
		options.SigningKey = signing.Private
	}
	ws.overlay, err = overlay.New(options)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	return ws, nil
}

func (ws *workspace) openStores(ctx context.Context) (consent.Store, manifest.Store, error) {
	switch ws.config.Stores.Backend {
	case projectconfig.BackendMemory:
		return consent.NewMemoryStore(), manifest.NewMemoryStore(), nil
	case projectconfig.BackendPostgres:
		dsn, err := ws.config.DatabaseURL()
		if err != nil {
			return nil, nil, invalidConfig(err)
		}
		pool, err := pgstore.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		ws.pool = pool
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return nil, nil, err
		}
		return pgstore.NewPolicyStore(pool), pgstore.NewManifestStore(pool), nil
	default:
		policies, err := consent.NewFileStore(ws.config.Stores.PolicyDir)
		if err != nil {
			return nil, nil, err
		}
		manifests, err := manifest.NewFileStore(ws.config.Stores.ManifestDir)
		if err != nil {
			return nil, nil, err
		}
		return policies, manifests, nil
	}
}

func (ws *workspace) Close() error {
	if ws.pool != nil {
		ws.pool.Close()
	}
	return ws.ledger.Close()
}

func newLogger(configuration projectconfig.Config, out io.Writer) (log.Logger, error) {
	level, err := configuration.LogLevel()
	if err != nil {
		return nil, err
	}
	options := []log.Option{log.LevelOption(level)}
	if configuration.Log.Format == projectconfig.FormatJSON {
		options = append(options, log.OutputJSONOption())
	}
	return log.NewLogger(out, options...).With("service", "govledger"), nil
}

func invalidConfig(err error) error {
	return wrapInvalid(fmt.Errorf("workspace config: %w", err))
}

