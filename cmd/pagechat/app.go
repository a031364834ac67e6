package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/germanamz/pagechat/pkg/appdir"
	"github.com/germanamz/pagechat/pkg/orchestrator"
	"github.com/germanamz/pagechat/pkg/prompts"
	"github.com/germanamz/pagechat/pkg/providers"
	"github.com/germanamz/pagechat/pkg/reqcache"
	"github.com/germanamz/pagechat/pkg/settings"
	"github.com/germanamz/pagechat/pkg/storage/sqlstore"
	"github.com/germanamz/pagechat/pkg/vault"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// EnvPassphrase overrides the vault's install identity.
const EnvPassphrase = "PAGECHAT_PASSPHRASE"

// app wires the pipeline over the SQLite store in the data directory.
type app struct {
	dir       appdir.Dir
	store     *sqlstore.Store
	settings  *settings.Store
	vault     *vault.Vault
	templates *prompts.Library
	cache     *reqcache.Cache
	asker     *orchestrator.Orchestrator
	log       zerolog.Logger
}

type appOptions struct {
	home    string
	verbose bool
}

// openApp opens the store and initializes settings. The orchestrator is only
// built when withPipeline is set, so key and config commands stay cheap.
func openApp(ctx context.Context, opts appOptions, withPipeline bool) (*app, error) {
	dir := appdir.Default()
	if opts.home != "" {
		dir = appdir.New(opts.home)
	}
	if err := appdir.EnsureStructure(dir); err != nil {
		return nil, err
	}

	log := newLogger(os.Stderr, opts.verbose)

	store, err := sqlstore.Open(dir.DatabasePath())
	if err != nil {
		return nil, err
	}

	a := &app{dir: dir, store: store, log: log}

	a.settings = settings.New(store, settings.WithLogger(log))
	if err := a.settings.Initialize(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	vopts := []vault.Option{vault.WithLogger(log)}
	if p := os.Getenv(EnvPassphrase); p != "" {
		vopts = append(vopts, vault.WithPassphrase(p))
	}
	a.vault = vault.New(store, vopts...)

	if migrated, err := a.vault.MigrateLegacy(ctx); err != nil {
		log.Warn().Err(err).Msg("legacy key migration failed")
	} else if len(migrated) > 0 {
		log.Info().Strs("providers", migrated).Msg("migrated legacy keys")
	}

	if !withPipeline {
		return a, nil
	}

	a.templates, err = prompts.NewLibrary(log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.cache = reqcache.New(reqcache.ConfigFrom(a.settings), reqcache.WithLogger(log))
	client := providers.NewClient(a.settings, a.vault, providers.WithLogger(log))

	a.asker = orchestrator.New(a.settings, orchestrator.DefaultChain(log, a.cache), client,
		orchestrator.WithLogger(log),
		orchestrator.WithTemplates(a.templates),
	)

	return a, nil
}

func (a *app) Close() error {
	if a.asker != nil {
		a.asker.Close()
	}
	return a.store.Close()
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
