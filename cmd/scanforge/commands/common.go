// Package commands implements CLI command handlers for scanforge.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/scanforge/scanforge/internal/config"
	"github.com/scanforge/scanforge/internal/datastore"
	"github.com/scanforge/scanforge/internal/scheduler"
	"github.com/scanforge/scanforge/internal/store"
	"github.com/scanforge/scanforge/internal/store/memstore"
	"github.com/scanforge/scanforge/internal/store/redisstore"
)

// newLogger builds the process logger.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore connects to the configured shared store, falling back to the
// embedded store when no address is configured.
func openStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.Core.Redis.Addr != "" {
		s, openErr := redisstore.New(cfg.Core.Redis.Addr, cfg.Core.Redis.DB)
		if openErr != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Core.Redis.Addr, openErr)
		}

		return s, nil
	}

	log.Warn("no redis address configured, using embedded store; state is not shared across processes")

	return memstore.New()
}

// catalogSource resolves where the service catalog comes from: the
// configured catalog file, or the datastore's service collection.
func catalogSource(cfg *config.Config, ds datastore.Store) (datastore.Services, error) {
	if cfg.Catalog.Path == "" {
		return ds.Services(), nil
	}

	services, loadErr := scheduler.LoadCatalogFile(cfg.Catalog.Path)
	if loadErr != nil {
		return nil, loadErr
	}

	return scheduler.StaticServices(services), nil
}
