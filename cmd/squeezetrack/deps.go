package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cqdev-co/portfolio-sub002/internal/config"
	"github.com/cqdev-co/portfolio-sub002/internal/continuity"
	"github.com/cqdev-co/portfolio-sub002/internal/identity"
	"github.com/cqdev-co/portfolio-sub002/internal/infrastructure/db"
	"github.com/cqdev-co/portfolio-sub002/internal/ledger"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
	"github.com/cqdev-co/portfolio-sub002/internal/persistence/memory"
	"github.com/cqdev-co/portfolio-sub002/internal/prices"
)

// deps is the wired object graph shared by the subcommands
type deps struct {
	cfg     config.Config
	repo    *persistence.Repository
	health  persistence.RepositoryHealth
	tracker *continuity.Tracker
	ledger  *ledger.Ledger

	manager *db.Manager
}

// buildDeps loads configuration and wires the repositories, tracker and
// ledger. offline forces the in-memory store regardless of configuration.
func buildDeps(offline bool) (*deps, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	d := &deps{cfg: cfg}

	switch {
	case offline || !cfg.Database.Enabled:
		if !offline {
			log.Warn().Msg("database disabled, using in-memory store (state will not survive the process)")
		}
		d.repo = memory.NewRepository()
	default:
		manager, err := db.NewManager(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		d.manager = manager
		d.repo = manager.Repository()
		d.health = manager.Health()
	}

	source, err := buildPriceSource(cfg)
	if err != nil {
		return nil, err
	}

	d.tracker = continuity.NewTracker(d.repo.Signals, identity.NewResolver(), cfg.Tracker)
	d.ledger = ledger.New(d.repo.Performance, source, cfg.Ledger, nil)
	return d, nil
}

// buildPriceSource layers the in-process cache, and optionally redis,
// over the HTTP client. Without a configured base URL every lookup
// reports unavailable and closes defer, which keeps offline runs safe.
func buildPriceSource(cfg config.Config) (prices.Source, error) {
	if cfg.Prices.BaseURL == "" {
		log.Warn().Msg("no price source configured, ledger closes will defer")
		return unavailableSource{}, nil
	}

	client, err := prices.NewHTTPSource(cfg.Prices)
	if err != nil {
		return nil, fmt.Errorf("price client: %w", err)
	}

	var source prices.Source = prices.NewCachedSource(client, prices.NewMemoryCache(4096), cfg.Prices.CacheTTL)
	if cfg.Redis.Enabled {
		source = prices.NewCachedSource(source, prices.NewRedisCache(cfg.Redis), cfg.Redis.TTL)
	}
	return source, nil
}

type unavailableSource struct{}

func (unavailableSource) CloseOn(context.Context, string, time.Time) (float64, error) {
	return 0, prices.ErrUnavailable
}

func (unavailableSource) Series(context.Context, string, time.Time, time.Time) ([]prices.Bar, error) {
	return nil, prices.ErrUnavailable
}

func (d *deps) close() {
	if d.manager != nil {
		if err := d.manager.Close(); err != nil {
			log.Warn().Err(err).Msg("closing database")
		}
	}
}
