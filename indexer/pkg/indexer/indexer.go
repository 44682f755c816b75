// Package indexer wires the mirror, usage ledger, resolver and distribution
// coordinator around one store and one ledger gateway.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/doomscroll/backend/indexer/pkg/distributor"
	"github.com/doomscroll/backend/indexer/pkg/mirror"
	"github.com/doomscroll/backend/indexer/pkg/resolver"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/indexer/pkg/usage"
)

type Indexer struct {
	log *slog.Logger
	cfg Config

	mirror      *mirror.View
	usage       *usage.Ledger
	resolver    *resolver.Resolver
	distributor *distributor.Coordinator

	startedAt time.Time
}

func New(cfg Config) (*Indexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	workers := workerLimit(cfg.MaxConcurrency, cfg.Store.MaxConns())
	if workers != cfg.MaxConcurrency {
		cfg.Logger.Warn("indexer: concurrency capped by postgres pool size", "requested", cfg.MaxConcurrency, "workers", workers, "max_conns", cfg.Store.MaxConns())
	}

	mirrorView, err := mirror.NewView(mirror.ViewConfig{
		Logger:           cfg.Logger,
		Clock:            cfg.Clock,
		Ledger:           cfg.Ledger,
		Store:            cfg.Store,
		RefreshInterval:  cfg.MirrorInterval,
		Concurrency:      workers,
		DisableDiscovery: cfg.DisableDiscovery,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mirror view: %w", err)
	}

	usageLedger, err := usage.New(usage.Config{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Store:  cfg.Store,
		Sink:   cfg.UsageSink,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create usage ledger: %w", err)
	}

	res, err := resolver.New(resolver.Config{Logger: cfg.Logger, Store: cfg.Store})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	i := &Indexer{
		log:      cfg.Logger,
		cfg:      cfg,
		mirror:   mirrorView,
		usage:    usageLedger,
		resolver: res,
	}

	if !cfg.DisableDistribution {
		i.distributor, err = distributor.New(distributor.Config{
			Logger:          cfg.Logger,
			Clock:           cfg.Clock,
			Ledger:          cfg.Ledger,
			Store:           cfg.Store,
			Resolver:        res,
			RefreshInterval: cfg.DistributorInterval,
			Concurrency:     workers,
			DisableEnd:      cfg.DisableEnd,
			Sinks:           cfg.DistributorSinks,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create distributor: %w", err)
		}
	}

	return i, nil
}

func (i *Indexer) Mirror() *mirror.View {
	return i.mirror
}

func (i *Indexer) Usage() *usage.Ledger {
	return i.usage
}

func (i *Indexer) Resolver() *resolver.Resolver {
	return i.resolver
}

// Distributor is nil when distribution is disabled.
func (i *Indexer) Distributor() *distributor.Coordinator {
	return i.distributor
}

func (i *Indexer) Store() *store.Store {
	return i.cfg.Store
}

func (i *Indexer) Ready() bool {
	mirrorReady := i.mirror.Ready()
	if i.distributor == nil {
		return mirrorReady
	}
	return mirrorReady && i.distributor.Ready()
}

// Start launches the periodic jobs. The distributor waits for the mirror's
// first pass so it never acts on an empty store.
func (i *Indexer) Start(ctx context.Context) {
	i.startedAt = i.cfg.Clock.Now()
	i.mirror.Start(ctx)
	if i.distributor == nil {
		return
	}
	go func() {
		if err := i.mirror.WaitReady(ctx); err != nil {
			return
		}
		i.log.Info("indexer: mirror ready, starting distributor", "after", i.cfg.Clock.Since(i.startedAt).String())
		i.distributor.Start(ctx)
	}()
}

func (i *Indexer) Close() error {
	return nil
}
