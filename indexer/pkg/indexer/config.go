package indexer

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/doomscroll/backend/indexer/pkg/distributor"
	"github.com/doomscroll/backend/indexer/pkg/mirror"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/indexer/pkg/usage"
)

// Ledger is everything the indexer needs from the ledger gateway.
type Ledger interface {
	mirror.Ledger
	distributor.Ledger
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *store.Store
	Ledger Ledger

	MirrorInterval      time.Duration
	DistributorInterval time.Duration
	MaxConcurrency      int

	// DisableDistribution runs the mirror and usage ledger only.
	DisableDistribution bool
	DisableEnd          bool
	DisableDiscovery    bool

	UsageSink        usage.Sink // optional
	DistributorSinks []distributor.Sink
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.MirrorInterval <= 0 {
		return errors.New("mirror interval must be greater than 0")
	}
	if !cfg.DisableDistribution && cfg.DistributorInterval <= 0 {
		return errors.New("distributor interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// workerLimit caps the per-component parallelism so the mirror and the
// distributor together leave at least one pooled connection for the API.
// A distribution pass holds one connection for its whole duration.
func workerLimit(requested, maxConns int) int {
	if maxConns <= 0 {
		return requested
	}
	budget := max(1, (maxConns-1)/2)
	if requested <= 0 || requested > budget {
		return budget
	}
	return requested
}
