package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/doomscroll/backend/indexer/pkg/ledger/gateway"
	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
	"github.com/doomscroll/backend/indexer/pkg/metrics"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/utils/pkg/errtrack"
)

const viewType = "mirror"

// Ledger is the read side of the ledger gateway used by the mirror.
type Ledger interface {
	FetchChallenge(ctx context.Context, addr solana.PublicKey) (*program.Challenge, error)
	FetchParticipants(ctx context.Context, challenge solana.PublicKey) ([]gateway.ParticipantAccount, error)
	ListChallenges(ctx context.Context) ([]gateway.ChallengeAccount, error)
	FetchChallengeCount(ctx context.Context) (uint64, error)
	DeriveChallengeAddress(creator solana.PublicKey, sequenceID uint64) (solana.PublicKey, error)
	DeriveParticipantAddress(challenge, user solana.PublicKey) (solana.PublicKey, error)
}

type ViewConfig struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Ledger          Ledger
	Store           *store.Store
	RefreshInterval time.Duration

	// Concurrency bounds the number of challenges synced in parallel.
	Concurrency int

	// DisableDiscovery skips the program account scan and only refreshes
	// challenges already mirrored.
	DisableDiscovery bool
}

func (cfg *ViewConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// View keeps the store in step with the ledger program.
type View struct {
	log       *slog.Logger
	cfg       ViewConfig
	store     *store.Store
	refreshMu sync.Mutex
	inflight  singleflight.Group

	// sequences caches discovered challenge address -> sequence id.
	seqMu     sync.Mutex
	sequences map[solana.PublicKey]uint64

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewView(cfg ViewConfig) (*View, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &View{
		log:       cfg.Logger,
		cfg:       cfg,
		store:     cfg.Store,
		sequences: make(map[solana.PublicKey]uint64),
		readyCh:   make(chan struct{}),
	}, nil
}

func (v *View) Ready() bool {
	select {
	case <-v.readyCh:
		return true
	default:
		return false
	}
}

func (v *View) WaitReady(ctx context.Context) error {
	select {
	case <-v.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for mirror view: %w", ctx.Err())
	}
}

func (v *View) Start(ctx context.Context) {
	go func() {
		v.log.Info("mirror: starting refresh loop", "interval", v.cfg.RefreshInterval)

		v.safeRefresh(ctx)

		ticker := v.cfg.Clock.NewTicker(v.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				v.safeRefresh(ctx)
			}
		}
	}()
}

func (v *View) safeRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("mirror: refresh panicked", "panic", r)
			metrics.ViewRefreshTotal.WithLabelValues(viewType, "panic").Inc()
			errtrack.Recovered(ctx, r, viewType)
		}
	}()

	if err := v.Refresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		v.log.Error("mirror: refresh failed", "error", err)
	}
}

// Refresh runs one mirror pass. A pass that finds the previous one still
// running returns immediately.
func (v *View) Refresh(ctx context.Context) error {
	if !v.refreshMu.TryLock() {
		v.log.Debug("mirror: previous refresh still running, skipping")
		metrics.ViewRefreshSkippedTotal.WithLabelValues(viewType).Inc()
		return nil
	}
	defer v.refreshMu.Unlock()

	refreshStart := time.Now()
	v.log.Debug("mirror: refresh started")
	defer func() {
		duration := time.Since(refreshStart)
		v.log.Info("mirror: refresh completed", "duration", duration.String())
		metrics.ViewRefreshDuration.WithLabelValues(viewType).Observe(duration.Seconds())
	}()

	if !v.cfg.DisableDiscovery {
		if err := v.discover(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// Discovery is best effort; mirrored challenges still refresh.
			v.log.Warn("mirror: discovery failed", "error", err)
			metrics.EntityErrorsTotal.WithLabelValues(viewType, "discover").Inc()
		}
	}

	open, err := v.store.ListChallengesByStatus(ctx, store.StatusActive, store.StatusEnded)
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
		return fmt.Errorf("failed to list open challenges: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)
	var failed int
	var failedMu sync.Mutex
	for _, c := range open {
		g.Go(func() error {
			if err := v.refreshChallenge(gctx, c); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				v.log.Warn("mirror: failed to refresh challenge", "challenge_id", c.ID, "error", err)
				failedMu.Lock()
				failed++
				failedMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
		return err
	}

	v.readyOnce.Do(func() {
		close(v.readyCh)
		v.log.Info("mirror: view is now ready")
	})

	v.log.Debug("mirror: refreshed challenges", "count", len(open), "failed", failed)
	metrics.ViewRefreshTotal.WithLabelValues(viewType, "success").Inc()
	return nil
}

func (v *View) refreshChallenge(ctx context.Context, c store.Challenge) error {
	addr, err := solana.PublicKeyFromBase58(c.Address)
	if err != nil {
		metrics.EntityErrorsTotal.WithLabelValues(viewType, "address").Inc()
		return fmt.Errorf("invalid challenge address %q: %w", c.Address, err)
	}
	_, err = v.Sync(ctx, addr, uint64(c.ID))
	return err
}

// Sync refreshes one challenge and its participants. Concurrent calls for the
// same challenge share a single ledger round trip.
func (v *View) Sync(ctx context.Context, addr solana.PublicKey, sequenceID uint64) (*store.Challenge, error) {
	res, err, _ := v.inflight.Do(strconv.FormatUint(sequenceID, 10), func() (any, error) {
		c, err := v.SyncChallenge(ctx, addr, sequenceID)
		if err != nil {
			metrics.EntityErrorsTotal.WithLabelValues(viewType, "challenge").Inc()
			return nil, err
		}
		if c == nil {
			return (*store.Challenge)(nil), nil
		}
		if _, err := v.SyncParticipants(ctx, c.ID, addr); err != nil {
			metrics.EntityErrorsTotal.WithLabelValues(viewType, "participants").Inc()
			return nil, err
		}
		return v.store.GetChallenge(ctx, c.ID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*store.Challenge), nil
}

// SyncByID re-syncs a challenge already in the store, deriving its address
// from the mirrored creator.
func (v *View) SyncByID(ctx context.Context, id int64) (*store.Challenge, error) {
	c, err := v.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	creator, err := solana.PublicKeyFromBase58(c.Creator)
	if err != nil {
		return nil, fmt.Errorf("invalid creator %q: %w", c.Creator, err)
	}
	addr, err := v.cfg.Ledger.DeriveChallengeAddress(creator, uint64(id))
	if err != nil {
		return nil, err
	}
	return v.Sync(ctx, addr, uint64(id))
}

// SyncByCreator syncs a challenge that may not be mirrored yet.
func (v *View) SyncByCreator(ctx context.Context, creator solana.PublicKey, sequenceID uint64) (*store.Challenge, error) {
	addr, err := v.cfg.Ledger.DeriveChallengeAddress(creator, sequenceID)
	if err != nil {
		return nil, err
	}
	return v.Sync(ctx, addr, sequenceID)
}
