// Package distributor drives ended challenges to a single payout on the
// ledger. It owns the Active to Ended transition for expired challenges and
// the Ended to Distributed transition.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/doomscroll/backend/indexer/pkg/ledger/gateway"
	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
	"github.com/doomscroll/backend/indexer/pkg/metrics"
	"github.com/doomscroll/backend/indexer/pkg/resolver"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/utils/pkg/errtrack"
)

const viewType = "distributor"

// Ledger is the part of the ledger gateway the coordinator drives.
type Ledger interface {
	FetchChallenge(ctx context.Context, addr solana.PublicKey) (*program.Challenge, error)
	BuildDistribution(ctx context.Context, challenge solana.PublicKey, winners []program.Winner) (*gateway.Submission, error)
	Send(ctx context.Context, sub *gateway.Submission) error
	ConfirmTransaction(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error
	TransactionStatus(ctx context.Context, sig solana.Signature) (gateway.TxState, error)
	Expired(ctx context.Context, lastValidBlockHeight uint64) (bool, error)
	EndChallenge(ctx context.Context, challenge solana.PublicKey) (solana.Signature, error)
}

type Config struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Ledger          Ledger
	Store           *store.Store
	Resolver        *resolver.Resolver
	RefreshInterval time.Duration

	// Concurrency bounds the number of challenges processed in parallel.
	Concurrency int

	// DisableEnd stops the coordinator from sending end_challenge for
	// expired challenges; it then waits for another party to end them.
	DisableEnd bool

	// Sinks receive a receipt for every completed distribution.
	Sinks []Sink
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Coordinator struct {
	log   *slog.Logger
	cfg   Config
	store *store.Store

	runMu sync.Mutex

	// active holds the ids of challenges being processed in this process.
	activeMu sync.Mutex
	active   map[int64]struct{}

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		log:     cfg.Logger,
		cfg:     cfg,
		store:   cfg.Store,
		active:  make(map[int64]struct{}),
		readyCh: make(chan struct{}),
	}, nil
}

func (c *Coordinator) Ready() bool {
	select {
	case <-c.readyCh:
		return true
	default:
		return false
	}
}

func (c *Coordinator) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for distributor: %w", ctx.Err())
	}
}

func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		c.log.Info("distributor: starting refresh loop", "interval", c.cfg.RefreshInterval)

		c.safeRun(ctx)

		ticker := c.cfg.Clock.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.safeRun(ctx)
			}
		}
	}()
}

func (c *Coordinator) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("distributor: run panicked", "panic", r)
			metrics.ViewRefreshTotal.WithLabelValues(viewType, "panic").Inc()
			errtrack.Recovered(ctx, r, viewType)
		}
	}()

	if err := c.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Error("distributor: run failed", "error", err)
	}
}

// Run performs one pass: expired Active challenges are ended, then every
// Ended challenge is distributed. A pass that finds the previous one still
// running returns immediately.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.runMu.TryLock() {
		c.log.Debug("distributor: previous run still running, skipping")
		metrics.ViewRefreshSkippedTotal.WithLabelValues(viewType).Inc()
		return nil
	}
	defer c.runMu.Unlock()

	runStart := time.Now()
	defer func() {
		duration := time.Since(runStart)
		c.log.Debug("distributor: run completed", "duration", duration.String())
		metrics.ViewRefreshDuration.WithLabelValues(viewType).Observe(duration.Seconds())
	}()

	if err := c.EndExpired(ctx); err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
		return err
	}

	ended, err := c.store.ListChallengesByStatus(ctx, store.StatusEnded)
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
		return fmt.Errorf("failed to list ended challenges: %w", err)
	}
	unreconciled, err := c.store.ListUnreconciled(ctx)
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
		return err
	}
	ended = append(ended, unreconciled...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, ch := range ended {
		g.Go(func() error {
			if _, err := c.Distribute(gctx, ch.ID); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				c.log.Warn("distributor: failed to distribute challenge", "challenge_id", ch.ID, "error", err)
				metrics.EntityErrorsTotal.WithLabelValues(viewType, "distribute").Inc()
				errtrack.Capture(gctx, err, map[string]string{"component": viewType, "challenge_id": fmt.Sprint(ch.ID)})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
		return err
	}

	c.readyOnce.Do(func() {
		close(c.readyCh)
		c.log.Info("distributor: coordinator is now ready")
	})
	metrics.ViewRefreshTotal.WithLabelValues(viewType, "success").Inc()
	return nil
}

// EndExpired moves Active challenges whose end time has passed to Ended. The
// ledger is ended first unless it already shows the challenge as Ended.
func (c *Coordinator) EndExpired(ctx context.Context) error {
	open, err := c.store.ListChallengesByStatus(ctx, store.StatusActive)
	if err != nil {
		return fmt.Errorf("failed to list active challenges: %w", err)
	}

	now := c.cfg.Clock.Now()
	for _, ch := range open {
		if now.Before(ch.EndTime) {
			continue
		}
		locked, err := c.store.WithChallengeLock(ctx, ch.ID, func(ctx context.Context, st *store.Store) error {
			return c.endChallenge(ctx, st, ch)
		})
		if err == nil && !locked {
			c.log.Debug("distributor: challenge locked by another instance", "challenge_id", ch.ID)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("distributor: failed to end challenge", "challenge_id", ch.ID, "error", err)
			metrics.EntityErrorsTotal.WithLabelValues(viewType, "end").Inc()
		}
	}
	return nil
}

func (c *Coordinator) endChallenge(ctx context.Context, st *store.Store, ch store.Challenge) error {
	addr, err := solana.PublicKeyFromBase58(ch.Address)
	if err != nil {
		return fmt.Errorf("invalid challenge address %q: %w", ch.Address, err)
	}

	acc, err := c.cfg.Ledger.FetchChallenge(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to fetch challenge: %w", err)
	}

	switch acc.Status {
	case program.StatusActive:
		if c.cfg.DisableEnd {
			return nil
		}
		sig, err := c.cfg.Ledger.EndChallenge(ctx, addr)
		if err != nil {
			return fmt.Errorf("failed to end challenge on ledger: %w", err)
		}
		c.log.Info("distributor: ended challenge on ledger", "challenge_id", ch.ID, "signature", sig)
	case program.StatusEnded:
	default:
		// Already Distributed; the mirror catches up on its next pass.
		return nil
	}

	if err := st.TransitionStatus(ctx, ch.ID, store.StatusActive, store.StatusEnded); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	return nil
}

func (c *Coordinator) tryAcquire(id int64) bool {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if _, ok := c.active[id]; ok {
		return false
	}
	c.active[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id int64) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	delete(c.active, id)
}
