package distributor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/doomscroll/backend/indexer/pkg/ledger/gateway"
	"github.com/doomscroll/backend/indexer/pkg/ledger/ledgertest"
	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
	"github.com/doomscroll/backend/indexer/pkg/mirror"
	"github.com/doomscroll/backend/indexer/pkg/resolver"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/indexer/pkg/store/storetest"
	doomtesting "github.com/doomscroll/backend/utils/pkg/testing"
)

const (
	startUnix = 1_700_000_000
	endUnix   = 1_700_086_400
)

type recordingSink struct {
	mu       sync.Mutex
	receipts []Receipt
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) RecordDistribution(_ context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

type testEnv struct {
	ledger *ledgertest.Ledger
	store  *store.Store
	mirror *mirror.View
	coord  *Coordinator
	clock  *clockwork.FakeClock
	sink   *recordingSink
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, testStore(t), mutate...)
}

func newTestEnvWithStore(t *testing.T, s *store.Store, mutate ...func(*Config)) *testEnv {
	t.Helper()
	log := doomtesting.NewLogger()
	ledger := ledgertest.New()
	clock := clockwork.NewFakeClockAt(time.Unix(startUnix, 0).Add(time.Hour))

	m, err := mirror.NewView(mirror.ViewConfig{
		Logger:           log,
		Clock:            clock,
		Ledger:           ledger,
		Store:            s,
		RefreshInterval:  time.Minute,
		DisableDiscovery: true,
	})
	require.NoError(t, err)

	r, err := resolver.New(resolver.Config{Logger: log, Store: s})
	require.NoError(t, err)

	sink := &recordingSink{}
	cfg := Config{
		Logger:          log,
		Clock:           clock,
		Ledger:          ledger,
		Store:           s,
		Resolver:        r,
		RefreshInterval: time.Minute,
		Sinks:           []Sink{sink},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	coord, err := New(cfg)
	require.NoError(t, err)

	return &testEnv{ledger: ledger, store: s, mirror: m, coord: coord, clock: clock, sink: sink}
}

// addChallenge creates a challenge on the ledger with one participant per
// entry of usage, mirrors it, and records the usage. A negative entry means
// the participant never reported.
func (e *testEnv) addChallenge(t *testing.T, status program.Status, usage ...int32) (solana.PublicKey, int64, []string) {
	t.Helper()
	ctx := t.Context()

	addr, seq := e.ledger.AddChallenge(program.Challenge{
		EntryFee:      100,
		DoomThreshold: 60,
		StartTime:     startUnix,
		EndTime:       endUnix,
		Status:        status,
	})
	var wallets []string
	for range usage {
		pa := e.ledger.AddParticipant(addr, 100, false)
		wallets = append(wallets, pa.Account.User.String())
	}

	_, err := e.mirror.Sync(ctx, addr, seq)
	require.NoError(t, err)

	for i, m := range usage {
		if m < 0 {
			continue
		}
		_, err := e.store.InsertUsageReport(ctx, store.UsageReport{
			Wallet:      wallets[i],
			ChallengeID: int64(seq),
			Minutes:     m,
			ReportedAt:  time.Unix(startUnix, 0).Add(time.Hour),
		})
		require.NoError(t, err)
	}
	return addr, int64(seq), wallets
}

func (e *testEnv) challenge(t *testing.T, id int64) *store.Challenge {
	t.Helper()
	c, err := e.store.GetChallenge(t.Context(), id)
	require.NoError(t, err)
	return c
}

func (e *testEnv) attempts(t *testing.T, id int64) []store.DistributionAttempt {
	t.Helper()
	as, err := e.store.ListAttempts(t.Context(), id)
	require.NoError(t, err)
	return as
}

func TestDistributor_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.EqualError(t, err, "logger is required")

	_, err = New(Config{Logger: doomtesting.NewLogger()})
	require.EqualError(t, err, "ledger is required")

	_, err = New(Config{Logger: doomtesting.NewLogger(), Ledger: ledgertest.New()})
	require.EqualError(t, err, "store is required")
}

func TestDistributor_Distribute(t *testing.T) {
	t.Parallel()

	t.Run("pays participants under the threshold", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		addr, id, wallets := e.addChallenge(t, program.StatusEnded, 45, 61, 59)

		out, err := e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeDistributed, out)

		paid := map[string]bool{}
		for _, w := range e.ledger.Distributed(addr) {
			paid[w.Payout.String()] = true
		}
		require.Equal(t, map[string]bool{wallets[0]: true, wallets[2]: true}, paid)
		require.Equal(t, program.StatusDistributed, e.ledger.Status(addr))

		c := e.challenge(t, id)
		require.Equal(t, store.StatusDistributed, c.Status)
		require.NotNil(t, c.DistributionTx)
		require.NotNil(t, c.DistributedAt)

		attempts := e.attempts(t, id)
		require.Len(t, attempts, 1)
		require.Equal(t, store.AttemptConfirmed, attempts[0].State)
		require.Equal(t, *c.DistributionTx, *attempts[0].Signature)
		require.Len(t, attempts[0].Winners, 2)

		require.Len(t, e.sink.receipts, 1)
		require.Equal(t, int64(300), e.sink.receipts[0].Pool)
		require.Equal(t, int64(150), e.sink.receipts[0].Share)
	})

	t.Run("second run on a distributed challenge makes no ledger calls", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		_, id, _ := e.addChallenge(t, program.StatusEnded, 10)

		out, err := e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeDistributed, out)

		before := e.ledger.TotalCalls()
		out, err = e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeAlreadyDistributed, out)
		require.NoError(t, e.coord.Run(ctx))
		require.Equal(t, before, e.ledger.TotalCalls())
		require.Len(t, e.attempts(t, id), 1)
	})

	t.Run("no reports closes without a transaction", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		addr, id, _ := e.addChallenge(t, program.StatusEnded, -1, -1)

		out, err := e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeNoWinners, out)
		require.Zero(t, e.ledger.Calls("BuildDistribution"))
		require.Zero(t, e.ledger.Calls("Send"))
		require.Equal(t, program.StatusEnded, e.ledger.Status(addr))

		c := e.challenge(t, id)
		require.Equal(t, store.StatusDistributed, c.Status)
		require.Nil(t, c.DistributionTx)
		require.Empty(t, e.attempts(t, id))
		require.Len(t, e.sink.receipts, 1)
		require.Zero(t, e.sink.receipts[0].Share)
	})

	t.Run("confirmation timeout after the ledger applied the payout", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		addr, id, _ := e.addChallenge(t, program.StatusEnded, 10, 20)

		e.ledger.SendFunc = func(sub *gateway.Submission) error {
			e.ledger.Land(sub.Signature)
			return nil
		}
		e.ledger.ConfirmFunc = func(sig solana.Signature) error {
			return fmt.Errorf("%w: %s", gateway.ErrConfirmationTimeout, sig)
		}

		out, err := e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomePending, out)
		require.Equal(t, store.StatusEnded, e.challenge(t, id).Status)
		require.Equal(t, program.StatusDistributed, e.ledger.Status(addr))

		attempts := e.attempts(t, id)
		require.Len(t, attempts, 1)
		require.Equal(t, store.AttemptSubmitted, attempts[0].State)

		out, err = e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeReconciled, out)
		require.Equal(t, 1, e.ledger.Calls("Send"), "the payout is never sent twice")

		c := e.challenge(t, id)
		require.Equal(t, store.StatusDistributed, c.Status)
		require.Equal(t, *attempts[0].Signature, *c.DistributionTx)
		require.Equal(t, store.AttemptConfirmed, e.attempts(t, id)[0].State)
	})

	t.Run("waits while an unconfirmed transaction can still land", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		_, id, _ := e.addChallenge(t, program.StatusEnded, 10)

		e.ledger.SendFunc = func(*gateway.Submission) error { return nil }
		e.ledger.ConfirmFunc = func(sig solana.Signature) error {
			return fmt.Errorf("%w: %s", gateway.ErrConfirmationTimeout, sig)
		}

		out, err := e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomePending, out)

		out, err = e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomePending, out)
		require.Equal(t, 1, e.ledger.Calls("Send"))

		// Past the blockhash lifetime the old transaction is dead and a new
		// one is sent.
		e.ledger.SetBlockHeight(1_000)
		e.ledger.SendFunc = nil
		e.ledger.ConfirmFunc = nil

		out, err = e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeDistributed, out)
		require.Equal(t, 2, e.ledger.Calls("Send"))

		attempts := e.attempts(t, id)
		require.Len(t, attempts, 2)
		require.Equal(t, store.AttemptFailed, attempts[0].State)
		require.NotNil(t, attempts[0].Error)
		require.Equal(t, store.AttemptConfirmed, attempts[1].State)
	})

	t.Run("rejected transaction leaves the challenge ended", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		_, id, _ := e.addChallenge(t, program.StatusEnded, 10)

		e.ledger.SendFunc = func(*gateway.Submission) error {
			return fmt.Errorf("%w: simulation failed", gateway.ErrRejected)
		}

		out, err := e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeRejected, out)
		require.Equal(t, store.StatusEnded, e.challenge(t, id).Status)

		attempts := e.attempts(t, id)
		require.Len(t, attempts, 1)
		require.Equal(t, store.AttemptFailed, attempts[0].State)
		require.Contains(t, *attempts[0].Error, "simulation failed")
		require.Empty(t, e.sink.receipts)
	})

	t.Run("expired transaction fails the attempt", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		_, id, _ := e.addChallenge(t, program.StatusEnded, 10)

		e.ledger.SendFunc = func(*gateway.Submission) error { return nil }
		e.ledger.ConfirmFunc = func(sig solana.Signature) error {
			return fmt.Errorf("%w: %s", gateway.ErrExpired, sig)
		}

		out, err := e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeExpired, out)
		require.Equal(t, store.AttemptFailed, e.attempts(t, id)[0].State)
		require.Equal(t, store.StatusEnded, e.challenge(t, id).Status)
	})

	t.Run("challenge missing on ledger is skipped", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		addr, id, _ := e.addChallenge(t, program.StatusEnded, 10)
		e.ledger.RemoveChallenge(addr)

		out, err := e.coord.Distribute(t.Context(), id)
		require.NoError(t, err)
		require.Equal(t, OutcomeNotFound, out)
		require.Equal(t, store.StatusEnded, e.challenge(t, id).Status)
	})

	t.Run("active challenge is refused", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		_, id, _ := e.addChallenge(t, program.StatusActive, 10)

		_, err := e.coord.Distribute(t.Context(), id)
		require.ErrorIs(t, err, resolver.ErrInvariantViolation)
		require.Zero(t, e.ledger.Calls("Send"))
	})

	t.Run("challenge held by another instance", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		_, id, _ := e.addChallenge(t, program.StatusEnded, 10)

		locked, err := e.store.WithChallengeLock(ctx, id, func(ctx context.Context, _ *store.Store) error {
			out, err := e.coord.Distribute(ctx, id)
			require.NoError(t, err)
			require.Equal(t, OutcomeLocked, out)
			return nil
		})
		require.NoError(t, err)
		require.True(t, locked)
		require.Zero(t, e.ledger.Calls("Send"))
	})
}

func TestDistributor_Run(t *testing.T) {
	t.Parallel()

	t.Run("ends expired challenges and distributes them", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		addr, id, _ := e.addChallenge(t, program.StatusActive, 10)

		// Still inside the window.
		require.NoError(t, e.coord.Run(ctx))
		require.Zero(t, e.ledger.Calls("EndChallenge"))
		require.Equal(t, store.StatusActive, e.challenge(t, id).Status)
		require.True(t, e.coord.Ready())

		e.clock.Advance(48 * time.Hour)
		require.NoError(t, e.coord.Run(ctx))
		require.Equal(t, 1, e.ledger.Calls("EndChallenge"))
		require.Equal(t, program.StatusDistributed, e.ledger.Status(addr))
		require.Equal(t, store.StatusDistributed, e.challenge(t, id).Status)
	})

	t.Run("disabled end waits for the ledger", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t, func(cfg *Config) { cfg.DisableEnd = true })
		ctx := t.Context()
		addr, id, _ := e.addChallenge(t, program.StatusActive, 10)
		e.clock.Advance(48 * time.Hour)

		require.NoError(t, e.coord.Run(ctx))
		require.Zero(t, e.ledger.Calls("EndChallenge"))
		require.Equal(t, store.StatusActive, e.challenge(t, id).Status)

		e.ledger.SetStatus(addr, program.StatusEnded)
		require.NoError(t, e.coord.Run(ctx))
		require.Equal(t, store.StatusDistributed, e.challenge(t, id).Status)
	})

	t.Run("end skips a challenge locked by another instance", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		addr, id, _ := e.addChallenge(t, program.StatusActive, 10)
		e.clock.Advance(48 * time.Hour)

		locked, err := e.store.WithChallengeLock(ctx, id, func(context.Context, *store.Store) error {
			return e.coord.EndExpired(ctx)
		})
		require.NoError(t, err)
		require.True(t, locked)
		require.Zero(t, e.ledger.Calls("EndChallenge"))
		require.Equal(t, program.StatusActive, e.ledger.Status(addr))
		require.Equal(t, store.StatusActive, e.challenge(t, id).Status)

		require.NoError(t, e.coord.EndExpired(ctx))
		require.Equal(t, 1, e.ledger.Calls("EndChallenge"))
		require.Equal(t, store.StatusEnded, e.challenge(t, id).Status)
	})

	t.Run("settles a payout the mirror saw first", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		addr, id, _ := e.addChallenge(t, program.StatusEnded, 10)

		e.ledger.SendFunc = func(sub *gateway.Submission) error {
			e.ledger.Land(sub.Signature)
			return nil
		}
		e.ledger.ConfirmFunc = func(sig solana.Signature) error {
			return fmt.Errorf("%w: %s", gateway.ErrConfirmationTimeout, sig)
		}
		out, err := e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomePending, out)

		_, err = e.mirror.Sync(ctx, addr, uint64(id))
		require.NoError(t, err)
		c := e.challenge(t, id)
		require.Equal(t, store.StatusDistributed, c.Status)
		require.Nil(t, c.DistributionTx)

		require.NoError(t, e.coord.Run(ctx))
		c = e.challenge(t, id)
		require.NotNil(t, c.DistributionTx)
		require.Equal(t, store.AttemptConfirmed, e.attempts(t, id)[0].State)
		require.Equal(t, 1, e.ledger.Calls("Send"))
	})

	t.Run("payout through another transaction fails the unlanded attempt", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		ctx := t.Context()
		addr, id, _ := e.addChallenge(t, program.StatusEnded, 10)

		e.ledger.SendFunc = func(*gateway.Submission) error { return nil }
		e.ledger.ConfirmFunc = func(sig solana.Signature) error {
			return fmt.Errorf("%w: %s", gateway.ErrConfirmationTimeout, sig)
		}
		out, err := e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomePending, out)

		// Another party paid out; the recorded transaction never landed.
		e.ledger.SetStatus(addr, program.StatusDistributed)

		out, err = e.coord.Distribute(ctx, id)
		require.NoError(t, err)
		require.Equal(t, OutcomeReconciled, out)
		require.Positive(t, e.ledger.Calls("TransactionStatus"))

		c := e.challenge(t, id)
		require.Equal(t, store.StatusDistributed, c.Status)
		require.Nil(t, c.DistributionTx)
		attempts := e.attempts(t, id)
		require.Len(t, attempts, 1)
		require.Equal(t, store.AttemptFailed, attempts[0].State)
	})

	t.Run("single connection pool does not stall locked passes", func(t *testing.T) {
		t.Parallel()
		e := newTestEnvWithStore(t, storetest.NewWithMaxConns(t, sharedDB, 1), func(cfg *Config) { cfg.Concurrency = 4 })
		ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
		defer cancel()

		ids := make([]int64, 0, 3)
		for range 3 {
			_, id, _ := e.addChallenge(t, program.StatusEnded, 10)
			ids = append(ids, id)
		}

		require.NoError(t, e.coord.Run(ctx))
		require.NoError(t, ctx.Err())
		for _, id := range ids {
			require.Equal(t, store.StatusDistributed, e.challenge(t, id).Status)
		}
	})
}
