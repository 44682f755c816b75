package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/doomscroll/backend/indexer/pkg/ledger/ledgertest"
	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
	"github.com/doomscroll/backend/indexer/pkg/store"
	doomtesting "github.com/doomscroll/backend/utils/pkg/testing"
)

func newTestView(t *testing.T, ledger *ledgertest.Ledger, s *store.Store) *View {
	t.Helper()
	v, err := NewView(ViewConfig{
		Logger:          doomtesting.NewLogger(),
		Clock:           clockwork.NewFakeClock(),
		Ledger:          ledger,
		Store:           s,
		RefreshInterval: time.Second,
	})
	require.NoError(t, err)
	return v
}

func testChallenge(status program.Status) program.Challenge {
	return program.Challenge{
		EntryFee:      100,
		DoomThreshold: 60,
		StartTime:     1_700_000_000,
		EndTime:       1_700_086_400,
		Status:        status,
	}
}

func TestMirror_ViewConfig_Validate(t *testing.T) {
	t.Parallel()

	_, err := NewView(ViewConfig{})
	require.EqualError(t, err, "logger is required")

	_, err = NewView(ViewConfig{Logger: doomtesting.NewLogger()})
	require.EqualError(t, err, "ledger is required")

	_, err = NewView(ViewConfig{Logger: doomtesting.NewLogger(), Ledger: ledgertest.New()})
	require.EqualError(t, err, "store is required")
}

func TestMirror_View_Ready(t *testing.T) {
	t.Parallel()

	ledger := ledgertest.New()
	v := newTestView(t, ledger, testStore(t))
	require.False(t, v.Ready(), "view should not be ready before first refresh")

	require.NoError(t, v.Refresh(t.Context()))
	require.True(t, v.Ready(), "view should be ready after successful refresh")

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, v.WaitReady(ctx))
}

func TestMirror_View_WaitReady_Cancelled(t *testing.T) {
	t.Parallel()

	v := newTestView(t, ledgertest.New(), testStore(t))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := v.WaitReady(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Contains(t, err.Error(), "mirror view")
}

func TestMirror_SyncChallenge(t *testing.T) {
	t.Parallel()

	t.Run("absent on ledger returns nil and keeps local row", func(t *testing.T) {
		t.Parallel()

		ledger := ledgertest.New()
		s := testStore(t)
		v := newTestView(t, ledger, s)
		ctx := t.Context()

		addr, seq := ledger.AddChallenge(testChallenge(program.StatusActive))
		c, err := v.SyncChallenge(ctx, addr, seq)
		require.NoError(t, err)
		require.NotNil(t, c)

		ledger.RemoveChallenge(addr)
		c, err = v.SyncChallenge(ctx, addr, seq)
		require.NoError(t, err)
		require.Nil(t, c)

		local, err := s.GetChallenge(ctx, int64(seq))
		require.NoError(t, err)
		require.Equal(t, store.StatusActive, local.Status)
	})

	t.Run("status is monotonic across syncs", func(t *testing.T) {
		t.Parallel()

		ledger := ledgertest.New()
		s := testStore(t)
		v := newTestView(t, ledger, s)
		ctx := t.Context()

		addr, seq := ledger.AddChallenge(testChallenge(program.StatusEnded))
		c, err := v.SyncChallenge(ctx, addr, seq)
		require.NoError(t, err)
		require.Equal(t, store.StatusEnded, c.Status)

		// A lagging RPC node can report an older status.
		ledger.SetStatus(addr, program.StatusActive)
		for range 3 {
			c, err = v.SyncChallenge(ctx, addr, seq)
			require.NoError(t, err)
			require.Equal(t, store.StatusEnded, c.Status)
		}

		ledger.SetStatus(addr, program.StatusDistributed)
		c, err = v.SyncChallenge(ctx, addr, seq)
		require.NoError(t, err)
		require.Equal(t, store.StatusDistributed, c.Status)
	})

	t.Run("maps ledger fields", func(t *testing.T) {
		t.Parallel()

		ledger := ledgertest.New()
		v := newTestView(t, ledger, testStore(t))

		in := testChallenge(program.StatusActive)
		addr, seq := ledger.AddChallenge(in)
		c, err := v.SyncChallenge(t.Context(), addr, seq)
		require.NoError(t, err)
		require.Equal(t, addr.String(), c.Address)
		require.Equal(t, int64(100), c.EntryFee)
		require.Equal(t, int64(60), c.ThresholdMinutes)
		require.Equal(t, time.Unix(1_700_086_400, 0).UTC(), c.EndTime.UTC())
	})

	t.Run("transient errors propagate", func(t *testing.T) {
		t.Parallel()

		ledger := ledgertest.New()
		v := newTestView(t, ledger, testStore(t))
		addr, seq := ledger.AddChallenge(testChallenge(program.StatusActive))

		boom := errors.New("boom")
		ledger.FetchErr = boom
		_, err := v.SyncChallenge(t.Context(), addr, seq)
		require.ErrorIs(t, err, boom)
	})
}

func TestMirror_SyncParticipants(t *testing.T) {
	t.Parallel()

	ledger := ledgertest.New()
	s := testStore(t)
	v := newTestView(t, ledger, s)
	ctx := t.Context()

	addr, seq := ledger.AddChallenge(testChallenge(program.StatusActive))
	a := ledger.AddParticipant(addr, 100, false)
	ledger.AddParticipant(addr, 100, true)

	_, err := v.SyncChallenge(ctx, addr, seq)
	require.NoError(t, err)

	n, err := v.SyncParticipants(ctx, int64(seq), addr)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Idempotent.
	n, err = v.SyncParticipants(ctx, int64(seq), addr)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ps, err := s.ListParticipants(ctx, int64(seq))
	require.NoError(t, err)
	require.Len(t, ps, 2)

	p, err := s.GetParticipant(ctx, a.Account.User.String(), int64(seq))
	require.NoError(t, err)
	require.Equal(t, a.Address.String(), p.Address)
	require.False(t, p.Disqualified)

	c, err := s.GetChallenge(ctx, int64(seq))
	require.NoError(t, err)
	require.Equal(t, int64(200), c.TotalPool)

	t.Run("skips accounts outside the participant PDA", func(t *testing.T) {
		addr, seq := ledger.AddChallenge(testChallenge(program.StatusActive))
		ledger.AddParticipant(addr, 100, false)
		ledger.AddParticipantAt(addr, solana.NewWallet().PublicKey(), 5_000)

		_, err := v.SyncChallenge(ctx, addr, seq)
		require.NoError(t, err)
		n, err := v.SyncParticipants(ctx, int64(seq), addr)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		c, err := s.GetChallenge(ctx, int64(seq))
		require.NoError(t, err)
		require.Equal(t, int64(100), c.TotalPool)
	})
}

func TestMirror_View_Refresh(t *testing.T) {
	t.Parallel()

	t.Run("discovers ledger challenges", func(t *testing.T) {
		t.Parallel()

		ledger := ledgertest.New()
		s := testStore(t)
		v := newTestView(t, ledger, s)
		ctx := t.Context()

		in := testChallenge(program.StatusActive)
		in.Creator = solana.NewWallet().PublicKey()
		_, _ = ledger.AddChallenge(in)
		addr1, seq1 := ledger.AddChallenge(in)
		ledger.AddParticipant(addr1, 100, false)

		require.NoError(t, v.Refresh(ctx))

		all, err := s.ListChallengesByStatus(ctx, store.StatusActive)
		require.NoError(t, err)
		require.Len(t, all, 2)

		c, err := s.GetChallengeByAddress(ctx, addr1.String())
		require.NoError(t, err)
		require.Equal(t, int64(seq1), c.ID)
		require.Equal(t, int64(100), c.TotalPool)
	})

	t.Run("refreshes open challenges only", func(t *testing.T) {
		t.Parallel()

		ledger := ledgertest.New()
		s := testStore(t)
		v := newTestView(t, ledger, s)
		ctx := t.Context()

		addr, _ := ledger.AddChallenge(testChallenge(program.StatusActive))
		require.NoError(t, v.Refresh(ctx))

		ledger.SetStatus(addr, program.StatusDistributed)
		require.NoError(t, v.Refresh(ctx))
		c, err := s.GetChallengeByAddress(ctx, addr.String())
		require.NoError(t, err)
		require.Equal(t, store.StatusDistributed, c.Status)

		before := ledger.Calls("FetchChallenge")
		require.NoError(t, v.Refresh(ctx))
		require.Equal(t, before, ledger.Calls("FetchChallenge"), "distributed challenges are not re-fetched")
	})

	t.Run("one failing challenge does not abort the batch", func(t *testing.T) {
		t.Parallel()

		ledger := ledgertest.New()
		s := testStore(t)
		v, err := NewView(ViewConfig{
			Logger:           doomtesting.NewLogger(),
			Ledger:           ledger,
			Store:            s,
			RefreshInterval:  time.Second,
			DisableDiscovery: true,
		})
		require.NoError(t, err)
		ctx := t.Context()

		addrA, seqA := ledger.AddChallenge(testChallenge(program.StatusActive))
		addrB, seqB := ledger.AddChallenge(testChallenge(program.StatusActive))
		_, err = v.Sync(ctx, addrA, seqA)
		require.NoError(t, err)
		_, err = v.Sync(ctx, addrB, seqB)
		require.NoError(t, err)

		// Corrupt A's mirrored address so its refresh fails.
		_, err = s.UpsertChallenge(ctx, store.ChallengeUpsert{
			ID: int64(seqA), Address: "not-a-key", Creator: "c", Verifier: "v",
			StartTime: time.Unix(0, 0), EndTime: time.Unix(1, 0),
		})
		require.NoError(t, err)

		ledger.SetStatus(addrB, program.StatusEnded)
		require.NoError(t, v.Refresh(ctx))

		c, err := s.GetChallengeByAddress(ctx, addrB.String())
		require.NoError(t, err)
		require.Equal(t, store.StatusEnded, c.Status)
	})
}

func TestMirror_SyncByID(t *testing.T) {
	t.Parallel()

	ledger := ledgertest.New()
	s := testStore(t)
	v := newTestView(t, ledger, s)
	ctx := t.Context()

	_, err := v.SyncByID(ctx, 42)
	require.ErrorIs(t, err, store.ErrNotFound)

	in := testChallenge(program.StatusActive)
	addr, seq := ledger.AddChallenge(in)
	c, err := v.SyncByCreator(ctx, ledgerCreator(t, ledger, addr), seq)
	require.NoError(t, err)
	require.NotNil(t, c)

	ledger.SetStatus(addr, program.StatusEnded)
	c, err = v.SyncByID(ctx, int64(seq))
	require.NoError(t, err)
	require.Equal(t, store.StatusEnded, c.Status)
}

func ledgerCreator(t *testing.T, ledger *ledgertest.Ledger, addr solana.PublicKey) solana.PublicKey {
	t.Helper()
	accounts, err := ledger.ListChallenges(t.Context())
	require.NoError(t, err)
	for _, a := range accounts {
		if a.Address.Equals(addr) {
			return a.Account.Creator
		}
	}
	t.Fatalf("challenge %s not on ledger", addr)
	return solana.PublicKey{}
}
