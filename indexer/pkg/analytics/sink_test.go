package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	clickhousetesting "github.com/doomscroll/backend/indexer/pkg/clickhouse/testing"
	"github.com/doomscroll/backend/indexer/pkg/distributor"
	"github.com/doomscroll/backend/indexer/pkg/store"
	doomtesting "github.com/doomscroll/backend/utils/pkg/testing"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	conn, _ := clickhousetesting.NewTestDatabase(t, sharedDB)
	s, err := New(Config{
		Logger:     doomtesting.NewLogger(),
		Clock:      clockwork.NewFakeClockAt(time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)),
		Conn:       conn,
		SyncInsert: true,
	})
	require.NoError(t, err)
	return s
}

func TestAnalytics_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.EqualError(t, err, "logger is required")

	_, err = New(Config{Logger: doomtesting.NewLogger()})
	require.EqualError(t, err, "clickhouse connection is required")
}

func TestAnalytics_RecordUsageReport(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)
	ctx := t.Context()

	day1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	for _, r := range []store.UsageReport{
		{ID: uuid.New(), Wallet: "a", ChallengeID: 1, Minutes: 20, Breakdown: map[string]int32{"x": 20}, ReportedAt: day1},
		{ID: uuid.New(), Wallet: "b", ChallengeID: 1, Minutes: 15, ReportedAt: day1.Add(time.Hour)},
		{ID: uuid.New(), Wallet: "a", ChallengeID: 1, Minutes: 5, ReportedAt: day2},
		{ID: uuid.New(), Wallet: "a", ChallengeID: 2, Minutes: 99, ReportedAt: day2},
	} {
		require.NoError(t, s.RecordUsageReport(ctx, r))
	}

	days, err := s.DailyUsage(ctx, 1)
	require.NoError(t, err)
	require.Len(t, days, 2)
	require.Equal(t, int64(35), days[0].Minutes)
	require.Equal(t, uint64(2), days[0].Reports)
	require.Equal(t, int64(5), days[1].Minutes)
}

func TestAnalytics_RecordDistribution(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)
	ctx := t.Context()

	require.NoError(t, s.RecordDistribution(ctx, distributor.Receipt{
		ChallengeID:   7,
		Address:       "addr",
		Signature:     "sig",
		Pool:          300,
		Share:         150,
		Winners:       []distributor.ReceiptWinner{{Wallet: "a"}, {Wallet: "c"}},
		DistributedAt: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
	}))

	rows, err := s.cfg.Conn.Query(ctx, `SELECT winner_count, winners, share FROM fact_distributions WHERE challenge_id = 7`)
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var count uint32
	var winners []string
	var share int64
	require.NoError(t, rows.Scan(&count, &winners, &share))
	require.Equal(t, uint32(2), count)
	require.Equal(t, []string{"a", "c"}, winners)
	require.Equal(t, int64(150), share)
	require.False(t, rows.Next())
}
