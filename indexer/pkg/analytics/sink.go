// Package analytics writes accepted usage reports and completed distributions
// to ClickHouse fact tables.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/doomscroll/backend/indexer/pkg/clickhouse"
	"github.com/doomscroll/backend/indexer/pkg/distributor"
	"github.com/doomscroll/backend/indexer/pkg/store"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Conn   clickhouse.Conn

	// SyncInsert makes each insert visible to reads before it returns.
	SyncInsert bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Sink struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sink{log: cfg.Logger, cfg: cfg}, nil
}

func (s *Sink) Name() string { return "clickhouse" }

func (s *Sink) insertContext(ctx context.Context) context.Context {
	if s.cfg.SyncInsert {
		return clickhouse.ContextWithSyncInsert(ctx)
	}
	return ctx
}

func (s *Sink) insert(ctx context.Context, query string, row ...any) error {
	ctx = s.insertContext(ctx)
	batch, err := s.cfg.Conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close()
	if err := batch.Append(row...); err != nil {
		return fmt.Errorf("failed to append row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// RecordUsageReport appends an accepted report to fact_usage_reports.
func (s *Sink) RecordUsageReport(ctx context.Context, r store.UsageReport) error {
	breakdown := r.Breakdown
	if breakdown == nil {
		breakdown = map[string]int32{}
	}
	err := s.insert(ctx, `INSERT INTO fact_usage_reports (report_id, wallet, challenge_id, minutes, breakdown, reported_at, ingested_at)`,
		r.ID, r.Wallet, r.ChallengeID, r.Minutes, breakdown, r.ReportedAt.UTC(), s.cfg.Clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage report %s: %w", r.ID, err)
	}
	return nil
}

// RecordDistribution appends a distribution receipt to fact_distributions.
func (s *Sink) RecordDistribution(ctx context.Context, r distributor.Receipt) error {
	winners := make([]string, 0, len(r.Winners))
	for _, w := range r.Winners {
		winners = append(winners, w.Wallet)
	}
	err := s.insert(ctx, `INSERT INTO fact_distributions (challenge_id, address, signature, pool, share, winner_count, winners, distributed_at)`,
		r.ChallengeID, r.Address, r.Signature, r.Pool, r.Share, uint32(len(winners)), winners, r.DistributedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record distribution for challenge %d: %w", r.ChallengeID, err)
	}
	s.log.Debug("analytics: recorded distribution", "challenge_id", r.ChallengeID, "winners", len(winners))
	return nil
}

// DailyUsage is the per-day minute total for a challenge.
type DailyUsage struct {
	Day     time.Time
	Minutes int64
	Reports uint64
}

// DailyUsage aggregates reported minutes per UTC day.
func (s *Sink) DailyUsage(ctx context.Context, challengeID int64) ([]DailyUsage, error) {
	rows, err := s.cfg.Conn.Query(ctx, `
		SELECT toStartOfDay(reported_at) AS day, sum(minutes) AS minutes, count() AS reports
		FROM fact_usage_reports FINAL
		WHERE challenge_id = ?
		GROUP BY day
		ORDER BY day
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Day, &d.Minutes, &d.Reports); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
