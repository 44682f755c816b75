package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type UsageReport struct {
	ID          uuid.UUID
	Wallet      string
	ChallengeID int64
	Minutes     int32
	Breakdown   map[string]int32
	ReportedAt  time.Time
	CreatedAt   time.Time
}

// ChallengeUsage is a participant's view of one challenge: the challenge, the
// participant row and the reported totals.
type ChallengeUsage struct {
	Challenge    Challenge
	Deposited    int64
	Disqualified bool
	TotalMinutes int64
	ReportCount  int64
}

// InsertUsageReport appends a report. Reports are never updated or deleted.
func (s *Store) InsertUsageReport(ctx context.Context, r UsageReport) (_ *UsageReport, err error) {
	defer s.observe("insert_usage_report", time.Now(), &err)

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Breakdown == nil {
		r.Breakdown = map[string]int32{}
	}
	breakdown, err := json.Marshal(r.Breakdown)
	if err != nil {
		return nil, fmt.Errorf("failed to encode breakdown: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO usage_reports (id, wallet, challenge_id, minutes, breakdown, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, r.ID, r.Wallet, r.ChallengeID, r.Minutes, breakdown, r.ReportedAt.UTC()).Scan(&r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage report: %w", err)
	}
	r.ReportedAt = r.ReportedAt.UTC()
	return &r, nil
}

// SumUsage returns the total reported minutes, 0 when there are no reports.
func (s *Store) SumUsage(ctx context.Context, wallet string, challengeID int64) (_ int64, err error) {
	defer s.observe("sum_usage", time.Now(), &err)

	var total int64
	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(minutes), 0) FROM usage_reports WHERE wallet = $1 AND challenge_id = $2
	`, wallet, challengeID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total, nil
}

// UsageTotals returns summed minutes per wallet for every wallet with at
// least one report in the challenge.
func (s *Store) UsageTotals(ctx context.Context, challengeID int64) (_ map[string]int64, err error) {
	defer s.observe("usage_totals", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT wallet, SUM(minutes) FROM usage_reports WHERE challenge_id = $1 GROUP BY wallet
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var wallet string
		var total int64
		if err := rows.Scan(&wallet, &total); err != nil {
			return nil, fmt.Errorf("failed to scan usage total: %w", err)
		}
		out[wallet] = total
	}
	return out, rows.Err()
}

// ListUsageReports returns a wallet's reports for a challenge, newest first.
func (s *Store) ListUsageReports(ctx context.Context, wallet string, challengeID int64) (_ []UsageReport, err error) {
	defer s.observe("list_usage_reports", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT id, wallet, challenge_id, minutes, breakdown, reported_at, created_at
		FROM usage_reports
		WHERE wallet = $1 AND challenge_id = $2
		ORDER BY reported_at DESC, created_at DESC
	`, wallet, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage reports: %w", err)
	}
	defer rows.Close()

	out := []UsageReport{}
	for rows.Next() {
		var r UsageReport
		var breakdown []byte
		if err := rows.Scan(&r.ID, &r.Wallet, &r.ChallengeID, &r.Minutes, &breakdown, &r.ReportedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage report: %w", err)
		}
		if len(breakdown) > 0 {
			if err := json.Unmarshal(breakdown, &r.Breakdown); err != nil {
				return nil, fmt.Errorf("failed to decode breakdown: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UserChallenges returns every challenge the wallet has joined with its
// usage aggregates, newest challenge first.
func (s *Store) UserChallenges(ctx context.Context, wallet string) (_ []ChallengeUsage, err error) {
	defer s.observe("user_challenges", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT c.challenge_id, c.address, c.creator, c.verifier, c.entry_fee, c.threshold_minutes,
			c.start_time, c.end_time, c.status, c.participant_count, c.total_pool, c.distribution_tx,
			c.distributed_at, c.version, c.created_at, c.updated_at,
			p.deposited, p.disqualified,
			COALESCE(u.total, 0), COALESCE(u.reports, 0)
		FROM participants p
		JOIN challenges c ON c.challenge_id = p.challenge_id
		LEFT JOIN (
			SELECT challenge_id, SUM(minutes) AS total, COUNT(*) AS reports
			FROM usage_reports
			WHERE wallet = $1
			GROUP BY challenge_id
		) u ON u.challenge_id = p.challenge_id
		WHERE p.wallet = $1
		ORDER BY c.challenge_id DESC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query user challenges: %w", err)
	}
	defer rows.Close()

	out := []ChallengeUsage{}
	for rows.Next() {
		var cu ChallengeUsage
		c := &cu.Challenge
		if err := rows.Scan(
			&c.ID, &c.Address, &c.Creator, &c.Verifier, &c.EntryFee, &c.ThresholdMinutes,
			&c.StartTime, &c.EndTime, &c.Status, &c.ParticipantCount, &c.TotalPool, &c.DistributionTx,
			&c.DistributedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
			&cu.Deposited, &cu.Disqualified, &cu.TotalMinutes, &cu.ReportCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user challenge: %w", err)
		}
		out = append(out, cu)
	}
	return out, rows.Err()
}

// UsageStat is a wallet's aggregate within one challenge.
type UsageStat struct {
	TotalMinutes int64
	ReportCount  int64
}

// UsageStats returns aggregates per wallet for every wallet with at least one
// report in the challenge.
func (s *Store) UsageStats(ctx context.Context, challengeID int64) (_ map[string]UsageStat, err error) {
	defer s.observe("usage_stats", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT wallet, SUM(minutes), COUNT(*) FROM usage_reports WHERE challenge_id = $1 GROUP BY wallet
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]UsageStat)
	for rows.Next() {
		var wallet string
		var st UsageStat
		if err := rows.Scan(&wallet, &st.TotalMinutes, &st.ReportCount); err != nil {
			return nil, fmt.Errorf("failed to scan usage stat: %w", err)
		}
		out[wallet] = st
	}
	return out, rows.Err()
}
