package store

import (
	"context"
	"fmt"
	"time"
)

type Challenge struct {
	ID               int64
	Address          string
	Creator          string
	Verifier         string
	EntryFee         int64
	ThresholdMinutes int64
	StartTime        time.Time
	EndTime          time.Time
	Status           Status
	ParticipantCount int32
	TotalPool        int64
	DistributionTx   *string
	DistributedAt    *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// InWindow reports whether t falls in [StartTime, EndTime).
func (c *Challenge) InWindow(t time.Time) bool {
	return !t.Before(c.StartTime) && t.Before(c.EndTime)
}

// ChallengeUpsert carries the ledger-owned fields of a challenge.
type ChallengeUpsert struct {
	ID               int64
	Address          string
	Creator          string
	Verifier         string
	EntryFee         int64
	ThresholdMinutes int64
	StartTime        time.Time
	EndTime          time.Time
	Status           Status
	ParticipantCount int32
}

const challengeColumns = `challenge_id, address, creator, verifier, entry_fee, threshold_minutes,
	start_time, end_time, status, participant_count, total_pool, distribution_tx,
	distributed_at, version, created_at, updated_at`

func scanChallenge(row scanner) (*Challenge, error) {
	var c Challenge
	err := row.Scan(
		&c.ID, &c.Address, &c.Creator, &c.Verifier, &c.EntryFee, &c.ThresholdMinutes,
		&c.StartTime, &c.EndTime, &c.Status, &c.ParticipantCount, &c.TotalPool, &c.DistributionTx,
		&c.DistributedAt, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertChallenge inserts or refreshes the ledger-owned fields of a
// challenge. Status never moves backwards; total_pool and the distribution
// reference are preserved.
func (s *Store) UpsertChallenge(ctx context.Context, in ChallengeUpsert) (_ *Challenge, err error) {
	defer s.observe("upsert_challenge", time.Now(), &err)

	row := s.db.QueryRow(ctx, `
		INSERT INTO challenges (
			challenge_id, address, creator, verifier, entry_fee, threshold_minutes,
			start_time, end_time, status, participant_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (challenge_id) DO UPDATE SET
			address           = EXCLUDED.address,
			creator           = EXCLUDED.creator,
			verifier          = EXCLUDED.verifier,
			entry_fee         = EXCLUDED.entry_fee,
			threshold_minutes = EXCLUDED.threshold_minutes,
			start_time        = EXCLUDED.start_time,
			end_time          = EXCLUDED.end_time,
			status            = GREATEST(challenges.status, EXCLUDED.status),
			participant_count = EXCLUDED.participant_count,
			version           = challenges.version + CASE WHEN EXCLUDED.status > challenges.status THEN 1 ELSE 0 END,
			updated_at        = now()
		RETURNING `+challengeColumns,
		in.ID, in.Address, in.Creator, in.Verifier, in.EntryFee, in.ThresholdMinutes,
		in.StartTime.UTC(), in.EndTime.UTC(), in.Status, in.ParticipantCount,
	)
	c, err := scanChallenge(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert challenge %d: %w", in.ID, err)
	}
	return c, nil
}

func (s *Store) GetChallenge(ctx context.Context, id int64) (_ *Challenge, err error) {
	defer s.observe("get_challenge", time.Now(), &err)

	row := s.db.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE challenge_id = $1`, id)
	c, err := scanChallenge(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *Store) GetChallengeByAddress(ctx context.Context, address string) (_ *Challenge, err error) {
	defer s.observe("get_challenge", time.Now(), &err)

	row := s.db.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE address = $1`, address)
	c, err := scanChallenge(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// ListChallengesByStatus returns challenges in any of statuses, oldest first.
func (s *Store) ListChallengesByStatus(ctx context.Context, statuses ...Status) (_ []Challenge, err error) {
	defer s.observe("list_challenges", time.Now(), &err)

	codes := make([]int16, len(statuses))
	for i, st := range statuses {
		codes[i] = int16(st)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE status = ANY($1)
		ORDER BY challenge_id
	`, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var out []Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListUnreconciled returns Distributed challenges without a transaction
// reference that still have a submitted attempt. These are payouts the mirror
// observed before the coordinator confirmed its own transaction.
func (s *Store) ListUnreconciled(ctx context.Context) (_ []Challenge, err error) {
	defer s.observe("list_unreconciled", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges c
		WHERE c.status = $1
			AND c.distribution_tx IS NULL
			AND EXISTS (
				SELECT 1 FROM distribution_attempts a
				WHERE a.challenge_id = c.challenge_id AND a.state = $2
			)
		ORDER BY challenge_id
	`, StatusDistributed, AttemptSubmitted)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreconciled challenges: %w", err)
	}
	defer rows.Close()

	var out []Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type ListChallengesParams struct {
	Status *Status
	Limit  int
	Offset int
}

// ListChallenges returns a page of challenges, newest first, and the total
// matching count.
func (s *Store) ListChallenges(ctx context.Context, p ListChallengesParams) (_ []Challenge, total int, err error) {
	defer s.observe("list_challenges", time.Now(), &err)

	var status *int16
	if p.Status != nil {
		v := int16(*p.Status)
		status = &v
	}

	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM challenges WHERE ($1::smallint IS NULL OR status = $1)
	`, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count challenges: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE ($1::smallint IS NULL OR status = $1)
		ORDER BY challenge_id DESC
		LIMIT $2 OFFSET $3
	`, status, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	out := []Challenge{}
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan challenge: %w", err)
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

// TransitionStatus moves a challenge from one status to a later one. It
// returns ErrConflict when the challenge is no longer in from.
func (s *Store) TransitionStatus(ctx context.Context, id int64, from, to Status) (err error) {
	defer s.observe("transition_status", time.Now(), &err)

	if to <= from {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE challenges
		SET status = $3, version = version + 1, updated_at = now()
		WHERE challenge_id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition challenge %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkDistributed sets the terminal status and the ledger transaction
// reference, if any. It also fills in the reference on a challenge the
// mirror already advanced to Distributed.
func (s *Store) MarkDistributed(ctx context.Context, id int64, tx *string) (err error) {
	defer s.observe("mark_distributed", time.Now(), &err)

	tag, err := s.db.Exec(ctx, `
		UPDATE challenges
		SET status = $3,
			distribution_tx = COALESCE($2, distribution_tx),
			distributed_at = COALESCE(distributed_at, now()),
			version = version + 1,
			updated_at = now()
		WHERE challenge_id = $1
			AND (status = $4 OR (status = $3 AND distribution_tx IS NULL))
	`, id, tx, StatusDistributed, StatusEnded)
	if err != nil {
		return fmt.Errorf("failed to mark challenge %d distributed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// RecomputePool sets total_pool to the sum of mirrored deposits.
func (s *Store) RecomputePool(ctx context.Context, id int64) (_ int64, err error) {
	defer s.observe("recompute_pool", time.Now(), &err)

	var pool int64
	err = s.db.QueryRow(ctx, `
		UPDATE challenges
		SET total_pool = COALESCE((SELECT SUM(deposited) FROM participants WHERE challenge_id = $1), 0),
			updated_at = now()
		WHERE challenge_id = $1
		RETURNING total_pool
	`, id).Scan(&pool)
	if err != nil {
		return 0, notFound(err)
	}
	return pool, nil
}
