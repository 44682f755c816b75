package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AttemptState string

const (
	AttemptSubmitted AttemptState = "submitted"
	AttemptConfirmed AttemptState = "confirmed"
	AttemptFailed    AttemptState = "failed"
)

type AttemptWinner struct {
	Wallet      string `json:"wallet"`
	Participant string `json:"participant"`
}

// DistributionAttempt is one ledger submission for a challenge.
type DistributionAttempt struct {
	ID                   uuid.UUID
	ChallengeID          int64
	State                AttemptState
	Signature            *string
	LastValidBlockHeight *int64
	Winners              []AttemptWinner
	Error                *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const attemptColumns = `id, challenge_id, state, signature, last_valid_block_height, winners, error, created_at, updated_at`

func scanAttempt(row scanner) (*DistributionAttempt, error) {
	var a DistributionAttempt
	var winners []byte
	if err := row.Scan(&a.ID, &a.ChallengeID, &a.State, &a.Signature, &a.LastValidBlockHeight, &winners, &a.Error, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if len(winners) > 0 {
		if err := json.Unmarshal(winners, &a.Winners); err != nil {
			return nil, fmt.Errorf("failed to decode winners: %w", err)
		}
	}
	return &a, nil
}

// CreateAttempt records a new attempt. The coordinator creates it in
// AttemptSubmitted with the signature set before the transaction is sent.
func (s *Store) CreateAttempt(ctx context.Context, a DistributionAttempt) (_ *DistributionAttempt, err error) {
	defer s.observe("create_attempt", time.Now(), &err)

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.State == "" {
		return nil, errors.New("attempt state is required")
	}
	if a.Winners == nil {
		a.Winners = []AttemptWinner{}
	}
	winners, err := json.Marshal(a.Winners)
	if err != nil {
		return nil, fmt.Errorf("failed to encode winners: %w", err)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO distribution_attempts (id, challenge_id, state, signature, last_valid_block_height, winners, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+attemptColumns,
		a.ID, a.ChallengeID, a.State, a.Signature, a.LastValidBlockHeight, winners, a.Error,
	)
	out, err := scanAttempt(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create distribution attempt: %w", err)
	}
	return out, nil
}

// UpdateAttempt sets an attempt's state and, when non-nil, its error text.
func (s *Store) UpdateAttempt(ctx context.Context, id uuid.UUID, state AttemptState, errMsg *string) (err error) {
	defer s.observe("update_attempt", time.Now(), &err)

	tag, err := s.db.Exec(ctx, `
		UPDATE distribution_attempts
		SET state = $2, error = COALESCE($3, error), updated_at = now()
		WHERE id = $1
	`, id, state, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update distribution attempt %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestAttempt returns the most recent attempt for a challenge.
func (s *Store) LatestAttempt(ctx context.Context, challengeID int64) (_ *DistributionAttempt, err error) {
	defer s.observe("latest_attempt", time.Now(), &err)

	row := s.db.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM distribution_attempts
		WHERE challenge_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, challengeID)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (s *Store) ListAttempts(ctx context.Context, challengeID int64) (_ []DistributionAttempt, err error) {
	defer s.observe("list_attempts", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM distribution_attempts
		WHERE challenge_id = $1
		ORDER BY created_at
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list distribution attempts: %w", err)
	}
	defer rows.Close()

	out := []DistributionAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan distribution attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
