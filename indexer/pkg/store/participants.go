package store

import (
	"context"
	"fmt"
	"time"
)

type Participant struct {
	Wallet       string
	ChallengeID  int64
	Address      string
	Deposited    int64
	JoinedAt     time.Time
	Disqualified bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const participantColumns = `wallet, challenge_id, address, deposited, joined_at, disqualified, created_at, updated_at`

func scanParticipant(row scanner) (*Participant, error) {
	var p Participant
	if err := row.Scan(&p.Wallet, &p.ChallengeID, &p.Address, &p.Deposited, &p.JoinedAt, &p.Disqualified, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertParticipant writes a participant as seen on the ledger, keyed by
// (wallet, challenge).
func (s *Store) UpsertParticipant(ctx context.Context, p Participant) (err error) {
	defer s.observe("upsert_participant", time.Now(), &err)

	_, err = s.db.Exec(ctx, `
		INSERT INTO participants (wallet, challenge_id, address, deposited, joined_at, disqualified)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (wallet, challenge_id) DO UPDATE SET
			address      = EXCLUDED.address,
			deposited    = EXCLUDED.deposited,
			joined_at    = EXCLUDED.joined_at,
			disqualified = EXCLUDED.disqualified,
			updated_at   = now()
	`, p.Wallet, p.ChallengeID, p.Address, p.Deposited, p.JoinedAt.UTC(), p.Disqualified)
	if err != nil {
		return fmt.Errorf("failed to upsert participant %s in challenge %d: %w", p.Wallet, p.ChallengeID, err)
	}
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, wallet string, challengeID int64) (_ *Participant, err error) {
	defer s.observe("get_participant", time.Now(), &err)

	row := s.db.QueryRow(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE wallet = $1 AND challenge_id = $2
	`, wallet, challengeID)
	p, err := scanParticipant(row)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// ListParticipants returns a challenge's participants ordered by wallet.
func (s *Store) ListParticipants(ctx context.Context, challengeID int64) (_ []Participant, err error) {
	defer s.observe("list_participants", time.Now(), &err)

	rows, err := s.db.Query(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE challenge_id = $1 ORDER BY wallet
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	out := []Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
