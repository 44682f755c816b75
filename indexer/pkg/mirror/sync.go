package mirror

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/doomscroll/backend/indexer/pkg/ledger/gateway"
	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
	"github.com/doomscroll/backend/indexer/pkg/store"
)

// SyncChallenge copies a challenge from the ledger into the store. It returns
// nil, nil when the challenge is absent on the ledger, leaving any local row
// untouched.
func (v *View) SyncChallenge(ctx context.Context, addr solana.PublicKey, sequenceID uint64) (*store.Challenge, error) {
	acc, err := v.cfg.Ledger.FetchChallenge(ctx, addr)
	if errors.Is(err, gateway.ErrNotFound) {
		v.log.Info("mirror: challenge not found on ledger", "challenge_id", sequenceID, "address", addr)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch challenge %d: %w", sequenceID, err)
	}

	in, err := toChallengeUpsert(addr, sequenceID, acc)
	if err != nil {
		return nil, err
	}
	c, err := v.store.UpsertChallenge(ctx, in)
	if err != nil {
		return nil, err
	}
	v.log.Debug("mirror: synced challenge", "challenge_id", c.ID, "status", c.Status)
	return c, nil
}

// SyncParticipants upserts every participant of a challenge and recomputes
// its pool. It returns the number of participants written.
func (v *View) SyncParticipants(ctx context.Context, challengeID int64, addr solana.PublicKey) (int, error) {
	accounts, err := v.cfg.Ledger.FetchParticipants(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch participants for challenge %d: %w", challengeID, err)
	}

	written := 0
	for _, pa := range accounts {
		// Only the PDA for (challenge, user) is a real membership record.
		want, err := v.cfg.Ledger.DeriveParticipantAddress(addr, pa.Account.User)
		if err != nil {
			return 0, err
		}
		if !want.Equals(pa.Address) {
			v.log.Warn("mirror: skipping participant account at unexpected address", "challenge_id", challengeID, "address", pa.Address, "expected", want)
			continue
		}
		p, err := toParticipant(challengeID, pa)
		if err != nil {
			return 0, err
		}
		if err := v.store.UpsertParticipant(ctx, p); err != nil {
			return 0, err
		}
		written++
	}

	pool, err := v.store.RecomputePool(ctx, challengeID)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute pool for challenge %d: %w", challengeID, err)
	}
	v.log.Debug("mirror: synced participants", "challenge_id", challengeID, "count", written, "total_pool", pool)
	return written, nil
}

// discover mirrors challenges that exist on the ledger but not in the store.
// A challenge address does not encode its sequence id, so it is recovered by
// deriving candidate addresses from the creator.
func (v *View) discover(ctx context.Context) error {
	accounts, err := v.cfg.Ledger.ListChallenges(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	var unknown []gateway.ChallengeAccount
	for _, acc := range accounts {
		if _, err := v.store.GetChallengeByAddress(ctx, acc.Address.String()); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		unknown = append(unknown, acc)
	}
	if len(unknown) == 0 {
		return nil
	}

	count, err := v.cfg.Ledger.FetchChallengeCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch challenge count: %w", err)
	}

	for _, acc := range unknown {
		seq, ok := v.resolveSequence(acc, count)
		if !ok {
			v.log.Warn("mirror: could not resolve challenge sequence", "address", acc.Address, "creator", acc.Account.Creator)
			continue
		}
		if _, err := v.Sync(ctx, acc.Address, seq); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			v.log.Warn("mirror: failed to sync discovered challenge", "challenge_id", seq, "error", err)
			continue
		}
		v.log.Info("mirror: discovered challenge", "challenge_id", seq, "address", acc.Address)
	}
	return nil
}

func (v *View) resolveSequence(acc gateway.ChallengeAccount, count uint64) (uint64, bool) {
	v.seqMu.Lock()
	defer v.seqMu.Unlock()

	if seq, ok := v.sequences[acc.Address]; ok {
		return seq, true
	}
	limit := min(count, program.MaxChallengeSequence+1)
	for i := uint64(0); i < limit; i++ {
		addr, err := v.cfg.Ledger.DeriveChallengeAddress(acc.Account.Creator, i)
		if err != nil {
			continue
		}
		if addr.Equals(acc.Address) {
			v.sequences[acc.Address] = i
			return i, true
		}
	}
	return 0, false
}

func toChallengeUpsert(addr solana.PublicKey, sequenceID uint64, c *program.Challenge) (store.ChallengeUpsert, error) {
	if !c.Status.Valid() {
		return store.ChallengeUpsert{}, fmt.Errorf("challenge %d has unknown status %d", sequenceID, c.Status)
	}
	if c.EntryFee > math.MaxInt64 || c.DoomThreshold > math.MaxInt64 {
		return store.ChallengeUpsert{}, fmt.Errorf("challenge %d has out of range amounts", sequenceID)
	}
	return store.ChallengeUpsert{
		ID:               int64(sequenceID),
		Address:          addr.String(),
		Creator:          c.Creator.String(),
		Verifier:         c.Verifier.String(),
		EntryFee:         int64(c.EntryFee),
		ThresholdMinutes: int64(c.DoomThreshold),
		StartTime:        c.StartsAt(),
		EndTime:          c.EndsAt(),
		Status:           store.Status(c.Status),
		ParticipantCount: int32(c.ParticipantCount),
	}, nil
}

func toParticipant(challengeID int64, pa gateway.ParticipantAccount) (store.Participant, error) {
	if pa.Account.Deposited > math.MaxInt64 {
		return store.Participant{}, fmt.Errorf("participant %s has out of range deposit", pa.Address)
	}
	return store.Participant{
		Wallet:       pa.Account.User.String(),
		ChallengeID:  challengeID,
		Address:      pa.Address.String(),
		Deposited:    int64(pa.Account.Deposited),
		JoinedAt:     time.Unix(pa.Account.JoinedAt, 0).UTC(),
		Disqualified: pa.Account.Disqualified,
	}, nil
}
