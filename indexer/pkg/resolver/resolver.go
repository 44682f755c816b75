// Package resolver decides which participants of an ended challenge won.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
	"github.com/doomscroll/backend/indexer/pkg/store"
)

// ErrInvariantViolation is returned when winners are requested for a
// challenge that has not ended.
var ErrInvariantViolation = errors.New("invariant violation")

// WinnerCandidate is a participant that qualifies for a share of the pool.
type WinnerCandidate struct {
	Wallet       string
	Participant  string
	TotalMinutes int64
}

// Standing is one leaderboard row.
type Standing struct {
	Wallet       string
	TotalMinutes int64
	ReportCount  int64
	Disqualified bool
	Qualifies    bool
}

type Config struct {
	Logger *slog.Logger
	Store  *store.Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

type Resolver struct {
	log   *slog.Logger
	store *store.Store
}

func New(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{log: cfg.Logger, store: cfg.Store}, nil
}

// WithStore returns a resolver that reads through s.
func (r *Resolver) WithStore(s *store.Store) *Resolver {
	return &Resolver{log: r.log, store: s}
}

// Resolve returns the winners of an ended challenge sorted by wallet. An
// empty result is valid.
func (r *Resolver) Resolve(ctx context.Context, challengeID int64) ([]WinnerCandidate, error) {
	c, err := r.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if c.Status != store.StatusEnded {
		return nil, fmt.Errorf("%w: challenge %d is %s, not %s", ErrInvariantViolation, challengeID, c.Status, store.StatusEnded)
	}

	participants, err := r.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	totals, err := r.store.UsageTotals(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	winners := SelectWinners(c.ThresholdMinutes, participants, totals)
	r.log.Debug("resolver: resolved winners", "challenge_id", challengeID, "participants", len(participants), "winners", len(winners))
	return winners, nil
}

// SelectWinners applies the winning rule: not disqualified, at least one
// report, and total minutes strictly below the threshold. A participant
// without reports never wins.
func SelectWinners(threshold int64, participants []store.Participant, totals map[string]int64) []WinnerCandidate {
	out := make([]WinnerCandidate, 0, len(participants))
	for _, p := range participants {
		total, reported := totals[p.Wallet]
		if p.Disqualified || !reported || total >= threshold {
			continue
		}
		out = append(out, WinnerCandidate{Wallet: p.Wallet, Participant: p.Address, TotalMinutes: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out
}

// SplitPool returns the equal share each winner is paid, computed the way
// the program does from the entry fee and participant count. The remainder
// of the integer division stays in escrow.
func SplitPool(c *store.Challenge, winners int) int64 {
	if c.EntryFee <= 0 || c.ParticipantCount <= 0 {
		return 0
	}
	return int64(program.ShareFor(&program.Challenge{
		EntryFee:         uint64(c.EntryFee),
		ParticipantCount: uint32(c.ParticipantCount),
	}, winners))
}

// Leaderboard ranks every participant by ascending usage. Ties break by
// wallet. Participants without reports sort last.
func (r *Resolver) Leaderboard(ctx context.Context, challengeID int64) ([]Standing, error) {
	c, err := r.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	participants, err := r.store.ListParticipants(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	stats, err := r.store.UsageStats(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	out := make([]Standing, 0, len(participants))
	for _, p := range participants {
		st := stats[p.Wallet]
		out = append(out, Standing{
			Wallet:       p.Wallet,
			TotalMinutes: st.TotalMinutes,
			ReportCount:  st.ReportCount,
			Disqualified: p.Disqualified,
			Qualifies:    !p.Disqualified && st.ReportCount > 0 && st.TotalMinutes < c.ThresholdMinutes,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ReportCount == 0) != (b.ReportCount == 0) {
			return b.ReportCount == 0
		}
		if a.TotalMinutes != b.TotalMinutes {
			return a.TotalMinutes < b.TotalMinutes
		}
		return a.Wallet < b.Wallet
	})
	return out, nil
}
