// Package usage accepts self-reported usage for challenge participants and
// aggregates it. Reports are append-only; corrections are further reports and
// totals are sums.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/doomscroll/backend/indexer/pkg/metrics"
	"github.com/doomscroll/backend/indexer/pkg/store"
)

// Sink receives accepted reports for downstream analytics. Failures are
// logged and never reject a report.
type Sink interface {
	RecordUsageReport(ctx context.Context, r store.UsageReport) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *store.Store
	Sink   Sink // optional
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Ledger struct {
	log   *slog.Logger
	cfg   Config
	store *store.Store
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, cfg: cfg, store: cfg.Store}, nil
}

// Submission is an authenticated usage report. Wallet is the authenticated
// submitter, never a value taken from the request body.
type Submission struct {
	Wallet      string
	ChallengeID int64
	Minutes     int64
	Breakdown   map[string]int64
	ReportedAt  time.Time
}

func (s Submission) validate() error {
	if s.Wallet == "" {
		return invalid("wallet", "is required")
	}
	if _, err := solana.PublicKeyFromBase58(s.Wallet); err != nil {
		return invalid("wallet", "not a valid public key")
	}
	if s.Minutes < 0 {
		return invalid("minutes", "must not be negative")
	}
	if s.Minutes > math.MaxInt32 {
		return invalid("minutes", "too large")
	}
	for k, v := range s.Breakdown {
		if k == "" {
			return invalid("breakdown", "category name is required")
		}
		if v < 0 {
			return invalid("breakdown", "%s must not be negative", k)
		}
		if v > math.MaxInt32 {
			return invalid("breakdown", "%s too large", k)
		}
	}
	if s.ReportedAt.IsZero() {
		return invalid("reported_at", "is required")
	}
	return nil
}

// Submit validates and stores a report. It fails with a *ValidationError,
// ErrParticipantNotFound, ErrChallengeNotActive or ErrOutOfWindow. The window
// is [start, end): a report at exactly the end time is rejected, and both the
// service clock and the client timestamp must fall inside it.
func (l *Ledger) Submit(ctx context.Context, sub Submission) (_ *store.UsageReport, err error) {
	defer func() {
		metrics.UsageReportsTotal.WithLabelValues(outcome(err)).Inc()
	}()

	if err := sub.validate(); err != nil {
		return nil, err
	}

	// Membership is checked first, so an unknown challenge reads as not
	// joined.
	if _, err := l.store.GetParticipant(ctx, sub.Wallet, sub.ChallengeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}

	challenge, err := l.store.GetChallenge(ctx, sub.ChallengeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	if challenge.Status != store.StatusActive {
		return nil, ErrChallengeNotActive
	}

	now := l.cfg.Clock.Now()
	if !challenge.InWindow(now) || !challenge.InWindow(sub.ReportedAt) {
		return nil, ErrOutOfWindow
	}

	breakdown := make(map[string]int32, len(sub.Breakdown))
	for k, v := range sub.Breakdown {
		breakdown[k] = int32(v)
	}
	report, err := l.store.InsertUsageReport(ctx, store.UsageReport{
		Wallet:      sub.Wallet,
		ChallengeID: sub.ChallengeID,
		Minutes:     int32(sub.Minutes),
		Breakdown:   breakdown,
		ReportedAt:  sub.ReportedAt,
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("usage: report accepted", "wallet", sub.Wallet, "challenge_id", sub.ChallengeID, "minutes", sub.Minutes)

	if l.cfg.Sink != nil {
		if err := l.cfg.Sink.RecordUsageReport(ctx, *report); err != nil {
			l.log.Warn("usage: failed to record report in sink", "report_id", report.ID, "error", err)
		}
	}
	return report, nil
}

// Aggregate returns the summed minutes for a wallet in a challenge.
func (l *Ledger) Aggregate(ctx context.Context, wallet string, challengeID int64) (int64, error) {
	return l.store.SumUsage(ctx, wallet, challengeID)
}

// AllChallengesFor lists the challenges a wallet joined, with usage totals.
func (l *Ledger) AllChallengesFor(ctx context.Context, wallet string) ([]store.ChallengeUsage, error) {
	return l.store.UserChallenges(ctx, wallet)
}

// Reports returns a wallet's reports for a challenge, newest first, and
// their total.
func (l *Ledger) Reports(ctx context.Context, wallet string, challengeID int64) ([]store.UsageReport, int64, error) {
	reports, err := l.store.ListUsageReports(ctx, wallet, challengeID)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	for _, r := range reports {
		total += int64(r.Minutes)
	}
	return reports, total, nil
}

func outcome(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return "accepted"
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, ErrParticipantNotFound):
		return "not_participant"
	case errors.Is(err, ErrChallengeNotActive):
		return "not_active"
	case errors.Is(err, ErrOutOfWindow):
		return "out_of_window"
	default:
		return "error"
	}
}
