package distributor

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/doomscroll/backend/indexer/pkg/ledger/gateway"
	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
	"github.com/doomscroll/backend/indexer/pkg/metrics"
	"github.com/doomscroll/backend/indexer/pkg/resolver"
	"github.com/doomscroll/backend/indexer/pkg/store"
	"github.com/doomscroll/backend/utils/pkg/errtrack"
)

// Outcome is the result of one distribution pass over a challenge.
type Outcome string

const (
	// OutcomeDistributed: a transaction sent by this pass confirmed.
	OutcomeDistributed Outcome = "distributed"
	// OutcomeNoWinners: nobody qualified; the challenge closed without a transaction.
	OutcomeNoWinners Outcome = "no_winners"
	// OutcomeReconciled: the ledger already showed the payout.
	OutcomeReconciled Outcome = "reconciled"
	// OutcomeAlreadyDistributed: the mirror was terminal; nothing was done.
	OutcomeAlreadyDistributed Outcome = "already_distributed"
	// OutcomePending: a submitted transaction may still land.
	OutcomePending Outcome = "pending"
	// OutcomeRejected: the ledger rejected the transaction.
	OutcomeRejected Outcome = "rejected"
	// OutcomeExpired: the transaction can no longer land.
	OutcomeExpired Outcome = "expired"
	// OutcomeNotFound: the challenge is absent on the ledger.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeLocked: another worker holds the challenge.
	OutcomeLocked Outcome = "locked"
)

// Distribute runs one distribution pass for a challenge. It is safe to call
// concurrently and from several processes; at most one pass per challenge
// runs at a time and later callers return OutcomeLocked.
func (c *Coordinator) Distribute(ctx context.Context, challengeID int64) (outcome Outcome, err error) {
	defer func() {
		if err != nil {
			metrics.DistributionsTotal.WithLabelValues("error").Inc()
			return
		}
		metrics.DistributionsTotal.WithLabelValues(string(outcome)).Inc()
	}()

	if !c.tryAcquire(challengeID) {
		return OutcomeLocked, nil
	}
	defer c.release(challengeID)

	span := errtrack.StartSpan(ctx, "distributor.distribute", fmt.Sprintf("challenge %d", challengeID))
	defer span.Finish()
	ctx = span.Context()

	locked, err := c.store.WithChallengeLock(ctx, challengeID, func(ctx context.Context, st *store.Store) error {
		var err error
		outcome, err = c.lockedPass(st).distribute(ctx, challengeID)
		return err
	})
	if err != nil {
		return "", err
	}
	if !locked {
		c.log.Debug("distributor: challenge locked by another instance", "challenge_id", challengeID)
		return OutcomeLocked, nil
	}
	return outcome, nil
}

// pass is one distribution pass under the challenge lock. Its store and
// resolver read through the connection that holds the lock.
type pass struct {
	*Coordinator
	store    *store.Store
	resolver *resolver.Resolver
}

func (c *Coordinator) lockedPass(st *store.Store) *pass {
	return &pass{Coordinator: c, store: st, resolver: c.cfg.Resolver.WithStore(st)}
}

func (c *pass) distribute(ctx context.Context, challengeID int64) (Outcome, error) {
	ch, err := c.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return "", err
	}
	if ch.Status == store.StatusDistributed {
		if ch.DistributionTx == nil {
			return c.settleObserved(ctx, ch)
		}
		return OutcomeAlreadyDistributed, nil
	}
	if ch.Status != store.StatusEnded {
		return "", fmt.Errorf("%w: challenge %d is %s", resolver.ErrInvariantViolation, challengeID, ch.Status)
	}

	addr, err := solana.PublicKeyFromBase58(ch.Address)
	if err != nil {
		return "", fmt.Errorf("invalid challenge address %q: %w", ch.Address, err)
	}

	// The ledger is authoritative: a previous pass may have landed a payout
	// whose confirmation this process never saw.
	acc, err := c.cfg.Ledger.FetchChallenge(ctx, addr)
	if errors.Is(err, gateway.ErrNotFound) {
		c.log.Warn("distributor: challenge not found on ledger", "challenge_id", challengeID, "address", addr)
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch challenge: %w", err)
	}

	last, err := c.store.LatestAttempt(ctx, challengeID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	switch acc.Status {
	case program.StatusDistributed:
		return OutcomeReconciled, c.reconcile(ctx, ch, last)
	case program.StatusActive:
		c.log.Info("distributor: ledger has not ended challenge yet", "challenge_id", challengeID)
		return OutcomePending, nil
	}

	if last != nil && last.State == store.AttemptSubmitted {
		outcome, done, err := c.checkSubmitted(ctx, ch, last)
		if err != nil || done {
			return outcome, err
		}
	}

	winners, err := c.resolver.Resolve(ctx, challengeID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve winners: %w", err)
	}
	if len(winners) == 0 {
		if err := c.store.MarkDistributed(ctx, challengeID, nil); err != nil {
			return "", err
		}
		c.log.Info("distributor: challenge closed without winners", "challenge_id", challengeID)
		c.emit(ctx, c.receipt(ch, "", nil))
		return OutcomeNoWinners, nil
	}

	return c.submit(ctx, ch, addr, winners)
}

// checkSubmitted resolves an attempt whose outcome was never observed. done
// is false when the attempt can no longer land and a new one may be sent.
func (c *pass) checkSubmitted(ctx context.Context, ch *store.Challenge, a *store.DistributionAttempt) (Outcome, bool, error) {
	if a.Signature == nil {
		return "", false, c.failAttempt(ctx, a, "no signature recorded")
	}
	sig, err := solana.SignatureFromBase58(*a.Signature)
	if err != nil {
		return "", false, c.failAttempt(ctx, a, "invalid signature recorded")
	}

	state, err := c.cfg.Ledger.TransactionStatus(ctx, sig)
	if err != nil {
		return "", true, fmt.Errorf("failed to check transaction status: %w", err)
	}
	switch state {
	case gateway.TxConfirmed:
		return OutcomeDistributed, true, c.finalize(ctx, ch, a, winnersFromAttempt(a))
	case gateway.TxFailed:
		return "", false, c.failAttempt(ctx, a, "transaction failed on ledger")
	case gateway.TxPending:
		return OutcomePending, true, nil
	}

	if a.LastValidBlockHeight != nil {
		expired, err := c.cfg.Ledger.Expired(ctx, uint64(*a.LastValidBlockHeight))
		if err != nil {
			return "", true, fmt.Errorf("failed to check blockhash expiry: %w", err)
		}
		if !expired {
			c.log.Info("distributor: previous transaction may still land, waiting", "challenge_id", ch.ID, "signature", sig)
			return OutcomePending, true, nil
		}
	}
	return "", false, c.failAttempt(ctx, a, "blockhash expired before the transaction landed")
}

func (c *pass) submit(ctx context.Context, ch *store.Challenge, addr solana.PublicKey, winners []resolver.WinnerCandidate) (Outcome, error) {
	targets := make([]program.Winner, 0, len(winners))
	recorded := make([]store.AttemptWinner, 0, len(winners))
	for _, w := range winners {
		participant, err := solana.PublicKeyFromBase58(w.Participant)
		if err != nil {
			return "", fmt.Errorf("invalid participant address %q: %w", w.Participant, err)
		}
		payout, err := solana.PublicKeyFromBase58(w.Wallet)
		if err != nil {
			return "", fmt.Errorf("invalid wallet %q: %w", w.Wallet, err)
		}
		targets = append(targets, program.Winner{Participant: participant, Payout: payout})
		recorded = append(recorded, store.AttemptWinner{Wallet: w.Wallet, Participant: w.Participant})
	}

	sub, err := c.cfg.Ledger.BuildDistribution(ctx, addr, targets)
	if err != nil {
		return "", fmt.Errorf("failed to build distribution: %w", err)
	}

	// Record the signature before sending so an unobserved outcome can be
	// resolved on a later pass.
	sig := sub.Signature.String()
	lastValid := int64(sub.LastValidBlockHeight)
	attempt, err := c.store.CreateAttempt(ctx, store.DistributionAttempt{
		ChallengeID:          ch.ID,
		State:                store.AttemptSubmitted,
		Signature:            &sig,
		LastValidBlockHeight: &lastValid,
		Winners:              recorded,
	})
	if err != nil {
		return "", err
	}

	c.log.Info("distributor: sending distribution", "challenge_id", ch.ID, "winners", len(winners), "signature", sig)
	if err := c.cfg.Ledger.Send(ctx, sub); err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			return OutcomeRejected, c.failAttempt(ctx, attempt, err.Error())
		}
		c.log.Warn("distributor: send outcome unknown", "challenge_id", ch.ID, "signature", sig, "error", err)
		return OutcomePending, nil
	}

	err = c.cfg.Ledger.ConfirmTransaction(ctx, sub.Signature, sub.LastValidBlockHeight)
	switch {
	case err == nil:
		return OutcomeDistributed, c.finalize(ctx, ch, attempt, winners)
	case errors.Is(err, gateway.ErrRejected):
		errtrack.Capture(ctx, err, map[string]string{"component": viewType, "challenge_id": fmt.Sprint(ch.ID)})
		return OutcomeRejected, c.failAttempt(ctx, attempt, err.Error())
	case errors.Is(err, gateway.ErrExpired):
		return OutcomeExpired, c.failAttempt(ctx, attempt, err.Error())
	default:
		c.log.Warn("distributor: distribution outcome unknown", "challenge_id", ch.ID, "signature", sig, "error", err)
		return OutcomePending, nil
	}
}

func (c *pass) finalize(ctx context.Context, ch *store.Challenge, a *store.DistributionAttempt, winners []resolver.WinnerCandidate) error {
	if err := c.store.UpdateAttempt(ctx, a.ID, store.AttemptConfirmed, nil); err != nil {
		return err
	}
	if err := c.store.MarkDistributed(ctx, ch.ID, a.Signature); err != nil {
		return err
	}
	c.log.Info("distributor: challenge distributed", "challenge_id", ch.ID, "signature", *a.Signature, "winners", len(winners))
	c.emit(ctx, c.receipt(ch, *a.Signature, winners))
	return nil
}

// reconcile records a payout found on the ledger. The last attempt's
// signature becomes the transaction reference only when the ledger confirms
// that transaction; a submitted attempt whose transaction failed or never
// landed is marked failed.
func (c *pass) reconcile(ctx context.Context, ch *store.Challenge, last *store.DistributionAttempt) error {
	var sig *string
	if last != nil && last.Signature != nil {
		switch last.State {
		case store.AttemptConfirmed:
			sig = last.Signature
		case store.AttemptSubmitted:
			state, err := c.attemptStatus(ctx, last)
			if err != nil {
				return err
			}
			switch state {
			case gateway.TxConfirmed:
				if err := c.store.UpdateAttempt(ctx, last.ID, store.AttemptConfirmed, nil); err != nil {
					return err
				}
				sig = last.Signature
			case gateway.TxPending:
				// Leave it submitted; settleObserved picks it up once it settles.
			default:
				if err := c.failAttempt(ctx, last, "payout landed through another transaction"); err != nil {
					return err
				}
			}
		}
	}
	if err := c.store.MarkDistributed(ctx, ch.ID, sig); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	c.log.Info("distributor: ledger already distributed, mirror updated", "challenge_id", ch.ID)
	return nil
}

// attemptStatus looks up the ledger status of an attempt's signature. An
// unparseable signature reads as TxNotFound.
func (c *pass) attemptStatus(ctx context.Context, a *store.DistributionAttempt) (gateway.TxState, error) {
	sig, err := solana.SignatureFromBase58(*a.Signature)
	if err != nil {
		return gateway.TxNotFound, nil
	}
	state, err := c.cfg.Ledger.TransactionStatus(ctx, sig)
	if err != nil {
		return "", fmt.Errorf("failed to check transaction status: %w", err)
	}
	return state, nil
}

// settleObserved handles a challenge the mirror moved to Distributed while an
// attempt was still submitted. The attempt's own status decides whether its
// signature becomes the transaction reference.
func (c *pass) settleObserved(ctx context.Context, ch *store.Challenge) (Outcome, error) {
	last, err := c.store.LatestAttempt(ctx, ch.ID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeAlreadyDistributed, nil
	}
	if err != nil {
		return "", err
	}
	if last.State != store.AttemptSubmitted || last.Signature == nil {
		return OutcomeAlreadyDistributed, nil
	}

	state, err := c.attemptStatus(ctx, last)
	if err != nil {
		return "", err
	}
	if state == gateway.TxPending {
		return OutcomePending, nil
	}
	return OutcomeReconciled, c.reconcile(ctx, ch, last)
}

func (c *pass) failAttempt(ctx context.Context, a *store.DistributionAttempt, reason string) error {
	c.log.Warn("distributor: distribution attempt failed", "challenge_id", a.ChallengeID, "attempt_id", a.ID, "reason", reason)
	return c.store.UpdateAttempt(ctx, a.ID, store.AttemptFailed, &reason)
}

func (c *Coordinator) receipt(ch *store.Challenge, sig string, winners []resolver.WinnerCandidate) Receipt {
	r := Receipt{
		ChallengeID:   ch.ID,
		Address:       ch.Address,
		Signature:     sig,
		Pool:          ch.TotalPool,
		Share:         resolver.SplitPool(ch, len(winners)),
		DistributedAt: c.cfg.Clock.Now().UTC(),
	}
	for _, w := range winners {
		r.Winners = append(r.Winners, ReceiptWinner{Wallet: w.Wallet, Participant: w.Participant, TotalMinutes: w.TotalMinutes})
	}
	return r
}

func winnersFromAttempt(a *store.DistributionAttempt) []resolver.WinnerCandidate {
	out := make([]resolver.WinnerCandidate, 0, len(a.Winners))
	for _, w := range a.Winners {
		out = append(out, resolver.WinnerCandidate{Wallet: w.Wallet, Participant: w.Participant})
	}
	return out
}
