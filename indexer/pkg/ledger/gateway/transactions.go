package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
)

type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
	TxNotFound  TxState = "not_found"
)

// Submission is a signed transaction whose signature is known before it is
// sent. Callers persist Signature and LastValidBlockHeight first so an
// interrupted send can be resolved later without resubmitting blindly.
type Submission struct {
	Signature            solana.Signature
	LastValidBlockHeight uint64

	tx *solana.Transaction
}

func (g *Gateway) signer() (*solana.PrivateKey, error) {
	if len(g.cfg.Verifier) == 0 {
		return nil, ErrNoSigner
	}
	key := g.cfg.Verifier
	return &key, nil
}

func (g *Gateway) build(ctx context.Context, ix solana.Instruction) (*Submission, error) {
	key, err := g.signer()
	if err != nil {
		return nil, err
	}
	payer := key.PublicKey()

	recent, err := read(ctx, g, "getLatestBlockhash", func() (*rpc.GetLatestBlockhashResult, error) {
		return g.cfg.RPC.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if recent == nil || recent.Value == nil {
		return nil, wrap(ErrTransient, errors.New("empty blockhash response"))
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	_, err = tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(payer) {
			return key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return &Submission{
		Signature:            tx.Signatures[0],
		LastValidBlockHeight: recent.Value.LastValidBlockHeight,
		tx:                   tx,
	}, nil
}

// BuildDistribution signs, but does not send, a distribute_rewards
// transaction for challenge.
func (g *Gateway) BuildDistribution(ctx context.Context, challenge solana.PublicKey, winners []program.Winner) (*Submission, error) {
	ix, err := program.NewDistributeRewardsInstruction(g.cfg.ProgramID, challenge, g.VerifierKey(), winners)
	if err != nil {
		return nil, err
	}
	return g.build(ctx, ix)
}

func (g *Gateway) BuildEndChallenge(ctx context.Context, challenge solana.PublicKey) (*Submission, error) {
	ix := program.NewEndChallengeInstruction(g.cfg.ProgramID, challenge, g.VerifierKey())
	return g.build(ctx, ix)
}

// Send submits a built transaction once. It is never retried here: a send
// that fails with ErrTransient may still land, so callers must check
// TransactionStatus before building a replacement.
func (g *Gateway) Send(ctx context.Context, sub *Submission) error {
	if sub == nil || sub.tx == nil {
		return errors.New("submission has no transaction")
	}
	_, err := call(ctx, g, "sendTransaction", func() (solana.Signature, error) {
		return g.cfg.RPC.SendTransactionWithOpts(ctx, sub.tx, rpc.TransactionOpts{
			PreflightCommitment: g.cfg.Commitment,
		})
	})
	if err != nil {
		return classifySend(err)
	}
	g.log.Info("ledger: transaction sent", "signature", sub.Signature, "last_valid_block_height", sub.LastValidBlockHeight)
	return nil
}

// SubmitDistribution builds, sends and confirms distribute_rewards.
func (g *Gateway) SubmitDistribution(ctx context.Context, challenge solana.PublicKey, winners []program.Winner) (solana.Signature, error) {
	sub, err := g.BuildDistribution(ctx, challenge, winners)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := g.Send(ctx, sub); err != nil {
		return sub.Signature, err
	}
	return sub.Signature, g.ConfirmTransaction(ctx, sub.Signature, sub.LastValidBlockHeight)
}

// EndChallenge transitions an Active challenge to Ended on the ledger.
func (g *Gateway) EndChallenge(ctx context.Context, challenge solana.PublicKey) (solana.Signature, error) {
	sub, err := g.BuildEndChallenge(ctx, challenge)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := g.Send(ctx, sub); err != nil {
		return sub.Signature, err
	}
	return sub.Signature, g.ConfirmTransaction(ctx, sub.Signature, sub.LastValidBlockHeight)
}

// TransactionStatus reports what the ledger knows about sig. A status
// carrying an execution error is TxFailed; confirmed or finalized is
// TxConfirmed.
func (g *Gateway) TransactionStatus(ctx context.Context, sig solana.Signature) (TxState, error) {
	resp, err := read(ctx, g, "getSignatureStatuses", func() (*rpc.GetSignatureStatusesResult, error) {
		return g.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
	})
	if err != nil {
		return "", fmt.Errorf("failed to get signature status: %w", err)
	}
	if resp == nil || len(resp.Value) == 0 || resp.Value[0] == nil {
		return TxNotFound, nil
	}
	st := resp.Value[0]
	if st.Err != nil {
		return TxFailed, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return TxConfirmed, nil
	}
	return TxPending, nil
}

// ConfirmTransaction polls until sig is confirmed, fails, expires or the
// confirm timeout elapses. It returns nil, ErrRejected, ErrExpired or
// ErrConfirmationTimeout respectively.
func (g *Gateway) ConfirmTransaction(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	deadline := g.cfg.Clock.Now().Add(g.cfg.ConfirmTimeout)
	ticker := g.cfg.Clock.NewTicker(g.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		state, err := g.TransactionStatus(ctx, sig)
		if err != nil {
			g.log.Warn("ledger: status check failed", "signature", sig, "error", err)
		}
		switch state {
		case TxConfirmed:
			return nil
		case TxFailed:
			return wrap(ErrRejected, fmt.Errorf("transaction %s failed on execution", sig))
		case TxNotFound:
			if lastValidBlockHeight > 0 {
				height, err := g.BlockHeight(ctx)
				if err == nil && height > lastValidBlockHeight {
					// Re-check once: the tx may have landed between the two calls.
					if again, err := g.TransactionStatus(ctx, sig); err == nil && again == TxNotFound {
						return wrap(ErrExpired, fmt.Errorf("transaction %s: block height %d past %d", sig, height, lastValidBlockHeight))
					}
				}
			}
		}

		if !g.cfg.Clock.Now().Before(deadline) {
			return wrap(ErrConfirmationTimeout, fmt.Errorf("transaction %s after %s", sig, g.cfg.ConfirmTimeout))
		}

		select {
		case <-ctx.Done():
			return wrap(ErrConfirmationTimeout, ctx.Err())
		case <-ticker.Chan():
		}
	}
}

// Expired reports whether a transaction that was never observed can no
// longer land.
func (g *Gateway) Expired(ctx context.Context, lastValidBlockHeight uint64) (bool, error) {
	h, err := g.BlockHeight(ctx)
	if err != nil {
		return false, err
	}
	return h > lastValidBlockHeight, nil
}
