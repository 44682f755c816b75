package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
	"github.com/doomscroll/backend/indexer/pkg/metrics"
	"github.com/doomscroll/backend/utils/pkg/retry"
)

// RPC is the subset of *rpc.Client used by the gateway.
type RPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, programID solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	RPC       RPC
	ProgramID solana.PublicKey

	// Verifier signs distribute_rewards and end_challenge. Optional for
	// read-only use.
	Verifier solana.PrivateKey

	Commitment          rpc.CommitmentType
	Retry               retry.Config
	RequestsPerSecond   float64
	Burst               int
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	return nil
}

// Gateway is the only component that talks to the ledger program.
type Gateway struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	readRetry := cfg.Retry
	readRetry.Retryable = isTransient
	cfg.Retry = readRetry

	return &Gateway{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

func (g *Gateway) ProgramID() solana.PublicKey {
	return g.cfg.ProgramID
}

// VerifierKey returns the signing key's public half, or the zero key when
// the gateway is read-only.
func (g *Gateway) VerifierKey() solana.PublicKey {
	if len(g.cfg.Verifier) == 0 {
		return solana.PublicKey{}
	}
	return g.cfg.Verifier.PublicKey()
}

// call runs fn under the rate limiter and records metrics for method.
func call[T any](ctx context.Context, g *Gateway, method string, fn func() (T, error)) (T, error) {
	var zero T
	if err := g.limiter.Wait(ctx); err != nil {
		return zero, err
	}
	start := time.Now()
	v, err := fn()
	metrics.RecordLedgerRequest(method, start, err)
	return v, err
}

// read is call with retries for idempotent requests.
func read[T any](ctx context.Context, g *Gateway, method string, fn func() (T, error)) (T, error) {
	v, err := retry.DoValue(ctx, g.cfg.Retry, func() (T, error) {
		return call(ctx, g, method, fn)
	})
	if err != nil {
		var zero T
		return zero, classifyRead(err)
	}
	return v, nil
}

func (g *Gateway) DeriveChallengeAddress(creator solana.PublicKey, sequenceID uint64) (solana.PublicKey, error) {
	addr, _, err := program.ChallengeAddress(g.cfg.ProgramID, creator, sequenceID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive challenge address: %w", err)
	}
	return addr, nil
}

func (g *Gateway) DeriveParticipantAddress(challenge, user solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := program.ParticipantAddress(g.cfg.ProgramID, challenge, user)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive participant address: %w", err)
	}
	return addr, nil
}

func (g *Gateway) fetchAccountData(ctx context.Context, method string, addr solana.PublicKey) ([]byte, error) {
	resp, err := read(ctx, g, method, func() (*rpc.GetAccountInfoResult, error) {
		return g.cfg.RPC.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
			Commitment: g.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
		})
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Value == nil || resp.Value.Data == nil {
		return nil, wrap(ErrNotFound, fmt.Errorf("account %s", addr))
	}
	if !resp.Value.Owner.Equals(g.cfg.ProgramID) {
		return nil, fmt.Errorf("account %s is owned by %s, not the program", addr, resp.Value.Owner)
	}
	return resp.Value.Data.GetBinary(), nil
}

// FetchChallenge returns ErrNotFound if the account does not exist.
func (g *Gateway) FetchChallenge(ctx context.Context, addr solana.PublicKey) (*program.Challenge, error) {
	data, err := g.fetchAccountData(ctx, "getAccountInfo", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch challenge %s: %w", addr, err)
	}
	return program.DecodeChallenge(data)
}

// FetchChallengeCount reads the program-wide challenge counter. A missing
// counter account means no challenge was ever created.
func (g *Gateway) FetchChallengeCount(ctx context.Context) (uint64, error) {
	addr, _, err := program.GlobalCounterAddress(g.cfg.ProgramID)
	if err != nil {
		return 0, fmt.Errorf("failed to derive global counter address: %w", err)
	}
	data, err := g.fetchAccountData(ctx, "getAccountInfo", addr)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch global counter: %w", err)
	}
	counter, err := program.DecodeGlobalCounter(data)
	if err != nil {
		return 0, err
	}
	return uint64(counter.ChallengeCount), nil
}

type ChallengeAccount struct {
	Address solana.PublicKey
	Account program.Challenge
}

type ParticipantAccount struct {
	Address solana.PublicKey
	Account program.Participant
}

func (g *Gateway) programAccounts(ctx context.Context, filters []rpc.RPCFilter) (rpc.GetProgramAccountsResult, error) {
	return read(ctx, g, "getProgramAccounts", func() (rpc.GetProgramAccountsResult, error) {
		return g.cfg.RPC.GetProgramAccountsWithOpts(ctx, g.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
			Commitment: g.cfg.Commitment,
			Encoding:   solana.EncodingBase64,
			Filters:    filters,
		})
	})
}

// ListChallenges returns every challenge account owned by the program.
// Accounts that fail to decode are logged and skipped.
func (g *Gateway) ListChallenges(ctx context.Context) ([]ChallengeAccount, error) {
	resp, err := g.programAccounts(ctx, []rpc.RPCFilter{
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: program.ChallengeDiscriminator[:]}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}

	out := make([]ChallengeAccount, 0, len(resp))
	for _, acc := range resp {
		if acc == nil || acc.Account == nil || acc.Account.Data == nil {
			continue
		}
		c, err := program.DecodeChallenge(acc.Account.Data.GetBinary())
		if err != nil {
			g.log.Warn("ledger: skipping undecodable challenge account", "address", acc.Pubkey, "error", err)
			continue
		}
		out = append(out, ChallengeAccount{Address: acc.Pubkey, Account: *c})
	}
	return out, nil
}

// FetchParticipants returns every participant account joined to challenge.
func (g *Gateway) FetchParticipants(ctx context.Context, challenge solana.PublicKey) ([]ParticipantAccount, error) {
	resp, err := g.programAccounts(ctx, []rpc.RPCFilter{
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: program.ParticipantDiscriminator[:]}},
		{Memcmp: &rpc.RPCFilterMemcmp{Offset: program.ParticipantChallengeOffset, Bytes: challenge.Bytes()}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch participants for %s: %w", challenge, err)
	}

	out := make([]ParticipantAccount, 0, len(resp))
	for _, acc := range resp {
		if acc == nil || acc.Account == nil || acc.Account.Data == nil {
			continue
		}
		p, err := program.DecodeParticipant(acc.Account.Data.GetBinary())
		if err != nil {
			g.log.Warn("ledger: skipping undecodable participant account", "address", acc.Pubkey, "error", err)
			continue
		}
		if !p.Challenge.Equals(challenge) {
			continue
		}
		out = append(out, ParticipantAccount{Address: acc.Pubkey, Account: *p})
	}
	return out, nil
}

// BlockHeight returns the current block height at the configured commitment.
func (g *Gateway) BlockHeight(ctx context.Context) (uint64, error) {
	h, err := read(ctx, g, "getBlockHeight", func() (uint64, error) {
		return g.cfg.RPC.GetBlockHeight(ctx, g.cfg.Commitment)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get block height: %w", err)
	}
	return h, nil
}
