package gateway

import (
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/doomscroll/backend/utils/pkg/retry"
)

var (
	// ErrNotFound means the account does not exist, or is not yet visible at
	// the configured commitment.
	ErrNotFound = errors.New("ledger: account not found")

	// ErrTransient covers network failures, timeouts and rate limiting.
	ErrTransient = errors.New("ledger: transient error")

	// ErrRejected means the transaction failed simulation or execution.
	ErrRejected = errors.New("ledger: transaction rejected")

	// ErrConfirmationTimeout means a transaction was sent but its outcome is
	// unknown. The caller must re-read ledger state before trying again.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timed out")

	// ErrExpired means the transaction's blockhash expired without it landing,
	// so it can never be processed.
	ErrExpired = errors.New("ledger: transaction expired")

	ErrNoSigner = errors.New("ledger: verifier key is not configured")
)

// JSON-RPC error codes returned by Solana nodes.
const (
	rpcCodeSendTransactionPreflightFailure = -32002
	rpcCodeSignatureVerificationFailure    = -32003
	rpcCodeNodeUnhealthy                   = -32005
	rpcCodeTooManyRequests                 = 429
)

type ledgerError struct {
	kind error
	err  error
}

func (e *ledgerError) Error() string   { return e.kind.Error() + ": " + e.err.Error() }
func (e *ledgerError) Unwrap() []error { return []error{e.kind, e.err} }

func wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return &ledgerError{kind: kind, err: err}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpcCodeNodeUnhealthy, rpcCodeTooManyRequests:
			return true
		case rpcCodeSendTransactionPreflightFailure, rpcCodeSignatureVerificationFailure:
			return false
		}
	}
	return retry.IsRetryable(err)
}

// classifyRead maps a failed read to ErrNotFound, ErrTransient or leaves it
// as is.
func classifyRead(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return wrap(ErrNotFound, err)
	}
	if isTransient(err) {
		return wrap(ErrTransient, err)
	}
	return err
}

// classifySend maps a failed send. Anything that is not a definite
// rejection is treated as transient, since the node may still forward it.
func classifySend(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpcCodeSendTransactionPreflightFailure, rpcCodeSignatureVerificationFailure:
			return wrap(ErrRejected, err)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "blockhash not found") {
		return wrap(ErrRejected, err)
	}
	return wrap(ErrTransient, err)
}
