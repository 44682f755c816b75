// Package ledgertest provides an in-memory ledger program for tests of the
// components that sit on top of the gateway.
package ledgertest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/doomscroll/backend/indexer/pkg/ledger/gateway"
	"github.com/doomscroll/backend/indexer/pkg/ledger/program"
)

var ProgramID = solana.MustPublicKeyFromBase58("11111111111111111111111111111112")

// Ledger is a fake of the gateway's capability surface. By default a sent
// distribution lands immediately and confirms; the hooks override that.
type Ledger struct {
	mu sync.Mutex

	challenges   map[solana.PublicKey]*program.Challenge
	participants map[solana.PublicKey][]gateway.ParticipantAccount
	txs          map[solana.Signature]gateway.TxState
	pending      map[solana.Signature]pendingTx
	distributed  map[solana.PublicKey][]program.Winner
	count        uint64
	height       uint64
	nextSig      uint64
	calls        map[string]int

	// SendFunc, when set, replaces the default send behavior. Land can be
	// called from it to apply the transaction.
	SendFunc func(sub *gateway.Submission) error
	// ConfirmFunc, when set, replaces the default confirmation behavior.
	ConfirmFunc func(sig solana.Signature) error
	// FetchErr, when set, is returned by every FetchChallenge call.
	FetchErr error
}

type pendingTx struct {
	challenge solana.PublicKey
	winners   []program.Winner
	end       bool
}

func New() *Ledger {
	return &Ledger{
		challenges:   make(map[solana.PublicKey]*program.Challenge),
		participants: make(map[solana.PublicKey][]gateway.ParticipantAccount),
		txs:          make(map[solana.Signature]gateway.TxState),
		pending:      make(map[solana.Signature]pendingTx),
		distributed:  make(map[solana.PublicKey][]program.Winner),
		height:       100,
		calls:        make(map[string]int),
	}
}

func (l *Ledger) record(method string) {
	l.calls[method]++
}

// Calls returns how many times method was called.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (l *Ledger) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

// AddChallenge creates a challenge account at the address derived from the
// creator and the next sequence id, and returns the address and id.
func (l *Ledger) AddChallenge(c program.Challenge) (solana.PublicKey, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c.Creator.IsZero() {
		c.Creator = solana.NewWallet().PublicKey()
	}
	seq := l.count
	addr, _, err := program.ChallengeAddress(ProgramID, c.Creator, seq)
	if err != nil {
		panic(err)
	}
	l.count++
	l.challenges[addr] = &c
	return addr, seq
}

// AddParticipant joins a new random user to the challenge and bumps its
// participant count.
func (l *Ledger) AddParticipant(challenge solana.PublicKey, deposited uint64, disqualified bool) gateway.ParticipantAccount {
	return l.AddParticipantFor(challenge, solana.NewWallet().PublicKey(), deposited, disqualified)
}

// AddParticipantFor joins a specific user to the challenge.
func (l *Ledger) AddParticipantFor(challenge, user solana.PublicKey, deposited uint64, disqualified bool) gateway.ParticipantAccount {
	l.mu.Lock()
	defer l.mu.Unlock()

	addr, _, err := program.ParticipantAddress(ProgramID, challenge, user)
	if err != nil {
		panic(err)
	}
	pa := gateway.ParticipantAccount{
		Address: addr,
		Account: program.Participant{
			User:         user,
			Challenge:    challenge,
			Deposited:    deposited,
			JoinedAt:     1,
			Disqualified: disqualified,
		},
	}
	l.participants[challenge] = append(l.participants[challenge], pa)
	if c, ok := l.challenges[challenge]; ok {
		c.ParticipantCount++
	}
	return pa
}

func (l *Ledger) RemoveChallenge(addr solana.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.challenges, addr)
}

func (l *Ledger) SetStatus(addr solana.PublicKey, status program.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.challenges[addr]; ok {
		c.Status = status
	}
}

func (l *Ledger) Status(addr solana.PublicKey) program.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.challenges[addr].Status
}

func (l *Ledger) SetBlockHeight(h uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.height = h
}

// Distributed returns the winners paid by the landed distribution, if any.
func (l *Ledger) Distributed(addr solana.PublicKey) []program.Winner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.distributed[addr]
}

// Land applies a built transaction as if the network processed it.
func (l *Ledger) Land(sig solana.Signature) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.landLocked(sig)
}

func (l *Ledger) landLocked(sig solana.Signature) {
	p, ok := l.pending[sig]
	if !ok {
		return
	}
	c := l.challenges[p.challenge]
	switch {
	case c == nil:
		l.txs[sig] = gateway.TxFailed
	case p.end:
		if c.Status != program.StatusActive {
			l.txs[sig] = gateway.TxFailed
			return
		}
		c.Status = program.StatusEnded
		l.txs[sig] = gateway.TxConfirmed
	default:
		if c.Status != program.StatusEnded {
			l.txs[sig] = gateway.TxFailed
			return
		}
		c.Status = program.StatusDistributed
		l.distributed[p.challenge] = p.winners
		l.txs[sig] = gateway.TxConfirmed
	}
}

func (l *Ledger) FetchChallenge(_ context.Context, addr solana.PublicKey) (*program.Challenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("FetchChallenge")

	if l.FetchErr != nil {
		return nil, l.FetchErr
	}
	c, ok := l.challenges[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gateway.ErrNotFound, addr)
	}
	cp := *c
	return &cp, nil
}

func (l *Ledger) FetchParticipants(_ context.Context, challenge solana.PublicKey) ([]gateway.ParticipantAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("FetchParticipants")

	return append([]gateway.ParticipantAccount(nil), l.participants[challenge]...), nil
}

func (l *Ledger) ListChallenges(context.Context) ([]gateway.ChallengeAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("ListChallenges")

	out := make([]gateway.ChallengeAccount, 0, len(l.challenges))
	for addr, c := range l.challenges {
		out = append(out, gateway.ChallengeAccount{Address: addr, Account: *c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, nil
}

func (l *Ledger) FetchChallengeCount(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("FetchChallengeCount")
	return l.count, nil
}

func (l *Ledger) DeriveChallengeAddress(creator solana.PublicKey, sequenceID uint64) (solana.PublicKey, error) {
	addr, _, err := program.ChallengeAddress(ProgramID, creator, sequenceID)
	return addr, err
}

func (l *Ledger) DeriveParticipantAddress(challenge, user solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := program.ParticipantAddress(ProgramID, challenge, user)
	return addr, err
}

// AddParticipantAt stores a participant account at an arbitrary address,
// bypassing PDA derivation.
func (l *Ledger) AddParticipantAt(challenge, addr solana.PublicKey, deposited uint64) gateway.ParticipantAccount {
	l.mu.Lock()
	defer l.mu.Unlock()

	pa := gateway.ParticipantAccount{
		Address: addr,
		Account: program.Participant{
			User:      solana.NewWallet().PublicKey(),
			Challenge: challenge,
			Deposited: deposited,
			JoinedAt:  1,
		},
	}
	l.participants[challenge] = append(l.participants[challenge], pa)
	return pa
}

func (l *Ledger) newSubmission(p pendingTx) *gateway.Submission {
	l.nextSig++
	var sig solana.Signature
	binary.LittleEndian.PutUint64(sig[:8], l.nextSig)
	l.pending[sig] = p
	return &gateway.Submission{Signature: sig, LastValidBlockHeight: l.height + 150}
}

func (l *Ledger) BuildDistribution(_ context.Context, challenge solana.PublicKey, winners []program.Winner) (*gateway.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("BuildDistribution")

	if len(winners) == 0 {
		return nil, program.ErrNoWinners
	}
	return l.newSubmission(pendingTx{challenge: challenge, winners: append([]program.Winner(nil), winners...)}), nil
}

func (l *Ledger) Send(_ context.Context, sub *gateway.Submission) error {
	l.mu.Lock()
	l.record("Send")
	hook := l.SendFunc
	if hook == nil {
		l.landLocked(sub.Signature)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return hook(sub)
}

func (l *Ledger) ConfirmTransaction(_ context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	l.mu.Lock()
	l.record("ConfirmTransaction")
	hook := l.ConfirmFunc
	if hook != nil {
		l.mu.Unlock()
		return hook(sig)
	}
	defer l.mu.Unlock()

	switch l.txs[sig] {
	case gateway.TxConfirmed:
		return nil
	case gateway.TxFailed:
		return fmt.Errorf("%w: %s", gateway.ErrRejected, sig)
	}
	if l.height > lastValidBlockHeight {
		return fmt.Errorf("%w: %s", gateway.ErrExpired, sig)
	}
	return fmt.Errorf("%w: %s", gateway.ErrConfirmationTimeout, sig)
}

func (l *Ledger) TransactionStatus(_ context.Context, sig solana.Signature) (gateway.TxState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("TransactionStatus")

	if st, ok := l.txs[sig]; ok {
		return st, nil
	}
	return gateway.TxNotFound, nil
}

// Expired compares lastValidBlockHeight against the height set with
// SetBlockHeight.
func (l *Ledger) Expired(_ context.Context, lastValidBlockHeight uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("Expired")
	return l.height > lastValidBlockHeight, nil
}

func (l *Ledger) EndChallenge(_ context.Context, challenge solana.PublicKey) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("EndChallenge")

	sub := l.newSubmission(pendingTx{challenge: challenge, end: true})
	l.landLocked(sub.Signature)
	if l.txs[sub.Signature] != gateway.TxConfirmed {
		return sub.Signature, fmt.Errorf("%w: end_challenge failed", gateway.ErrRejected)
	}
	return sub.Signature, nil
}
