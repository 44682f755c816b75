package program

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Anchor instruction discriminators over the snake_case handler names.
var (
	DistributeRewardsDiscriminator = [8]byte(bin.SighashTypeID(bin.SIGHASH_GLOBAL_NAMESPACE, "distribute_rewards"))
	EndChallengeDiscriminator      = [8]byte(bin.SighashTypeID(bin.SIGHASH_GLOBAL_NAMESPACE, "end_challenge"))
)

var ErrNoWinners = errors.New("at least one winner is required")

// Winner is a payout target. Participant is the participant account address,
// Payout the wallet credited with the share.
type Winner struct {
	Participant solana.PublicKey
	Payout      solana.PublicKey
}

// NewDistributeRewardsInstruction builds distribute_rewards. Winners are
// passed as remaining accounts in (participant, payout) pairs; the program
// rejects an empty list.
func NewDistributeRewardsInstruction(programID, challenge, verifier solana.PublicKey, winners []Winner) (solana.Instruction, error) {
	if len(winners) == 0 {
		return nil, ErrNoWinners
	}
	escrow, _, err := EscrowAddress(programID, challenge)
	if err != nil {
		return nil, fmt.Errorf("failed to derive escrow address: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: challenge, IsWritable: true},
		{PublicKey: escrow, IsWritable: true},
		{PublicKey: verifier, IsSigner: true},
		{PublicKey: solana.SystemProgramID},
	}
	for _, w := range winners {
		accounts = append(accounts,
			&solana.AccountMeta{PublicKey: w.Participant},
			&solana.AccountMeta{PublicKey: w.Payout, IsWritable: true},
		)
	}

	return solana.NewInstruction(programID, accounts, DistributeRewardsDiscriminator[:]), nil
}

func NewEndChallengeInstruction(programID, challenge, signer solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		{PublicKey: challenge, IsWritable: true},
		{PublicKey: signer, IsSigner: true},
	}
	return solana.NewInstruction(programID, accounts, EndChallengeDiscriminator[:])
}

// ShareFor returns the lamports each winner receives, matching the program's
// integer division of participant_count * entry_fee.
func ShareFor(c *Challenge, winners int) uint64 {
	if winners <= 0 {
		return 0
	}
	return uint64(c.ParticipantCount) * c.EntryFee / uint64(winners)
}
