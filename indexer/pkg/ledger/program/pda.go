package program

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	challengeSeed     = "challenge"
	participantSeed   = "participant"
	escrowSeed        = "escrow"
	globalCounterSeed = "global_counter"
)

// MaxChallengeSequence is the largest sequence id that fits in the single
// seed byte used for challenge addresses.
const MaxChallengeSequence = 255

func ChallengeAddress(programID, creator solana.PublicKey, sequenceID uint64) (solana.PublicKey, uint8, error) {
	if sequenceID > MaxChallengeSequence {
		return solana.PublicKey{}, 0, fmt.Errorf("sequence id %d exceeds %d", sequenceID, MaxChallengeSequence)
	}
	return solana.FindProgramAddress([][]byte{
		[]byte(challengeSeed),
		creator.Bytes(),
		{byte(sequenceID)},
	}, programID)
}

func ParticipantAddress(programID, challenge, user solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte(participantSeed),
		challenge.Bytes(),
		user.Bytes(),
	}, programID)
}

func EscrowAddress(programID, challenge solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{
		[]byte(escrowSeed),
		challenge.Bytes(),
	}, programID)
}

func GlobalCounterAddress(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(globalCounterSeed)}, programID)
}
