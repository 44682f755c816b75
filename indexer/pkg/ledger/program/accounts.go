package program

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

type Status uint8

const (
	StatusActive      Status = 0
	StatusEnded       Status = 1
	StatusDistributed Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	case StatusDistributed:
		return "distributed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	return s <= StatusDistributed
}

// Anchor account discriminators. Account names keep their Rust casing.
var (
	ChallengeDiscriminator     = [8]byte(bin.SighashTypeID(bin.SIGHASH_ACCOUNT_NAMESPACE, "Challenge"))
	ParticipantDiscriminator   = [8]byte(bin.SighashTypeID(bin.SIGHASH_ACCOUNT_NAMESPACE, "Participant"))
	GlobalCounterDiscriminator = [8]byte(bin.SighashTypeID(bin.SIGHASH_ACCOUNT_NAMESPACE, "GlobalCounter"))
)

// ParticipantChallengeOffset is the byte offset of Participant.Challenge in
// the raw account data, used for memcmp filters.
const ParticipantChallengeOffset = 8 + 32

var ErrDiscriminatorMismatch = errors.New("account discriminator mismatch")

type Challenge struct {
	Creator          solana.PublicKey
	EntryFee         uint64
	DoomThreshold    uint64
	StartTime        int64
	EndTime          int64
	ParticipantCount uint32
	Verifier         solana.PublicKey
	Status           Status
	Bump             uint8
}

func (c *Challenge) StartsAt() time.Time { return time.Unix(c.StartTime, 0).UTC() }
func (c *Challenge) EndsAt() time.Time   { return time.Unix(c.EndTime, 0).UTC() }

func (c *Challenge) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if err := readDiscriminator(dec, ChallengeDiscriminator); err != nil {
		return err
	}
	if c.Creator, err = readPublicKey(dec); err != nil {
		return fmt.Errorf("creator: %w", err)
	}
	if c.EntryFee, err = dec.ReadUint64(bin.LE); err != nil {
		return fmt.Errorf("entry_fee: %w", err)
	}
	if c.DoomThreshold, err = dec.ReadUint64(bin.LE); err != nil {
		return fmt.Errorf("doom_threshold: %w", err)
	}
	if c.StartTime, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	if c.EndTime, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	if c.ParticipantCount, err = dec.ReadUint32(bin.LE); err != nil {
		return fmt.Errorf("participant_count: %w", err)
	}
	if c.Verifier, err = readPublicKey(dec); err != nil {
		return fmt.Errorf("verifier: %w", err)
	}
	status, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	c.Status = Status(status)
	if c.Bump, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("bump: %w", err)
	}
	return nil
}

func (c Challenge) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(ChallengeDiscriminator[:], false); err != nil {
		return err
	}
	if err := enc.WriteBytes(c.Creator[:], false); err != nil {
		return err
	}
	if err := enc.WriteUint64(c.EntryFee, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint64(c.DoomThreshold, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(c.StartTime, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(c.EndTime, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint32(c.ParticipantCount, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBytes(c.Verifier[:], false); err != nil {
		return err
	}
	if err := enc.WriteUint8(uint8(c.Status)); err != nil {
		return err
	}
	return enc.WriteUint8(c.Bump)
}

type Participant struct {
	User         solana.PublicKey
	Challenge    solana.PublicKey
	Deposited    uint64
	JoinedAt     int64
	Disqualified bool
	Bump         uint8
}

func (p *Participant) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if err := readDiscriminator(dec, ParticipantDiscriminator); err != nil {
		return err
	}
	if p.User, err = readPublicKey(dec); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	if p.Challenge, err = readPublicKey(dec); err != nil {
		return fmt.Errorf("challenge: %w", err)
	}
	if p.Deposited, err = dec.ReadUint64(bin.LE); err != nil {
		return fmt.Errorf("deposited: %w", err)
	}
	if p.JoinedAt, err = dec.ReadInt64(bin.LE); err != nil {
		return fmt.Errorf("joined_at: %w", err)
	}
	if p.Disqualified, err = dec.ReadBool(); err != nil {
		return fmt.Errorf("disqualified: %w", err)
	}
	if p.Bump, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("bump: %w", err)
	}
	return nil
}

func (p Participant) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(ParticipantDiscriminator[:], false); err != nil {
		return err
	}
	if err := enc.WriteBytes(p.User[:], false); err != nil {
		return err
	}
	if err := enc.WriteBytes(p.Challenge[:], false); err != nil {
		return err
	}
	if err := enc.WriteUint64(p.Deposited, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteInt64(p.JoinedAt, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteBool(p.Disqualified); err != nil {
		return err
	}
	return enc.WriteUint8(p.Bump)
}

type GlobalCounter struct {
	ChallengeCount uint8
}

func (g *GlobalCounter) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if err := readDiscriminator(dec, GlobalCounterDiscriminator); err != nil {
		return err
	}
	if g.ChallengeCount, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("challenge_count: %w", err)
	}
	return nil
}

func (g GlobalCounter) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(GlobalCounterDiscriminator[:], false); err != nil {
		return err
	}
	return enc.WriteUint8(g.ChallengeCount)
}

func DecodeChallenge(data []byte) (*Challenge, error) {
	var c Challenge
	if err := c.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return &c, nil
}

func DecodeParticipant(data []byte) (*Participant, error) {
	var p Participant
	if err := p.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("failed to decode participant: %w", err)
	}
	return &p, nil
}

func DecodeGlobalCounter(data []byte) (*GlobalCounter, error) {
	var g GlobalCounter
	if err := g.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("failed to decode global counter: %w", err)
	}
	return &g, nil
}

type marshaler interface {
	MarshalWithEncoder(enc *bin.Encoder) error
}

// Encode serializes an account the way the program stores it. Used by tests
// and tooling that need raw account data.
func Encode(v marshaler) ([]byte, error) {
	var buf bytes.Buffer
	if err := v.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readDiscriminator(dec *bin.Decoder, want [8]byte) error {
	got, err := dec.ReadNBytes(8)
	if err != nil {
		return fmt.Errorf("discriminator: %w", err)
	}
	if !bytes.Equal(got, want[:]) {
		return ErrDiscriminatorMismatch
	}
	return nil
}

func readPublicKey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}
