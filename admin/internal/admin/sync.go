package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/doomscroll/backend/indexer/pkg/store"
)

// Syncer re-reads challenges from the ledger into the store.
type Syncer interface {
	Refresh(ctx context.Context) error
	SyncByID(ctx context.Context, id int64) (*store.Challenge, error)
	SyncByCreator(ctx context.Context, creator solana.PublicKey, sequenceID uint64) (*store.Challenge, error)
}

// SyncChallenge syncs one challenge. A negative id runs a full mirror pass
// instead. creator is needed for challenges that are not mirrored yet.
func SyncChallenge(ctx context.Context, log *slog.Logger, s Syncer, id int64, creator string, out io.Writer) error {
	if id < 0 {
		log.Info("running full mirror refresh")
		if err := s.Refresh(ctx); err != nil {
			return fmt.Errorf("failed to refresh mirror: %w", err)
		}
		fmt.Fprintln(out, "Mirror refresh completed")
		return nil
	}

	var (
		c   *store.Challenge
		err error
	)
	if creator != "" {
		pk, perr := solana.PublicKeyFromBase58(creator)
		if perr != nil {
			return fmt.Errorf("invalid creator: %w", perr)
		}
		c, err = s.SyncByCreator(ctx, pk, uint64(id))
	} else {
		c, err = s.SyncByID(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to sync challenge %d: %w", id, err)
	}
	if c == nil {
		return fmt.Errorf("challenge %d not found on ledger", id)
	}

	fmt.Fprintf(out, "Synced challenge %d: status=%s participants=%d pool=%d\n", c.ID, c.Status, c.ParticipantCount, c.TotalPool)
	return nil
}
