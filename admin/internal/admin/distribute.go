package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/doomscroll/backend/indexer/pkg/distributor"
)

// Distributor runs the distribution coordinator on demand.
type Distributor interface {
	Run(ctx context.Context) error
	Distribute(ctx context.Context, challengeID int64) (distributor.Outcome, error)
}

// DistributeOnce distributes one challenge, or runs a full coordinator pass
// when id is negative.
func DistributeOnce(ctx context.Context, log *slog.Logger, d Distributor, id int64, out io.Writer) error {
	if id < 0 {
		log.Info("running full distribution pass")
		if err := d.Run(ctx); err != nil {
			return fmt.Errorf("distribution pass failed: %w", err)
		}
		fmt.Fprintln(out, "Distribution pass completed")
		return nil
	}

	outcome, err := d.Distribute(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to distribute challenge %d: %w", id, err)
	}
	fmt.Fprintf(out, "Challenge %d: %s\n", id, outcome)
	return nil
}
