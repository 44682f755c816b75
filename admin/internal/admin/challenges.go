package admin

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/doomscroll/backend/indexer/pkg/store"
)

// ChallengeLister is the store surface used by ListChallenges.
type ChallengeLister interface {
	ListChallenges(ctx context.Context, p store.ListChallengesParams) ([]store.Challenge, int, error)
}

// ListChallenges prints mirrored challenges, newest first. An empty status
// lists every challenge.
func ListChallenges(ctx context.Context, st ChallengeLister, status string, limit int, out io.Writer) error {
	params := store.ListChallengesParams{Limit: limit}
	if status != "" {
		s, err := store.ParseStatus(status)
		if err != nil {
			return err
		}
		params.Status = &s
	}

	challenges, total, err := st.ListChallenges(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to list challenges: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPARTICIPANTS\tPOOL\tTHRESHOLD\tEND\tADDRESS")
	for _, c := range challenges {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			c.ID, c.Status, c.ParticipantCount, c.TotalPool, c.ThresholdMinutes,
			c.EndTime.UTC().Format(time.RFC3339), c.Address)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d of %d challenge(s)\n", len(challenges), total)
	return nil
}
