package distributor

import (
	"context"
	"time"
)

// Receipt describes a completed distribution.
type Receipt struct {
	ChallengeID   int64
	Address       string
	Signature     string // empty when there were no winners
	Pool          int64
	Share         int64
	Winners       []ReceiptWinner
	DistributedAt time.Time
}

type ReceiptWinner struct {
	Wallet       string `json:"wallet"`
	Participant  string `json:"participant"`
	TotalMinutes int64  `json:"total_minutes"`
}

// Sink receives receipts. Sink failures are logged and do not affect the
// distribution, which has already happened.
type Sink interface {
	RecordDistribution(ctx context.Context, r Receipt) error
}

func (c *Coordinator) emit(ctx context.Context, r Receipt) {
	for _, s := range c.cfg.Sinks {
		if err := s.RecordDistribution(ctx, r); err != nil {
			c.log.Warn("distributor: sink failed", "challenge_id", r.ChallengeID, "sink", sinkName(s), "error", err)
		}
	}
}

type named interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(named); ok {
		return n.Name()
	}
	return "unknown"
}
