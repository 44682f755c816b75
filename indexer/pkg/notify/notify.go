// Package notify posts distribution receipts to a Slack incoming webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/doomscroll/backend/indexer/pkg/distributor"
)

const lamportsPerSOL = 1_000_000_000

type Config struct {
	Logger     *slog.Logger
	WebhookURL string
	HTTPClient *http.Client

	// ExplorerURL, when set, links signatures as ExplorerURL + "/tx/" + sig.
	ExplorerURL string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

type Notifier struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Notifier{log: cfg.Logger, cfg: cfg}, nil
}

func (n *Notifier) Name() string { return "slack" }

func (n *Notifier) RecordDistribution(ctx context.Context, r distributor.Receipt) error {
	msg := n.message(r)
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.cfg.WebhookURL, n.cfg.HTTPClient, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	n.log.Debug("notify: posted distribution", "challenge_id", r.ChallengeID)
	return nil
}

func (n *Notifier) message(r distributor.Receipt) *slack.WebhookMessage {
	title := fmt.Sprintf("Challenge #%d distributed", r.ChallengeID)
	summary := fmt.Sprintf("%d winner(s) share %s SOL, %s SOL each", len(r.Winners), formatSOL(r.Pool), formatSOL(r.Share))
	if len(r.Winners) == 0 {
		summary = "No participant qualified; closed without a payout."
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, "*Pool*\n"+formatSOL(r.Pool)+" SOL", false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "*Share*\n"+formatSOL(r.Share)+" SOL", false, false),
	}
	if r.Signature != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, "*Transaction*\n"+n.signatureLink(r.Signature), false, false))
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, false, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, summary, false, false), fields, nil),
	}
	if len(r.Winners) > 0 {
		var b strings.Builder
		for _, w := range r.Winners {
			fmt.Fprintf(&b, "• `%s` %d min\n", w.Wallet, w.TotalMinutes)
		}
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, b.String(), false, false), nil, nil))
	}

	return &slack.WebhookMessage{
		Text:   title + ": " + summary,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func (n *Notifier) signatureLink(sig string) string {
	if n.cfg.ExplorerURL == "" {
		return "`" + sig + "`"
	}
	return fmt.Sprintf("<%s/tx/%s|%s…>", strings.TrimRight(n.cfg.ExplorerURL, "/"), sig, sig[:min(len(sig), 12)])
}

func formatSOL(lamports int64) string {
	s := fmt.Sprintf("%d.%09d", lamports/lamportsPerSOL, lamports%lamportsPerSOL)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
